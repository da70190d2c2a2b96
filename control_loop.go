package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"theftguard/agent/agent"
	"theftguard/agent/location"
	"theftguard/agent/lockscreen"
	"theftguard/agent/storage"
	"theftguard/agent/sysinfo"
)

// defaultLockPassword is used when the backend sends a lock command without
// a password, so the device is never locked behind an empty secret.
const defaultLockPassword = "antitheft2024"

// lockMarkerStateKey is the agent_state key holding the last dispatched lock
// command, keeping dispatch idempotent across agent restarts.
const lockMarkerStateKey = "lock_marker"

// ControlLoop is the agent's top-level scheduler. It owns the local device
// state, periodically resolves location and pushes status, fetches the
// desired state at a faster cadence, and dispatches deltas to the lock
// coordinator, alarm worker and wipe worker.
type ControlLoop struct {
	client   *agent.ServerClient
	resolver *location.Resolver
	lock     *lockscreen.Coordinator
	alarm    *AlarmWorker
	wiper    *WipeWorker
	store    *storage.Store
	battery  sysinfo.BatteryProvider
	wifi     sysinfo.WiFiProvider

	tick            time.Duration
	reportInterval  time.Duration
	commandInterval time.Duration
	moveThresholdM  float64

	mu               sync.RWMutex
	localState       agent.DeviceState
	desired          agent.DesiredState
	lastReport       time.Time
	lastCommandCheck time.Time
	lastReportedFix  *agent.Fix
	lockMarker       string
	outdated         bool
	breachActive     bool
	running          bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ControlLoopDeps bundles the collaborators the loop drives.
type ControlLoopDeps struct {
	Client   *agent.ServerClient
	Resolver *location.Resolver
	Lock     *lockscreen.Coordinator
	Alarm    *AlarmWorker
	Wiper    *WipeWorker
	Store    *storage.Store
	Battery  sysinfo.BatteryProvider
	WiFi     sysinfo.WiFiProvider
}

// NewControlLoop builds the loop with the configured cadences.
func NewControlLoop(deps ControlLoopDeps, cfg IntervalsConfig, moveThresholdM int) *ControlLoop {
	return &ControlLoop{
		client:          deps.Client,
		resolver:        deps.Resolver,
		lock:            deps.Lock,
		alarm:           deps.Alarm,
		wiper:           deps.Wiper,
		store:           deps.Store,
		battery:         deps.Battery,
		wifi:            deps.WiFi,
		tick:            time.Duration(cfg.TickMs) * time.Millisecond,
		reportInterval:  time.Duration(cfg.ReportSeconds) * time.Second,
		commandInterval: time.Duration(cfg.CommandPollSeconds) * time.Second,
		moveThresholdM:  float64(moveThresholdM),
		localState:      agent.StateActive,
	}
}

// ControlLoopStatus is a diagnostics snapshot.
type ControlLoopStatus struct {
	Running      bool              `json:"running"`
	LocalState   agent.DeviceState `json:"local_state"`
	LastReport   time.Time         `json:"last_report"`
	LockState    string            `json:"lock_state"`
	AlarmRunning bool              `json:"alarm_running"`
	WipeActive   bool              `json:"wipe_active"`
	Backend      agent.ClientStats `json:"backend"`
}

// Status returns snapshot information about the loop and its workers.
func (l *ControlLoop) Status() ControlLoopStatus {
	l.mu.RLock()
	status := ControlLoopStatus{
		Running:    l.running,
		LocalState: l.localState,
		LastReport: l.lastReport,
	}
	l.mu.RUnlock()
	status.LockState = l.lock.State().String()
	status.AlarmRunning = l.alarm.Running()
	status.WipeActive = l.wiper.Active()
	status.Backend = l.client.Stats()
	return status
}

// LocalState returns the loop's current device state.
func (l *ControlLoop) LocalState() agent.DeviceState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.localState
}

// Start launches the loop.
func (l *ControlLoop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.restoreLockState()

	l.wg.Add(1)
	go l.run()
}

// restoreLockState re-adopts a lock session that outlived the previous agent
// run. The spawned lock screen is a separate process; an agent restart must
// not treat a still-locked device as unlocked, nor re-spawn a second session
// on command re-delivery.
func (l *ControlLoop) restoreLockState() {
	marker, err := l.store.GetState(lockMarkerStateKey)
	if err != nil || marker == "" {
		return
	}
	if l.lock.Adopt() {
		l.mu.Lock()
		l.localState = agent.StateLocked
		l.lockMarker = marker
		l.mu.Unlock()
		agent.Info("re-adopted live lock session from previous run")
		return
	}
	// No surviving session; drop the stale marker.
	if err := l.store.SetState(lockMarkerStateKey, ""); err != nil {
		agent.DebugCtx("failed to clear stale lock marker", "error", err)
	}
}

// Stop terminates the loop and waits for the current tick to finish.
func (l *ControlLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *ControlLoop) run() {
	defer l.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-l.stopCh
		cancel()
	}()

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.step(ctx)
		}
	}
}

// step runs one loop tick. Every stage is isolated; a failure in one never
// keeps the others from running on the next tick.
func (l *ControlLoop) step(ctx context.Context) {
	// Autonomous unlock detection closes the loop faster than waiting for
	// the next scheduled report.
	if l.lock.Poll() {
		l.handleUnlock(ctx)
	}

	now := time.Now()
	l.mu.RLock()
	reportDue := now.Sub(l.lastReport) >= l.reportInterval
	commandDue := now.Sub(l.lastCommandCheck) >= l.commandInterval
	l.mu.RUnlock()

	if reportDue {
		l.reportStatus(ctx)
		// Commands are checked right after a status push so a command
		// issued in response to it is observed with minimal latency.
		l.checkCommands(ctx)
		l.mu.Lock()
		l.lastReport = now
		l.lastCommandCheck = now
		l.mu.Unlock()
		return
	}
	if commandDue {
		l.checkCommands(ctx)
		l.mu.Lock()
		l.lastCommandCheck = now
		l.mu.Unlock()
	}
}

// reportStatus resolves location and pushes one status update. Location
// failure degrades to a status-only push, never an error.
func (l *ControlLoop) reportStatus(ctx context.Context) {
	fix, err := l.resolver.Resolve(ctx)
	if err != nil {
		agent.DebugCtx("no location available for this report", "error", err)
	}

	l.mu.RLock()
	state := l.localState
	lastFix := l.lastReportedFix
	outdated := l.outdated
	desired := l.desired
	l.mu.RUnlock()

	update := agent.StatusUpdate{
		Status:        state,
		AgentOutdated: outdated,
	}

	if fix != nil {
		moved := lastFix == nil ||
			location.HaversineM(lastFix.Latitude, lastFix.Longitude, fix.Latitude, fix.Longitude) >= l.moveThresholdM
		if moved {
			update.Location = fix
		} else {
			update.LocationUnchanged = true
		}
		if !fix.Stale {
			l.mu.Lock()
			l.lastReportedFix = fix
			l.mu.Unlock()
			if err := l.store.RecordFix(fix); err != nil {
				agent.DebugCtx("failed to persist fix", "error", err)
			}
		}
	}

	if pct, err := l.battery.Percentage(ctx); err == nil {
		update.BatteryPercentage = pct
	}

	wifiStatus, wifiErr := l.wifi.Status(ctx)
	if wifiErr == nil && wifiStatus != nil && wifiStatus.Connected {
		update.CurrentWiFiSSID = wifiStatus.SSID
	}

	l.checkGeofence(desired, wifiStatus, wifiErr, &update)

	if _, err := l.client.PushStatus(ctx, update); err != nil {
		if errors.Is(err, agent.ErrTransport) {
			agent.DebugCtx("status push failed, will retry next cycle", "error", err)
		} else {
			agent.WarnCtx("status push rejected", "error", err)
		}
	}
}

// checkGeofence evaluates a configured WiFi geofence against the current
// connection and escalates to alarm on breach.
func (l *ControlLoop) checkGeofence(desired agent.DesiredState, wifiStatus *sysinfo.WiFiStatus, wifiErr error, update *agent.StatusUpdate) {
	if !desired.GeofenceEnabled || desired.GeofenceType != "wifi" || desired.GeofenceWiFiSSID == "" {
		return
	}

	var reason string
	currentSSID := ""
	signal := 0
	switch {
	case wifiErr != nil || wifiStatus == nil || !wifiStatus.Connected:
		reason = "disconnected from geofence network"
	case wifiStatus.SSID != desired.GeofenceWiFiSSID:
		reason = "connected to a different network"
		currentSSID = wifiStatus.SSID
		signal = wifiStatus.SignalPercent
	case desired.GeofenceSignalThreshold > 0 && wifiStatus.SignalPercent < desired.GeofenceSignalThreshold:
		reason = "geofence network signal below threshold"
		currentSSID = wifiStatus.SSID
		signal = wifiStatus.SignalPercent
	}

	if reason == "" {
		l.mu.Lock()
		wasBreached := l.breachActive
		l.breachActive = false
		desiredStatus := strings.ToLower(l.desired.Status)
		if wasBreached && l.localState == agent.StateAlarm && desiredStatus != "alarm" {
			l.localState = agent.StateActive
		}
		l.mu.Unlock()
		if wasBreached && strings.ToLower(desired.Status) != "alarm" {
			l.alarm.Stop()
			agent.Info("geofence breach cleared, alarm stopped")
		}
		return
	}

	update.WiFiGeofenceBreach = true
	update.Breach = &agent.BreachDetails{
		RequiredSSID:    desired.GeofenceWiFiSSID,
		CurrentSSID:     currentSSID,
		SignalStrength:  signal,
		SignalThreshold: desired.GeofenceSignalThreshold,
		Reason:          reason,
	}

	l.mu.Lock()
	first := !l.breachActive
	l.breachActive = true
	if l.localState == agent.StateActive {
		l.localState = agent.StateAlarm
	}
	update.Status = l.localState
	l.mu.Unlock()

	if first {
		agent.WarnCtx("WiFi geofence breach detected", "reason", reason,
			"required_ssid", desired.GeofenceWiFiSSID, "current_ssid", currentSSID)
		l.alarm.Start()
	}
}

// checkCommands fetches the desired state and reconciles it.
func (l *ControlLoop) checkCommands(ctx context.Context) {
	ds, err := l.client.FetchDesiredState(ctx)
	if err != nil {
		if errors.Is(err, agent.ErrTransport) {
			agent.DebugCtx("desired-state fetch failed, backing off to next tick", "error", err)
		} else {
			agent.WarnCtx("desired-state fetch rejected", "error", err)
		}
		return
	}
	l.ApplyDesired(ctx, *ds)
}

// ApplyDesired reconciles one desired-state value against local state. It is
// also the entry point for states pushed over the websocket channel.
func (l *ControlLoop) ApplyDesired(ctx context.Context, ds agent.DesiredState) {
	l.mu.Lock()
	l.desired = ds
	l.outdated = agentOutdated(ds.MinAgentVersion)
	breachActive := l.breachActive
	state := l.localState
	l.mu.Unlock()

	switch normalizeStatus(ds.Status) {
	case "locked":
		l.handleLockCommand(ds)

	case "alarm":
		if !l.alarm.Running() {
			l.alarm.Start()
		}
		l.setLocalState(agent.StateAlarm)

	case "wiping":
		// The wipe worker polls the pending-operation endpoint itself;
		// the loop only mirrors the state.
		l.setLocalState(agent.StateWiping)

	default: // active, missing
		if l.alarm.Running() && !breachActive {
			l.alarm.Stop()
			agent.Info("alarm cleared by desired state")
		}
		switch state {
		case agent.StateAlarm:
			if !breachActive {
				l.setLocalState(agent.StateActive)
			}
		case agent.StateLocked:
			// Remote cannot unlock a live session; only the correct
			// secret entered locally can. A dead or finished session
			// means the unlock was already handled.
			if l.lock.State() == lockscreen.StateIdle {
				l.mu.Lock()
				l.localState = agent.StateActive
				l.lockMarker = ""
				l.mu.Unlock()
				l.clearLockMarker()
			}
		case agent.StateWiping:
			if !l.wiper.Active() {
				l.setLocalState(agent.StateActive)
			}
		}
	}
}

// handleLockCommand dispatches a lock once per distinct command value.
// Re-delivery of the same desired state while the session runs is a no-op.
func (l *ControlLoop) handleLockCommand(ds agent.DesiredState) {
	password := strings.TrimSpace(ds.LockPassword)
	if password == "" {
		password = defaultLockPassword
	}
	marker := password + "\x00" + ds.LockMessage

	l.mu.RLock()
	already := l.lockMarker == marker
	l.mu.RUnlock()
	if already && l.lock.State() == lockscreen.StateRunning {
		return
	}

	if err := l.lock.Dispatch(password, ds.LockMessage); err != nil {
		// Fail closed to unlocked: no OS-lock fallback with an
		// uncontrolled credential. The backend sees the device still
		// active on the next status push.
		agent.ErrorCtx("lock dispatch failed, device remains unlocked", "error", err)
		return
	}

	l.mu.Lock()
	l.localState = agent.StateLocked
	l.lockMarker = marker
	l.mu.Unlock()

	if err := l.store.SetState(lockMarkerStateKey, marker); err != nil {
		agent.DebugCtx("failed to persist lock marker", "error", err)
	}
}

// handleUnlock pushes the unlocked status immediately and out-of-band from
// the reporting cycle, independent of location availability.
func (l *ControlLoop) handleUnlock(ctx context.Context) {
	l.mu.Lock()
	l.localState = agent.StateActive
	l.lockMarker = ""
	l.mu.Unlock()
	l.clearLockMarker()

	agent.Info("device unlocked locally, pushing status out-of-band")
	update := agent.StatusUpdate{Status: agent.StateActive}
	if pct, err := l.battery.Percentage(ctx); err == nil {
		update.BatteryPercentage = pct
	}
	if _, err := l.client.PushStatus(ctx, update); err != nil {
		agent.WarnCtx("unlock status push failed, next report will carry it", "error", err)
	}
}

func (l *ControlLoop) clearLockMarker() {
	if err := l.store.SetState(lockMarkerStateKey, ""); err != nil {
		agent.DebugCtx("failed to clear lock marker", "error", err)
	}
}

func (l *ControlLoop) setLocalState(s agent.DeviceState) {
	l.mu.Lock()
	l.localState = s
	l.mu.Unlock()
}

// normalizeStatus maps backend status aliases to canonical values.
func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "locked", "lock":
		return "locked"
	case "alarm":
		return "alarm"
	case "wiped", "wipe", "wiping":
		return "wiping"
	default:
		return "active"
	}
}
