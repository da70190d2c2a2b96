package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"theftguard/agent/agent"
	"theftguard/agent/location"
	"theftguard/agent/lockscreen"
	"theftguard/agent/storage"
	"theftguard/agent/sysinfo"
)

// fakeBackend records status pushes and serves a mutable desired state.
type fakeBackend struct {
	mu      sync.Mutex
	desired agent.DesiredState
	pushes  []agent.StatusUpdate
	server  *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{desired: agent.DesiredState{Status: "active"}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/update_location", func(w http.ResponseWriter, r *http.Request) {
		var update agent.StatusUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.pushes = append(b.pushes, update)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(agent.StatusAck{Success: true})
	})
	mux.HandleFunc("/api/get_device_status/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		ds := b.desired
		b.mu.Unlock()
		json.NewEncoder(w).Encode(ds)
	})
	mux.HandleFunc("/api/v1/wipe/pending/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"has_pending":false}`)
	})
	mux.HandleFunc("/api/v1/wipe/browse_request/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"has_request":false}`)
	})
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) setDesired(ds agent.DesiredState) {
	b.mu.Lock()
	b.desired = ds
	b.mu.Unlock()
}

func (b *fakeBackend) pushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pushes)
}

func (b *fakeBackend) lastPush() agent.StatusUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pushes) == 0 {
		return agent.StatusUpdate{}
	}
	return b.pushes[len(b.pushes)-1]
}

// loopLockProc is a fake lock screen process controlled by the test.
type loopLockProc struct{ exited atomic.Bool }

func (p *loopLockProc) Exited() bool { return p.exited.Load() }

// loopLauncher stands in for the spawned lock screen: it binds the liveness
// port in-process so the coordinator sees a live session.
type loopLauncher struct {
	port int

	mu       sync.Mutex
	launches int
	listener net.Listener
	proc     *loopLockProc
}

func (l *loopLauncher) Launch(artifactPath string) (lockscreen.Process, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.port))
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	l.listener = ln
	l.proc = &loopLockProc{}
	return l.proc, nil
}

func (l *loopLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// unlock simulates the user entering the correct secret: the session deletes
// the artifact, releases the port and exits.
func (l *loopLauncher) unlock(t *testing.T, dataDir string) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := lockscreen.DeleteArtifact(dataDir); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	l.listener.Close()
	l.proc.exited.Store(true)
}

type loopProvider struct {
	mu  sync.Mutex
	fix *agent.Fix
	err error
}

func (p *loopProvider) Current(ctx context.Context) (*agent.Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	copied := *p.fix
	return &copied, nil
}

type loopScanner struct{}

func (loopScanner) Scan(ctx context.Context) ([]location.AccessPoint, error) {
	return nil, location.ErrUnsupported
}

type stubBattery struct{ pct int }

func (b stubBattery) Percentage(ctx context.Context) (int, error) { return b.pct, nil }

type stubWiFi struct {
	mu     sync.Mutex
	status *sysinfo.WiFiStatus
}

func (w *stubWiFi) Status(ctx context.Context) (*sysinfo.WiFiStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == nil {
		return nil, sysinfo.ErrUnavailable
	}
	copied := *w.status
	return &copied, nil
}

func (w *stubWiFi) set(status *sysinfo.WiFiStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

type loopFixture struct {
	loop     *ControlLoop
	backend  *fakeBackend
	launcher *loopLauncher
	provider *loopProvider
	wifi     *stubWiFi
	dataDir  string
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()

	backend := newFakeBackend(t)
	client := agent.NewServerClient(backend.server.URL, "dev-1", "token-1", "", false)

	dataDir := t.TempDir()
	launcher := &loopLauncher{port: freeLoopbackPort(t)}
	coordinator := lockscreen.NewCoordinator(dataDir, launcher)
	coordinator.LivenessPort = launcher.port
	coordinator.ConfirmTimeout = 2 * time.Second

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "loop.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider := &loopProvider{fix: &agent.Fix{
		Latitude: 51.5, Longitude: -0.12, AccuracyM: 8,
		Source: agent.SourceSatellite, Timestamp: time.Now(),
	}}
	// Empty IP service list keeps the cascade offline in tests.
	resolver := location.NewResolver(provider, loopScanner{}, location.NewWiFiGeoClient(""), &location.IPGeoClient{})

	wifi := &stubWiFi{}
	alarm := NewAlarmWorker()
	t.Cleanup(alarm.Stop)
	wiper := NewWipeWorker(client, store, nil)

	loop := NewControlLoop(ControlLoopDeps{
		Client:   client,
		Resolver: resolver,
		Lock:     coordinator,
		Alarm:    alarm,
		Wiper:    wiper,
		Store:    store,
		Battery:  stubBattery{pct: 73},
		WiFi:     wifi,
	}, IntervalsConfig{ReportSeconds: 15, CommandPollSeconds: 1, TickMs: 100}, 50)

	return &loopFixture{
		loop:     loop,
		backend:  backend,
		launcher: launcher,
		provider: provider,
		wifi:     wifi,
		dataDir:  dataDir,
	}
}

func freeLoopbackPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func lockedDesired(password, message string) agent.DesiredState {
	return agent.DesiredState{Status: "locked", LockPassword: password, LockMessage: message}
}

func TestLockCommandIsIdempotent(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.ApplyDesired(ctx, lockedDesired("pw1", "return me"))
	f.loop.ApplyDesired(ctx, lockedDesired("pw1", "return me"))

	if got := f.launcher.launchCount(); got != 1 {
		t.Fatalf("launch count = %d, want 1", got)
	}
	if got := f.loop.LocalState(); got != agent.StateLocked {
		t.Fatalf("local state = %s, want locked", got)
	}
}

func TestRemoteCannotUnlockLiveSession(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.ApplyDesired(ctx, lockedDesired("pw1", ""))
	f.loop.ApplyDesired(ctx, agent.DesiredState{Status: "active"})

	if got := f.loop.LocalState(); got != agent.StateLocked {
		t.Fatalf("local state = %s, want locked while session is alive", got)
	}
}

func TestLocalUnlockPushesStatusImmediately(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.ApplyDesired(ctx, lockedDesired("pw1", ""))
	f.launcher.unlock(t, f.dataDir)

	// Pin the schedules so step only runs the unlock detector.
	f.loop.mu.Lock()
	f.loop.lastReport = time.Now()
	f.loop.lastCommandCheck = time.Now()
	f.loop.mu.Unlock()
	f.loop.step(ctx)

	if got := f.loop.LocalState(); got != agent.StateActive {
		t.Fatalf("local state = %s, want active after unlock", got)
	}
	push := f.backend.lastPush()
	if push.Status != agent.StateActive {
		t.Fatalf("pushed status = %s, want active", push.Status)
	}
	if push.Location != nil {
		t.Fatalf("unlock push should not carry a location")
	}
}

func TestRelockAfterUnlockLaunchesNewSession(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.ApplyDesired(ctx, lockedDesired("pw1", ""))
	f.launcher.unlock(t, f.dataDir)
	if !f.loop.lock.Poll() {
		t.Fatal("Poll should detect the dead session")
	}
	f.loop.handleUnlock(ctx)

	f.loop.ApplyDesired(ctx, lockedDesired("pw1", ""))
	if got := f.launcher.launchCount(); got != 2 {
		t.Fatalf("launch count = %d, want 2 after relock", got)
	}
	if got := f.loop.LocalState(); got != agent.StateLocked {
		t.Fatalf("local state = %s, want locked", got)
	}
}

func TestLockStateRestoredAcrossRestart(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.ApplyDesired(ctx, lockedDesired("pw1", "return me"))

	// A fresh loop and coordinator over the same store, data dir and port,
	// as after an agent restart while the lock screen process survived.
	coordinator := lockscreen.NewCoordinator(f.dataDir, f.launcher)
	coordinator.LivenessPort = f.launcher.port
	restarted := NewControlLoop(ControlLoopDeps{
		Client:   f.loop.client,
		Resolver: f.loop.resolver,
		Lock:     coordinator,
		Alarm:    NewAlarmWorker(),
		Wiper:    f.loop.wiper,
		Store:    f.loop.store,
		Battery:  stubBattery{pct: 73},
		WiFi:     f.wifi,
	}, IntervalsConfig{ReportSeconds: 15, CommandPollSeconds: 1, TickMs: 100}, 50)

	restarted.restoreLockState()

	if got := restarted.LocalState(); got != agent.StateLocked {
		t.Fatalf("restored state = %s, want locked", got)
	}
	// Re-delivery of the same lock command must not spawn a second session.
	restarted.ApplyDesired(ctx, lockedDesired("pw1", "return me"))
	if got := f.launcher.launchCount(); got != 1 {
		t.Fatalf("launch count = %d, want 1", got)
	}

	// Unlock still completes through the restored loop.
	f.launcher.unlock(t, f.dataDir)
	if !restarted.lock.Poll() {
		t.Fatal("Poll should detect the unlock")
	}
	restarted.handleUnlock(ctx)
	if marker, err := restarted.store.GetState("lock_marker"); err != nil || marker != "" {
		t.Fatalf("marker after unlock = %q err=%v, want cleared", marker, err)
	}
}

func TestRestoreWithoutSurvivingSessionClearsMarker(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.ApplyDesired(ctx, lockedDesired("pw1", ""))
	// The session dies while the agent is down.
	f.launcher.unlock(t, f.dataDir)

	coordinator := lockscreen.NewCoordinator(f.dataDir, f.launcher)
	coordinator.LivenessPort = f.launcher.port
	restarted := NewControlLoop(ControlLoopDeps{
		Client:   f.loop.client,
		Resolver: f.loop.resolver,
		Lock:     coordinator,
		Alarm:    NewAlarmWorker(),
		Wiper:    f.loop.wiper,
		Store:    f.loop.store,
		Battery:  stubBattery{pct: 73},
		WiFi:     f.wifi,
	}, IntervalsConfig{ReportSeconds: 15, CommandPollSeconds: 1, TickMs: 100}, 50)

	restarted.restoreLockState()

	if got := restarted.LocalState(); got != agent.StateActive {
		t.Fatalf("restored state = %s, want active", got)
	}
	if marker, err := restarted.store.GetState("lock_marker"); err != nil || marker != "" {
		t.Fatalf("stale marker = %q err=%v, want cleared", marker, err)
	}
}

func TestStatusSnapshotTracksBackendTraffic(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	if got := f.loop.Status().Backend; !got.LastStatusPush.IsZero() || !got.LastStateFetch.IsZero() {
		t.Fatalf("backend stats before any traffic = %+v, want zero times", got)
	}

	f.loop.reportStatus(ctx)
	f.loop.checkCommands(ctx)

	got := f.loop.Status().Backend
	if got.LastStatusPush.IsZero() {
		t.Fatal("LastStatusPush not recorded after a push")
	}
	if got.LastStateFetch.IsZero() {
		t.Fatal("LastStateFetch not recorded after a fetch")
	}
}

func TestReportStatusMovementAware(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.reportStatus(ctx)
	first := f.backend.lastPush()
	if first.Location == nil {
		t.Fatal("first report should carry the fix")
	}
	if first.LocationUnchanged {
		t.Fatal("first report should not be flagged unchanged")
	}
	if first.BatteryPercentage != 73 {
		t.Fatalf("battery = %d, want 73", first.BatteryPercentage)
	}

	// Same spot within the movement threshold: flag only.
	f.loop.reportStatus(ctx)
	second := f.backend.lastPush()
	if second.Location != nil {
		t.Fatal("unmoved report should omit the fix")
	}
	if !second.LocationUnchanged {
		t.Fatal("unmoved report should be flagged unchanged")
	}

	// A real move carries the new fix again.
	f.provider.mu.Lock()
	f.provider.fix.Latitude += 0.01
	f.provider.mu.Unlock()
	f.loop.reportStatus(ctx)
	third := f.backend.lastPush()
	if third.Location == nil {
		t.Fatal("moved report should carry the fix")
	}
}

func TestReportStatusWithoutLocationStillPushes(t *testing.T) {
	f := newLoopFixture(t)
	f.provider.mu.Lock()
	f.provider.err = fmt.Errorf("gps hardware gone")
	f.provider.mu.Unlock()

	f.loop.reportStatus(context.Background())

	if got := f.backend.pushCount(); got != 1 {
		t.Fatalf("push count = %d, want 1", got)
	}
	push := f.backend.lastPush()
	if push.Location != nil || push.LocationUnchanged {
		t.Fatal("push without a fix should carry neither location nor the unchanged flag")
	}
	if push.Status != agent.StateActive {
		t.Fatalf("status = %s, want active", push.Status)
	}
}

func TestGeofenceBreachEscalatesToAlarm(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	geofenced := agent.DesiredState{
		Status:           "active",
		GeofenceEnabled:  true,
		GeofenceType:     "wifi",
		GeofenceWiFiSSID: "HomeNet",
	}
	f.loop.ApplyDesired(ctx, geofenced)
	f.wifi.set(&sysinfo.WiFiStatus{Connected: true, SSID: "CoffeeShop", SignalPercent: 80})

	f.loop.reportStatus(ctx)

	push := f.backend.lastPush()
	if !push.WiFiGeofenceBreach {
		t.Fatal("breach flag not set")
	}
	if push.Breach == nil || push.Breach.RequiredSSID != "HomeNet" || push.Breach.CurrentSSID != "CoffeeShop" {
		t.Fatalf("breach details = %+v", push.Breach)
	}
	if push.Status != agent.StateAlarm {
		t.Fatalf("status = %s, want alarm", push.Status)
	}
	if !f.loop.alarm.Running() {
		t.Fatal("alarm should be sounding")
	}

	// Back on the fenced network: breach clears and the alarm stops.
	f.wifi.set(&sysinfo.WiFiStatus{Connected: true, SSID: "HomeNet", SignalPercent: 90})
	f.loop.reportStatus(ctx)

	if f.loop.alarm.Running() {
		t.Fatal("alarm should stop once the breach clears")
	}
	if got := f.loop.LocalState(); got != agent.StateActive {
		t.Fatalf("local state = %s, want active", got)
	}
}

func TestGeofenceSignalThresholdBreach(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.ApplyDesired(ctx, agent.DesiredState{
		Status:                  "active",
		GeofenceEnabled:         true,
		GeofenceType:            "wifi",
		GeofenceWiFiSSID:        "HomeNet",
		GeofenceSignalThreshold: 40,
	})
	f.wifi.set(&sysinfo.WiFiStatus{Connected: true, SSID: "HomeNet", SignalPercent: 15})

	f.loop.reportStatus(ctx)

	push := f.backend.lastPush()
	if !push.WiFiGeofenceBreach {
		t.Fatal("weak signal on the fenced network should breach")
	}
	if push.Breach == nil || !strings.Contains(push.Breach.Reason, "signal") {
		t.Fatalf("breach reason = %+v", push.Breach)
	}
}

func TestAlarmDesiredStateStartsAndStops(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	f.loop.ApplyDesired(ctx, agent.DesiredState{Status: "alarm"})
	if !f.loop.alarm.Running() {
		t.Fatal("alarm should start on desired alarm state")
	}
	if got := f.loop.LocalState(); got != agent.StateAlarm {
		t.Fatalf("local state = %s, want alarm", got)
	}

	f.loop.ApplyDesired(ctx, agent.DesiredState{Status: "active"})
	if f.loop.alarm.Running() {
		t.Fatal("alarm should stop on desired active state")
	}
	if got := f.loop.LocalState(); got != agent.StateActive {
		t.Fatalf("local state = %s, want active", got)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"locked", "locked"},
		{"Lock", "locked"},
		{"ALARM", "alarm"},
		{"wipe", "wiping"},
		{"wiped", "wiping"},
		{"active", "active"},
		{"missing", "active"},
		{"", "active"},
		{"  locked  ", "locked"},
	}
	for _, tc := range cases {
		if got := normalizeStatus(tc.in); got != tc.want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
