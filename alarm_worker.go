package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"theftguard/agent/agent"
)

// AlarmWorker loops an audible alarm in the background until stopped. It is
// started when the desired state flips to alarm (or a geofence breach is
// detected) and stopped within one loop tick of the state clearing.
type AlarmWorker struct {
	interval time.Duration

	mu      sync.RWMutex
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAlarmWorker creates a stopped alarm worker.
func NewAlarmWorker() *AlarmWorker {
	return &AlarmWorker{interval: 2 * time.Second}
}

// Running reports whether the alarm loop is active.
func (w *AlarmWorker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Start launches the alarm loop. Starting a running worker is a no-op.
func (w *AlarmWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	agent.Warn("alarm started")
	w.wg.Add(1)
	go w.run()
}

// Stop terminates the alarm loop and waits for it to exit.
func (w *AlarmWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	agent.Info("alarm stopped")
}

func (w *AlarmWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sound()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sound()
		}
	}
}

// sound emits one alarm burst. Playback failures are non-fatal; the loop
// keeps trying so the alarm survives transient audio errors.
func (w *AlarmWorker) sound() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch runtime.GOOS {
	case "windows":
		script := "1..3 | ForEach-Object { [console]::beep(1000, 300) }"
		if err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script).Run(); err != nil {
			agent.DebugCtx("alarm beep failed", "error", err)
		}
	default:
		// Terminal bell as a last resort on headless systems.
		fmt.Fprint(os.Stdout, "\a\a\a")
	}
}
