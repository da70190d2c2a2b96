package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("TheftGuard Agent service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if p.svcLogger != nil {
		p.svcLogger.Info("TheftGuard Agent service running")
	}

	runInteractive(p.ctx)

	if p.svcLogger != nil {
		p.svcLogger.Info("TheftGuard Agent service stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("TheftGuard Agent service stop requested")
	}

	if p.cancel != nil {
		p.cancel()
	}

	// Wait for run() to finish with timeout
	timeout := time.After(30 * time.Second)
	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("TheftGuard Agent service stopped gracefully")
		}
	case <-timeout:
		if p.svcLogger != nil {
			p.svcLogger.Warning("TheftGuard Agent service stopped with timeout")
		}
	}

	return nil
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "TheftGuard")
	case "darwin":
		workingDir = "/Library/Application Support/TheftGuard"
	default:
		workingDir = "/var/lib/theftguard"
	}

	return &service.Config{
		Name:             "TheftGuardAgent",
		DisplayName:      "TheftGuard Agent",
		Description:      "TheftGuard anti-theft device agent. Tracks device location, reports status to the TheftGuard backend, and executes remote lock, alarm and wipe commands.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"Dependencies":           "",
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}

// setupServiceDirectories creates necessary directories for service operation
func setupServiceDirectories() error {
	var dirs []string

	switch runtime.GOOS {
	case "windows":
		baseDir := filepath.Join(os.Getenv("ProgramData"), "TheftGuard")
		agentDir := filepath.Join(baseDir, "agent")
		dirs = []string{
			baseDir,
			agentDir,
			filepath.Join(agentDir, "logs"),
		}
	case "darwin":
		baseDir := "/Library/Application Support/TheftGuard"
		dirs = []string{
			baseDir,
			filepath.Join(baseDir, "logs"),
			"/var/log/theftguard",
		}
	default: // Linux
		dirs = []string{
			"/var/lib/theftguard",
			"/var/log/theftguard",
			"/etc/theftguard",
		}
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// getServiceLogPath returns the log file path for service mode
func getServiceLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TheftGuard", "agent", "logs", "agent.log")
	default:
		return "/var/log/theftguard/agent.log"
	}
}
