package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"theftguard/agent/agent"
	"theftguard/agent/sysinfo"
)

// DiscoveryServer exposes a loopback-only HTTP endpoint that the companion
// app on the same machine queries to link this device to a user account.
// It serves the device id and hardware fingerprint; it never accepts writes.
type DiscoveryServer struct {
	port     int
	deviceID string
	state    func() agent.DeviceState

	mu      sync.Mutex
	running bool
	server  *http.Server
}

// NewDiscoveryServer builds the server. The state callback is read on every
// request so the reported status is always current.
func NewDiscoveryServer(port int, deviceID string, state func() agent.DeviceState) *DiscoveryServer {
	return &DiscoveryServer{
		port:     port,
		deviceID: deviceID,
		state:    state,
	}
}

type deviceInfoResponse struct {
	DeviceID        string `json:"device_id"`
	FingerprintHash string `json:"fingerprint_hash"`
	Status          string `json:"status"`
	AgentVersion    string `json:"agent_version"`
}

// Start binds 127.0.0.1 and begins serving. A bind failure usually means a
// second agent instance is running; the error is returned so the caller can
// decide whether that is fatal.
func (d *DiscoveryServer) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", d.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("discovery listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/device-info", d.handleDeviceInfo)

	d.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	d.running = true

	go func() {
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			agent.WarnCtx("discovery server stopped", "error", err)
		}
	}()

	agent.InfoCtx("discovery endpoint listening", "addr", addr)
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (d *DiscoveryServer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		agent.DebugCtx("discovery shutdown error", "error", err)
	}
}

func (d *DiscoveryServer) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := deviceInfoResponse{
		DeviceID:        d.deviceID,
		FingerprintHash: sysinfo.Fingerprint(),
		Status:          string(d.state()),
		AgentVersion:    AgentVersion,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		agent.DebugCtx("discovery response encode failed", "error", err)
	}
}
