package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"theftguard/agent/agent"
)

func TestDiscoveryServesDeviceInfo(t *testing.T) {
	port := freeLoopbackPort(t)
	srv := NewDiscoveryServer(port, "dev-42", func() agent.DeviceState {
		return agent.StateActive
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/device-info", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var info deviceInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.DeviceID != "dev-42" {
		t.Errorf("device id = %q", info.DeviceID)
	}
	if info.Status != "active" {
		t.Errorf("status = %q", info.Status)
	}
	if len(info.FingerprintHash) != 64 {
		t.Errorf("fingerprint hash length = %d, want 64", len(info.FingerprintHash))
	}
}

func TestDiscoveryRejectsNonGet(t *testing.T) {
	port := freeLoopbackPort(t)
	srv := NewDiscoveryServer(port, "dev-42", func() agent.DeviceState {
		return agent.StateActive
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/device-info", port), "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
