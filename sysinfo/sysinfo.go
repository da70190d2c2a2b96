// Package sysinfo reads host telemetry for status pushes: battery level,
// the current WiFi connection, and a stable hardware fingerprint used for
// agent registration.
package sysinfo

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the host has no such sensor (no battery,
// no wireless interface) or the platform is unsupported.
var ErrUnavailable = errors.New("sensor not available")

// WiFiStatus is the current wireless connection state.
type WiFiStatus struct {
	Connected     bool
	SSID          string
	SignalPercent int
}

// BatteryProvider reads the battery charge level.
type BatteryProvider interface {
	Percentage(ctx context.Context) (int, error)
}

// WiFiProvider reads the current wireless connection.
type WiFiProvider interface {
	Status(ctx context.Context) (*WiFiStatus, error)
}
