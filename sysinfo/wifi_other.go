//go:build !windows && !linux

package sysinfo

import "context"

type noWiFi struct{}

// NewWiFiProvider returns a reader that reports no wireless interface.
func NewWiFiProvider() WiFiProvider {
	return &noWiFi{}
}

func (w *noWiFi) Status(ctx context.Context) (*WiFiStatus, error) {
	return nil, ErrUnavailable
}
