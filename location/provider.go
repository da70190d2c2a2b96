package location

import (
	"context"
	"errors"

	"theftguard/agent/agent"
)

// ErrUnsupported is returned by providers on platforms without the
// corresponding positioning capability.
var ErrUnsupported = errors.New("location source not supported on this platform")

// Provider produces raw location fixes from the OS positioning service
// (GPS or OS-level WiFi triangulation). Implementations are per-platform;
// the resolver depends only on this interface.
type Provider interface {
	// Current returns the best fix the OS can produce within the context
	// deadline. Accuracy gating is the resolver's job, not the provider's.
	Current(ctx context.Context) (*agent.Fix, error)
}

// AccessPoint is one nearby WiFi access point observation, used as input to
// an external positioning service.
type AccessPoint struct {
	MACAddress     string `json:"macAddress"`
	SignalStrength int    `json:"signalStrength"` // RSSI, dBm
	SignalToNoise  int    `json:"signalToNoiseRatio"`
}

// WiFiScanner enumerates nearby access points with signal readings.
// Implementations are per-platform data producers.
type WiFiScanner interface {
	Scan(ctx context.Context) ([]AccessPoint, error)
}
