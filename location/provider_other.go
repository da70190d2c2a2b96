//go:build !windows && !linux

package location

import (
	"context"

	"theftguard/agent/agent"
)

type unsupportedProvider struct{}

// NewOSProvider returns a provider that always reports unsupported; the
// resolver cascades straight to the fallback sources.
func NewOSProvider() Provider {
	return &unsupportedProvider{}
}

func (p *unsupportedProvider) Current(ctx context.Context) (*agent.Fix, error) {
	return nil, ErrUnsupported
}

type unsupportedScanner struct{}

// NewWiFiScanner returns a scanner that always reports unsupported.
func NewWiFiScanner() WiFiScanner {
	return &unsupportedScanner{}
}

func (s *unsupportedScanner) Scan(ctx context.Context) ([]AccessPoint, error) {
	return nil, ErrUnsupported
}
