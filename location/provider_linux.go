//go:build linux

package location

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"theftguard/agent/agent"
)

// Linux has no uniformly available OS positioning service, so the satellite
// step reports unsupported and the resolver cascades to WiFi positioning.
type linuxProvider struct{}

// NewOSProvider returns the Linux positioning provider.
func NewOSProvider() Provider {
	return &linuxProvider{}
}

func (p *linuxProvider) Current(ctx context.Context) (*agent.Fix, error) {
	return nil, ErrUnsupported
}

// linuxWiFiScanner reads nearby access points from nmcli.
type linuxWiFiScanner struct{}

// NewWiFiScanner returns the Linux access-point scanner.
func NewWiFiScanner() WiFiScanner {
	return &linuxWiFiScanner{}
}

// Scan parses "nmcli -t -f BSSID,SIGNAL dev wifi list" output. nmcli escapes
// the colons inside the BSSID field with backslashes in terse mode.
func (s *linuxWiFiScanner) Scan(ctx context.Context) ([]AccessPoint, error) {
	cmd := exec.CommandContext(ctx, "nmcli", "-t", "-f", "BSSID,SIGNAL", "dev", "wifi", "list")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nmcli scan: %w", err)
	}

	var aps []AccessPoint
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Last unescaped colon separates BSSID from SIGNAL
		idx := -1
		for i := len(line) - 1; i > 0; i-- {
			if line[i] == ':' && line[i-1] != '\\' {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		bssid := strings.ToUpper(strings.ReplaceAll(line[:idx], `\:`, ":"))
		percent, err := strconv.Atoi(line[idx+1:])
		if err != nil || len(bssid) != 17 {
			continue
		}
		rssi := -30 - int(float64(100-percent)*0.7)
		aps = append(aps, AccessPoint{
			MACAddress:     bssid,
			SignalStrength: rssi,
		})
	}

	return aps, nil
}
