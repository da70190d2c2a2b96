//go:build windows

package sysinfo

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

type windowsWiFi struct{}

// NewWiFiProvider returns the Windows wireless status reader.
func NewWiFiProvider() WiFiProvider {
	return &windowsWiFi{}
}

var (
	ssidLineRe   = regexp.MustCompile(`^\s*SSID\s*:\s*(.+)$`)
	signalLineRe = regexp.MustCompile(`^\s*Signal\s*:\s*(\d+)%`)
	stateLineRe  = regexp.MustCompile(`^\s*State\s*:\s*(.+)$`)
)

// Status parses "netsh wlan show interfaces". The SSID line is matched
// before any BSSID line; netsh lists SSID first.
func (w *windowsWiFi) Status(ctx context.Context) (*WiFiStatus, error) {
	cmd := exec.CommandContext(ctx, "netsh", "wlan", "show", "interfaces")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("netsh interfaces: %w", err)
	}

	status := &WiFiStatus{}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.Contains(line, "BSSID") {
			continue
		}
		if m := stateLineRe.FindStringSubmatch(line); m != nil {
			status.Connected = strings.EqualFold(strings.TrimSpace(m[1]), "connected")
			continue
		}
		if m := ssidLineRe.FindStringSubmatch(line); m != nil && status.SSID == "" {
			status.SSID = strings.TrimSpace(m[1])
			continue
		}
		if m := signalLineRe.FindStringSubmatch(line); m != nil {
			status.SignalPercent, _ = strconv.Atoi(m[1])
		}
	}

	if status.SSID == "" {
		status.Connected = false
	}
	return status, nil
}
