//go:build linux

package sysinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type linuxWiFi struct{}

// NewWiFiProvider returns the Linux wireless status reader.
func NewWiFiProvider() WiFiProvider {
	return &linuxWiFi{}
}

// Status parses "nmcli -t -f ACTIVE,SSID,SIGNAL dev wifi" and picks the
// active network row.
func (w *linuxWiFi) Status(ctx context.Context) (*WiFiStatus, error) {
	cmd := exec.CommandContext(ctx, "nmcli", "-t", "-f", "ACTIVE,SSID,SIGNAL", "dev", "wifi")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nmcli status: %w", err)
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "yes:") {
			continue
		}
		rest := strings.TrimPrefix(line, "yes:")
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			continue
		}
		ssid := rest[:idx]
		signal, err := strconv.Atoi(rest[idx+1:])
		if err != nil {
			continue
		}
		return &WiFiStatus{Connected: true, SSID: ssid, SignalPercent: signal}, nil
	}
	return &WiFiStatus{}, nil
}
