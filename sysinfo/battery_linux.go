//go:build linux

package sysinfo

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const powerSupplyDir = "/sys/class/power_supply"

type linuxBattery struct{}

// NewBatteryProvider returns the Linux battery reader.
func NewBatteryProvider() BatteryProvider {
	return &linuxBattery{}
}

func (b *linuxBattery) Percentage(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(powerSupplyDir)
	if err != nil {
		return 0, ErrUnavailable
	}
	for _, entry := range entries {
		base := filepath.Join(powerSupplyDir, entry.Name())
		kind, err := os.ReadFile(filepath.Join(base, "type"))
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(base, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || pct < 0 || pct > 100 {
			continue
		}
		return pct, nil
	}
	return 0, ErrUnavailable
}
