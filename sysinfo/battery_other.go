//go:build !windows && !linux

package sysinfo

import "context"

type noBattery struct{}

// NewBatteryProvider returns a reader that reports no battery.
func NewBatteryProvider() BatteryProvider {
	return &noBattery{}
}

func (b *noBattery) Percentage(ctx context.Context) (int, error) {
	return 0, ErrUnavailable
}
