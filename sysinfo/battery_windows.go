//go:build windows

package sysinfo

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                 = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemPowerStatus = kernel32.NewProc("GetSystemPowerStatus")
)

type systemPowerStatus struct {
	ACLineStatus        byte
	BatteryFlag         byte
	BatteryLifePercent  byte
	SystemStatusFlag    byte
	BatteryLifeTime     uint32
	BatteryFullLifeTime uint32
}

type windowsBattery struct{}

// NewBatteryProvider returns the Windows battery reader.
func NewBatteryProvider() BatteryProvider {
	return &windowsBattery{}
}

func (b *windowsBattery) Percentage(ctx context.Context) (int, error) {
	var status systemPowerStatus
	ret, _, err := procGetSystemPowerStatus.Call(uintptr(unsafe.Pointer(&status)))
	if ret == 0 {
		return 0, fmt.Errorf("GetSystemPowerStatus: %w", err)
	}
	// 128 = no system battery, 255 = unknown status
	if status.BatteryFlag == 128 || status.BatteryLifePercent == 255 {
		return 0, ErrUnavailable
	}
	return int(status.BatteryLifePercent), nil
}
