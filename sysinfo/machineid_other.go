//go:build !windows

package sysinfo

import (
	"os"
	"strings"
)

// machineID reads the systemd machine id, falling back to the DMI product
// UUID. Both are empty on platforms without them.
func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id", "/sys/class/dmi/id/product_uuid"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}
