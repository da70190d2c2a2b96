package sysinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"sort"
	"strings"
)

// Fingerprint derives a stable hardware identifier hash for registration.
// It combines the platform machine id, the permanent MAC addresses and the
// hostname; the SHA-256 hash keeps the raw identifiers off the wire.
func Fingerprint() string {
	var parts []string

	if id := machineID(); id != "" {
		parts = append(parts, "uuid:"+id)
	}

	var macs []string
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			// Skip virtual adapters with locally administered addresses.
			if iface.HardwareAddr[0]&0x02 != 0 {
				continue
			}
			macs = append(macs, iface.HardwareAddr.String())
		}
	}
	sort.Strings(macs)
	for _, mac := range macs {
		parts = append(parts, "mac:"+mac)
	}

	if hostname, err := os.Hostname(); err == nil {
		parts = append(parts, "host:"+hostname)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
