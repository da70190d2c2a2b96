package agent

import (
	"net"
	"os"
)

func getHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown", err
	}
	return hostname, nil
}

// getLocalIP returns the first non-loopback IPv4 address of this host.
func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown", err
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "unknown", nil
}
