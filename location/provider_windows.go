//go:build windows

package location

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"theftguard/agent/agent"
)

// windowsProvider drives the Windows Runtime Geolocation API through
// PowerShell. The legacy GeoCoordinateWatcher API is the fallback inside the
// same script.
type windowsProvider struct{}

// NewOSProvider returns the Windows positioning provider.
func NewOSProvider() Provider {
	return &windowsProvider{}
}

const geolocateScript = `
try {
    Add-Type -AssemblyName System.Runtime.WindowsRuntime
    $asTaskGeneric = ([System.WindowsRuntimeSystemExtensions].GetMethods() | ? { $_.Name -eq 'AsTask' -and $_.GetParameters().Count -eq 1 -and $_.GetParameters()[0].ParameterType.Name -eq 'IAsyncOperation` + "`1" + `' })[0]
    Function Await($WinRtTask, $ResultType) {
        $asTask = $asTaskGeneric.MakeGenericMethod($ResultType)
        $netTask = $asTask.Invoke($null, @($WinRtTask))
        $netTask.Wait(-1) | Out-Null
        $netTask.Result
    }
    [Windows.Devices.Geolocation.Geolocator,Windows.System.Devices,ContentType=WindowsRuntime] | Out-Null
    $geolocator = New-Object Windows.Devices.Geolocation.Geolocator
    $geolocator.DesiredAccuracy = [Windows.Devices.Geolocation.PositionAccuracy]::High
    $task = $geolocator.GetGeopositionAsync()
    $geoposition = Await $task ([Windows.Devices.Geolocation.Geoposition])
    if ($geoposition -and $geoposition.Coordinate) {
        $lat = $geoposition.Coordinate.Point.Position.Latitude
        $lng = $geoposition.Coordinate.Point.Position.Longitude
        $acc = $geoposition.Coordinate.Accuracy
        if ($lat -ne 0 -and $lng -ne 0) {
            Write-Output "$lat,$lng,$acc"
            exit 0
        }
    }
} catch {}
Write-Output "UNKNOWN"
`

// Current runs the geolocation script and parses a "lat,lng,accuracy" line.
func (p *windowsProvider) Current(ctx context.Context) (*agent.Fix, error) {
	cmd := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", geolocateScript)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("geolocation script: %w", err)
	}

	line := strings.TrimSpace(string(output))
	if line == "" || line == "UNKNOWN" || line == "NOT_SUPPORTED" {
		return nil, fmt.Errorf("no position available")
	}

	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed position output %q", line)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("malformed latitude %q: %w", parts[0], err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("malformed longitude %q: %w", parts[1], err)
	}

	fix := &agent.Fix{
		Latitude:  lat,
		Longitude: lng,
		Source:    agent.SourceSatellite,
		Timestamp: time.Now(),
	}
	if len(parts) > 2 {
		if acc, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil {
			fix.AccuracyM = acc
		}
	}
	return fix, nil
}

// windowsWiFiScanner reads nearby access points from netsh.
type windowsWiFiScanner struct{}

// NewWiFiScanner returns the Windows access-point scanner.
func NewWiFiScanner() WiFiScanner {
	return &windowsWiFiScanner{}
}

var (
	bssidRe  = regexp.MustCompile(`BSSID\s+\d+\s*:\s*([0-9a-fA-F:]+)`)
	signalRe = regexp.MustCompile(`Signal\s*:\s*(\d+)%`)
)

// Scan parses "netsh wlan show networks mode=bssid" output into access-point
// observations. Signal percent is converted to an approximate RSSI.
func (s *windowsWiFiScanner) Scan(ctx context.Context) ([]AccessPoint, error) {
	cmd := exec.CommandContext(ctx, "netsh", "wlan", "show", "networks", "mode=bssid")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("netsh scan: %w", err)
	}

	var aps []AccessPoint
	var currentBSSID string

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if m := bssidRe.FindStringSubmatch(line); m != nil {
			currentBSSID = strings.ToUpper(m[1])
			continue
		}
		if m := signalRe.FindStringSubmatch(line); m != nil && currentBSSID != "" {
			percent, _ := strconv.Atoi(m[1])
			// 100% ~ -30 dBm, 0% ~ -100 dBm
			rssi := -30 - int(float64(100-percent)*0.7)
			if len(currentBSSID) == 17 { // AA:BB:CC:DD:EE:FF
				aps = append(aps, AccessPoint{
					MACAddress:     currentBSSID,
					SignalStrength: rssi,
				})
			}
			currentBSSID = ""
		}
	}

	return aps, nil
}
