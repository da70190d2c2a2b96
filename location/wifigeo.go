package location

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"theftguard/agent/agent"
)

// DefaultWiFiGeoEndpoint is the Google Geolocation API endpoint. The API key
// is appended as a query parameter.
const DefaultWiFiGeoEndpoint = "https://www.googleapis.com/geolocation/v1/geolocate"

// Positioning services cap the number of access points per request.
const maxAccessPoints = 20

// WiFiGeoClient resolves a position from nearby access-point observations
// via an external positioning service.
type WiFiGeoClient struct {
	APIKey     string
	Endpoint   string
	HTTPClient *http.Client
}

// NewWiFiGeoClient creates a positioning-service client. An empty API key
// means the WiFi step of the cascade is skipped entirely.
func NewWiFiGeoClient(apiKey string) *WiFiGeoClient {
	return &WiFiGeoClient{
		APIKey:   apiKey,
		Endpoint: DefaultWiFiGeoEndpoint,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Configured reports whether a service credential is available.
func (c *WiFiGeoClient) Configured() bool {
	return c != nil && c.APIKey != ""
}

// Locate submits access-point observations and returns the service's fix.
// Strongest observations are submitted first, capped at the service limit.
func (c *WiFiGeoClient) Locate(ctx context.Context, aps []AccessPoint) (*agent.Fix, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("no positioning service credential configured")
	}
	if len(aps) == 0 {
		return nil, fmt.Errorf("no access points observed")
	}

	sorted := make([]AccessPoint, len(aps))
	copy(sorted, aps)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].SignalStrength > sorted[j-1].SignalStrength; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if len(sorted) > maxAccessPoints {
		sorted = sorted[:maxAccessPoints]
	}

	reqBody := struct {
		WiFiAccessPoints []AccessPoint `json:"wifiAccessPoints"`
	}{WiFiAccessPoints: sorted}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode positioning request: %w", err)
	}

	url := c.Endpoint + "?key=" + c.APIKey
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create positioning request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("positioning service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("positioning response read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("positioning service returned status %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		Accuracy float64 `json:"accuracy"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("positioning response decode: %w", err)
	}

	lat, lng := result.Location.Lat, result.Location.Lng
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 || (lat == 0 && lng == 0) {
		return nil, fmt.Errorf("positioning service returned out-of-range coordinates lat=%v lng=%v", lat, lng)
	}

	return &agent.Fix{
		Latitude:  lat,
		Longitude: lng,
		AccuracyM: result.Accuracy,
		Source:    agent.SourceWiFi,
		Timestamp: time.Now(),
	}, nil
}
