package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"theftguard/agent/agent"
)

// IPGeoService is one IP-geolocation endpoint with its response parser.
// Services are tried in order; the first one that answers wins.
type IPGeoService struct {
	Name  string
	URL   string
	Parse func(data []byte) (lat, lng float64, err error)
}

// DefaultIPServices returns the standard ordered list of IP-geolocation
// fallback services.
func DefaultIPServices() []IPGeoService {
	return []IPGeoService{
		{
			Name: "ip-api",
			URL:  "http://ip-api.com/json/",
			Parse: func(data []byte) (float64, float64, error) {
				var resp struct {
					Status string  `json:"status"`
					Lat    float64 `json:"lat"`
					Lon    float64 `json:"lon"`
				}
				if err := json.Unmarshal(data, &resp); err != nil {
					return 0, 0, err
				}
				if resp.Status != "success" {
					return 0, 0, fmt.Errorf("service status %q", resp.Status)
				}
				return resp.Lat, resp.Lon, nil
			},
		},
		{
			Name: "ipapi",
			URL:  "https://ipapi.co/json/",
			Parse: func(data []byte) (float64, float64, error) {
				var resp struct {
					Latitude  float64 `json:"latitude"`
					Longitude float64 `json:"longitude"`
				}
				if err := json.Unmarshal(data, &resp); err != nil {
					return 0, 0, err
				}
				if resp.Latitude == 0 && resp.Longitude == 0 {
					return 0, 0, fmt.Errorf("empty coordinates")
				}
				return resp.Latitude, resp.Longitude, nil
			},
		},
		{
			Name: "geojs",
			URL:  "https://get.geojs.io/v1/ip/geo.json",
			Parse: func(data []byte) (float64, float64, error) {
				// geojs returns coordinates as strings
				var resp struct {
					Latitude  json.Number `json:"latitude"`
					Longitude json.Number `json:"longitude"`
				}
				if err := json.Unmarshal(data, &resp); err != nil {
					return 0, 0, err
				}
				lat, err := resp.Latitude.Float64()
				if err != nil {
					return 0, 0, err
				}
				lng, err := resp.Longitude.Float64()
				if err != nil {
					return 0, 0, err
				}
				if lat == 0 && lng == 0 {
					return 0, 0, fmt.Errorf("empty coordinates")
				}
				return lat, lng, nil
			},
		},
	}
}

// IPGeoClient queries an ordered list of IP-geolocation services.
type IPGeoClient struct {
	Services   []IPGeoService
	HTTPClient *http.Client
}

// NewIPGeoClient creates a client over the default service list.
func NewIPGeoClient() *IPGeoClient {
	return &IPGeoClient{
		Services: DefaultIPServices(),
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Locate tries each service in order and returns the first usable fix.
// Individual service failures are non-fatal.
func (c *IPGeoClient) Locate(ctx context.Context) (*agent.Fix, error) {
	var lastErr error

	for _, svc := range c.Services {
		lat, lng, err := c.query(ctx, svc)
		if err != nil {
			agent.DebugCtx("IP geolocation service failed", "service", svc.Name, "error", err)
			lastErr = err
			continue
		}
		return &agent.Fix{
			Latitude:  lat,
			Longitude: lng,
			Source:    agent.SourceIP,
			Timestamp: time.Now(),
		}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no IP geolocation services configured")
	}
	return nil, fmt.Errorf("all IP geolocation services failed: %w", lastErr)
}

func (c *IPGeoClient) query(ctx context.Context, svc IPGeoService) (float64, float64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", svc.URL, nil)
	if err != nil {
		return 0, 0, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, err
	}

	lat, lng, err := svc.Parse(data)
	if err != nil {
		return 0, 0, err
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, fmt.Errorf("out-of-range coordinates lat=%v lng=%v", lat, lng)
	}
	return lat, lng, nil
}
