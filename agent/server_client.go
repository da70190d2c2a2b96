package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"
)

// ErrTransport marks failures where the backend was unreachable or returned
// a non-2xx status. The control loop uses this to distinguish "server down,
// retry next tick" from protocol errors.
var ErrTransport = errors.New("transport failure")

// ServerClient is the agent's HTTP client for the anti-theft backend.
// It performs no retries of its own: every call is a single bounded-timeout
// request, and the control loop's tick schedule provides the retry cadence.
type ServerClient struct {
	BaseURL            string
	DeviceID           string
	Token              string
	HTTPClient         *http.Client
	InsecureSkipVerify bool
	mu                 sync.RWMutex
	lastStatusPush     time.Time
	lastStateFetch     time.Time
}

// NewServerClient creates a client for the given backend.
// If caCertPath is provided, it is used to validate the server certificate
// (self-signed deployments); otherwise the system CA pool is used.
func NewServerClient(baseURL, deviceID, token, caCertPath string, insecureSkipVerify bool) *ServerClient {
	var tlsConfig *tls.Config

	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err == nil {
			caCertPool := x509.NewCertPool()
			if caCertPool.AppendCertsFromPEM(caCert) {
				tlsConfig = &tls.Config{
					RootCAs:            caCertPool,
					MinVersion:         tls.VersionTLS12,
					InsecureSkipVerify: insecureSkipVerify,
				}
			}
		}
	}

	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecureSkipVerify,
		}
	}

	return &ServerClient{
		BaseURL:            baseURL,
		DeviceID:           deviceID,
		Token:              token,
		InsecureSkipVerify: insecureSkipVerify,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
	}
}

// SetToken updates the authentication token
func (c *ServerClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Token = token
}

// GetToken retrieves the current authentication token
func (c *ServerClient) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Token
}

// SetDeviceID updates the device id after registration
func (c *ServerClient) SetDeviceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeviceID = id
}

// GetDeviceID retrieves the current device id
func (c *ServerClient) GetDeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DeviceID
}

// ClientStats is a snapshot of backend traffic recency, surfaced through the
// control loop's diagnostics.
type ClientStats struct {
	LastStatusPush time.Time `json:"last_status_push"`
	LastStateFetch time.Time `json:"last_state_fetch"`
}

// Stats returns when the client last pushed a status and last fetched the
// desired state. Zero times mean the call has not succeeded yet.
func (c *ServerClient) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientStats{
		LastStatusPush: c.lastStatusPush,
		LastStateFetch: c.lastStateFetch,
	}
}

// RegisterRequest carries the agent-first registration payload: the device
// registers itself before any user account exists and is linked later.
type RegisterRequest struct {
	FingerprintHash string            `json:"fingerprint_hash"`
	AgentVersion    string            `json:"agent_version"`
	Hostname        string            `json:"hostname"`
	Platform        string            `json:"platform"`
	OSInfo          map[string]string `json:"os_info,omitempty"`
	HardwareInfo    map[string]string `json:"hardware_info,omitempty"`
}

// RegisterResponse is the backend's answer to an agent registration.
type RegisterResponse struct {
	Success    bool   `json:"success"`
	DeviceID   string `json:"device_id"`
	Token      string `json:"token,omitempty"`
	UserLinked bool   `json:"user_linked"`
	Message    string `json:"message,omitempty"`
}

// Register performs agent-first registration with the backend. The returned
// device id and token (if any) are stored on the client for future calls.
func (c *ServerClient) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if req.Hostname == "" {
		req.Hostname, _ = getHostname()
	}
	if req.Platform == "" {
		req.Platform = runtime.GOOS
	}
	if req.HardwareInfo == nil {
		req.HardwareInfo = make(map[string]string)
	}
	if _, ok := req.HardwareInfo["local_ip"]; !ok {
		if ip, err := getLocalIP(); err == nil {
			req.HardwareInfo["local_ip"] = ip
		}
	}

	var resp RegisterResponse
	if err := c.doRequest(ctx, "POST", "/api/agent/register", req, &resp, false); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	if !resp.Success || resp.DeviceID == "" {
		return nil, fmt.Errorf("registration rejected: %s", resp.Message)
	}

	c.mu.Lock()
	c.DeviceID = resp.DeviceID
	if resp.Token != "" {
		c.Token = resp.Token
	}
	c.mu.Unlock()

	return &resp, nil
}

// FetchDesiredState retrieves the status the backend wants the device to be
// in, plus geofence configuration and any pending lock payload.
func (c *ServerClient) FetchDesiredState(ctx context.Context) (*DesiredState, error) {
	var resp DesiredState
	path := "/api/get_device_status/" + c.GetDeviceID()
	if err := c.doRequest(ctx, "GET", path, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("desired state fetch: %w", err)
	}

	c.mu.Lock()
	c.lastStateFetch = time.Now()
	c.mu.Unlock()

	return &resp, nil
}

// PushStatus uploads the device's current status, location and telemetry.
func (c *ServerClient) PushStatus(ctx context.Context, update StatusUpdate) (*StatusAck, error) {
	if update.DeviceID == "" {
		update.DeviceID = c.GetDeviceID()
	}

	var ack StatusAck
	if err := c.doRequest(ctx, "POST", "/api/update_location", update, &ack, true); err != nil {
		return nil, fmt.Errorf("status push: %w", err)
	}

	c.mu.Lock()
	c.lastStatusPush = time.Now()
	c.mu.Unlock()

	return &ack, nil
}

// FetchPendingWipe asks the backend whether a wipe operation is queued for
// this device. Returns nil when nothing is pending.
func (c *ServerClient) FetchPendingWipe(ctx context.Context) (*WipeJob, error) {
	type pendingWipeResponse struct {
		HasPending  bool     `json:"has_pending"`
		OperationID string   `json:"operation_id"`
		Paths       []string `json:"paths"`
		Folders     []string `json:"folders"` // older backends use this key
		Status      string   `json:"status"`
	}

	var resp pendingWipeResponse
	path := "/api/v1/wipe/pending/" + c.GetDeviceID()
	if err := c.doRequest(ctx, "GET", path, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("pending wipe fetch: %w", err)
	}

	if !resp.HasPending {
		return nil, nil
	}

	paths := resp.Paths
	if len(paths) == 0 {
		paths = resp.Folders
	}

	status := WipeStatus(resp.Status)
	if status == "" {
		status = WipePending
	}

	return &WipeJob{
		OperationID: resp.OperationID,
		Paths:       paths,
		Status:      status,
	}, nil
}

// ReportWipeProgress pushes a wipe progress or terminal report.
func (c *ServerClient) ReportWipeProgress(ctx context.Context, progress WipeProgress) error {
	if progress.DeviceID == "" {
		progress.DeviceID = c.GetDeviceID()
	}

	var resp map[string]interface{}
	if err := c.doRequest(ctx, "POST", "/api/v1/wipe/update_status", progress, &resp, true); err != nil {
		return fmt.Errorf("wipe progress report: %w", err)
	}
	return nil
}

// FetchBrowseRequest asks the backend for a pending remote directory-listing
// request. Returns nil when nothing is pending.
func (c *ServerClient) FetchBrowseRequest(ctx context.Context) (*BrowseRequest, error) {
	type browseResponse struct {
		HasRequest bool   `json:"has_request"`
		RequestID  string `json:"request_id"`
		Path       string `json:"path"`
	}

	var resp browseResponse
	path := "/api/v1/wipe/browse_request/" + c.GetDeviceID()
	if err := c.doRequest(ctx, "GET", path, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("browse request fetch: %w", err)
	}

	if !resp.HasRequest {
		return nil, nil
	}
	return &BrowseRequest{RequestID: resp.RequestID, Path: resp.Path}, nil
}

// PostBrowseResult sends a directory listing (or listing error) back to the
// backend for a previously fetched browse request.
func (c *ServerClient) PostBrowseResult(ctx context.Context, req BrowseRequest, entries []BrowseEntry, listErr string) error {
	body := struct {
		DeviceID  string        `json:"device_id"`
		RequestID string        `json:"request_id"`
		Path      string        `json:"path"`
		Items     []BrowseEntry `json:"items"`
		Error     string        `json:"error,omitempty"`
	}{
		DeviceID:  c.GetDeviceID(),
		RequestID: req.RequestID,
		Path:      req.Path,
		Items:     entries,
		Error:     listErr,
	}

	var resp map[string]interface{}
	if err := c.doRequest(ctx, "POST", "/api/v1/wipe/browse_result", body, &resp, true); err != nil {
		return fmt.Errorf("browse result post: %w", err)
	}
	return nil
}

// doRequest performs a single HTTP round trip. Network errors and non-2xx
// responses are wrapped in ErrTransport; encode/decode failures are not.
func (c *ServerClient) doRequest(ctx context.Context, method, path string, reqBody, respBody interface{}, requireAuth bool) error {
	url := c.BaseURL + path

	var bodyReader io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "TheftGuard-Agent/1.0")

	if requireAuth {
		if token := c.GetToken(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	DebugCtx("HTTP request", "method", method, "url", url)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer httpResp.Body.Close()

	respData, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		ErrorCtx("Server returned non-2xx status", "status", httpResp.StatusCode, "method", method, "url", url)
		return fmt.Errorf("%w: server returned status %d: %s", ErrTransport, httpResp.StatusCode, string(respData))
	}

	if respBody != nil {
		if err := json.Unmarshal(respData, respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
