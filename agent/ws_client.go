package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"crypto/tls"

	"github.com/gorilla/websocket"
)

// WebSocket message types
const (
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
	MessageTypeDesiredState = "desired_state"
)

// WSMessage represents a WebSocket message from the backend. Desired-state
// pushes carry a DesiredState in Data so lock/alarm commands reach the agent
// faster than the poll interval.
type WSMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WSClient manages a persistent WebSocket connection to the backend.
// It is an optional accelerator: the control loop's polling remains the
// source of truth, the socket only shortens command latency.
type WSClient struct {
	serverURL string
	deviceID  string
	token     string
	conn      *websocket.Conn
	mu        sync.RWMutex
	connected bool
	stopChan  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	// onDesiredState is invoked from the read loop whenever the backend
	// pushes a desired-state change.
	onDesiredState func(DesiredState)

	insecureSkipVerify bool

	reconnectDelay    time.Duration
	pingInterval      time.Duration
	writeTimeout      time.Duration
	readTimeout       time.Duration
	handshakeTimeout  time.Duration
	maxReconnectDelay time.Duration
}

// NewWSClient creates a new WebSocket client
func NewWSClient(serverURL, deviceID, token string, insecureSkipVerify bool, onDesiredState func(DesiredState)) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &WSClient{
		serverURL:          serverURL,
		deviceID:           deviceID,
		token:              token,
		stopChan:           make(chan struct{}),
		ctx:                ctx,
		cancel:             cancel,
		onDesiredState:     onDesiredState,
		insecureSkipVerify: insecureSkipVerify,
		reconnectDelay:     5 * time.Second,
		pingInterval:       30 * time.Second,
		writeTimeout:       10 * time.Second,
		readTimeout:        60 * time.Second,
		handshakeTimeout:   10 * time.Second,
		maxReconnectDelay:  5 * time.Minute,
	}
}

// Start begins the WebSocket connection and management goroutines
func (ws *WSClient) Start() error {
	Info("Starting WebSocket command channel")

	if err := ws.connect(); err != nil {
		WarnCtx("Initial WebSocket connection failed, will retry", "error", err)
		// Reconnect loop handles it
	}

	go ws.connectionManager()
	return nil
}

// Stop gracefully stops the WebSocket client
func (ws *WSClient) Stop() error {
	ws.cancel()
	close(ws.stopChan)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn != nil {
		ws.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = ws.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		ws.conn.Close()
		ws.conn = nil
	}

	ws.connected = false
	return nil
}

// IsConnected returns whether the WebSocket is currently connected
func (ws *WSClient) IsConnected() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.connected
}

// wsURL converts the configured HTTP base URL to the ws endpoint URL.
func (ws *WSClient) wsURL() (string, error) {
	u, err := url.Parse(ws.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/agent/ws/" + ws.deviceID
	return u.String(), nil
}

// connect establishes a WebSocket connection to the server
func (ws *WSClient) connect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn != nil {
		ws.conn.Close()
		ws.conn = nil
		ws.connected = false
	}

	target, err := ws.wsURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: ws.handshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: ws.insecureSkipVerify,
		},
	}

	header := http.Header{}
	if ws.token != "" {
		header.Set("Authorization", "Bearer "+ws.token)
	}

	conn, _, err := dialer.DialContext(ws.ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
		return nil
	})

	ws.conn = conn
	ws.connected = true
	InfoCtx("WebSocket command channel connected", "url", target)

	go ws.readLoop(conn)
	go ws.pingLoop(conn)

	return nil
}

// connectionManager reconnects with capped exponential backoff whenever the
// connection drops.
func (ws *WSClient) connectionManager() {
	delay := ws.reconnectDelay

	for {
		select {
		case <-ws.ctx.Done():
			return
		case <-time.After(delay):
		}

		if ws.IsConnected() {
			delay = ws.reconnectDelay
			continue
		}

		if err := ws.connect(); err != nil {
			WarnCtx("WebSocket reconnect failed", "error", err, "next_attempt_in", delay)
			delay *= 2
			if delay > ws.maxReconnectDelay {
				delay = ws.maxReconnectDelay
			}
		} else {
			delay = ws.reconnectDelay
		}
	}
}

// readLoop consumes messages until the connection fails.
func (ws *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		ws.mu.Lock()
		if ws.conn == conn {
			ws.connected = false
		}
		ws.mu.Unlock()
	}()

	for {
		select {
		case <-ws.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			DebugCtx("WebSocket read failed", "error", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(ws.readTimeout))

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			WarnCtx("Malformed WebSocket message", "error", err)
			continue
		}

		switch msg.Type {
		case MessageTypeDesiredState:
			var state DesiredState
			if err := json.Unmarshal(msg.Data, &state); err != nil {
				WarnCtx("Malformed desired-state push", "error", err)
				continue
			}
			if ws.onDesiredState != nil {
				ws.onDesiredState(state)
			}
		case MessageTypePong, MessageTypeHeartbeat:
			// keep-alive only
		case MessageTypeError:
			WarnCtx("Server reported WebSocket error", "data", string(msg.Data))
		default:
			DebugCtx("Ignoring WebSocket message", "type", msg.Type)
		}
	}
}

// pingLoop keeps the connection alive with periodic pings.
func (ws *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(ws.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			if ws.conn != conn {
				ws.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			ws.mu.Unlock()
			if err != nil {
				DebugCtx("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}
