package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// AgentConfig represents the agent configuration
type AgentConfig struct {
	Server    ServerConnectionConfig `toml:"server"`
	Intervals IntervalsConfig        `toml:"intervals"`
	Location  LocationConfig         `toml:"location"`
	Lock      LockConfig             `toml:"lock"`
	Wipe      WipeConfig             `toml:"wipe"`
	Discovery DiscoveryConfig        `toml:"discovery"`
	Database  DatabaseConfig         `toml:"database"`
	Logging   LoggingConfig          `toml:"logging"`
}

// ServerConnectionConfig holds backend connection and identity settings
type ServerConnectionConfig struct {
	URL                string `toml:"url"`
	CAPath             string `toml:"ca_path"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"` // Skip TLS verification (dev/testing only)
	UseWebSocket       bool   `toml:"use_websocket"`
	Token              string `toml:"token"`     // Stored after registration
	DeviceID           string `toml:"device_id"` // Stable UUID (auto-generated, do not edit)
	UserEmail          string `toml:"user_email"`
}

// IntervalsConfig holds the loop cadences
type IntervalsConfig struct {
	ReportSeconds      int `toml:"report_seconds"`
	CommandPollSeconds int `toml:"command_poll_seconds"`
	TickMs             int `toml:"tick_ms"`
}

// LocationConfig holds resolver settings
type LocationConfig struct {
	WiFiGeoAPIKey  string `toml:"wifi_geo_api_key"`
	MoveThresholdM int    `toml:"move_threshold_m"`
}

// LockConfig holds lock screen coordination settings
type LockConfig struct {
	LivenessPort int      `toml:"liveness_port"`
	Command      []string `toml:"command"` // Empty: re-exec this binary with "lockscreen"
}

// WipeConfig holds the data volume the wipe policy is rooted at
type WipeConfig struct {
	DataVolume string `toml:"data_volume"`
}

// DiscoveryConfig holds the local account-linking endpoint settings
type DiscoveryConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// DatabaseConfig holds local store settings
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds log settings
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// DefaultAgentConfig returns agent configuration with sensible defaults
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: ServerConnectionConfig{
			URL:                "",
			CAPath:             "",
			InsecureSkipVerify: false,
			UseWebSocket:       true,
			Token:              "",
			DeviceID:           "", // Will be auto-generated on first run
		},
		Intervals: IntervalsConfig{
			ReportSeconds:      15,
			CommandPollSeconds: 1,
			TickMs:             100,
		},
		Location: LocationConfig{
			WiFiGeoAPIKey:  "",
			MoveThresholdM: 50,
		},
		Lock: LockConfig{
			LivenessPort: 12345,
		},
		Wipe: WipeConfig{
			DataVolume: defaultDataVolume(),
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Port:    9123,
		},
		Database: DatabaseConfig{
			Path: "", // Will use default platform-specific path
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataVolume() string {
	if runtime.GOOS == "windows" {
		return `D:\`
	}
	return "/srv/data"
}

// LoadAgentConfig loads configuration from TOML file with environment variable
// overrides. Returns an error if the config file does not exist or cannot be
// parsed.
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	// File must exist - return error if missing
	if _, err := os.Stat(configPath); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if val := os.Getenv("SERVER_URL"); val != "" {
		cfg.Server.URL = val
	}
	if val := os.Getenv("SERVER_CA_PATH"); val != "" {
		cfg.Server.CAPath = val
	}
	if val := os.Getenv("SERVER_INSECURE_SKIP_VERIFY"); val != "" {
		cfg.Server.InsecureSkipVerify = truthy(val)
	}
	if val := os.Getenv("DEVICE_ID"); val != "" {
		cfg.Server.DeviceID = val
	}
	if val := os.Getenv("USER_EMAIL"); val != "" {
		cfg.Server.UserEmail = val
	}
	if val := os.Getenv("WIFI_GEO_API_KEY"); val != "" {
		cfg.Location.WiFiGeoAPIKey = val
	}
	if val := os.Getenv("REPORT_INTERVAL_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Intervals.ReportSeconds = n
		}
	}
	if val := os.Getenv("WIPE_DATA_VOLUME"); val != "" {
		cfg.Wipe.DataVolume = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_DIR"); val != "" {
		cfg.Logging.Dir = val
	}

	return cfg, nil
}

func truthy(val string) bool {
	lower := strings.ToLower(val)
	return lower == "1" || lower == "true" || lower == "yes"
}

// WriteDefaultAgentConfig writes a default agent configuration file
func WriteDefaultAgentConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(DefaultAgentConfig())
}

// LoadServerToken loads the backend authentication token from file
func LoadServerToken(dataDir string) string {
	tokenPath := filepath.Join(dataDir, "agent_token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return "" // No token file = not registered yet
	}
	return strings.TrimSpace(string(data))
}

// SaveServerToken persists the backend authentication token
func SaveServerToken(dataDir, token string) error {
	if token == "" {
		return nil // Don't save empty tokens
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	tokenPath := filepath.Join(dataDir, "agent_token")
	// Write with restrictive permissions (owner read/write only)
	return os.WriteFile(tokenPath, []byte(token), 0600)
}

// LoadOrGenerateDeviceID loads the device ID from file or generates a new UUID
func LoadOrGenerateDeviceID(dataDir string) (string, error) {
	idPath := filepath.Join(dataDir, "device_id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(idPath, []byte(id), 0600); err != nil {
		return "", err
	}
	return id, nil
}

// defaultDataDir returns the platform data directory for the agent
func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TheftGuard", "agent")
	case "darwin":
		return "/Library/Application Support/TheftGuard"
	default:
		return "/var/lib/theftguard"
	}
}

// defaultConfigPath returns the platform config file location
func defaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(defaultDataDir(), "agent.toml")
	}
	return "/etc/theftguard/agent.toml"
}

// validateConfig rejects configurations the agent cannot run with
func validateConfig(cfg *AgentConfig) error {
	if cfg.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if cfg.Intervals.TickMs <= 0 || cfg.Intervals.CommandPollSeconds <= 0 || cfg.Intervals.ReportSeconds <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if cfg.Lock.LivenessPort <= 0 || cfg.Lock.LivenessPort > 65535 {
		return fmt.Errorf("lock.liveness_port out of range: %d", cfg.Lock.LivenessPort)
	}
	return nil
}
