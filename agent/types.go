package agent

import "time"

// DeviceState is the agent's local view of the device status. The backend
// owns the desired state; the agent owns the local one and reconciles.
type DeviceState string

const (
	StateActive  DeviceState = "active"
	StateLocked  DeviceState = "locked"
	StateAlarm   DeviceState = "alarm"
	StateWiping  DeviceState = "wiping"
	StateMissing DeviceState = "missing"
)

// FixSource identifies which sensor produced a location fix. Sources are
// ordered by trust: satellite > wifi > ip.
type FixSource string

const (
	SourceSatellite FixSource = "satellite"
	SourceWiFi      FixSource = "wifi-triangulated"
	SourceIP        FixSource = "ip-geolocation"
)

// Fix is a single immutable location estimate.
type Fix struct {
	Latitude      float64   `json:"lat"`
	Longitude     float64   `json:"lng"`
	AccuracyM     float64   `json:"accuracy_m,omitempty"` // 0 means unreported
	Source        FixSource `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	LowConfidence bool      `json:"low_confidence,omitempty"` // bad-region IP fix reported for lack of better
	Stale         bool      `json:"stale,omitempty"`          // cached fix returned after total source failure
}

// DesiredState is the backend's answer to a desired-state fetch.
type DesiredState struct {
	Status           string `json:"status"`
	IsMissing        bool   `json:"is_missing"`
	GeofenceEnabled  bool   `json:"geofence_enabled"`
	GeofenceType     string `json:"geofence_type"`
	GeofenceWiFiSSID string `json:"geofence_wifi_ssid"`
	// Signal threshold in percent for wifi geofences; the backend reuses
	// the radius column for this.
	GeofenceSignalThreshold int `json:"geofence_radius_m"`
	// Lock command payload, present when Status is locked.
	LockPassword string `json:"lock_password,omitempty"`
	LockMessage  string `json:"lock_message,omitempty"`
	// Minimum agent version the backend will accept, semver string.
	MinAgentVersion string `json:"min_agent_version,omitempty"`
}

// BreachDetails describes a WiFi geofence breach included in a status push.
type BreachDetails struct {
	RequiredSSID    string `json:"required_ssid"`
	CurrentSSID     string `json:"current_ssid"`
	SignalStrength  int    `json:"signal_strength,omitempty"`
	SignalThreshold int    `json:"signal_threshold,omitempty"`
	Reason          string `json:"reason"`
}

// StatusUpdate is the body of a status push. Location is optional; a push
// without a fix still updates status, battery and SSID.
type StatusUpdate struct {
	DeviceID           string         `json:"device_id"`
	Location           *Fix           `json:"location,omitempty"`
	Status             DeviceState    `json:"status,omitempty"`
	LocationUnchanged  bool           `json:"location_unchanged,omitempty"`
	CurrentWiFiSSID    string         `json:"current_wifi_ssid,omitempty"`
	BatteryPercentage  int            `json:"battery_percentage,omitempty"`
	AgentOutdated      bool           `json:"agent_outdated,omitempty"`
	WiFiGeofenceBreach bool           `json:"wifi_geofence_breach,omitempty"`
	Breach             *BreachDetails `json:"breach_details,omitempty"`
}

// StatusAck is the backend's response to a status push.
type StatusAck struct {
	Success      bool   `json:"success"`
	DeviceStatus string `json:"status"`
	BreachNoted  bool   `json:"breach_noted,omitempty"`
	Message      string `json:"message,omitempty"`
}

// WipeStatus is the lifecycle state of a wipe job.
type WipeStatus string

const (
	WipePending    WipeStatus = "pending"
	WipeInProgress WipeStatus = "in_progress"
	WipeCompleted  WipeStatus = "completed"
	WipeFailed     WipeStatus = "failed"
)

// WipeJob is a pending or running remote wipe operation. Jobs are keyed by
// OperationID; re-delivery of the same id must not create a second job.
type WipeJob struct {
	OperationID  string     `json:"operation_id"`
	Paths        []string   `json:"paths"`
	Status       WipeStatus `json:"status"`
	ItemsDeleted int        `json:"files_deleted"`
	ItemsTotal   int        `json:"total_files"`
	Error        string     `json:"error_message,omitempty"`
}

// WipeProgress is a progress report pushed to the backend while a job runs.
type WipeProgress struct {
	DeviceID           string     `json:"device_id"`
	OperationID        string     `json:"operation_id"`
	Status             WipeStatus `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	FilesDeleted       int        `json:"files_deleted"`
	TotalFiles         int        `json:"total_files"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// BrowseRequest is a pending remote directory-listing request.
type BrowseRequest struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

// BrowseEntry is one row of a directory listing sent back to the backend.
type BrowseEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "folder"
	Size int64  `json:"size,omitempty"`
}
