package models

import "encoding/json"

// SyncEnvelope is the standard success/status/data wrapper returned by the
// management server for all sync endpoints
type SyncEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Envelope status values
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// ServerConfig is the versioned device configuration delivered by the server.
// The agent applies only the fields it needs for its own safety decisions; the
// full payload is retained verbatim for the policy-enforcement collaborator.
type ServerConfig struct {
	ConfigID    int64             `json:"id"`
	KioskMode   bool              `json:"kioskMode"`
	MainApp     string            `json:"mainApp,omitempty"`
	Password    string            `json:"password,omitempty"`
	CustomField map[string]string `json:"custom,omitempty"`
	Files       []RemoteFile      `json:"files,omitempty"`

	// Raw holds the exact payload bytes the configuration was decoded from
	Raw json.RawMessage `json:"-"`
}

// EnrollmentOptions are captured once from the provisioning bundle
type EnrollmentOptions struct {
	Customer   string   `json:"customer,omitempty"`
	ConfigName string   `json:"configName,omitempty"`
	Groups     []string `json:"groups,omitempty"`
}

// LogEntry is a single remote log record queued for upload
type LogEntry struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"` // Unix timestamp in milliseconds
	Level     int    `json:"logLevel"`
	PackageID string `json:"packageId,omitempty"`
	Message   string `json:"message"`
}

// LocationFix is a single GPS/network location sample
type LocationFix struct {
	DeviceID  string  `json:"deviceId"`
	Timestamp int64   `json:"ts"` // Unix timestamp in milliseconds
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  float64 `json:"alt,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Course    float64 `json:"course,omitempty"`
	Provider  string  `json:"provider,omitempty"`
}

// DeviceSnapshot is a detailed device state sample (battery, memory, network)
type DeviceSnapshot struct {
	DeviceID       string       `json:"deviceId"`
	Timestamp      int64        `json:"ts"` // Unix timestamp in milliseconds
	BatteryLevel   int          `json:"batteryLevel,omitempty"`
	BatteryCharge  string       `json:"batteryCharging,omitempty"`
	MemoryTotal    int64        `json:"memoryTotal,omitempty"`
	MemoryFree     int64        `json:"memoryAvailable,omitempty"`
	WifiState      bool         `json:"wifi"`
	MobileDataUsed int64        `json:"mobileData,omitempty"`
	IPAddress      string       `json:"ipAddress,omitempty"`
	Location       *LocationFix `json:"location,omitempty"`
}

// RemoteFile describes a server-managed file cached on the device.
// Path is the natural key; re-announcing a path replaces the prior record.
type RemoteFile struct {
	Path        string `json:"path"`
	Checksum    string `json:"checksum,omitempty"`
	URL         string `json:"url,omitempty"`
	LastUpdate  int64  `json:"lastUpdate"` // Unix timestamp in milliseconds
	RemovedFlag bool   `json:"remove,omitempty"`
}

// PendingDownload is a file transfer the agent has not completed yet.
// Path is the natural key; a new descriptor for the same path replaces it.
type PendingDownload struct {
	Path       string `json:"path"`
	URL        string `json:"url"`
	Attempts   int    `json:"attempts"`
	EnqueuedAt int64  `json:"enqueuedAt"` // Unix timestamp in milliseconds
}

// PushMessage is a typed message delivered over the push channel
type PushMessage struct {
	Type    string          `json:"messageType"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Push message types understood by the agent itself; anything else is
// forwarded to broker clients untouched
const (
	PushTypeConfigUpdated = "configUpdated"
	PushTypePing          = "ping"
)
