package broker

import "errors"

// APIVersion is the local broker API version. Version 2 added the privileged
// configuration query and push forwarding.
const APIVersion = 2

// Errors surfaced to broker clients
var (
	ErrNotConnected  = errors.New("broker not connected")
	ErrKeyMismatch   = errors.New("broker API key mismatch")
	ErrVersionTooOld = errors.New("broker version does not support this call")
)

// Attrs are the configuration attributes pulled synchronously during the
// connect handshake
type Attrs struct {
	ServerHost    string `json:"serverHost"`
	SecondaryHost string `json:"secondaryHost"`
	ProjectPath   string `json:"projectPath"`
	DeviceID      string `json:"deviceId"`
	Version       int    `json:"version"`
}
