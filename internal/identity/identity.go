package identity

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"deviceagent/internal/settings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ID strategies selectable through the provisioning bundle
const (
	StrategyHardware = "hardware"
	StrategyHostname = "hostname"
)

// Resolver determines the device identity used against the management server.
// A persisted identity always wins; it is assigned exactly once and survives
// every later provisioning change.
type Resolver struct {
	settings *settings.Store
	logger   *zap.Logger
}

// NewResolver creates an identity resolver backed by the settings store
func NewResolver(store *settings.Store, logger *zap.Logger) *Resolver {
	return &Resolver{settings: store, logger: logger}
}

// Resolve returns the device identity, assigning one if none is persisted yet.
// Resolution order: persisted identity, the configured override, a
// strategy-selected platform identifier, and finally a random UUID.
func (r *Resolver) Resolve(configuredID string) (string, error) {
	stored, err := r.settings.DeviceID()
	if err != nil {
		return "", fmt.Errorf("failed to read persisted identity: %w", err)
	}
	if stored != "" {
		return stored, nil
	}

	id := configuredID
	if id == "" {
		strategy, err := r.settings.IDStrategy()
		if err != nil {
			r.logger.Warn("Failed to read id strategy, using hardware", zap.Error(err))
			strategy = StrategyHardware
		}
		id = r.generate(strategy)
	}

	assigned, err := r.settings.SetDeviceID(id)
	if err != nil {
		return "", fmt.Errorf("failed to persist device identity: %w", err)
	}

	r.logger.Info("Device identity assigned", zap.String("device_id", assigned))
	return assigned, nil
}

func (r *Resolver) generate(strategy string) string {
	if strategy == StrategyHostname {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			return hostname
		}
		r.logger.Warn("Hostname strategy failed, falling back to hardware id")
	}

	if id, err := platformID(); err == nil && id != "" {
		return id
	}

	id := uuid.New().String()
	r.logger.Warn("No platform identifier available, generated random identity",
		zap.String("device_id", id),
	)
	return id
}

// platformID returns a stable machine identifier for the current OS
func platformID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return linuxID()
	case "darwin":
		return darwinID()
	case "windows":
		return windowsID()
	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func linuxID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return strings.TrimSpace(string(data)), nil
		}
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return "linux-" + hostname, nil
	}
	return "", fmt.Errorf("could not determine linux machine id")
}

func darwinID() (string, error) {
	output, err := exec.Command("system_profiler", "SPHardwareDataType").Output()
	if err == nil {
		for _, line := range strings.Split(string(output), "\n") {
			if strings.Contains(line, "Hardware UUID") {
				parts := strings.Split(line, ":")
				if len(parts) > 1 {
					return strings.TrimSpace(parts[1]), nil
				}
			}
		}
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return "darwin-" + hostname, nil
	}
	return "", fmt.Errorf("could not determine macOS machine id")
}

func windowsID() (string, error) {
	output, err := exec.Command("wmic", "csproduct", "get", "uuid").Output()
	if err == nil {
		for _, line := range strings.Split(string(output), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && line != "UUID" && len(line) > 10 {
				return line, nil
			}
		}
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return "windows-" + hostname, nil
	}
	return "", fmt.Errorf("could not determine windows machine id")
}
