package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the agent configuration loaded from YAML with env overrides
type Config struct {
	Env string `yaml:"env" env:"AGENT_ENV" env-default:"production"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
	} `yaml:"log"`

	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH" env-default:"agent.db"`

	Server struct {
		URL           string `yaml:"url" env:"SERVER_URL"`
		SecondaryURL  string `yaml:"secondary_url" env:"SERVER_SECONDARY_URL"`
		RequestSecret string `yaml:"request_secret" env:"SERVER_REQUEST_SECRET"`
		SecureMode    bool   `yaml:"secure_mode" env:"SERVER_SECURE_MODE" env-default:"true"`
		Timeout       int    `yaml:"timeout" env:"SERVER_TIMEOUT" env-default:"30"` // seconds
	} `yaml:"server"`

	Sync struct {
		Interval int `yaml:"interval" env:"SYNC_INTERVAL" env-default:"900"` // seconds
	} `yaml:"sync"`

	Upload struct {
		Interval  int `yaml:"interval" env:"UPLOAD_INTERVAL" env-default:"60"` // seconds
		BatchSize int `yaml:"batch_size" env:"UPLOAD_BATCH_SIZE" env-default:"100"`
		// Retention windows in hours, applied regardless of upload success
		LogRetention      int `yaml:"log_retention" env:"UPLOAD_LOG_RETENTION" env-default:"168"`
		LocationRetention int `yaml:"location_retention" env:"UPLOAD_LOCATION_RETENTION" env-default:"24"`
		SnapshotRetention int `yaml:"snapshot_retention" env:"UPLOAD_SNAPSHOT_RETENTION" env-default:"24"`
	} `yaml:"upload"`

	Broker struct {
		Enabled bool   `yaml:"enabled" env:"BROKER_ENABLED" env-default:"true"`
		Port    int    `yaml:"port" env:"BROKER_PORT" env-default:"9795"`
		APIKey  string `yaml:"api_key" env:"BROKER_API_KEY"`
	} `yaml:"broker"`

	Push struct {
		Enabled      bool `yaml:"enabled" env:"PUSH_ENABLED" env-default:"true"`
		PingInterval int  `yaml:"ping_interval" env:"PUSH_PING_INTERVAL" env-default:"60"` // seconds
	} `yaml:"push"`

	Device struct {
		Name string `yaml:"name" env:"DEVICE_NAME"`
	} `yaml:"device"`
}

// LoadConfig reads the configuration file and applies environment overrides
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return &cfg, nil
}
