// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the tripsync server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Relay     RelayConfig     `toml:"relay"`
	Catalog   CatalogConfig   `toml:"catalog"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Broadcast BroadcastConfig `toml:"broadcast"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Listen string `toml:"listen"` // host:port
}

// StorageConfig contains trip persistence settings.
type StorageConfig struct {
	Backend string `toml:"backend"` // "bolt" or "memory"
	Path    string `toml:"path"`    // bolt database file
}

// HeartbeatConfig controls connection keep-alive.
type HeartbeatConfig struct {
	IntervalSeconds int `toml:"interval_seconds"` // ping cadence
	TimeoutSeconds  int `toml:"timeout_seconds"`  // silence beyond this is a dead connection
}

// RelayConfig controls the NATS event bridge.
type RelayConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// CatalogConfig points at operator-provided destination seed files.
type CatalogConfig struct {
	Dir string `toml:"dir"` // extra YAML catalogs; empty = embedded seed only
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// BroadcastConfig tunes per-subscriber delivery.
type BroadcastConfig struct {
	BufferSize int `toml:"buffer_size"` // events buffered per subscriber before it is dropped
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":8080",
		},
		Storage: StorageConfig{
			Backend: "bolt",
			Path:    "tripsync.db",
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 25,
			TimeoutSeconds:  75,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Broadcast: BroadcastConfig{
			BufferSize: 64,
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from tripsync.toml in the current
// directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "tripsync.toml"))
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "bolt", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Heartbeat.TimeoutSeconds <= c.Heartbeat.IntervalSeconds {
		return fmt.Errorf("heartbeat timeout must exceed the interval")
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay enabled without a url")
	}
	if c.Broadcast.BufferSize <= 0 {
		return fmt.Errorf("broadcast buffer size must be positive")
	}
	return nil
}

// HeartbeatInterval returns the ping cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the liveness cutoff as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
}
