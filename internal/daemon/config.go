// Package daemon manages the InfiniteGPU node lifecycle and
// configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all node configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Events    EventsConfig    `toml:"events"`
	Relay     RelayConfig     `toml:"relay"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID      string `toml:"id"`
	DataDir string `toml:"data_dir"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig selects the task store backend.
type StorageConfig struct {
	// Driver is one of "sqlite", "postgres", "memory".
	Driver string `toml:"driver"`
	// DSN is the postgres connection string; ignored by other drivers.
	DSN string `toml:"dsn"`
}

// DispatchConfig tunes assignment and the heartbeat watchdog.
// Durations are strings like "30s".
type DispatchConfig struct {
	MaxAttempts       int    `toml:"max_attempts"`
	ClaimScanLimit    int    `toml:"claim_scan_limit"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	HeartbeatGrace    string `toml:"heartbeat_grace"`
	WatchdogInterval  string `toml:"watchdog_interval"`
}

// EventsConfig controls the notification hub.
type EventsConfig struct {
	Buffer int `toml:"buffer"`
}

// RelayConfig controls the cross-node event relay over redis.
type RelayConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	Prometheus       bool    `toml:"prometheus"`
	TraceExporter    string  `toml:"trace_exporter"`
	TraceEndpoint    string  `toml:"trace_endpoint"`
	TraceSampleRatio float64 `toml:"trace_sample_ratio"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a configuration that runs a single local node
// out of the box.
func DefaultConfig() Config {
	homeDir := nodeHome()
	return Config{
		Node: NodeConfig{
			DataDir: homeDir,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 9180,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Dispatch: DispatchConfig{
			MaxAttempts:       3,
			ClaimScanLimit:    16,
			HeartbeatInterval: "30s",
			HeartbeatGrace:    "60s",
			WatchdogInterval:  "15s",
		},
		Events: EventsConfig{
			Buffer: 1024,
		},
		Relay: RelayConfig{
			Addr:    "127.0.0.1:6379",
			Channel: "infinitegpu:events",
		},
		Telemetry: TelemetryConfig{
			Prometheus:       true,
			TraceExporter:    "none",
			TraceSampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "node.log"),
		},
	}
}

// LoadConfig reads config from <home>/config.toml, falling back to
// defaults when the file does not exist.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(nodeHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to <home>/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(nodeHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// nodeHome returns the node's data directory.
func nodeHome() string {
	if env := os.Getenv("INFINITEGPU_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".infinitegpu")
}

// NodeHome is exported for use by other packages.
func NodeHome() string {
	return nodeHome()
}

// parseDuration parses a duration string, returning a fallback when
// the string is empty or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
