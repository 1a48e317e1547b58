// Package config provides configuration loading for the editor bridge.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/marcus-qen/editorbridge/internal/bridge"
)

// DefaultPort is the bridge's well-known listening port.
const DefaultPort = 6505

// Duration is a time.Duration that reads JSON strings like "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Config holds all bridge configuration.
type Config struct {
	// Listen host (default "127.0.0.1")
	Host string `json:"host"`
	// Listen port, 1-65535 (default 6505)
	Port int `json:"port"`

	RequestTimeout    Duration `json:"request_timeout"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// WebSocket upgrade paths
	EditorPath   string `json:"editor_path"`
	ObserverPath string `json:"observer_path"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// OTLP gRPC endpoint; empty disables tracing
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Cron spec for the periodic status log line; empty disables it
	StatusSchedule string `json:"status_schedule,omitempty"`

	// Path to a YAML tool manifest; empty uses the built-in one
	ToolManifest string `json:"tool_manifest,omitempty"`

	// Warnings collects non-fatal problems found while loading.
	Warnings []string `json:"-"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		Host:              bridge.DefaultHost,
		Port:              DefaultPort,
		RequestTimeout:    Duration(bridge.DefaultRequestTimeout),
		HeartbeatInterval: Duration(10 * time.Second),
		EditorPath:        "/godot",
		ObserverPath:      "/visualizer",
		LogLevel:          "info",
		StatusSchedule:    "*/5 * * * *",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("EDITORBRIDGE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("EDITORBRIDGE_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			cfg.warnf("EDITORBRIDGE_PORT=%q is not a number", v)
			cfg.Port = DefaultPort
		} else {
			cfg.Port = n
		}
	}
	if v := os.Getenv("EDITORBRIDGE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RequestTimeout = Duration(d)
		} else {
			cfg.warnf("EDITORBRIDGE_REQUEST_TIMEOUT=%q is not a positive duration", v)
		}
	}
	if v := os.Getenv("EDITORBRIDGE_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HeartbeatInterval = Duration(d)
		} else {
			cfg.warnf("EDITORBRIDGE_HEARTBEAT_INTERVAL=%q is not a positive duration", v)
		}
	}
	if v := os.Getenv("EDITORBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EDITORBRIDGE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v, ok := os.LookupEnv("EDITORBRIDGE_STATUS_SCHEDULE"); ok {
		cfg.StatusSchedule = v
	}
	if v := os.Getenv("EDITORBRIDGE_TOOL_MANIFEST"); v != "" {
		cfg.ToolManifest = v
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		cfg.warnf("port %d out of range 1-65535, using %d", cfg.Port, DefaultPort)
		cfg.Port = DefaultPort
	}

	return cfg, nil
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// BridgeOptions converts the configuration into bridge construction options.
func (c Config) BridgeOptions(version string) bridge.Options {
	return bridge.Options{
		Host:              c.Host,
		Port:              c.Port,
		RequestTimeout:    time.Duration(c.RequestTimeout),
		HeartbeatInterval: time.Duration(c.HeartbeatInterval),
		EditorPath:        c.EditorPath,
		ObserverPath:      c.ObserverPath,
		Version:           version,
	}
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
