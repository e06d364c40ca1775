// Package config loads and validates the host application's YAML
// configuration: the target peripheral, connection parameters the
// initiator proposes, the text-send pacing, and the reconnect policy.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blectl/internal/ll"
)

// Config holds all application configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Connection ConnectionConfig `yaml:"connection"`
	Send       SendConfig       `yaml:"send"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	LogLevel   string           `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral to connect to.
type DeviceConfig struct {
	TargetAddr string `yaml:"target_addr"`          // peripheral address, "11:22:33:44:55:66"
	Profile    string `yaml:"profile"`              // "auto", "xiaomi", "nordic-uart", or "custom"
	LocalAddr  string `yaml:"local_addr,omitempty"` // optional fixed local random static address
}

// ConnectionConfig holds the parameters proposed in CONNECT_REQ.
type ConnectionConfig struct {
	IntervalMS           int `yaml:"interval_ms"`            // connection interval (1.25ms granularity on air)
	SlaveLatency         int `yaml:"slave_latency"`          // events the link may skip when idle
	SupervisionTimeoutMS int `yaml:"supervision_timeout_ms"` // link-loss declaration time
	ScanTimeoutS         int `yaml:"scan_timeout_s"`         // bound on each scan attempt
}

// SendConfig holds text transmission settings.
type SendConfig struct {
	InterChunkDelayMS int `yaml:"inter_chunk_delay_ms"` // pause between chunk writes (default 20)
	QueueSize         int `yaml:"queue_size"`           // max texts queued while disconnected (default 64)
}

// ReconnectConfig holds the retry policy for lost links.
type ReconnectConfig struct {
	Auto         bool `yaml:"auto"`           // rescan after unsolicited disconnects
	MaxRetries   int  `yaml:"max_retries"`    // connect attempts before giving up (default 3)
	RetryDelayMS int  `yaml:"retry_delay_ms"` // back-off base between attempts (default 1000)
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blectl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Profile: "auto",
		},
		Connection: ConnectionConfig{
			IntervalMS:           30,
			SlaveLatency:         0,
			SupervisionTimeoutMS: 4000,
			ScanTimeoutS:         30,
		},
		Send: SendConfig{
			InterChunkDelayMS: 20,
			QueueSize:         64,
		},
		Reconnect: ReconnectConfig{
			Auto:         true,
			MaxRetries:   3,
			RetryDelayMS: 1000,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home
// directory before the file is read.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Device.Profile == "" {
		cfg.Device.Profile = "auto"
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.TargetAddr == "" {
		return fmt.Errorf("device.target_addr must not be empty")
	}
	if _, err := ll.ParseAddr(c.Device.TargetAddr); err != nil {
		return fmt.Errorf("device.target_addr: %w", err)
	}
	if c.Device.LocalAddr != "" {
		if _, err := ll.ParseAddr(c.Device.LocalAddr); err != nil {
			return fmt.Errorf("device.local_addr: %w", err)
		}
	}

	switch c.Device.Profile {
	case "auto", "xiaomi", "nordic-uart", "custom":
	default:
		return fmt.Errorf("device.profile must be \"auto\", \"xiaomi\", \"nordic-uart\", or \"custom\", got %q", c.Device.Profile)
	}

	// The BLE range for the connection interval is 7.5ms to 4s.
	if c.Connection.IntervalMS < 8 || c.Connection.IntervalMS > 4000 {
		return fmt.Errorf("connection.interval_ms must be in [8, 4000], got %d", c.Connection.IntervalMS)
	}
	if c.Connection.SlaveLatency < 0 || c.Connection.SlaveLatency > 499 {
		return fmt.Errorf("connection.slave_latency must be in [0, 499], got %d", c.Connection.SlaveLatency)
	}
	minTimeout := 2 * (1 + c.Connection.SlaveLatency) * c.Connection.IntervalMS
	if c.Connection.SupervisionTimeoutMS <= minTimeout {
		return fmt.Errorf("connection.supervision_timeout_ms must exceed 2*(1+latency)*interval = %dms, got %d",
			minTimeout, c.Connection.SupervisionTimeoutMS)
	}
	if c.Connection.ScanTimeoutS <= 0 {
		return fmt.Errorf("connection.scan_timeout_s must be > 0")
	}

	if c.Send.InterChunkDelayMS < 0 {
		return fmt.Errorf("send.inter_chunk_delay_ms must be >= 0")
	}
	if c.Send.QueueSize <= 0 {
		return fmt.Errorf("send.queue_size must be > 0")
	}

	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must be >= 0")
	}
	if c.Reconnect.RetryDelayMS < 0 {
		return fmt.Errorf("reconnect.retry_delay_ms must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// WriteDefault creates the default config file with documented defaults.
// It creates the parent directory if needed. Returns the path written to.
// If the file already exists, it returns ("", nil) without overwriting.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil // already exists
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config dir %s: %w", dir, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	header := "# blectl configuration\n# device.target_addr must be set before connecting\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return path, nil
}

// ParseLogLevel converts a log level string to a slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default: // "info"
		return slog.LevelInfo
	}
}
