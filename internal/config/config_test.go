package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Profile != "auto" {
		t.Errorf("Device.Profile = %q, want %q", cfg.Device.Profile, "auto")
	}
	if cfg.Connection.IntervalMS != 30 {
		t.Errorf("Connection.IntervalMS = %d, want 30", cfg.Connection.IntervalMS)
	}
	if cfg.Connection.SupervisionTimeoutMS != 4000 {
		t.Errorf("Connection.SupervisionTimeoutMS = %d, want 4000", cfg.Connection.SupervisionTimeoutMS)
	}
	if cfg.Send.InterChunkDelayMS != 20 {
		t.Errorf("Send.InterChunkDelayMS = %d, want 20", cfg.Send.InterChunkDelayMS)
	}
	if cfg.Send.QueueSize != 64 {
		t.Errorf("Send.QueueSize = %d, want 64", cfg.Send.QueueSize)
	}
	if !cfg.Reconnect.Auto {
		t.Error("Reconnect.Auto should default to true")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestDefaultValidatesOnceTargetSet(t *testing.T) {
	cfg := Default()
	cfg.Device.TargetAddr = "11:22:33:44:55:66"
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config with a target should validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  target_addr: "AA:BB:CC:DD:EE:FF"
  profile: nordic-uart
connection:
  interval_ms: 50
  slave_latency: 2
  supervision_timeout_ms: 6000
send:
  inter_chunk_delay_ms: 5
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.TargetAddr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Device.TargetAddr = %q, want %q", cfg.Device.TargetAddr, "AA:BB:CC:DD:EE:FF")
	}
	if cfg.Device.Profile != "nordic-uart" {
		t.Errorf("Device.Profile = %q, want %q", cfg.Device.Profile, "nordic-uart")
	}
	if cfg.Connection.IntervalMS != 50 {
		t.Errorf("Connection.IntervalMS = %d, want 50", cfg.Connection.IntervalMS)
	}
	if cfg.Connection.SlaveLatency != 2 {
		t.Errorf("Connection.SlaveLatency = %d, want 2", cfg.Connection.SlaveLatency)
	}
	if cfg.Send.InterChunkDelayMS != 5 {
		t.Errorf("Send.InterChunkDelayMS = %d, want 5", cfg.Send.InterChunkDelayMS)
	}
	// Unset sections keep their defaults.
	if cfg.Send.QueueSize != 64 {
		t.Errorf("Send.QueueSize = %d, want default 64", cfg.Send.QueueSize)
	}
	if !cfg.Reconnect.Auto {
		t.Error("Reconnect.Auto should keep its default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("device: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() of malformed yaml should fail")
	}
}

func TestValidateErrors(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Device.TargetAddr = "11:22:33:44:55:66"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing target", func(c *Config) { c.Device.TargetAddr = "" }, "target_addr"},
		{"bad target", func(c *Config) { c.Device.TargetAddr = "not-an-address" }, "target_addr"},
		{"bad local addr", func(c *Config) { c.Device.LocalAddr = "zz:zz" }, "local_addr"},
		{"bad profile", func(c *Config) { c.Device.Profile = "fitbit" }, "profile"},
		{"interval too small", func(c *Config) { c.Connection.IntervalMS = 5 }, "interval_ms"},
		{"interval too large", func(c *Config) { c.Connection.IntervalMS = 5000 }, "interval_ms"},
		{"latency out of range", func(c *Config) { c.Connection.SlaveLatency = 500 }, "slave_latency"},
		{"supervision too tight", func(c *Config) { c.Connection.SupervisionTimeoutMS = 60 }, "supervision_timeout_ms"},
		{"scan timeout zero", func(c *Config) { c.Connection.ScanTimeoutS = 0 }, "scan_timeout_s"},
		{"negative chunk delay", func(c *Config) { c.Send.InterChunkDelayMS = -1 }, "inter_chunk_delay_ms"},
		{"queue size zero", func(c *Config) { c.Send.QueueSize = 0 }, "queue_size"},
		{"negative retries", func(c *Config) { c.Reconnect.MaxRetries = -1 }, "max_retries"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestSupervisionTimeoutAccountsForLatency(t *testing.T) {
	cfg := Default()
	cfg.Device.TargetAddr = "11:22:33:44:55:66"
	cfg.Connection.IntervalMS = 100
	cfg.Connection.SlaveLatency = 4
	// 2*(1+4)*100 = 1000ms minimum
	cfg.Connection.SupervisionTimeoutMS = 1000
	if err := cfg.Validate(); err == nil {
		t.Error("timeout equal to the minimum should be rejected")
	}
	cfg.Connection.SupervisionTimeoutMS = 1001
	if err := cfg.Validate(); err != nil {
		t.Errorf("timeout above the minimum should validate, got %v", err)
	}
}

func TestDefaultRoundTripsThroughYAML(t *testing.T) {
	cfg := Default()
	cfg.Device.TargetAddr = "11:22:33:44:55:66"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back Config
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Connection.IntervalMS != cfg.Connection.IntervalMS {
		t.Errorf("IntervalMS = %d, want %d", back.Connection.IntervalMS, cfg.Connection.IntervalMS)
	}
	if back.Device.TargetAddr != cfg.Device.TargetAddr {
		t.Errorf("TargetAddr = %q, want %q", back.Device.TargetAddr, cfg.Device.TargetAddr)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got := expandTilde("~/blectl.yaml")
	want := filepath.Join(home, "blectl.yaml")
	if got != want {
		t.Errorf("expandTilde() = %q, want %q", got, want)
	}
	if got := expandTilde("/abs/path.yaml"); got != "/abs/path.yaml" {
		t.Errorf("absolute path should pass through, got %q", got)
	}
}
