package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blelink/internal/ble"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Scan.PollInterval != 100*time.Millisecond {
		t.Errorf("Scan.PollInterval = %v, want 100ms", cfg.Scan.PollInterval)
	}
	if cfg.Scan.RestartTimeout != 3*time.Second {
		t.Errorf("Scan.RestartTimeout = %v, want 3s", cfg.Scan.RestartTimeout)
	}
	if cfg.Scan.RestartBurst != 5 {
		t.Errorf("Scan.RestartBurst = %d, want 5", cfg.Scan.RestartBurst)
	}
	if cfg.Operation.Timeout != 10*time.Second {
		t.Errorf("Operation.Timeout = %v, want 10s", cfg.Operation.Timeout)
	}
	if cfg.Reconnect.Policy != "none" {
		t.Errorf("Reconnect.Policy = %q, want %q", cfg.Reconnect.Policy, "none")
	}
	if !strings.HasSuffix(cfg.StatePath, "device.yaml") {
		t.Errorf("StatePath = %q, want a device.yaml path", cfg.StatePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
log_level: debug
state_path: /tmp/blelink/device.yaml
device:
  address: "AA:BB:CC:DD:EE:FF"
  auto_connect: true
scan:
  services: ["180d", "19b10000-e8f2-537e-4f6c-d104768a1214"]
  poll_interval: 250ms
  restart_timeout: 5s
operation:
  timeout: 2s
reconnect:
  policy: backoff
  max_delay: 1m
  max_failures: 3
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.StatePath != "/tmp/blelink/device.yaml" {
		t.Errorf("StatePath = %q", cfg.StatePath)
	}
	if cfg.Device.Address != "AA:BB:CC:DD:EE:FF" || !cfg.Device.AutoConnect {
		t.Errorf("Device = %+v", cfg.Device)
	}
	if len(cfg.Scan.Services) != 2 {
		t.Errorf("Scan.Services = %v, want 2 entries", cfg.Scan.Services)
	}
	if cfg.Scan.PollInterval != 250*time.Millisecond {
		t.Errorf("Scan.PollInterval = %v, want 250ms", cfg.Scan.PollInterval)
	}
	if cfg.Scan.RestartTimeout != 5*time.Second {
		t.Errorf("Scan.RestartTimeout = %v, want 5s", cfg.Scan.RestartTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Scan.RestartWindow != 30*time.Second {
		t.Errorf("Scan.RestartWindow = %v, want default 30s", cfg.Scan.RestartWindow)
	}
	if cfg.Operation.Timeout != 2*time.Second {
		t.Errorf("Operation.Timeout = %v, want 2s", cfg.Operation.Timeout)
	}
	if cfg.Reconnect.Policy != "backoff" || cfg.Reconnect.MaxDelay != time.Minute || cfg.Reconnect.MaxFailures != 3 {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	cfg, err := Load(writeConfig(t, "state_path: ~/blelink/device.yaml\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "blelink/device.yaml")
	if cfg.StatePath != expected {
		t.Errorf("StatePath = %q, want %q", cfg.StatePath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "scan: [unclosed\n"))
	if err == nil {
		t.Error("Load() should return error for malformed YAML")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "operation:\n  timeout: soon\n"))
	if err == nil {
		t.Error("Load() should reject a malformed duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "empty state path",
			modify:  func(c *Config) { c.StatePath = "" },
			wantErr: true,
		},
		{
			name:    "bad service uuid",
			modify:  func(c *Config) { c.Scan.Services = []string{"not-a-uuid"} },
			wantErr: true,
		},
		{
			name:    "short service uuid",
			modify:  func(c *Config) { c.Scan.Services = []string{"0x180d"} },
			wantErr: false,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Scan.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "restart timeout below poll interval",
			modify:  func(c *Config) { c.Scan.RestartTimeout = time.Millisecond },
			wantErr: true,
		},
		{
			name:    "zero restart burst",
			modify:  func(c *Config) { c.Scan.RestartBurst = 0 },
			wantErr: true,
		},
		{
			name:    "zero restart window",
			modify:  func(c *Config) { c.Scan.RestartWindow = 0 },
			wantErr: true,
		},
		{
			name:    "negative operation timeout",
			modify:  func(c *Config) { c.Operation.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "disabled operation timeout",
			modify:  func(c *Config) { c.Operation.Timeout = 0 },
			wantErr: false,
		},
		{
			name:    "invalid reconnect policy",
			modify:  func(c *Config) { c.Reconnect.Policy = "always" },
			wantErr: true,
		},
		{
			name: "backoff without max delay",
			modify: func(c *Config) {
				c.Reconnect.Policy = "backoff"
				c.Reconnect.MaxDelay = 0
			},
			wantErr: true,
		},
		{
			name: "backoff with negative attempts",
			modify: func(c *Config) {
				c.Reconnect.Policy = "backoff"
				c.Reconnect.MaxAttempts = -1
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServiceUUIDs(t *testing.T) {
	cfg := Default()
	cfg.Scan.Services = []string{"180d", "19b10000-e8f2-537e-4f6c-d104768a1214"}

	got, err := cfg.ServiceUUIDs()
	if err != nil {
		t.Fatalf("ServiceUUIDs() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ServiceUUIDs() returned %d, want 2", len(got))
	}
	if got[0] != ble.ShortUUID(0x180d) {
		t.Errorf("ServiceUUIDs()[0] = %v, want heart rate service", got[0])
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for level, want := range tests {
		cfg := Default()
		cfg.LogLevel = level
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", level, got, want)
		}
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := Default()
	cfg.Operation.Timeout = 3 * time.Second
	cfg.Scan.RestartBurst = 2

	opts := cfg.SessionOptions(nil)
	if opts.OperationTimeout != 3*time.Second {
		t.Errorf("OperationTimeout = %v, want 3s", opts.OperationTimeout)
	}
	if opts.Watchdog.RestartBurst != 2 {
		t.Errorf("Watchdog.RestartBurst = %d, want 2", opts.Watchdog.RestartBurst)
	}
	if _, ok := opts.Reconnect.(ble.NeverReconnect); !ok {
		t.Errorf("Reconnect = %T, want ble.NeverReconnect", opts.Reconnect)
	}

	cfg.Reconnect.Policy = "backoff"
	if _, ok := cfg.SessionOptions(nil).Reconnect.(*ble.BreakerPolicy); !ok {
		t.Error("backoff with max_failures should be wrapped in a breaker")
	}

	cfg.Reconnect.MaxFailures = 0
	p, ok := cfg.SessionOptions(nil).Reconnect.(ble.BackoffPolicy)
	if !ok {
		t.Fatal("backoff without max_failures should be a plain BackoffPolicy")
	}
	if p.Max != 30*time.Second {
		t.Errorf("BackoffPolicy.Max = %v, want 30s", p.Max)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blelink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# blelink") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Scan.RestartTimeout != 3*time.Second {
		t.Errorf("written config Scan.RestartTimeout = %v, want 3s", cfg.Scan.RestartTimeout)
	}
	if cfg.Reconnect.Policy != "none" {
		t.Errorf("written config Reconnect.Policy = %q, want %q", cfg.Reconnect.Policy, "none")
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blelink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
