package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blelink/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	StatePath string          `yaml:"state_path"`
	Device    DeviceConfig    `yaml:"device"`
	Scan      ScanConfig      `yaml:"scan"`
	Operation OperationConfig `yaml:"operation"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// DeviceConfig selects the peripheral.
type DeviceConfig struct {
	Address     string `yaml:"address"` // empty falls back to the device store
	AutoConnect bool   `yaml:"auto_connect"`
}

// ScanConfig holds scan filter and watchdog settings.
type ScanConfig struct {
	Services       []string      `yaml:"services"` // full or short-form UUIDs
	PollInterval   time.Duration `yaml:"poll_interval"`
	RestartTimeout time.Duration `yaml:"restart_timeout"`
	RestartBurst   int           `yaml:"restart_burst"`
	RestartWindow  time.Duration `yaml:"restart_window"`
}

// OperationConfig holds GATT operation settings.
type OperationConfig struct {
	Timeout time.Duration `yaml:"timeout"` // 0 disables
}

// ReconnectConfig holds the policy applied after an unrequested disconnect.
type ReconnectConfig struct {
	Policy      string        `yaml:"policy"` // "none" or "backoff"
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 retries until the breaker trips
	MaxFailures uint32        `yaml:"max_failures"` // breaker threshold, 0 disables the breaker
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	wd := ble.DefaultWatchdogOptions()
	return &Config{
		LogLevel:  "info",
		StatePath: filepath.Join(DefaultConfigDir(), "device.yaml"),
		Scan: ScanConfig{
			PollInterval:   wd.PollInterval,
			RestartTimeout: wd.RestartTimeout,
			RestartBurst:   wd.RestartBurst,
			RestartWindow:  wd.RestartWindow,
		},
		Operation: OperationConfig{
			Timeout: 10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Policy:      "none",
			MaxDelay:    30 * time.Second,
			MaxFailures: 5,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in state_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StatePath = expandTilde(cfg.StatePath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.StatePath == "" {
		return fmt.Errorf("state_path must not be empty")
	}

	if _, err := c.ServiceUUIDs(); err != nil {
		return err
	}

	if c.Scan.PollInterval <= 0 {
		return fmt.Errorf("scan.poll_interval must be > 0")
	}
	if c.Scan.RestartTimeout < c.Scan.PollInterval {
		return fmt.Errorf("scan.restart_timeout must be >= scan.poll_interval")
	}
	if c.Scan.RestartBurst <= 0 {
		return fmt.Errorf("scan.restart_burst must be > 0")
	}
	if c.Scan.RestartWindow <= 0 {
		return fmt.Errorf("scan.restart_window must be > 0")
	}

	if c.Operation.Timeout < 0 {
		return fmt.Errorf("operation.timeout must be >= 0")
	}

	switch c.Reconnect.Policy {
	case "none":
	case "backoff":
		if c.Reconnect.MaxDelay <= 0 {
			return fmt.Errorf("reconnect.max_delay must be > 0")
		}
		if c.Reconnect.MaxAttempts < 0 {
			return fmt.Errorf("reconnect.max_attempts must be >= 0")
		}
	default:
		return fmt.Errorf("reconnect.policy must be \"none\" or \"backoff\", got %q", c.Reconnect.Policy)
	}

	return nil
}

// ServiceUUIDs parses scan.services.
func (c *Config) ServiceUUIDs() ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(c.Scan.Services))
	for i, s := range c.Scan.Services {
		u, err := ble.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("scan.services[%d]: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// SlogLevel maps log_level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SessionOptions builds ble.Options from the config. Call Validate first.
func (c *Config) SessionOptions(logger *slog.Logger) ble.Options {
	opts := ble.Options{
		Watchdog: ble.WatchdogOptions{
			PollInterval:   c.Scan.PollInterval,
			RestartTimeout: c.Scan.RestartTimeout,
			RestartBurst:   c.Scan.RestartBurst,
			RestartWindow:  c.Scan.RestartWindow,
		},
		OperationTimeout: c.Operation.Timeout,
		Reconnect:        ble.NeverReconnect{},
		Logger:           logger,
	}
	if c.Reconnect.Policy == "backoff" {
		var policy ble.ReconnectPolicy = ble.BackoffPolicy{
			Max:         c.Reconnect.MaxDelay,
			MaxAttempts: c.Reconnect.MaxAttempts,
		}
		if c.Reconnect.MaxFailures > 0 {
			policy = ble.NewBreakerPolicy(policy, c.Reconnect.MaxFailures, logger)
		}
		opts.Reconnect = policy
	}
	return opts
}

const defaultHeader = `# blelink configuration
# Durations use Go syntax (100ms, 3s, 1m). Service UUIDs may be short
# forms such as "180d".
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
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
