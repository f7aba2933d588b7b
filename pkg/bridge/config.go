// Copyright 2025-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Duration wraps time.Duration so YAML accepts "5s" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

type ReconnectConfig struct {
	RestartDelay Duration `yaml:"restart_delay"`
	RetryDelay   Duration `yaml:"retry_delay"`
}

type Config struct {
	AuthDir     string            `yaml:"auth_dir"`
	DeviceName  string            `yaml:"device_name"`
	SendTimeout Duration          `yaml:"send_timeout"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Logging     zeroconfig.Config `yaml:"logging"`
}

// LoadConfig builds the effective config: embedded defaults first, then the
// optional config file, then WAB_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse built-in defaults: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envDuration(dst *Duration, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	dst.Duration = dur
	return nil
}

func (c *Config) applyEnv() error {
	if val := os.Getenv("WAB_AUTH_DIR"); val != "" {
		c.AuthDir = val
	}
	if val := os.Getenv("WAB_DEVICE_NAME"); val != "" {
		c.DeviceName = val
	}
	if val := os.Getenv("WAB_LOG_LEVEL"); val != "" {
		if err := c.SetLogLevel(val); err != nil {
			return err
		}
	}
	if err := envDuration(&c.SendTimeout, "WAB_SEND_TIMEOUT"); err != nil {
		return err
	}
	if err := envDuration(&c.Reconnect.RestartDelay, "WAB_RESTART_DELAY"); err != nil {
		return err
	}
	return envDuration(&c.Reconnect.RetryDelay, "WAB_RETRY_DELAY")
}

// SetLogLevel overrides the minimum level without touching the writer
// config.
func (c *Config) SetLogLevel(level string) error {
	if err := yaml.Unmarshal([]byte("min_level: "+level), &c.Logging); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return nil
}

// PostProcess expands the auth directory and validates the values that the
// session loop depends on.
func (c *Config) PostProcess() error {
	if strings.HasPrefix(c.AuthDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		c.AuthDir = filepath.Join(home, c.AuthDir[2:])
	}
	if c.AuthDir == "" {
		return fmt.Errorf("auth_dir must not be empty")
	}
	if c.SendTimeout.Duration <= 0 {
		return fmt.Errorf("send_timeout must be positive")
	}
	if c.Reconnect.RestartDelay.Duration <= 0 {
		return fmt.Errorf("reconnect.restart_delay must be positive")
	}
	if c.Reconnect.RetryDelay.Duration <= 0 {
		return fmt.Errorf("reconnect.retry_delay must be positive")
	}
	return nil
}
