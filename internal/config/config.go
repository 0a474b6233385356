package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskline.yml.
type Config struct {
	Broker struct {
		SubmissionDeadline string `yaml:"submission_deadline"`
		MaxAttempts        int    `yaml:"max_attempts"`
		SweepInterval      string `yaml:"sweep_interval"`
	} `yaml:"broker"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	defaultSubmissionDeadline = 3 * time.Hour
	defaultMaxAttempts        = 3
	defaultSweepInterval      = time.Minute
)

// SubmissionDeadline returns the configured deadline offset (default 3h).
func (c *Config) SubmissionDeadline() time.Duration {
	return durationOr(c.Broker.SubmissionDeadline, defaultSubmissionDeadline)
}

// MaxAttempts returns the configured attempts ceiling (default 3).
func (c *Config) MaxAttempts() int {
	if c.Broker.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return c.Broker.MaxAttempts
}

// SweepInterval returns the configured sweep period (default 1m).
func (c *Config) SweepInterval() time.Duration {
	return durationOr(c.Broker.SweepInterval, defaultSweepInterval)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Broker.SubmissionDeadline != "" {
		d, err := time.ParseDuration(c.Broker.SubmissionDeadline)
		if err != nil {
			return fmt.Errorf("broker.submission_deadline: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("broker.submission_deadline must be positive")
		}
	}
	if c.Broker.MaxAttempts < 0 {
		return fmt.Errorf("broker.max_attempts must not be negative")
	}
	if c.Broker.SweepInterval != "" {
		d, err := time.ParseDuration(c.Broker.SweepInterval)
		if err != nil {
			return fmt.Errorf("broker.sweep_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("broker.sweep_interval must be positive")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
}

// Default returns the built-in defaults.
func Default() *Config {
	var cfg Config
	cfg.Broker.SubmissionDeadline = defaultSubmissionDeadline.String()
	cfg.Broker.MaxAttempts = defaultMaxAttempts
	cfg.Broker.SweepInterval = defaultSweepInterval.String()
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when
// taskline.yml does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
