// Package config loads the huddle client configuration: a YAML file with
// environment-variable overrides. Missing files fall back to defaults so the
// client runs with nothing but HUDDLE_SERVER_URL set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full client configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Stream     StreamConfig     `yaml:"stream"`
	Presence   PresenceConfig   `yaml:"presence"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig identifies the backend and the authenticated subject.
type ServerConfig struct {
	URL       string `yaml:"url"`
	SubjectID string `yaml:"subject_id"`
	SessionID string `yaml:"session_id"` // minted per run when empty
}

// ConnectionConfig tunes the websocket lifecycle.
type ConnectionConfig struct {
	PingInterval Duration `yaml:"ping_interval"`
	WriteTimeout Duration `yaml:"write_timeout"`
	BackoffMin   Duration `yaml:"backoff_min"`
	BackoffMax   Duration `yaml:"backoff_max"`
}

// StreamConfig tunes message assembly.
type StreamConfig struct {
	// AbandonTimeout finalizes a stream whose terminal event never arrives.
	// Zero disables the watchdog.
	AbandonTimeout Duration `yaml:"abandon_timeout"`
}

// PresenceConfig tunes the indicator flags.
type PresenceConfig struct {
	// Decay clears a stuck thinking/speaking flag after this much inactivity.
	Decay Duration `yaml:"decay"`
}

// LoggingConfig selects log verbosity and encoder.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			PingInterval: Duration(20 * time.Second),
			WriteTimeout: Duration(5 * time.Second),
			BackoffMin:   Duration(500 * time.Millisecond),
			BackoffMax:   Duration(15 * time.Second),
		},
		Stream:   StreamConfig{AbandonTimeout: Duration(45 * time.Second)},
		Presence: PresenceConfig{Decay: Duration(60 * time.Second)},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".huddle", "config.yaml"), nil
}

// Load reads the config file at path, layering it over the defaults and
// applying environment overrides last. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults + env only
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv layers HUDDLE_* environment variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("HUDDLE_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("HUDDLE_SUBJECT_ID"); v != "" {
		c.Server.SubjectID = v
	}
	if v := os.Getenv("HUDDLE_SESSION_ID"); v != "" {
		c.Server.SessionID = v
	}
	if v := os.Getenv("HUDDLE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HUDDLE_LOG_DEV"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Development = b
		}
	}
	if v := os.Getenv("HUDDLE_ABANDON_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Stream.AbandonTimeout = Duration(d)
		}
	}
}

func (c *Config) validate() error {
	if c.Connection.BackoffMin > c.Connection.BackoffMax && c.Connection.BackoffMax > 0 {
		return fmt.Errorf("connection backoff_min %v exceeds backoff_max %v",
			c.Connection.BackoffMin, c.Connection.BackoffMax)
	}
	return nil
}
