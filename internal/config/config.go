package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Remote         Remote `toml:"remote"`
	Sync           Sync   `toml:"sync"`
}

// Remote configures the gateway to the remote service.
type Remote struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Sync configures the outbox dispatcher's retry and concurrency policy.
// These are tunables, not contracts: changing them never changes which
// state an entity can end up in, only how fast it gets there.
type Sync struct {
	MaxAttempts    int   `toml:"max_attempts"`
	BaseBackoffMs  int64 `toml:"base_backoff_ms"`
	MaxBackoffMs   int64 `toml:"max_backoff_ms"`
	MaxInFlight    int64 `toml:"max_in_flight"`
	PollIntervalMs int64 `toml:"poll_interval_ms"`
}

// Default returns the built-in configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Remote: Remote{
			BaseURL:        "https://api.courier.example",
			TimeoutSeconds: 15,
		},
		Sync: Sync{
			MaxAttempts:    5,
			BaseBackoffMs:  1000,
			MaxBackoffMs:   30000,
			MaxInFlight:    4,
			PollIntervalMs: 500,
		},
	}
}

// Timeout returns the remote call timeout as a duration.
func (r Remote) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// PollInterval returns the dispatcher poll interval as a duration.
func (s Sync) PollInterval() time.Duration {
	if s.PollIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// Backoff returns the delay before retry number attempt (0-based),
// doubling from BaseBackoffMs and capped at MaxBackoffMs.
func (s Sync) Backoff(attempt int) time.Duration {
	base := s.BaseBackoffMs
	if base <= 0 {
		base = 1000
	}
	maxMs := s.MaxBackoffMs
	if maxMs <= 0 {
		maxMs = 30000
	}
	ms := base
	for i := 0; i < attempt && ms < maxMs; i++ {
		ms *= 2
	}
	if ms > maxMs {
		ms = maxMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads config from the given path, filling unset sections with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
