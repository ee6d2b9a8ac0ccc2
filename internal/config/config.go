// Package config loads the daemon configuration from TOML and resolves the
// per-user data directory.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration.
type Config struct {
	HTTPAddr string `toml:"http_addr"`
	WSAddr   string `toml:"ws_addr"`

	// Diff watcher poll interval, seconds.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`

	// TTL sweep thresholds. Submitted sessions expire fast (nobody is
	// waiting anymore); pending ones linger in case the reviewer comes back.
	SubmittedTTLMinutes  int `toml:"submitted_ttl_minutes"`
	PendingTTLMinutes    int `toml:"pending_ttl_minutes"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`

	// One-shot reconnect grace window, seconds.
	GracePeriodSeconds int `toml:"grace_period_seconds"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:             "127.0.0.1:4780",
		WSAddr:               "127.0.0.1:4781",
		PollIntervalSeconds:  3,
		SubmittedTTLMinutes:  5,
		PendingTTLMinutes:    60,
		SweepIntervalSeconds: 60,
		GracePeriodSeconds:   2,
	}
}

// PollInterval returns the watcher poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SubmittedTTL returns how long submitted sessions are kept.
func (c *Config) SubmittedTTL() time.Duration {
	return time.Duration(c.SubmittedTTLMinutes) * time.Minute
}

// PendingTTL returns how long pending and in-review sessions are kept.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLMinutes) * time.Minute
}

// SweepInterval returns the TTL sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// GracePeriod returns the one-shot reconnect grace window.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// DataDir returns the diffprism data directory.
// Uses DIFFPRISM_DATA_DIR env var if set, otherwise ~/.diffprism
func DataDir() string {
	if dir := os.Getenv("DIFFPRISM_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".diffprism")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load loads the configuration from the default path.
func Load() (*Config, error) {
	return LoadFrom(GlobalConfigPath())
}

// LoadFrom loads the configuration from a specific path, filling unset
// fields with defaults. A missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the global config path.
func Save(cfg *Config) error {
	path := GlobalConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
