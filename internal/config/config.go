package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.convo/config.toml.
type Config struct {
	APIBaseURL  string `toml:"api_base_url"`
	RealtimeURL string `toml:"realtime_url"`
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	LocationID  string `toml:"location_id"`

	PageSize       int    `toml:"page_size"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	GraceWindowMS  int    `toml:"grace_window_ms"`
	HydrateWorkers int    `toml:"hydrate_workers"`
	EagerHydrate   int    `toml:"eager_hydrate"`
	CachePath      string `toml:"cache_path"`
	LogPath        string `toml:"log_path"`
}

// Load reads config from the given path and applies defaults for unset
// tunables. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
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

// Validate checks the fields every backend call needs.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("config: api_base_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("config: token is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	if c.LocationID == "" {
		return fmt.Errorf("config: location_id is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 2000
	}
	if c.GraceWindowMS <= 0 {
		c.GraceWindowMS = 5000
	}
	if c.HydrateWorkers <= 0 {
		c.HydrateWorkers = 5
	}
	if c.EagerHydrate <= 0 {
		c.EagerHydrate = 3
	}
	if c.CachePath == "" {
		c.CachePath = filepath.Join(BaseDir(), "cache.db")
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(BaseDir(), "logs", "convod.log")
	}
}

// PollInterval returns the realtime poll fallback interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// GraceWindow returns how long a sent-but-unechoed optimistic message is
// kept before cleanup.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMS) * time.Millisecond
}
