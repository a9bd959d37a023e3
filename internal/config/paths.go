package config

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.convo.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".convo")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDirs creates the directory tree the daemon writes into.
func EnsureDirs(cfg *Config) error {
	dirs := []string{
		BaseDir(),
		filepath.Dir(cfg.CachePath),
		filepath.Dir(cfg.LogPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
