package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		APIBaseURL: "https://api.example.com",
		Token:      "tok",
		UserID:     "u1",
		LocationID: "loc1",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.APIBaseURL != "https://api.example.com" {
		t.Errorf("APIBaseURL = %q, want %q", loaded.APIBaseURL, "https://api.example.com")
	}
	if loaded.UserID != "u1" {
		t.Errorf("UserID = %q, want %q", loaded.UserID, "u1")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{APIBaseURL: "https://api.example.com"}); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.PageSize != 20 {
		t.Errorf("PageSize = %d, want 20", loaded.PageSize)
	}
	if loaded.PollInterval() != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", loaded.PollInterval())
	}
	if loaded.GraceWindow() != 5*time.Second {
		t.Errorf("GraceWindow = %v, want 5s", loaded.GraceWindow())
	}
	if loaded.HydrateWorkers != 5 {
		t.Errorf("HydrateWorkers = %d, want 5", loaded.HydrateWorkers)
	}
	if loaded.CachePath == "" || loaded.LogPath == "" {
		t.Error("expected default cache and log paths")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for empty config")
	}

	cfg = &Config{
		APIBaseURL: "https://api.example.com",
		Token:      "tok",
		UserID:     "u1",
		LocationID: "loc1",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{APIBaseURL: "https://api.example.com"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
