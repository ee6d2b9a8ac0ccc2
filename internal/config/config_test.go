package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.HTTPAddr != "127.0.0.1:4780" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.WSAddr != "127.0.0.1:4781" {
		t.Errorf("WSAddr = %q", cfg.WSAddr)
	}
	if cfg.PollInterval() != 3*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
	if cfg.SubmittedTTL() != 5*time.Minute {
		t.Errorf("SubmittedTTL = %v", cfg.SubmittedTTL())
	}
	if cfg.PendingTTL() != time.Hour {
		t.Errorf("PendingTTL = %v", cfg.PendingTTL())
	}
	if cfg.GracePeriod() != 2*time.Second {
		t.Errorf("GracePeriod = %v", cfg.GracePeriod())
	}
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.HTTPAddr != DefaultConfig().HTTPAddr {
		t.Errorf("missing file should yield defaults, got %q", cfg.HTTPAddr)
	}
}

func TestLoadFromOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "http_addr = \"127.0.0.1:9999\"\npoll_interval_seconds = 10\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.PollInterval() != 10*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
	// Unset fields keep defaults.
	if cfg.SweepInterval() != time.Minute {
		t.Errorf("SweepInterval = %v", cfg.SweepInterval())
	}
}

func TestLoadFromMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("http_addr = [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected error for malformed TOML")
	}
}

func TestDataDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DIFFPRISM_DATA_DIR", dir)
	if got := DataDir(); got != dir {
		t.Errorf("DataDir = %q, want %q", got, dir)
	}
}
