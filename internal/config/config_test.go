package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("expected default log level INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Store.DigestAlgo != "sha256" {
		t.Errorf("expected default digest algo sha256, got %s", cfg.Store.DigestAlgo)
	}
	if cfg.GC.SafetyWindow != 60*time.Second {
		t.Errorf("expected default safety window 60s, got %s", cfg.GC.SafetyWindow)
	}
	if cfg.Global.LogMaxBackups != 5 {
		t.Errorf("expected default log max backups 5, got %d", cfg.Global.LogMaxBackups)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigurationValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
	}{
		{"valid default", func(c *Configuration) {}, false},
		{"zero concurrency", func(c *Configuration) { c.Mount.MaxConcurrentOps = 0 }, true},
		{"bad digest algo", func(c *Configuration) { c.Store.DigestAlgo = "md5" }, true},
		{"same ports", func(c *Configuration) { c.Global.HealthPort = c.Global.MetricsPort }, true},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveAndLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cowfs.yaml")

	cfg := NewDefault()
	cfg.Mount.Backend = "/srv/cowfs-backend"
	cfg.Store.DigestAlgo = "blake3"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := &Configuration{}
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if loaded.Mount.Backend != "/srv/cowfs-backend" {
		t.Errorf("expected backend to round-trip, got %q", loaded.Mount.Backend)
	}
	if loaded.Store.DigestAlgo != "blake3" {
		t.Errorf("expected digest algo to round-trip, got %q", loaded.Store.DigestAlgo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("COWFS_LOG_LEVEL", "DEBUG")
	os.Setenv("COWFS_BACKEND", "/mnt/backend")
	os.Setenv("COWFS_DIGEST_ALGO", "blake3")
	os.Setenv("COWFS_ALLOW_OTHER", "true")
	os.Setenv("COWFS_LOG_MAX_SIZE_MB", "50")
	os.Setenv("COWFS_LOG_MAX_BACKUPS", "3")
	defer func() {
		os.Unsetenv("COWFS_LOG_LEVEL")
		os.Unsetenv("COWFS_BACKEND")
		os.Unsetenv("COWFS_DIGEST_ALGO")
		os.Unsetenv("COWFS_ALLOW_OTHER")
		os.Unsetenv("COWFS_LOG_MAX_SIZE_MB")
		os.Unsetenv("COWFS_LOG_MAX_BACKUPS")
	}()

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("expected log level DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Mount.Backend != "/mnt/backend" {
		t.Errorf("expected backend /mnt/backend, got %s", cfg.Mount.Backend)
	}
	if cfg.Store.DigestAlgo != "blake3" {
		t.Errorf("expected digest algo blake3, got %s", cfg.Store.DigestAlgo)
	}
	if !cfg.Mount.AllowOther {
		t.Error("expected allow_other true")
	}
	if cfg.Global.LogMaxSizeMB != 50 {
		t.Errorf("expected log max size 50, got %d", cfg.Global.LogMaxSizeMB)
	}
	if cfg.Global.LogMaxBackups != 3 {
		t.Errorf("expected log max backups 3, got %d", cfg.Global.LogMaxBackups)
	}
}
