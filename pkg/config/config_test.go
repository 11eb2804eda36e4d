package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Point at an empty file so a developer config in $HOME cannot leak in
	file := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(file, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(New(file))
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if cfg.Server.Address != "127.0.0.1" || cfg.Server.Port != 8089 {
		t.Errorf("Unexpected listen address %s:%d", cfg.Server.Address, cfg.Server.Port)
	}
	if cfg.Server.MaxConnections != 10 {
		t.Errorf("Expected 10 connections, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.ReadTimeout != 0 {
		t.Errorf("Expected no read timeout, got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Stats.Interval != time.Second {
		t.Errorf("Expected 1s stats interval, got %s", cfg.Stats.Interval)
	}
	if cfg.Storage.Root != DefaultRoot() {
		t.Errorf("Expected root %s, got %s", DefaultRoot(), cfg.Storage.Root)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Expected memory store, got %s", cfg.Store.Type)
	}
}

func TestLoadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
  max_connections: 3
  read_timeout: 30s
storage:
  root: /srv/files
stats:
  interval: 250ms
store:
  type: sqlite
  path: /var/lib/fileserver/downloads.db
`
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(New(file))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9000 || cfg.Server.MaxConnections != 3 {
		t.Errorf("File values not applied: %+v", cfg.Server)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Expected 30s read timeout, got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Stats.Interval != 250*time.Millisecond {
		t.Errorf("Expected 250ms interval, got %s", cfg.Stats.Interval)
	}
	if cfg.Store.Type != "sqlite" || cfg.Store.Path != "/var/lib/fileserver/downloads.db" {
		t.Errorf("Store section not applied: %+v", cfg.Store)
	}
	// Untouched sections keep their defaults
	if cfg.Server.Address != "127.0.0.1" {
		t.Errorf("Expected default address, got %s", cfg.Server.Address)
	}
}

func TestEnvOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(file, []byte("server:\n  port: 9000\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("FILESERVER_SERVER_PORT", "9100")
	t.Setenv("FILESERVER_STORAGE_ROOT", "/data")

	cfg, err := Load(New(file))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Expected env port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Root != "/data" {
		t.Errorf("Expected env root /data, got %s", cfg.Storage.Root)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(filepath.Join(t.TempDir(), "missing.yaml")))
	if err == nil {
		t.Fatal("Expected an error for an explicit missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()
		file := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(file, []byte("{}\n"), 0644)
		cfg, err := Load(New(file))
		if err != nil {
			t.Fatalf("Failed to load defaults: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"no connections", func(c *Config) { c.Server.MaxConnections = 0 }},
		{"negative read timeout", func(c *Config) { c.Server.ReadTimeout = -time.Second }},
		{"zero interval", func(c *Config) { c.Stats.Interval = 0 }},
		{"empty root", func(c *Config) { c.Storage.Root = "" }},
		{"unknown store", func(c *Config) { c.Store.Type = "mongodb" }},
		{"tls without cert", func(c *Config) { c.TLS.Enabled = true }},
		{"bad rate limit", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RPS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if err := valid(t).Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}
