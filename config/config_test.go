package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Session.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Session.PollInterval)
	}
	if cfg.Session.SamplingTimeout != 2*time.Second {
		t.Errorf("SamplingTimeout = %v, want 2s", cfg.Session.SamplingTimeout)
	}
	if cfg.Session.HealthFailureThreshold != 5 {
		t.Errorf("HealthFailureThreshold = %v, want 5", cfg.Session.HealthFailureThreshold)
	}
	if cfg.OpenVPN.Binary != "openvpn" {
		t.Errorf("OpenVPN.Binary = %v, want openvpn", cfg.OpenVPN.Binary)
	}
	if !cfg.ShowNotifications {
		t.Error("ShowNotifications should be true by default")
	}
}

func TestLoadFrom_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.API.Listen != DefaultConfig().API.Listen {
		t.Errorf("API.Listen = %v, want default", cfg.API.Listen)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("LoadFrom() should write defaults: %v", err)
	}
}

func TestLoadFrom_RoundTripsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Session.PollInterval = 3 * time.Second
	cfg.API.AllowedOrigins = []string{"http://localhost:3000"}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if loaded.Session.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %v, want 3s", loaded.Session.PollInterval)
	}
	if len(loaded.API.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v, want one entry", loaded.API.AllowedOrigins)
	}
}

func TestLoadFrom_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("theme: dark\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom() should reject unknown fields")
	}
}

func TestLoadFrom_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "log_level: debug\nsession:\n  poll_interval: 2s\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.Session.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.Session.PollInterval)
	}
	if cfg.Session.SamplingTimeout != 2*time.Second {
		t.Errorf("SamplingTimeout = %v, want default 2s", cfg.Session.SamplingTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		check   func(*Config) bool
		wantErr bool
	}{
		{
			name:   "invalid log level falls back",
			mutate: func(c *Config) { c.LogLevel = "loud" },
			check:  func(c *Config) bool { return c.LogLevel == "info" },
		},
		{
			name:   "zero poll interval falls back",
			mutate: func(c *Config) { c.Session.PollInterval = 0 },
			check:  func(c *Config) bool { return c.Session.PollInterval == time.Second },
		},
		{
			name:   "negative threshold falls back",
			mutate: func(c *Config) { c.Session.HealthFailureThreshold = -1 },
			check:  func(c *Config) bool { return c.Session.HealthFailureThreshold == 5 },
		},
		{
			name:   "empty binary falls back",
			mutate: func(c *Config) { c.OpenVPN.Binary = "" },
			check:  func(c *Config) bool { return c.OpenVPN.Binary == "openvpn" },
		},
		{
			name: "sampling timeout far above interval",
			mutate: func(c *Config) {
				c.Session.PollInterval = time.Second
				c.Session.SamplingTimeout = time.Minute
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(cfg) {
				t.Errorf("validate() did not normalize config: %+v", cfg)
			}
		})
	}
}

func TestResolvePaths(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	reg, err := cfg.ResolveRegistryPath()
	if err != nil {
		t.Fatalf("ResolveRegistryPath() error = %v", err)
	}
	if filepath.Base(reg) != "registry.yaml" {
		t.Errorf("ResolveRegistryPath() = %v", reg)
	}

	cfg.HistoryPath = "/tmp/custom.db"
	hist, err := cfg.ResolveHistoryPath()
	if err != nil {
		t.Fatalf("ResolveHistoryPath() error = %v", err)
	}
	if hist != "/tmp/custom.db" {
		t.Errorf("ResolveHistoryPath() = %v, want override", hist)
	}
}
