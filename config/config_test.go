package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	yaml := `
broadcast_addr: "192.168.1.255:56700"
request_timeout: 500ms
retries: 1
pool_size: 8
log_level: debug
discovery:
  interval: 30s
  timeout: 3s
  idle_timeout: 1s
  rate_limit_per_ip: 50
database:
  path: /tmp/lanbeam.db
web:
  enabled: true
  port: 9090
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BroadcastAddr != "192.168.1.255:56700" {
		t.Errorf("BroadcastAddr = %q", cfg.BroadcastAddr)
	}
	if cfg.RequestTimeout.Std() != 500*time.Millisecond {
		t.Errorf("RequestTimeout = %s, want 500ms", cfg.RequestTimeout.Std())
	}
	if cfg.Retries != 1 || cfg.PoolSize != 8 {
		t.Errorf("retries/pool = %d/%d, want 1/8", cfg.Retries, cfg.PoolSize)
	}
	if cfg.Discovery.Interval.Std() != 30*time.Second {
		t.Errorf("Discovery.Interval = %s, want 30s", cfg.Discovery.Interval.Std())
	}
	if cfg.Discovery.RateLimitPerIP != 50 {
		t.Errorf("RateLimitPerIP = %d, want 50", cfg.Discovery.RateLimitPerIP)
	}
	if cfg.Database.Path != "/tmp/lanbeam.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if !cfg.Web.Enabled || cfg.Web.Port != 9090 {
		t.Errorf("Web = %+v, want enabled on port 9090", cfg.Web)
	}

	// Untouched keys keep their defaults.
	if cfg.MaxDatagramSize != 1024 {
		t.Errorf("MaxDatagramSize = %d, want default 1024", cfg.MaxDatagramSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load succeeded on a missing file")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("request_timeout: banana\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load accepted an invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"datagram size below header", func(c *Config) { c.MaxDatagramSize = 35 }},
		{"zero pool size", func(c *Config) { c.PoolSize = 0 }},
		{"negative retries", func(c *Config) { c.Retries = -1 }},
		{"idle exceeds timeout", func(c *Config) {
			c.Discovery.Timeout = Duration(time.Second)
			c.Discovery.IdleTimeout = Duration(2 * time.Second)
		}},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid config", tt.name)
		}
	}
}
