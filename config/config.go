// Package config provides YAML configuration for the daemon and CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "2s" or
// "500ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DiscoveryConfig controls the daemon's periodic discovery sweeps.
type DiscoveryConfig struct {
	// Interval between sweeps.
	Interval Duration `yaml:"interval"`

	// Timeout is the overall duration of one sweep.
	Timeout Duration `yaml:"timeout"`

	// IdleTimeout ends a sweep early after a reply-free window.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// RateLimitPerIP caps replies per second per source IP (0 = no limit).
	RateLimitPerIP int `yaml:"rate_limit_per_ip"`
}

// DatabaseConfig controls the device store.
type DatabaseConfig struct {
	// Path to the SQLite file ("" = in-memory).
	Path string `yaml:"path"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// WebConfig controls the HTTP status/metrics server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Pprof   bool   `yaml:"pprof"`
}

// Config is the daemon configuration.
type Config struct {
	// BroadcastAddr is the discovery destination.
	BroadcastAddr string `yaml:"broadcast_addr"`

	// MaxDatagramSize bounds sent and received datagrams.
	MaxDatagramSize int `yaml:"max_datagram_size"`

	// RequestTimeout is the per-attempt response timeout.
	RequestTimeout Duration `yaml:"request_timeout"`

	// Retries is the number of resends after the first attempt.
	Retries int `yaml:"retries"`

	// RetryDelay is an optional pause before each resend.
	RetryDelay Duration `yaml:"retry_delay"`

	// PoolSize bounds the connection pool.
	PoolSize int `yaml:"pool_size"`

	// ProductsFile optionally replaces the embedded product table.
	ProductsFile string `yaml:"products_file"`

	LogLevel string `yaml:"log_level"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Database  DatabaseConfig  `yaml:"database"`
	Web       WebConfig       `yaml:"web"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BroadcastAddr:   "255.255.255.255:56700",
		MaxDatagramSize: 1024,
		RequestTimeout:  Duration(2 * time.Second),
		Retries:         2,
		PoolSize:        32,
		LogLevel:        "info",
		Discovery: DiscoveryConfig{
			Interval:    Duration(60 * time.Second),
			Timeout:     Duration(5 * time.Second),
			IdleTimeout: Duration(2 * time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns: 50,
			MaxIdleConns: 10,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.MaxDatagramSize < 36 {
		return fmt.Errorf("config: max_datagram_size %d below minimum datagram size 36", c.MaxDatagramSize)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("config: pool_size must be positive")
	}
	if c.Retries < 0 {
		return fmt.Errorf("config: retries must not be negative")
	}
	if c.Discovery.IdleTimeout.Std() > c.Discovery.Timeout.Std() {
		return fmt.Errorf("config: discovery idle_timeout exceeds timeout")
	}
	return nil
}
