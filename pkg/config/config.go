// Package config loads arbiterd configuration from a YAML file with
// environment variable overrides for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiter-systems/arbiter/pkg/bus"
	"github.com/arbiter-systems/arbiter/pkg/governance"
)

// Config holds the full arbiterd configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Store      StoreConfig       `yaml:"store"`
	Bus        bus.Config        `yaml:"bus"`
	Governance governance.Config `yaml:"governance"`
	Notify     NotifyConfig      `yaml:"notify"`
	RulePacks  []string          `yaml:"rule_packs"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// StoreConfig selects the audit store backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string `yaml:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
}

// NotifyConfig holds notification dispatch settings.
type NotifyConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	WebhookURL    string        `yaml:"webhook_url"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisTopic    string        `yaml:"redis_topic"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{Backend: "memory"},
		Bus: bus.Config{
			MessageTimeout: 60 * time.Second,
			MaxRetries:     3,
			RetryDelay:     time.Second,
		},
		Governance: governance.DefaultConfig(),
		Notify: NotifyConfig{
			RatePerSecond: 1,
			Burst:         10,
			SendTimeout:   5 * time.Second,
		},
	}
}

// Load reads YAML configuration from path (skipped when empty) and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Only
// deployment-specific settings are exposed this way.
func (c *Config) applyEnv() {
	if v := os.Getenv("ARBITER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ARBITER_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("ARBITER_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("ARBITER_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ARBITER_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("ARBITER_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := os.Getenv("ARBITER_REDIS_ADDR"); v != "" {
		c.Notify.RedisAddr = v
	}
}

// Validate rejects configurations arbiterd cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: sqlite backend requires store.path")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: postgres backend requires store.dsn")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Governance.ConfidenceThreshold < 0 || c.Governance.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: confidence_threshold must be in [0,1]")
	}
	if c.Governance.RiskThreshold < 0 || c.Governance.RiskThreshold > 1 {
		return fmt.Errorf("config: risk_threshold must be in [0,1]")
	}
	return nil
}
