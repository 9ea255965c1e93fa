package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the sweepd runtime configuration. Values come from a YAML
// file (CONVEYOR_CONFIG, default config.yaml when present) with
// environment variables taking precedence.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	AuthSecret  string `yaml:"auth_secret"`
	StoreDriver string `yaml:"store_driver"` // postgres, redis, memory

	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	Provider ProviderConfig `yaml:"provider"`
	Sweep    SweepConfig    `yaml:"sweep"`
}

// ProviderConfig configures the outbound HTTP send provider.
type ProviderConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`

	// Subject and BodyTemplate render the payload for a record. The
	// body template may reference {{.InvitationID}} and {{.Recipient}}.
	Subject      string `yaml:"subject"`
	BodyTemplate string `yaml:"body_template"`
}

// SweepConfig configures the periodic retry sweep.
type SweepConfig struct {
	Schedule    string        `yaml:"schedule"` // cron expression or @every form
	BatchSize   int           `yaml:"batch_size"`
	RateLimit   float64       `yaml:"rate_limit"` // sends per second, 0 = unlimited
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// loadConfig reads .env, the YAML config file, and environment
// overrides, in increasing order of precedence.
func loadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    ":8080",
		StoreDriver: "postgres",
		Provider: ProviderConfig{
			Timeout:      30 * time.Second,
			Subject:      "You're invited",
			BodyTemplate: "You have a pending invitation ({{.InvitationID}}).",
		},
		Sweep: SweepConfig{
			Schedule:    "@every 1m",
			BatchSize:   100,
			MaxRetries:  5,
			BackoffBase: 5 * time.Minute,
			BackoffCap:  4 * time.Hour,
		},
	}

	path := getenv("CONVEYOR_CONFIG", "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.Getenv("CONVEYOR_CONFIG") != "" {
		// An explicitly named file must exist.
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("auth_secret (CONVEYOR_AUTH_SECRET) is required")
	}
	if cfg.Provider.Endpoint == "" {
		return nil, fmt.Errorf("provider.endpoint (CONVEYOR_PROVIDER_ENDPOINT) is required")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database_url (CONVEYOR_DATABASE_URL) is required for the postgres store")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis_addr (CONVEYOR_REDIS_ADDR) is required for the redis store")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.HTTPAddr = getenv("CONVEYOR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.AuthSecret = getenv("CONVEYOR_AUTH_SECRET", cfg.AuthSecret)
	cfg.StoreDriver = getenv("CONVEYOR_STORE_DRIVER", cfg.StoreDriver)
	cfg.DatabaseURL = getenv("CONVEYOR_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getenv("CONVEYOR_REDIS_ADDR", cfg.RedisAddr)
	cfg.Provider.Endpoint = getenv("CONVEYOR_PROVIDER_ENDPOINT", cfg.Provider.Endpoint)
	cfg.Provider.APIKey = getenv("CONVEYOR_PROVIDER_API_KEY", cfg.Provider.APIKey)
	cfg.Sweep.Schedule = getenv("CONVEYOR_SWEEP_SCHEDULE", cfg.Sweep.Schedule)

	if v := os.Getenv("CONVEYOR_SWEEP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweep.BatchSize = n
		}
	}
	if v := os.Getenv("CONVEYOR_SWEEP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sweep.RateLimit = f
		}
	}
	if v := os.Getenv("CONVEYOR_SWEEP_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweep.MaxRetries = n
		}
	}
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
