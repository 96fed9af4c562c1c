// Package config loads the rentsync agent configuration.
//
// Values are resolved in three layers, each overriding the previous one:
//
//  1. Built-in defaults (see Default)
//  2. An optional TOML file
//  3. RENTSYNC_* environment variables
//
// A missing config file is not an error. Example file:
//
//	addr = ":8080"
//	storage = "sqlite"
//	sqlite_path = "rentsync.db"
//	backend = "rest"
//	backend_url = "https://rent.example.com"
//	health_url = "https://rent.example.com/health"
//	stabilization_delay = "1s"
//	retry_schedule = "@every 30s"
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"

	BackendREST     = "rest"
	BackendPostgres = "postgres"
)

type Config struct {
	Addr string `env:"ADDR"`

	Storage       string `env:"STORAGE"`
	SQLitePath    string `env:"SQLITE_PATH"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`
	QueueKey      string `env:"QUEUE_KEY"`

	Backend     string `env:"BACKEND"`
	BackendURL  string `env:"BACKEND_URL"`
	APIKey      string `env:"API_KEY"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	HealthURL          string        `env:"HEALTH_URL"`
	ProbeInterval      time.Duration `env:"PROBE_INTERVAL"`
	ProbeFailures      int           `env:"PROBE_FAILURES"`
	StabilizationDelay time.Duration `env:"STABILIZATION_DELAY"`
	RetrySchedule      string        `env:"RETRY_SCHEDULE"`
	MaxRetries         int           `env:"MAX_RETRIES"`
	ActionTimeout      time.Duration `env:"ACTION_TIMEOUT"`

	NotifyChannel string `env:"NOTIFY_CHANNEL"`
	LogLevel      string `env:"LOG_LEVEL"`
	LogFormat     string `env:"LOG_FORMAT"`
}

func Default() Config {
	return Config{
		Addr:               ":8080",
		Storage:            StorageSQLite,
		SQLitePath:         "rentsync.db",
		RedisAddr:          "localhost:6379",
		QueueKey:           "offline_queue",
		Backend:            BackendREST,
		BackendURL:         "http://localhost:54321",
		ProbeInterval:      5 * time.Second,
		ProbeFailures:      2,
		StabilizationDelay: time.Second,
		RetrySchedule:      "@every 30s",
		MaxRetries:         3,
		ActionTimeout:      30 * time.Second,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// fileConfig mirrors the TOML layout. Durations are strings ("1s", "500ms").
type fileConfig struct {
	Addr               string `toml:"addr"`
	Storage            string `toml:"storage"`
	SQLitePath         string `toml:"sqlite_path"`
	RedisAddr          string `toml:"redis_addr"`
	RedisPassword      string `toml:"redis_password"`
	RedisDB            *int   `toml:"redis_db"`
	QueueKey           string `toml:"queue_key"`
	Backend            string `toml:"backend"`
	BackendURL         string `toml:"backend_url"`
	APIKey             string `toml:"api_key"`
	PostgresDSN        string `toml:"postgres_dsn"`
	HealthURL          string `toml:"health_url"`
	ProbeInterval      string `toml:"probe_interval"`
	ProbeFailures      *int   `toml:"probe_failures"`
	StabilizationDelay string `toml:"stabilization_delay"`
	RetrySchedule      string `toml:"retry_schedule"`
	MaxRetries         *int   `toml:"max_retries"`
	ActionTimeout      string `toml:"action_timeout"`
	NotifyChannel      string `toml:"notify_channel"`
	LogLevel           string `toml:"log_level"`
	LogFormat          string `toml:"log_format"`
}

// Load resolves the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "RENTSYNC_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	setString(&c.Addr, raw.Addr)
	setString(&c.Storage, raw.Storage)
	setString(&c.SQLitePath, raw.SQLitePath)
	setString(&c.RedisAddr, raw.RedisAddr)
	setString(&c.RedisPassword, raw.RedisPassword)
	setString(&c.QueueKey, raw.QueueKey)
	setString(&c.Backend, raw.Backend)
	setString(&c.BackendURL, raw.BackendURL)
	setString(&c.APIKey, raw.APIKey)
	setString(&c.PostgresDSN, raw.PostgresDSN)
	setString(&c.HealthURL, raw.HealthURL)
	setString(&c.RetrySchedule, raw.RetrySchedule)
	setString(&c.NotifyChannel, raw.NotifyChannel)
	setString(&c.LogLevel, raw.LogLevel)
	setString(&c.LogFormat, raw.LogFormat)
	if raw.RedisDB != nil {
		c.RedisDB = *raw.RedisDB
	}
	if raw.ProbeFailures != nil {
		c.ProbeFailures = *raw.ProbeFailures
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"probe_interval", raw.ProbeInterval, &c.ProbeInterval},
		{"stabilization_delay", raw.StabilizationDelay, &c.StabilizationDelay},
		{"action_timeout", raw.ActionTimeout, &c.ActionTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse config: %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate rejects settings the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage {
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for sqlite storage"))
		}
	case StorageRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for redis storage"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	switch c.Backend {
	case BackendREST:
		if c.BackendURL == "" {
			errs = append(errs, errors.New("backend_url is required for the rest backend"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.QueueKey == "" {
		errs = append(errs, errors.New("queue_key must not be empty"))
	}
	if c.ProbeInterval <= 0 || c.StabilizationDelay < 0 || c.ActionTimeout <= 0 {
		errs = append(errs, errors.New("durations must be positive"))
	}
	if c.ProbeFailures <= 0 || c.MaxRetries <= 0 {
		errs = append(errs, errors.New("probe_failures and max_retries must be positive"))
	}
	if _, err := cron.ParseStandard(c.RetrySchedule); err != nil {
		errs = append(errs, fmt.Errorf("retry_schedule: %w", err))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
