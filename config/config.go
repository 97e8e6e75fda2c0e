// Package config loads the orchestrator's environment-driven configuration
// and validates it before Engine construction, the way the reference
// engine's functional options validate before Run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StoreDriver selects which store.Gateway implementation backs the engine.
type StoreDriver string

const (
	StoreDriverPostgres StoreDriver = "postgres"
	StoreDriverMySQL    StoreDriver = "mysql"
	StoreDriverSQLite   StoreDriver = "sqlite"
	StoreDriverMem      StoreDriver = "mem"
)

// Config holds every environment-driven setting the orchestrator needs.
type Config struct {
	StoreDSN    string
	StoreDriver StoreDriver

	BrokerHost string
	BrokerPort int
	TaskQueue  string

	Workers       int
	TaskDeadline  time.Duration
	StoreRetryMax int
	ShutdownGrace time.Duration

	MetricsAddr       string
	OTelTracesEnabled bool
}

func defaults() Config {
	return Config{
		StoreDriver:   StoreDriverMem,
		TaskQueue:     "task_execution_queue",
		Workers:       4,
		TaskDeadline:  300 * time.Second,
		StoreRetryMax: 5,
		ShutdownGrace: 30 * time.Second,
		MetricsAddr:   ":9090",
	}
}

// Load reads configuration from the process environment, applying the
// defaults above for anything unset, and validates the result.
func Load() (Config, error) {
	cfg := defaults()

	if v := os.Getenv("STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = StoreDriver(v)
	}
	if v := os.Getenv("BROKER_HOST"); v != "" {
		cfg.BrokerHost = v
	}
	if v, err := intEnv("BROKER_PORT", 0); err != nil {
		return Config{}, err
	} else if v != 0 {
		cfg.BrokerPort = v
	}
	if v := os.Getenv("TASK_QUEUE"); v != "" {
		cfg.TaskQueue = v
	}
	if v, err := intEnv("WORKERS", cfg.Workers); err != nil {
		return Config{}, err
	} else {
		cfg.Workers = v
	}
	if v, err := intEnv("TASK_DEADLINE_SECONDS", int(cfg.TaskDeadline/time.Second)); err != nil {
		return Config{}, err
	} else {
		cfg.TaskDeadline = time.Duration(v) * time.Second
	}
	if v, err := intEnv("STORE_RETRY_MAX", cfg.StoreRetryMax); err != nil {
		return Config{}, err
	} else {
		cfg.StoreRetryMax = v
	}
	if v, err := intEnv("SHUTDOWN_GRACE_SECONDS", int(cfg.ShutdownGrace/time.Second)); err != nil {
		return Config{}, err
	} else {
		cfg.ShutdownGrace = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, err := boolEnv("OTEL_TRACES_ENABLED", false); err != nil {
		return Config{}, err
	} else {
		cfg.OTelTracesEnabled = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants Load cannot express through env parsing alone.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMySQL, StoreDriverSQLite:
		if c.StoreDSN == "" {
			return fmt.Errorf("config: STORE_DSN is required for STORE_DRIVER=%s", c.StoreDriver)
		}
	case StoreDriverMem:
		// no DSN needed
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: WORKERS must be >= 1, got %d", c.Workers)
	}
	if c.TaskDeadline <= 0 {
		return fmt.Errorf("config: TASK_DEADLINE_SECONDS must be > 0")
	}
	if c.StoreRetryMax < 0 {
		return fmt.Errorf("config: STORE_RETRY_MAX must be >= 0")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("config: SHUTDOWN_GRACE_SECONDS must be >= 0")
	}
	return nil
}

func intEnv(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q: %w", key, v, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a bool, got %q: %w", key, v, err)
	}
	return b, nil
}
