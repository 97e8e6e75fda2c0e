package config

import (
	"os"
	"testing"
	"time"
)

// clearEnv unsets every key Load reads so each test starts from a clean
// slate, restoring prior values (if any) once the test completes.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"STORE_DSN", "STORE_DRIVER", "BROKER_HOST", "BROKER_PORT", "TASK_QUEUE",
		"WORKERS", "TASK_DEADLINE_SECONDS", "STORE_RETRY_MAX",
		"SHUTDOWN_GRACE_SECONDS", "METRICS_ADDR", "OTEL_TRACES_ENABLED",
	}
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoadAppliesDefaultsForMemDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "mem")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != StoreDriverMem {
		t.Fatalf("StoreDriver = %v, want mem", cfg.StoreDriver)
	}
	if cfg.Workers != 4 {
		t.Fatalf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.TaskDeadline != 300*time.Second {
		t.Fatalf("TaskDeadline = %v, want 300s", cfg.TaskDeadline)
	}
	if cfg.TaskQueue != "task_execution_queue" {
		t.Fatalf("TaskQueue = %q, want default", cfg.TaskQueue)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Fatalf("MetricsAddr = %q, want :9090", cfg.MetricsAddr)
	}
}

func TestLoadRejectsPostgresDriverWithoutDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "postgres")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing STORE_DSN with STORE_DRIVER=postgres")
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "oracle")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown STORE_DRIVER")
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STORE_DSN", "/tmp/taskflow.db")
	t.Setenv("WORKERS", "16")
	t.Setenv("TASK_DEADLINE_SECONDS", "60")
	t.Setenv("OTEL_TRACES_ENABLED", "true")
	t.Setenv("METRICS_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers != 16 {
		t.Fatalf("Workers = %d, want 16", cfg.Workers)
	}
	if cfg.TaskDeadline != 60*time.Second {
		t.Fatalf("TaskDeadline = %v, want 60s", cfg.TaskDeadline)
	}
	if !cfg.OTelTracesEnabled {
		t.Fatal("OTelTracesEnabled = false, want true")
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("MetricsAddr = %q, want empty (disabled)", cfg.MetricsAddr)
	}
}

func TestLoadRejectsNonIntegerWorkers(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "mem")
	t.Setenv("WORKERS", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-integer WORKERS")
	}
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "mem")
	t.Setenv("WORKERS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for WORKERS=0")
	}
}
