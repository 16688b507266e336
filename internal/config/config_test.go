package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "LOG_LEVEL", "JOB_STORE", "JOB_MAX_ATTEMPTS", "JOB_BACKOFF_BASE", "CORS_ALLOWED_ORIGINS", "USE_MEMORY_QUEUE"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.JobStore != "memory" {
		t.Fatalf("expected memory job store, got %s", cfg.JobStore)
	}
	if cfg.JobMaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.JobMaxAttempts)
	}
	if cfg.JobBackoffBase != 5*time.Second {
		t.Fatalf("expected 5s backoff base, got %s", cfg.JobBackoffBase)
	}
	if !cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue by default")
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Fatalf("expected no CORS origins, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("JOB_STORE", "Postgres")
	t.Setenv("JOB_POLL_INTERVAL", "30s")
	t.Setenv("NO_SHOW_GRACE", "90m")
	t.Setenv("CLINIC_UTC_OFFSET_MINUTES", "-240")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("USE_MEMORY_QUEUE", "false")
	cfg := Load()
	if cfg.Port != "9090" || cfg.Env != "production" {
		t.Fatalf("unexpected port/env %s/%s", cfg.Port, cfg.Env)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("unexpected database url %s", cfg.DatabaseURL)
	}
	if cfg.JobStore != "postgres" {
		t.Fatalf("expected lower-cased job store, got %s", cfg.JobStore)
	}
	if cfg.JobPollInterval != 30*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.JobPollInterval)
	}
	if cfg.NoShowGrace != 90*time.Minute {
		t.Fatalf("unexpected no-show grace %s", cfg.NoShowGrace)
	}
	if cfg.ClinicUTCOffsetMinutes != -240 {
		t.Fatalf("unexpected offset %d", cfg.ClinicUTCOffsetMinutes)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("unexpected rate %v", cfg.RateLimitRPS)
	}
	if cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue disabled")
	}
}

func TestGetEnvAsDurationInvalidFallsBack(t *testing.T) {
	t.Setenv("JOB_BACKOFF_BASE", "soon")
	if got := getEnvAsDuration("JOB_BACKOFF_BASE", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}
