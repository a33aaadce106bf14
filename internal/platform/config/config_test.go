package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ServiceName != "quorum" || cfg.HTTPPort != "8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.GracePeriod() != 7*24*time.Hour {
		t.Fatalf("unexpected grace period: %v", cfg.GracePeriod())
	}
	if cfg.StaleReminderAfter() != 48*time.Hour {
		t.Fatalf("unexpected reminder delay: %v", cfg.StaleReminderAfter())
	}
	if !cfg.EnableStageConsumer || !cfg.EnableStalenessSweeper {
		t.Fatalf("workers must default to enabled: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PRIO_HTTP_PORT", "9999")
	t.Setenv("PRIO_GRACE_PERIOD_DAYS", "3")
	t.Setenv("PRIO_REQUIRE_COMPLETE_RANKING", "true")
	t.Setenv("PRIO_ENABLE_STAGE_CONSUMER", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPPort != "9999" {
		t.Fatalf("env override missed: %+v", cfg)
	}
	if cfg.GracePeriod() != 3*24*time.Hour {
		t.Fatalf("unexpected grace period: %v", cfg.GracePeriod())
	}
	if !cfg.RequireCompleteRanking {
		t.Fatalf("boolean override missed: %+v", cfg)
	}
	if cfg.EnableStageConsumer {
		t.Fatalf("feature flag override missed: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("PRIO_GRACE_PERIOD_DAYS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("zero grace period must be rejected")
	}
}

func TestWorkerPollIntervalFloor(t *testing.T) {
	cfg := Config{WorkerPollIntervalSeconds: -1}
	if cfg.WorkerPollInterval() != 15*time.Second {
		t.Fatalf("non-positive interval must fall back to the default")
	}
}
