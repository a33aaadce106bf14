// Package config centralizes process configuration.
//
// Values layer defaults under environment variables with the PRIO_ prefix,
// e.g. PRIO_HTTP_PORT, PRIO_GRACE_PERIOD_DAYS. Typed config is passed into
// builders; nothing reads the environment outside this package.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	ServiceName  string   `koanf:"service_name"`
	HTTPPort     string   `koanf:"http_port"`
	PostgresDSN  string   `koanf:"postgres_dsn"`
	KafkaBrokers []string `koanf:"kafka_brokers"`

	// GracePeriodDays is how long a stale ranking keeps counting toward the
	// aggregate before it expires.
	GracePeriodDays int `koanf:"grace_period_days"`
	// StaleReminderHours is how long after a ranking becomes stale the sweep
	// emits a reminder event.
	StaleReminderHours int `koanf:"stale_reminder_hours"`
	// RequireCompleteRanking rejects partial submissions when set.
	RequireCompleteRanking bool `koanf:"require_complete_ranking"`

	WorkerPollIntervalSeconds int `koanf:"worker_poll_interval_seconds"`
	OutboxBatchSize           int `koanf:"outbox_batch_size"`

	EnableStageConsumer    bool `koanf:"enable_stage_consumer"`
	EnableStalenessSweeper bool `koanf:"enable_staleness_sweeper"`
}

func defaults() Config {
	return Config{
		ServiceName:               "quorum",
		HTTPPort:                  "8080",
		KafkaBrokers:              []string{"localhost:9092"},
		GracePeriodDays:           7,
		StaleReminderHours:        48,
		RequireCompleteRanking:    false,
		WorkerPollIntervalSeconds: 15,
		OutboxBatchSize:           100,
		EnableStageConsumer:       true,
		EnableStalenessSweeper:    true,
	}
}

func Load() (Config, error) {
	cfg := defaults()

	k := koanf.New(".")
	envProvider := env.Provider("PRIO_", ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "prio_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, err
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.HTTPPort) == "" {
		return Config{}, errors.New("http_port must not be empty")
	}
	if cfg.GracePeriodDays <= 0 {
		return Config{}, errors.New("grace_period_days must be positive")
	}
	return cfg, nil
}

func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

func (c Config) StaleReminderAfter() time.Duration {
	return time.Duration(c.StaleReminderHours) * time.Hour
}

func (c Config) WorkerPollInterval() time.Duration {
	seconds := c.WorkerPollIntervalSeconds
	if seconds <= 0 {
		seconds = 15
	}
	return time.Duration(seconds) * time.Second
}
