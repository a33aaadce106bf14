package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	prioritizationengine "quorum/contexts/workgroup-collaboration/prioritization-engine"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/adapters/memory"
	postgresadapter "quorum/contexts/workgroup-collaboration/prioritization-engine/adapters/postgres"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/application/commands"
	workerapp "quorum/contexts/workgroup-collaboration/prioritization-engine/application/workers"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
	"quorum/internal/platform/config"
	"quorum/internal/platform/db"
	"quorum/internal/platform/httpserver"
	"quorum/internal/platform/messaging"
	"quorum/internal/platform/metrics"
	"quorum/internal/shared/events"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	server   *httpserver.Server
	postgres *db.Postgres
	logger   *slog.Logger
}

type WorkerApp struct {
	postgres     *db.Postgres
	outboxRelay  workerapp.OutboxRelay
	stageChanges workerapp.StageChangeConsumer
	sweeper      workerapp.StalenessSweeper
	pollInterval time.Duration
	logger       *slog.Logger
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "api")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("PRIO_POSTGRES_DSN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	repo := postgresadapter.NewRepository(pg.DB, logger)
	// The aggregate cache is derived state, so it stays in-process even when
	// durable storage is postgres.
	cache := memory.NewStore()
	module := prioritizationengine.NewModule(prioritizationengine.Dependencies{
		Repo:                   repo,
		Cache:                  cache,
		Outbox:                 repo,
		Clock:                  postgresadapter.SystemClock{},
		IDGen:                  postgresadapter.UUIDGenerator{},
		GracePeriod:            cfg.GracePeriod(),
		RequireCompleteRanking: cfg.RequireCompleteRanking,
		Logger:                 logger,
	})

	server := httpserver.New(module, logger, normalizeAddr(cfg.HTTPPort))
	return &APIApp{
		server:   server,
		postgres: pg,
		logger:   logger,
	}, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("PRIO_POSTGRES_DSN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	kafka, err := messaging.NewKafka(cfg.KafkaBrokers, logger)
	if err != nil {
		return nil, err
	}

	repo := postgresadapter.NewRepository(pg.DB, logger)
	cache := memory.NewStore()
	return &WorkerApp{
		postgres: pg,
		outboxRelay: workerapp.OutboxRelay{
			Outbox:    repo,
			Publisher: countingPublisher{bus: kafka},
			Clock:     postgresadapter.SystemClock{},
			BatchSize: cfg.OutboxBatchSize,
			Logger:    logger,
		},
		stageChanges: workerapp.StageChangeConsumer{
			Subscriber: kafka,
			Dedup:      repo,
			StageChange: commands.StageChangeUseCase{
				Repo:   repo,
				Cache:  cache,
				Outbox: repo,
				Clock:  postgresadapter.SystemClock{},
				IDGen:  postgresadapter.UUIDGenerator{},
				Logger: logger,
			},
			Clock:    postgresadapter.SystemClock{},
			DedupTTL: 7 * 24 * time.Hour,
			Disabled: !cfg.EnableStageConsumer,
			Logger:   logger,
		},
		sweeper: workerapp.StalenessSweeper{
			Repo:          repo,
			Outbox:        repo,
			Clock:         postgresadapter.SystemClock{},
			IDGen:         postgresadapter.UUIDGenerator{},
			GracePeriod:   cfg.GracePeriod(),
			ReminderAfter: cfg.StaleReminderAfter(),
			Disabled:      !cfg.EnableStalenessSweeper,
			Logger:        logger,
		},
		pollInterval: cfg.WorkerPollInterval(),
		logger:       logger,
	}, nil
}

func (a *APIApp) Run(_ context.Context) error {
	if a.logger != nil {
		a.logger.Info("api app started",
			"event", "bootstrap_api_started",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
	}
	return a.server.Start()
}

func (a *APIApp) Close() error {
	if a.postgres != nil {
		return a.postgres.Close()
	}
	return nil
}

func (w *WorkerApp) Run(ctx context.Context) error {
	if err := w.stageChanges.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"poll_interval", w.pollInterval.String(),
	)

	for {
		if err := w.sweeper.RunOnce(ctx); err != nil {
			return err
		}
		if err := w.outboxRelay.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *WorkerApp) Close() error {
	if w.postgres != nil {
		return w.postgres.Close()
	}
	return nil
}

// countingPublisher wraps the bus so each successful publish feeds the
// outbox_published_total metric.
type countingPublisher struct {
	bus ports.EventPublisher
}

func (p countingPublisher) Publish(ctx context.Context, topic string, event events.Envelope) error {
	if err := p.bus.Publish(ctx, topic, event); err != nil {
		return err
	}
	metrics.RecordOutboxPublished()
	return nil
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
