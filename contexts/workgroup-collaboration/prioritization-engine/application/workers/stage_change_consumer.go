package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	application "quorum/contexts/workgroup-collaboration/prioritization-engine/application"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/application/commands"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	domainerrors "quorum/contexts/workgroup-collaboration/prioritization-engine/domain/errors"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
)

const (
	stageChangedTopic = "work_item.stage_changed"
	defaultStageCG    = "prioritization-engine-stage-cg"
)

// StageChangeConsumer subscribes to work item stage transitions published by
// the task collaborator and feeds them into the eligibility projection.
type StageChangeConsumer struct {
	Subscriber    ports.EventSubscriber
	Dedup         ports.EventDedupStore
	StageChange   commands.StageChangeUseCase
	Clock         ports.Clock
	ConsumerGroup string
	DedupTTL      time.Duration
	Disabled      bool
	Logger        *slog.Logger
}

func (c StageChangeConsumer) Start(ctx context.Context) error {
	logger := application.ResolveLogger(c.Logger)
	if c.Disabled {
		logger.Info("stage change consumer disabled by feature flag",
			"event", "prioritization_stage_consumer_disabled",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
		)
		return nil
	}
	group := strings.TrimSpace(c.ConsumerGroup)
	if group == "" {
		group = defaultStageCG
	}
	if err := c.Subscriber.Subscribe(ctx, stageChangedTopic, group, c.handleStageChanged); err != nil {
		logger.Error("stage change consumer subscribe failed",
			"event", "prioritization_stage_consumer_subscribe_failed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
			"topic", stageChangedTopic,
			"consumer_group", group,
			"error", err.Error(),
		)
		return err
	}
	logger.Info("stage change consumer subscription active",
		"event", "prioritization_stage_consumer_started",
		"module", "workgroup-collaboration/prioritization-engine",
		"layer", "worker",
		"consumer_group", group,
	)
	return nil
}

func (c StageChangeConsumer) handleStageChanged(ctx context.Context, event ports.EventEnvelope) error {
	logger := application.ResolveLogger(c.Logger)
	alreadyProcessed, err := c.Dedup.ReserveEvent(ctx, event.EventID, hashPayload(event.Data), c.now().Add(c.dedupTTL()))
	if err != nil {
		logger.Error("stage change event dedupe failed",
			"event", "prioritization_stage_event_dedupe_failed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
			"event_id", event.EventID,
			"error", err.Error(),
		)
		return err
	}
	if alreadyProcessed {
		logger.Debug("work_item.stage_changed replay skipped",
			"event", "prioritization_stage_changed_replayed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
			"event_id", event.EventID,
		)
		return nil
	}

	var payload struct {
		WorkgroupID string    `json:"workgroup_id"`
		ItemID      string    `json:"item_id"`
		Stage       string    `json:"stage"`
		CreatedAt   time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		logger.Error("work_item.stage_changed payload decode failed",
			"event", "prioritization_stage_changed_decode_failed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
			"event_id", event.EventID,
			"error", err.Error(),
		)
		return err
	}

	result, err := c.StageChange.ApplyStageChange(ctx, commands.StageChangeCommand{
		WorkgroupID:   payload.WorkgroupID,
		ItemID:        payload.ItemID,
		NewStage:      entities.Stage(strings.TrimSpace(payload.Stage)),
		ItemCreatedAt: payload.CreatedAt,
	})
	if err != nil {
		// A stage this engine does not model is dropped, not retried forever.
		if err == domainerrors.ErrUnknownStage {
			logger.Warn("work_item.stage_changed carried unknown stage",
				"event", "prioritization_stage_changed_unknown_stage",
				"module", "workgroup-collaboration/prioritization-engine",
				"layer", "worker",
				"event_id", event.EventID,
				"workgroup_id", strings.TrimSpace(payload.WorkgroupID),
				"item_id", strings.TrimSpace(payload.ItemID),
				"stage", strings.TrimSpace(payload.Stage),
			)
			return nil
		}
		logger.Error("work_item.stage_changed apply failed",
			"event", "prioritization_stage_changed_apply_failed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
			"event_id", event.EventID,
			"workgroup_id", strings.TrimSpace(payload.WorkgroupID),
			"item_id", strings.TrimSpace(payload.ItemID),
			"error", err.Error(),
		)
		return err
	}

	logger.Info("work_item.stage_changed consumed",
		"event", "prioritization_stage_changed_consumed",
		"module", "workgroup-collaboration/prioritization-engine",
		"layer", "worker",
		"event_id", event.EventID,
		"workgroup_id", strings.TrimSpace(payload.WorkgroupID),
		"item_id", strings.TrimSpace(payload.ItemID),
		"membership_changed", result.MembershipChanged,
		"eligibility_version", result.Version,
	)
	return nil
}

func (c StageChangeConsumer) now() time.Time {
	now := time.Now().UTC()
	if c.Clock != nil {
		now = c.Clock.Now().UTC()
	}
	return now
}

func (c StageChangeConsumer) dedupTTL() time.Duration {
	if c.DedupTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return c.DedupTTL
}
