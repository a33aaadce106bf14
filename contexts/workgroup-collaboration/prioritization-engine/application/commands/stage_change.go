package commands

import (
	"context"
	"log/slog"
	"strings"
	"time"

	application "quorum/contexts/workgroup-collaboration/prioritization-engine/application"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	domainerrors "quorum/contexts/workgroup-collaboration/prioritization-engine/domain/errors"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
)

// StageChangeCommand mirrors the collaborator's stage-change callback:
// (workgroupID, itemID, newStage) plus the createdAt metadata the aggregate
// tie-break needs.
type StageChangeCommand struct {
	WorkgroupID   string
	ItemID        string
	NewStage      entities.Stage
	ItemCreatedAt time.Time
}

// StageChangeResult reports whether eligibility membership actually changed
// and the workgroup's eligibility version after the call.
type StageChangeResult struct {
	MembershipChanged bool
	Version           int64
}

// StageChangeUseCase applies work item stage transitions to the eligibility
// set. Duplicate delivery of the same transition is a no-op; the version
// counter bumps only when membership changes.
type StageChangeUseCase struct {
	Repo   ports.RankingRepository
	Cache  ports.ViewCache
	Outbox ports.OutboxWriter
	Clock  ports.Clock
	IDGen  ports.IDGenerator
	Logger *slog.Logger
}

func (uc StageChangeUseCase) ApplyStageChange(ctx context.Context, cmd StageChangeCommand) (StageChangeResult, error) {
	logger := application.ResolveLogger(uc.Logger)
	workgroupID := strings.TrimSpace(cmd.WorkgroupID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if workgroupID == "" || itemID == "" {
		return StageChangeResult{}, domainerrors.ErrInvalidInput
	}
	if !cmd.NewStage.Known() {
		logger.Warn("stage change rejected",
			"event", "prioritization_stage_change_rejected",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "application",
			"workgroup_id", workgroupID,
			"item_id", itemID,
			"stage", string(cmd.NewStage),
		)
		return StageChangeResult{}, domainerrors.ErrUnknownStage
	}

	now := uc.now()
	if err := uc.Repo.InitWorkgroup(ctx, workgroupID, now); err != nil {
		return StageChangeResult{}, err
	}

	var conflictErr error
	for attempt := 0; attempt < versionConflictRetries; attempt++ {
		eligible, _, err := uc.Repo.GetEligibilitySet(ctx, workgroupID)
		if err != nil {
			return StageChangeResult{}, err
		}
		existing, found, err := uc.Repo.GetWorkItem(ctx, workgroupID, itemID)
		if err != nil {
			return StageChangeResult{}, err
		}
		if found && existing.Stage == cmd.NewStage {
			// Duplicate delivery of an already-applied transition.
			return StageChangeResult{Version: eligible.Version}, nil
		}

		wasEligible := found && existing.Stage.Rankable()
		nowEligible := cmd.NewStage.Rankable()
		bump := wasEligible != nowEligible

		item := entities.WorkItem{
			ItemID:      itemID,
			WorkgroupID: workgroupID,
			Stage:       cmd.NewStage,
			CreatedAt:   cmd.ItemCreatedAt.UTC(),
			UpdatedAt:   now,
		}
		if found {
			item.CreatedAt = existing.CreatedAt
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}

		version, err := uc.Repo.SaveWorkItem(ctx, item, eligible.Version, bump)
		if err != nil {
			if err == domainerrors.ErrConcurrentModification {
				conflictErr = err
				continue
			}
			return StageChangeResult{}, err
		}

		if bump {
			if uc.Cache != nil {
				if err := uc.Cache.InvalidateWorkgroup(ctx, workgroupID); err != nil {
					return StageChangeResult{}, err
				}
			}
			if err := uc.appendEvent(ctx, "workgroup.eligibility_changed", workgroupID, now, map[string]any{
				"workgroup_id":        workgroupID,
				"item_id":             itemID,
				"stage":               string(cmd.NewStage),
				"eligible":            nowEligible,
				"eligibility_version": version,
			}); err != nil {
				return StageChangeResult{}, err
			}
		}

		logger.Info("stage change applied",
			"event", "prioritization_stage_change_applied",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "application",
			"workgroup_id", workgroupID,
			"item_id", itemID,
			"stage", string(cmd.NewStage),
			"membership_changed", bump,
			"eligibility_version", version,
		)
		return StageChangeResult{MembershipChanged: bump, Version: version}, nil
	}

	logger.Warn("stage change lost version race",
		"event", "prioritization_stage_change_version_conflict",
		"module", "workgroup-collaboration/prioritization-engine",
		"layer", "application",
		"workgroup_id", workgroupID,
		"item_id", itemID,
		"attempts", versionConflictRetries,
	)
	return StageChangeResult{}, conflictErr
}

func (uc StageChangeUseCase) appendEvent(
	ctx context.Context,
	eventType string,
	workgroupID string,
	occurredAt time.Time,
	data map[string]any,
) error {
	if uc.Outbox == nil {
		return nil
	}
	eventID, err := uc.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	envelope, err := newPrioritizationEnvelope(eventID, eventType, workgroupID, occurredAt, data)
	if err != nil {
		return err
	}
	return uc.Outbox.AppendOutbox(ctx, envelope)
}

func (uc StageChangeUseCase) now() time.Time {
	now := time.Now().UTC()
	if uc.Clock != nil {
		now = uc.Clock.Now().UTC()
	}
	return now
}
