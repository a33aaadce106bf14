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

// versionConflictRetries bounds internal retries of a read-validate-write
// cycle before ErrConcurrentModification surfaces to the caller.
const versionConflictRetries = 3

// SubmitRankingCommand is the write-model input for a member replacing their
// ranking snapshot.
type SubmitRankingCommand struct {
	WorkgroupID    string
	MemberID       string
	OrderedItemIDs []string
}

// SubmitRankingResult reports the stored snapshot and whether it now covers
// every eligible item (which clears the member's stale marker).
type SubmitRankingResult struct {
	Snapshot entities.RankingSnapshot
	Complete bool
	Missing  []string
}

// SubmitUseCase orchestrates ranking submissions: synchronous validation
// before any write, version-conditioned snapshot replacement, stale-marker
// clearing and aggregate cache invalidation.
type SubmitUseCase struct {
	Repo            ports.RankingRepository
	Cache           ports.ViewCache
	Outbox          ports.OutboxWriter
	Clock           ports.Clock
	IDGen           ports.IDGenerator
	RequireComplete bool
	Logger          *slog.Logger
}

// SubmitRanking validates and stores a member's ordering. A rejected
// submission writes nothing: the previous snapshot and any stale marker stay
// exactly as they were.
func (uc SubmitUseCase) SubmitRanking(ctx context.Context, cmd SubmitRankingCommand) (SubmitRankingResult, error) {
	logger := application.ResolveLogger(uc.Logger)
	workgroupID := strings.TrimSpace(cmd.WorkgroupID)
	memberID := strings.TrimSpace(cmd.MemberID)
	if workgroupID == "" || memberID == "" || len(cmd.OrderedItemIDs) == 0 {
		logger.Warn("ranking submission validation failed",
			"event", "prioritization_submit_validation_failed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "application",
			"workgroup_id", workgroupID,
			"member_id", memberID,
		)
		return SubmitRankingResult{}, domainerrors.ErrInvalidInput
	}

	var conflictErr error
	for attempt := 0; attempt < versionConflictRetries; attempt++ {
		eligible, found, err := uc.Repo.GetEligibilitySet(ctx, workgroupID)
		if err != nil {
			return SubmitRankingResult{}, err
		}
		if !found {
			return SubmitRankingResult{}, domainerrors.ErrWorkgroupNotFound
		}

		if err := validateOrdering(cmd.OrderedItemIDs, eligible); err != nil {
			logger.Warn("ranking submission rejected",
				"event", "prioritization_submit_rejected",
				"module", "workgroup-collaboration/prioritization-engine",
				"layer", "application",
				"workgroup_id", workgroupID,
				"member_id", memberID,
				"error", err.Error(),
			)
			return SubmitRankingResult{}, err
		}

		now := uc.now()
		snapshot := entities.RankingSnapshot{
			WorkgroupID:        workgroupID,
			MemberID:           memberID,
			ItemIDs:            append([]string(nil), cmd.OrderedItemIDs...),
			SubmittedAt:        now,
			EligibilityVersion: eligible.Version,
		}
		missing := snapshot.MissingFrom(eligible)
		if uc.RequireComplete && len(missing) > 0 {
			return SubmitRankingResult{}, domainerrors.ErrIncompleteSubmission
		}

		if err := uc.Repo.SaveSnapshot(ctx, snapshot, eligible.Version); err != nil {
			if err == domainerrors.ErrConcurrentModification {
				conflictErr = err
				continue
			}
			return SubmitRankingResult{}, err
		}

		complete := len(missing) == 0
		if complete {
			if err := uc.Repo.ClearStaleMarker(ctx, workgroupID, memberID); err != nil {
				return SubmitRankingResult{}, err
			}
		}
		if uc.Cache != nil {
			if err := uc.Cache.InvalidateWorkgroup(ctx, workgroupID); err != nil {
				return SubmitRankingResult{}, err
			}
		}
		if err := uc.appendEvent(ctx, "ranking.submitted", workgroupID, now, map[string]any{
			"workgroup_id":        workgroupID,
			"member_id":           memberID,
			"ranked_count":        len(snapshot.ItemIDs),
			"unranked_count":      len(missing),
			"complete":            complete,
			"eligibility_version": eligible.Version,
			"submitted_at":        now.Format(time.RFC3339),
		}); err != nil {
			return SubmitRankingResult{}, err
		}

		logger.Info("ranking submitted",
			"event", "prioritization_ranking_submitted",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "application",
			"workgroup_id", workgroupID,
			"member_id", memberID,
			"ranked_count", len(snapshot.ItemIDs),
			"unranked_count", len(missing),
			"eligibility_version", eligible.Version,
		)
		return SubmitRankingResult{Snapshot: snapshot, Complete: complete, Missing: missing}, nil
	}

	logger.Warn("ranking submission lost version race",
		"event", "prioritization_submit_version_conflict",
		"module", "workgroup-collaboration/prioritization-engine",
		"layer", "application",
		"workgroup_id", workgroupID,
		"member_id", memberID,
		"attempts", versionConflictRetries,
	)
	return SubmitRankingResult{}, conflictErr
}

func (uc SubmitUseCase) appendEvent(
	ctx context.Context,
	eventType string,
	workgroupID string,
	occurredAt time.Time,
	data map[string]any,
) error {
	// Outbox is optional for pure read/test wiring, so nil is treated as no-op.
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

func (uc SubmitUseCase) now() time.Time {
	now := time.Now().UTC()
	if uc.Clock != nil {
		now = uc.Clock.Now().UTC()
	}
	return now
}

// validateOrdering rejects duplicate ids and ids outside the current
// eligibility set. Partial orderings are legal here; completeness policy is
// enforced by the use case.
func validateOrdering(orderedIDs []string, eligible entities.EligibilitySet) error {
	seen := make(map[string]struct{}, len(orderedIDs))
	detail := &domainerrors.InvalidSubmissionError{}
	for _, raw := range orderedIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			return domainerrors.ErrInvalidInput
		}
		if _, dup := seen[id]; dup {
			detail.DuplicateIDs = append(detail.DuplicateIDs, id)
			continue
		}
		seen[id] = struct{}{}
		if !eligible.Contains(id) {
			detail.IneligibleIDs = append(detail.IneligibleIDs, id)
		}
	}
	if len(detail.DuplicateIDs) > 0 || len(detail.IneligibleIDs) > 0 {
		return detail
	}
	return nil
}
