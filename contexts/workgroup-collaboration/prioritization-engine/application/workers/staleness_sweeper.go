package workers

import (
	"context"
	"log/slog"
	"time"

	application "quorum/contexts/workgroup-collaboration/prioritization-engine/application"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
)

// StalenessSweeper walks every workgroup, materializes stale markers for
// incomplete snapshots, clears markers that no longer apply, and emits the
// reminder and grace-period-ended notifications at most once per stale period.
type StalenessSweeper struct {
	Repo          ports.RankingRepository
	Outbox        ports.OutboxWriter
	Clock         ports.Clock
	IDGen         ports.IDGenerator
	GracePeriod   time.Duration
	ReminderAfter time.Duration
	Disabled      bool
	Logger        *slog.Logger
}

func (s StalenessSweeper) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(s.Logger)
	if s.Disabled {
		logger.Info("staleness sweeper disabled by feature flag",
			"event", "prioritization_sweeper_disabled",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
		)
		return nil
	}

	workgroupIDs, err := s.Repo.ListWorkgroupIDs(ctx)
	if err != nil {
		logger.Error("staleness sweeper workgroup list failed",
			"event", "prioritization_sweeper_list_failed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}

	swept := 0
	for _, workgroupID := range workgroupIDs {
		count, err := s.sweepWorkgroup(ctx, workgroupID)
		if err != nil {
			logger.Error("staleness sweeper workgroup failed",
				"event", "prioritization_sweeper_workgroup_failed",
				"module", "workgroup-collaboration/prioritization-engine",
				"layer", "worker",
				"workgroup_id", workgroupID,
				"error", err.Error(),
			)
			return err
		}
		swept += count
	}

	if swept > 0 {
		logger.Info("staleness sweep cycle completed",
			"event", "prioritization_sweeper_cycle_completed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "worker",
			"workgroups", len(workgroupIDs),
			"notifications", swept,
		)
	}
	return nil
}

func (s StalenessSweeper) sweepWorkgroup(ctx context.Context, workgroupID string) (int, error) {
	eligible, found, err := s.Repo.GetEligibilitySet(ctx, workgroupID)
	if err != nil || !found {
		return 0, err
	}
	snapshots, err := s.Repo.ListSnapshots(ctx, workgroupID)
	if err != nil {
		return 0, err
	}
	markers, err := s.Repo.ListStaleMarkers(ctx, workgroupID)
	if err != nil {
		return 0, err
	}
	markerByMember := make(map[string]entities.StaleMarker, len(markers))
	for _, marker := range markers {
		markerByMember[marker.MemberID] = marker
	}

	now := s.now()
	notified := 0
	for i := range snapshots {
		snapshot := snapshots[i]
		existing, hasMarker := markerByMember[snapshot.MemberID]
		var markerRef *entities.StaleMarker
		if hasMarker {
			markerRef = &existing
		}
		status := entities.EvaluateStaleness(&snapshot, markerRef, eligible, now, s.GracePeriod)

		if !status.IsStale {
			if hasMarker {
				if err := s.Repo.ClearStaleMarker(ctx, workgroupID, snapshot.MemberID); err != nil {
					return notified, err
				}
			}
			continue
		}

		marker := existing
		if !hasMarker {
			marker = entities.StaleMarker{
				WorkgroupID: workgroupID,
				MemberID:    snapshot.MemberID,
				StaleSince:  now,
			}
			if err := s.Repo.SaveStaleMarker(ctx, marker); err != nil {
				return notified, err
			}
		}

		changed := false
		if s.ReminderAfter > 0 &&
			!now.Before(marker.StaleSince.Add(s.ReminderAfter)) &&
			(marker.LastReminderAt == nil || marker.LastReminderAt.Before(marker.StaleSince)) {
			if err := s.appendEvent(ctx, "ranking.stale_reminder", workgroupID, now, map[string]any{
				"workgroup_id":   workgroupID,
				"member_id":      snapshot.MemberID,
				"stale_since":    marker.StaleSince.Format(time.RFC3339),
				"unranked_count": len(status.MissingIDs),
			}); err != nil {
				return notified, err
			}
			reminderAt := now
			marker.LastReminderAt = &reminderAt
			changed = true
			notified++
		}
		if status.IsExpired &&
			(marker.LastGraceEndedAt == nil || marker.LastGraceEndedAt.Before(marker.StaleSince)) {
			if err := s.appendEvent(ctx, "ranking.grace_period_ended", workgroupID, now, map[string]any{
				"workgroup_id":   workgroupID,
				"member_id":      snapshot.MemberID,
				"stale_since":    marker.StaleSince.Format(time.RFC3339),
				"expired_at":     marker.StaleSince.Add(s.GracePeriod).Format(time.RFC3339),
				"unranked_count": len(status.MissingIDs),
			}); err != nil {
				return notified, err
			}
			endedAt := now
			marker.LastGraceEndedAt = &endedAt
			changed = true
			notified++
		}
		if changed {
			if err := s.Repo.SaveStaleMarker(ctx, marker); err != nil {
				return notified, err
			}
		}
	}
	return notified, nil
}

func (s StalenessSweeper) appendEvent(
	ctx context.Context,
	eventType string,
	workgroupID string,
	occurredAt time.Time,
	data map[string]any,
) error {
	if s.Outbox == nil {
		return nil
	}
	eventID, err := s.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	envelope, err := newPrioritizationEnvelope(eventID, eventType, workgroupID, occurredAt, data)
	if err != nil {
		return err
	}
	return s.Outbox.AppendOutbox(ctx, envelope)
}

func (s StalenessSweeper) now() time.Time {
	now := time.Now().UTC()
	if s.Clock != nil {
		now = s.Clock.Now().UTC()
	}
	return now
}
