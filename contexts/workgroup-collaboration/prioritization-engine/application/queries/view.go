package queries

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	application "quorum/contexts/workgroup-collaboration/prioritization-engine/application"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	domainerrors "quorum/contexts/workgroup-collaboration/prioritization-engine/domain/errors"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
)

// MemberPrioritizationView is the aggregate order plus the requesting
// member's personal overlay.
type MemberPrioritizationView struct {
	Aggregate             entities.AggregateView
	UserRanks             map[string]int
	HasUserRanked         bool
	UnrankedCount         int
	UserRankBecameStaleAt *time.Time
}

// ViewUseCase serves prioritization reads. Aggregation runs over admissible
// ballots only and is cached keyed by workgroup, eligibility version and the
// admissible ballot fingerprint; concurrent recomputes for one key collapse
// through singleflight.
type ViewUseCase struct {
	Repo        ports.RankingRepository
	Cache       ports.ViewCache
	Clock       ports.Clock
	GracePeriod time.Duration
	Flights     *singleflight.Group
	Logger      *slog.Logger
}

// PrioritizationView returns the full aggregate order for the workgroup with
// the requesting member's own ranks and staleness stats layered on top. The
// member's own view stays visible even when their ballot has expired out of
// aggregation.
func (uc ViewUseCase) PrioritizationView(
	ctx context.Context,
	workgroupID string,
	memberID string,
) (MemberPrioritizationView, error) {
	workgroupID = strings.TrimSpace(workgroupID)
	memberID = strings.TrimSpace(memberID)
	if workgroupID == "" || memberID == "" {
		return MemberPrioritizationView{}, domainerrors.ErrInvalidInput
	}

	eligible, snapshots, statuses, err := uc.evaluateWorkgroup(ctx, workgroupID)
	if err != nil {
		return MemberPrioritizationView{}, err
	}
	now := uc.now()

	admissible := make([]entities.RankingSnapshot, 0, len(snapshots))
	for _, snapshot := range snapshots {
		if statuses[snapshot.MemberID].Admissible() {
			admissible = append(admissible, snapshot)
		}
	}

	view, err := uc.aggregate(ctx, eligible, admissible, len(snapshots), now)
	if err != nil {
		return MemberPrioritizationView{}, err
	}

	result := MemberPrioritizationView{
		Aggregate: view,
		UserRanks: map[string]int{},
	}
	if status, ok := statuses[memberID]; ok {
		result.HasUserRanked = true
		result.UnrankedCount = len(status.MissingIDs)
		result.UserRankBecameStaleAt = status.StaleSince
	} else {
		result.UnrankedCount = eligible.Size()
	}
	for _, snapshot := range snapshots {
		if snapshot.MemberID == memberID {
			result.UserRanks = snapshot.UserRanks(eligible)
			break
		}
	}
	return result, nil
}

// Status reports one member's staleness verdict. This read path is where a
// freshly incomplete snapshot gets its StaleSince materialized.
func (uc ViewUseCase) Status(ctx context.Context, workgroupID string, memberID string) (entities.RankingStatus, error) {
	workgroupID = strings.TrimSpace(workgroupID)
	memberID = strings.TrimSpace(memberID)
	if workgroupID == "" || memberID == "" {
		return entities.RankingStatus{}, domainerrors.ErrInvalidInput
	}
	_, _, statuses, err := uc.evaluateWorkgroup(ctx, workgroupID)
	if err != nil {
		return entities.RankingStatus{}, err
	}
	if status, ok := statuses[memberID]; ok {
		return status, nil
	}
	eligible, _, err2 := uc.loadEligibility(ctx, workgroupID)
	if err2 != nil {
		return entities.RankingStatus{}, err2
	}
	return entities.EvaluateStaleness(nil, nil, eligible, uc.now(), uc.GracePeriod), nil
}

// evaluateWorkgroup loads the eligibility set and every snapshot, derives all
// staleness statuses against now, and persists StaleSince for snapshots
// observed stale for the first time.
func (uc ViewUseCase) evaluateWorkgroup(
	ctx context.Context,
	workgroupID string,
) (entities.EligibilitySet, []entities.RankingSnapshot, map[string]entities.RankingStatus, error) {
	eligible, found, err := uc.loadEligibility(ctx, workgroupID)
	if err != nil {
		return entities.EligibilitySet{}, nil, nil, err
	}
	if !found {
		return entities.EligibilitySet{}, nil, nil, domainerrors.ErrWorkgroupNotFound
	}

	snapshots, err := uc.Repo.ListSnapshots(ctx, workgroupID)
	if err != nil {
		return entities.EligibilitySet{}, nil, nil, err
	}
	markers, err := uc.Repo.ListStaleMarkers(ctx, workgroupID)
	if err != nil {
		return entities.EligibilitySet{}, nil, nil, err
	}
	markerByMember := make(map[string]entities.StaleMarker, len(markers))
	for _, marker := range markers {
		markerByMember[marker.MemberID] = marker
	}

	now := uc.now()
	statuses := make(map[string]entities.RankingStatus, len(snapshots))
	for i := range snapshots {
		snapshot := snapshots[i]
		var marker *entities.StaleMarker
		if m, ok := markerByMember[snapshot.MemberID]; ok {
			marker = &m
		}
		status := entities.EvaluateStaleness(&snapshot, marker, eligible, now, uc.GracePeriod)
		if status.IsStale && marker == nil {
			if err := uc.Repo.SaveStaleMarker(ctx, entities.StaleMarker{
				WorkgroupID: workgroupID,
				MemberID:    snapshot.MemberID,
				StaleSince:  now,
			}); err != nil {
				return entities.EligibilitySet{}, nil, nil, err
			}
			application.ResolveLogger(uc.Logger).Info("ranking became stale",
				"event", "prioritization_ranking_stale_observed",
				"module", "workgroup-collaboration/prioritization-engine",
				"layer", "application",
				"workgroup_id", workgroupID,
				"member_id", snapshot.MemberID,
				"unranked_count", len(status.MissingIDs),
			)
		}
		statuses[snapshot.MemberID] = status
	}
	return eligible, snapshots, statuses, nil
}

func (uc ViewUseCase) aggregate(
	ctx context.Context,
	eligible entities.EligibilitySet,
	admissible []entities.RankingSnapshot,
	submitters int,
	now time.Time,
) (entities.AggregateView, error) {
	key := cacheKey(eligible, admissible)
	if uc.Cache != nil {
		if cached, ok, err := uc.Cache.Get(ctx, key); err != nil {
			return entities.AggregateView{}, err
		} else if ok {
			return cached, nil
		}
	}

	compute := func() (entities.AggregateView, error) {
		view := entities.AggregateView{
			WorkgroupID:        eligible.WorkgroupID,
			EligibilityVersion: eligible.Version,
			Items:              entities.AggregateBallots(eligible, admissible),
			TotalSubmitters:    submitters,
			TotalRankers:       len(admissible),
			ComputedAt:         now,
		}
		if uc.Cache != nil {
			if err := uc.Cache.Put(ctx, key, view); err != nil {
				return entities.AggregateView{}, err
			}
		}
		application.ResolveLogger(uc.Logger).Debug("aggregate view recomputed",
			"event", "prioritization_aggregate_recomputed",
			"module", "workgroup-collaboration/prioritization-engine",
			"layer", "application",
			"workgroup_id", eligible.WorkgroupID,
			"eligibility_version", eligible.Version,
			"admissible_ballots", len(admissible),
			"eligible_items", eligible.Size(),
		)
		return view, nil
	}

	if uc.Flights == nil {
		return compute()
	}
	result, err, _ := uc.Flights.Do(key, func() (any, error) {
		return compute()
	})
	if err != nil {
		return entities.AggregateView{}, err
	}
	return result.(entities.AggregateView), nil
}

func (uc ViewUseCase) loadEligibility(ctx context.Context, workgroupID string) (entities.EligibilitySet, bool, error) {
	return uc.Repo.GetEligibilitySet(ctx, workgroupID)
}

func (uc ViewUseCase) now() time.Time {
	now := time.Now().UTC()
	if uc.Clock != nil {
		now = uc.Clock.Now().UTC()
	}
	return now
}

// cacheKey embeds the eligibility version and the admissible ballot identity
// (member + submission time), so any write that changes either produces a new
// key and an expired ballot falls out of the cached aggregate naturally.
func cacheKey(eligible entities.EligibilitySet, admissible []entities.RankingSnapshot) string {
	parts := make([]string, 0, len(admissible))
	for _, snapshot := range admissible {
		parts = append(parts, fmt.Sprintf("%s=%d", snapshot.MemberID, snapshot.SubmittedAt.UTC().UnixNano()))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return fmt.Sprintf("%s|v%d|%s", eligible.WorkgroupID, eligible.Version, hex.EncodeToString(sum[:]))
}
