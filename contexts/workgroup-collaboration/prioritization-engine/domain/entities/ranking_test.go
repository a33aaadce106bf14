package entities

import (
	"testing"
	"time"
)

func TestStageRankable(t *testing.T) {
	rankable := []Stage{StageOpen, StageInProgress}
	for _, stage := range rankable {
		if !stage.Rankable() {
			t.Fatalf("expected %s to be rankable", stage)
		}
	}
	notRankable := []Stage{StageReview, StageResolved, StageArchived}
	for _, stage := range notRankable {
		if stage.Rankable() {
			t.Fatalf("expected %s to not be rankable", stage)
		}
	}
	if Stage("deleted").Known() {
		t.Fatalf("unexpected known stage")
	}
}

func TestSnapshotEffectiveOrderAndMissing(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	eligible := eligibleSet("wg-1", map[string]time.Time{
		"item-a": base,
		"item-b": base,
		"item-c": base,
	})
	snapshot := RankingSnapshot{
		WorkgroupID: "wg-1",
		MemberID:    "member-1",
		ItemIDs:     []string{"item-c", "item-gone", "item-a"},
	}

	order := snapshot.EffectiveOrder(eligible)
	if len(order) != 2 || order[0] != "item-c" || order[1] != "item-a" {
		t.Fatalf("unexpected effective order: %v", order)
	}
	missing := snapshot.MissingFrom(eligible)
	if len(missing) != 1 || missing[0] != "item-b" {
		t.Fatalf("unexpected missing ids: %v", missing)
	}
	if snapshot.Covers(eligible) {
		t.Fatalf("snapshot should not cover the set")
	}

	ranks := snapshot.UserRanks(eligible)
	if ranks["item-c"] != 1 || ranks["item-a"] != 2 {
		t.Fatalf("unexpected user ranks: %v", ranks)
	}
	if _, ok := ranks["item-b"]; ok {
		t.Fatalf("unranked item must be absent from user ranks")
	}
}

func TestEvaluateStalenessNeverRanked(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	eligible := eligibleSet("wg-1", map[string]time.Time{"item-a": base})

	status := EvaluateStaleness(nil, nil, eligible, base, 7*24*time.Hour)
	if status.HasEverRanked || status.IsStale || status.IsExpired {
		t.Fatalf("never-ranked member must not be stale or expired: %+v", status)
	}
	if len(status.MissingIDs) != 1 || status.MissingIDs[0] != "item-a" {
		t.Fatalf("unexpected missing ids: %v", status.MissingIDs)
	}
	if status.Admissible() {
		t.Fatalf("never-ranked member has no ballot to admit")
	}
}

func TestEvaluateStalenessCompleteSnapshot(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	eligible := eligibleSet("wg-1", map[string]time.Time{"item-a": base})
	snapshot := RankingSnapshot{WorkgroupID: "wg-1", MemberID: "member-1", ItemIDs: []string{"item-a"}}

	status := EvaluateStaleness(&snapshot, nil, eligible, base, 7*24*time.Hour)
	if !status.HasEverRanked || status.IsStale || status.IsExpired {
		t.Fatalf("complete snapshot must be fresh: %+v", status)
	}
	if status.StaleSince != nil || status.ExpiresAt != nil {
		t.Fatalf("fresh status must carry no staleness timestamps")
	}
	if !status.Admissible() {
		t.Fatalf("fresh ballot must be admissible")
	}
}

func TestEvaluateStalenessGracePeriodBoundary(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	grace := 3 * 24 * time.Hour
	eligible := eligibleSet("wg-1", map[string]time.Time{
		"item-a": base,
		"item-b": base,
	})
	snapshot := RankingSnapshot{WorkgroupID: "wg-1", MemberID: "member-1", ItemIDs: []string{"item-a"}}
	marker := StaleMarker{WorkgroupID: "wg-1", MemberID: "member-1", StaleSince: base}

	// Exactly at the grace boundary the ballot still counts.
	atBoundary := EvaluateStaleness(&snapshot, &marker, eligible, base.Add(grace), grace)
	if !atBoundary.IsStale {
		t.Fatalf("incomplete snapshot must be stale")
	}
	if atBoundary.IsExpired {
		t.Fatalf("ballot must not expire at the exact boundary")
	}
	if !atBoundary.Admissible() {
		t.Fatalf("stale but unexpired ballot must be admissible")
	}
	if !atBoundary.ExpiresAt.Equal(base.Add(grace)) {
		t.Fatalf("unexpected expiresAt: %v", atBoundary.ExpiresAt)
	}

	past := EvaluateStaleness(&snapshot, &marker, eligible, base.Add(grace).Add(time.Second), grace)
	if !past.IsExpired {
		t.Fatalf("ballot must expire after staleSince + grace")
	}
	if past.Admissible() {
		t.Fatalf("expired ballot must not be admissible")
	}
	if !past.HasEverRanked {
		t.Fatalf("expiry hides the ballot from aggregation, not from the member")
	}
}

func TestEvaluateStalenessFirstObservationDefaultsToNow(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	eligible := eligibleSet("wg-1", map[string]time.Time{
		"item-a": base,
		"item-b": base,
	})
	snapshot := RankingSnapshot{WorkgroupID: "wg-1", MemberID: "member-1", ItemIDs: []string{"item-a"}}

	now := base.Add(30 * time.Hour)
	status := EvaluateStaleness(&snapshot, nil, eligible, now, 7*24*time.Hour)
	if status.StaleSince == nil || !status.StaleSince.Equal(now) {
		t.Fatalf("first observation must anchor staleSince at now, got %v", status.StaleSince)
	}
	if status.IsExpired {
		t.Fatalf("freshly observed staleness cannot already be expired")
	}
}
