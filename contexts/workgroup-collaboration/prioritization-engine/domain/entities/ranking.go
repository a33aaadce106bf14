package entities

import (
	"sort"
	"time"
)

type Stage string

const (
	StageOpen       Stage = "open"
	StageInProgress Stage = "in_progress"
	StageReview     Stage = "review"
	StageResolved   Stage = "resolved"
	StageArchived   Stage = "archived"
)

// Rankable reports whether items in this stage count toward prioritization.
func (s Stage) Rankable() bool {
	return s == StageOpen || s == StageInProgress
}

func (s Stage) Known() bool {
	switch s {
	case StageOpen, StageInProgress, StageReview, StageResolved, StageArchived:
		return true
	default:
		return false
	}
}

// WorkItem is the engine's projection of a work item owned by the task
// collaborator. Only identity, stage and creation time are tracked here.
type WorkItem struct {
	ItemID      string
	WorkgroupID string
	Stage       Stage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EligibilitySet is the versioned set of items currently counted toward
// prioritization for one workgroup. Membership is derived from item stages,
// never edited directly; Version bumps exactly when membership changes.
type EligibilitySet struct {
	WorkgroupID string
	Version     int64
	Items       map[string]WorkItem
	UpdatedAt   time.Time
}

func (e EligibilitySet) Contains(itemID string) bool {
	_, ok := e.Items[itemID]
	return ok
}

func (e EligibilitySet) Size() int {
	return len(e.Items)
}

// IDs returns the eligible item ids in lexicographic order.
func (e EligibilitySet) IDs() []string {
	ids := make([]string, 0, len(e.Items))
	for id := range e.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RankingSnapshot is one member's latest submitted ordering. New submissions
// replace the previous snapshot; nothing is ever appended.
type RankingSnapshot struct {
	WorkgroupID        string
	MemberID           string
	ItemIDs            []string
	SubmittedAt        time.Time
	EligibilityVersion int64
}

// EffectiveOrder returns the snapshot's ordering restricted to items that are
// still eligible. Ids that left the eligibility set are dropped lazily here;
// the stored snapshot and its SubmittedAt stay untouched.
func (r RankingSnapshot) EffectiveOrder(eligible EligibilitySet) []string {
	order := make([]string, 0, len(r.ItemIDs))
	for _, id := range r.ItemIDs {
		if eligible.Contains(id) {
			order = append(order, id)
		}
	}
	return order
}

// MissingFrom returns the eligible ids the snapshot does not cover, sorted.
func (r RankingSnapshot) MissingFrom(eligible EligibilitySet) []string {
	ranked := make(map[string]struct{}, len(r.ItemIDs))
	for _, id := range r.ItemIDs {
		ranked[id] = struct{}{}
	}
	missing := make([]string, 0)
	for id := range eligible.Items {
		if _, ok := ranked[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// Covers reports whether the snapshot ranks every currently eligible item.
func (r RankingSnapshot) Covers(eligible EligibilitySet) bool {
	return len(r.MissingFrom(eligible)) == 0
}

// UserRanks maps each eligible item in the snapshot's effective order to its
// 1-based position. Items the member has not ranked are absent.
func (r RankingSnapshot) UserRanks(eligible EligibilitySet) map[string]int {
	ranks := make(map[string]int)
	for i, id := range r.EffectiveOrder(eligible) {
		ranks[id] = i + 1
	}
	return ranks
}

// StaleMarker persists when a member's snapshot first became incomplete, plus
// sweep bookkeeping for the notifications sent during that stale period.
type StaleMarker struct {
	WorkgroupID      string
	MemberID         string
	StaleSince       time.Time
	LastReminderAt   *time.Time
	LastGraceEndedAt *time.Time
}

// RankingStatus is the derived staleness verdict for one member.
type RankingStatus struct {
	HasEverRanked bool
	MissingIDs    []string
	IsStale       bool
	IsExpired     bool
	StaleSince    *time.Time
	ExpiresAt     *time.Time
}

// Admissible reports whether the member's ballot participates in aggregation.
func (s RankingStatus) Admissible() bool {
	return s.HasEverRanked && !s.IsExpired
}

// EvaluateStaleness derives a member's staleness status against the current
// eligibility set. A snapshot missing at least one eligible item is stale;
// StaleSince comes from the persisted marker, or defaults to now on the first
// observation (the caller persists that). A stale ballot expires strictly
// after StaleSince + grace.
func EvaluateStaleness(
	snapshot *RankingSnapshot,
	marker *StaleMarker,
	eligible EligibilitySet,
	now time.Time,
	grace time.Duration,
) RankingStatus {
	if snapshot == nil {
		return RankingStatus{MissingIDs: eligible.IDs()}
	}
	missing := snapshot.MissingFrom(eligible)
	status := RankingStatus{
		HasEverRanked: true,
		MissingIDs:    missing,
		IsStale:       len(missing) > 0,
	}
	if !status.IsStale {
		return status
	}
	staleSince := now
	if marker != nil {
		staleSince = marker.StaleSince
	}
	expiresAt := staleSince.Add(grace)
	status.StaleSince = &staleSince
	status.ExpiresAt = &expiresAt
	status.IsExpired = now.After(expiresAt)
	return status
}
