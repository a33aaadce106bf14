package entities

import (
	"sort"
	"time"
)

// RankedItem is one eligible item's position in the aggregate order.
type RankedItem struct {
	ItemID        string
	Score         float64
	AggregateRank int
	BallotCount   int
	CreatedAt     time.Time
}

// AggregateView is the combined priority order for a workgroup, derived from
// all admissible ballots. It owns no durable state and may be recomputed at
// will.
type AggregateView struct {
	WorkgroupID        string
	EligibilityVersion int64
	Items              []RankedItem
	TotalSubmitters    int
	TotalRankers       int
	ComputedAt         time.Time
}

// AggregateBallots combines admissible ballots into a strict total order over
// the eligible items using positional averaging.
//
// Each ballot contributes i/max(L-1,1) for the item at zero-based position i
// of its effective order (0.0 most preferred, 1.0 least; a single-item ballot
// contributes 0.0). Items absent from a ballot get no contribution from it.
// An item ranked by nobody scores 1.0. Ties break on more contributing
// ballots, then earlier creation, then lexicographic id, so two calls over the
// same inputs always produce identical ranks.
func AggregateBallots(eligible EligibilitySet, ballots []RankingSnapshot) []RankedItem {
	type accumulator struct {
		sum   float64
		count int
	}
	scores := make(map[string]accumulator, eligible.Size())
	for _, ballot := range ballots {
		order := ballot.EffectiveOrder(eligible)
		if len(order) == 0 {
			continue
		}
		span := float64(len(order) - 1)
		if span < 1 {
			span = 1
		}
		for i, id := range order {
			entry := scores[id]
			entry.sum += float64(i) / span
			entry.count++
			scores[id] = entry
		}
	}

	items := make([]RankedItem, 0, eligible.Size())
	for id, item := range eligible.Items {
		entry := scores[id]
		score := 1.0
		if entry.count > 0 {
			score = entry.sum / float64(entry.count)
		}
		items = append(items, RankedItem{
			ItemID:      id,
			Score:       score,
			BallotCount: entry.count,
			CreatedAt:   item.CreatedAt,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score < items[j].Score
		}
		if items[i].BallotCount != items[j].BallotCount {
			return items[i].BallotCount > items[j].BallotCount
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ItemID < items[j].ItemID
	})
	for i := range items {
		items[i].AggregateRank = i + 1
	}
	return items
}
