package prioritizationengine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	prioritizationengine "quorum/contexts/workgroup-collaboration/prioritization-engine"
	domainerrors "quorum/contexts/workgroup-collaboration/prioritization-engine/domain/errors"
	httptransport "quorum/contexts/workgroup-collaboration/prioritization-engine/transport/http"
)

func applyStage(t *testing.T, module prioritizationengine.Module, workgroupID, itemID, stage string) httptransport.StageChangeResponse {
	t.Helper()
	resp, err := module.Handler.StageChangeHandler(context.Background(), workgroupID, itemID, httptransport.StageChangeRequest{
		Stage:         stage,
		ItemCreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("stage change %s/%s -> %s failed: %v", workgroupID, itemID, stage, err)
	}
	return resp
}

func TestModuleEndToEndFlow(t *testing.T) {
	module := prioritizationengine.NewInMemoryModule(nil)
	ctx := context.Background()

	// Three items enter the rankable stages.
	applyStage(t, module, "wg-1", "item-a", "open")
	applyStage(t, module, "wg-1", "item-b", "open")
	resp := applyStage(t, module, "wg-1", "item-c", "in_progress")
	if resp.EligibilityVersion != 4 {
		t.Fatalf("three entries must leave the version at 4, got %d", resp.EligibilityVersion)
	}

	// Two members rank; one partially.
	submitted, err := module.Handler.SubmitRankingHandler(ctx, "wg-1", "member-1", httptransport.SubmitRankingRequest{
		OrderedItemIDs: []string{"item-b", "item-a", "item-c"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !submitted.Complete || submitted.RankedCount != 3 {
		t.Fatalf("unexpected submit result: %+v", submitted)
	}
	partial, err := module.Handler.SubmitRankingHandler(ctx, "wg-1", "member-2", httptransport.SubmitRankingRequest{
		OrderedItemIDs: []string{"item-b"},
	})
	if err != nil {
		t.Fatalf("partial submit failed: %v", err)
	}
	if partial.Complete || len(partial.MissingItemIDs) != 2 {
		t.Fatalf("unexpected partial result: %+v", partial)
	}

	view, err := module.Handler.PrioritizationViewHandler(ctx, "wg-1", "member-1")
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if len(view.Items) != 3 || view.TotalSubmitters != 2 || view.TotalRankers != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}
	// item-b leads: both members put it first.
	if view.Items[0].ItemID != "item-b" || view.Items[0].AggregateRank != 1 {
		t.Fatalf("unexpected aggregate order: %+v", view.Items)
	}
	if view.Items[0].UserRank != 1 {
		t.Fatalf("overlay must carry the member's own rank: %+v", view.Items[0])
	}

	// Partial ranker's status reflects the gap.
	status, err := module.Handler.RankingStatusHandler(ctx, "wg-1", "member-2")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.HasEverRanked || !status.IsStale || len(status.MissingItemIDs) != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.StaleSince == "" || status.ExpiresAt == "" {
		t.Fatalf("stale status must expose its timeline: %+v", status)
	}

	// Resolving an item shrinks the set; member-2 now covers it fully.
	applyStage(t, module, "wg-1", "item-a", "resolved")
	applyStage(t, module, "wg-1", "item-c", "archived")
	status, err = module.Handler.RankingStatusHandler(ctx, "wg-1", "member-2")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.IsStale || len(status.MissingItemIDs) != 0 {
		t.Fatalf("full coverage after shrink must be fresh: %+v", status)
	}

	view, err = module.Handler.PrioritizationViewHandler(ctx, "wg-1", "member-2")
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if len(view.Items) != 1 || view.Items[0].ItemID != "item-b" {
		t.Fatalf("departed items must leave the view: %+v", view.Items)
	}
}

func TestModuleRejectsBadSubmissions(t *testing.T) {
	module := prioritizationengine.NewInMemoryModule(nil)
	ctx := context.Background()

	applyStage(t, module, "wg-1", "item-a", "open")

	_, err := module.Handler.SubmitRankingHandler(ctx, "wg-1", "member-1", httptransport.SubmitRankingRequest{
		OrderedItemIDs: []string{"item-a", "item-ghost"},
	})
	var invalid *domainerrors.InvalidSubmissionError
	if !errors.As(err, &invalid) || len(invalid.IneligibleIDs) != 1 {
		t.Fatalf("expected ineligible-id rejection, got %v", err)
	}

	_, err = module.Handler.SubmitRankingHandler(ctx, "wg-ghost", "member-1", httptransport.SubmitRankingRequest{
		OrderedItemIDs: []string{"item-a"},
	})
	if !errors.Is(err, domainerrors.ErrWorkgroupNotFound) {
		t.Fatalf("expected ErrWorkgroupNotFound, got %v", err)
	}

	_, err = module.Handler.StageChangeHandler(ctx, "wg-1", "item-a", httptransport.StageChangeRequest{Stage: "vanished"})
	if !errors.Is(err, domainerrors.ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestModuleOutboxCollectsDomainEvents(t *testing.T) {
	module := prioritizationengine.NewInMemoryModule(nil)
	ctx := context.Background()

	applyStage(t, module, "wg-1", "item-a", "open")
	if _, err := module.Handler.SubmitRankingHandler(ctx, "wg-1", "member-1", httptransport.SubmitRankingRequest{
		OrderedItemIDs: []string{"item-a"},
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	rows, err := module.Store.ListPendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("list outbox failed: %v", err)
	}
	types := map[string]bool{}
	for _, row := range rows {
		types[row.EventType] = true
	}
	if !types["workgroup.eligibility_changed"] || !types["ranking.submitted"] {
		t.Fatalf("expected eligibility and submission events, got %v", types)
	}
}
