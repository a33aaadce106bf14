package httpadapter

import (
	"context"
	"log/slog"
	"time"

	"quorum/contexts/workgroup-collaboration/prioritization-engine/application/commands"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/application/queries"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	httptransport "quorum/contexts/workgroup-collaboration/prioritization-engine/transport/http"
)

type Handler struct {
	Submissions  commands.SubmitUseCase
	StageChanges commands.StageChangeUseCase
	Views        queries.ViewUseCase
	Logger       *slog.Logger
}

func (h Handler) PrioritizationViewHandler(
	ctx context.Context,
	workgroupID string,
	memberID string,
) (httptransport.PrioritizationViewResponse, error) {
	view, err := h.Views.PrioritizationView(ctx, workgroupID, memberID)
	if err != nil {
		return httptransport.PrioritizationViewResponse{}, err
	}

	items := make([]httptransport.RankedItemView, 0, len(view.Aggregate.Items))
	for _, item := range view.Aggregate.Items {
		items = append(items, httptransport.RankedItemView{
			ItemID:        item.ItemID,
			AggregateRank: item.AggregateRank,
			Score:         item.Score,
			BallotCount:   item.BallotCount,
			UserRank:      view.UserRanks[item.ItemID],
		})
	}
	return httptransport.PrioritizationViewResponse{
		WorkgroupID:        view.Aggregate.WorkgroupID,
		EligibilityVersion: view.Aggregate.EligibilityVersion,
		Items:              items,
		TotalSubmitters:    view.Aggregate.TotalSubmitters,
		TotalRankers:       view.Aggregate.TotalRankers,
		HasUserRanked:      view.HasUserRanked,
		UnrankedCount:      view.UnrankedCount,
		UserRankStaleSince: formatOptionalTime(view.UserRankBecameStaleAt),
	}, nil
}

func (h Handler) SubmitRankingHandler(
	ctx context.Context,
	workgroupID string,
	memberID string,
	req httptransport.SubmitRankingRequest,
) (httptransport.SubmitRankingResponse, error) {
	result, err := h.Submissions.SubmitRanking(ctx, commands.SubmitRankingCommand{
		WorkgroupID:    workgroupID,
		MemberID:       memberID,
		OrderedItemIDs: req.OrderedItemIDs,
	})
	if err != nil {
		return httptransport.SubmitRankingResponse{}, err
	}
	return httptransport.SubmitRankingResponse{
		WorkgroupID:        result.Snapshot.WorkgroupID,
		MemberID:           result.Snapshot.MemberID,
		RankedCount:        len(result.Snapshot.ItemIDs),
		Complete:           result.Complete,
		MissingItemIDs:     result.Missing,
		EligibilityVersion: result.Snapshot.EligibilityVersion,
		SubmittedAt:        result.Snapshot.SubmittedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (h Handler) StageChangeHandler(
	ctx context.Context,
	workgroupID string,
	itemID string,
	req httptransport.StageChangeRequest,
) (httptransport.StageChangeResponse, error) {
	var createdAt time.Time
	if req.ItemCreatedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ItemCreatedAt)
		if err == nil {
			createdAt = parsed
		}
	}
	result, err := h.StageChanges.ApplyStageChange(ctx, commands.StageChangeCommand{
		WorkgroupID:   workgroupID,
		ItemID:        itemID,
		NewStage:      entities.Stage(req.Stage),
		ItemCreatedAt: createdAt,
	})
	if err != nil {
		return httptransport.StageChangeResponse{}, err
	}
	return httptransport.StageChangeResponse{
		WorkgroupID:        workgroupID,
		ItemID:             itemID,
		MembershipChanged:  result.MembershipChanged,
		EligibilityVersion: result.Version,
	}, nil
}

func (h Handler) RankingStatusHandler(
	ctx context.Context,
	workgroupID string,
	memberID string,
) (httptransport.RankingStatusResponse, error) {
	status, err := h.Views.Status(ctx, workgroupID, memberID)
	if err != nil {
		return httptransport.RankingStatusResponse{}, err
	}
	return httptransport.RankingStatusResponse{
		WorkgroupID:    workgroupID,
		MemberID:       memberID,
		HasEverRanked:  status.HasEverRanked,
		MissingItemIDs: status.MissingIDs,
		IsStale:        status.IsStale,
		IsExpired:      status.IsExpired,
		StaleSince:     formatOptionalTime(status.StaleSince),
		ExpiresAt:      formatOptionalTime(status.ExpiresAt),
	}, nil
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
