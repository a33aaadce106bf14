package http

type ErrorResponse struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	DuplicateIDs  []string `json:"duplicate_ids,omitempty"`
	IneligibleIDs []string `json:"ineligible_ids,omitempty"`
}

type RankedItemView struct {
	ItemID        string  `json:"item_id"`
	AggregateRank int     `json:"aggregate_rank"`
	Score         float64 `json:"score"`
	BallotCount   int     `json:"ballot_count"`
	UserRank      int     `json:"user_rank,omitempty"`
}

type PrioritizationViewResponse struct {
	WorkgroupID        string           `json:"workgroup_id"`
	EligibilityVersion int64            `json:"eligibility_version"`
	Items              []RankedItemView `json:"items"`
	TotalSubmitters    int              `json:"total_submitters"`
	TotalRankers       int              `json:"total_rankers"`
	HasUserRanked      bool             `json:"has_user_ranked"`
	UnrankedCount      int              `json:"unranked_count"`
	UserRankStaleSince string           `json:"user_rank_stale_since,omitempty"`
}

type SubmitRankingRequest struct {
	OrderedItemIDs []string `json:"ordered_item_ids"`
}

type SubmitRankingResponse struct {
	WorkgroupID        string   `json:"workgroup_id"`
	MemberID           string   `json:"member_id"`
	RankedCount        int      `json:"ranked_count"`
	Complete           bool     `json:"complete"`
	MissingItemIDs     []string `json:"missing_item_ids,omitempty"`
	EligibilityVersion int64    `json:"eligibility_version"`
	SubmittedAt        string   `json:"submitted_at"`
}

type StageChangeRequest struct {
	Stage         string `json:"stage"`
	ItemCreatedAt string `json:"item_created_at,omitempty"`
}

type StageChangeResponse struct {
	WorkgroupID        string `json:"workgroup_id"`
	ItemID             string `json:"item_id"`
	MembershipChanged  bool   `json:"membership_changed"`
	EligibilityVersion int64  `json:"eligibility_version"`
}

type RankingStatusResponse struct {
	WorkgroupID    string   `json:"workgroup_id"`
	MemberID       string   `json:"member_id"`
	HasEverRanked  bool     `json:"has_ever_ranked"`
	MissingItemIDs []string `json:"missing_item_ids,omitempty"`
	IsStale        bool     `json:"is_stale"`
	IsExpired      bool     `json:"is_expired"`
	StaleSince     string   `json:"stale_since,omitempty"`
	ExpiresAt      string   `json:"expires_at,omitempty"`
}
