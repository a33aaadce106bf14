package postgresadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	domainerrors "quorum/contexts/workgroup-collaboration/prioritization-engine/domain/errors"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) InitWorkgroup(ctx context.Context, workgroupID string, now time.Time) error {
	row := workgroupModel{
		WorkgroupID:        strings.TrimSpace(workgroupID),
		EligibilityVersion: 1,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workgroup_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return r.logError("prioritization_repo_init_workgroup_failed", create.Error,
			"workgroup_id", row.WorkgroupID,
		)
	}
	return nil
}

func (r *Repository) ListWorkgroupIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&workgroupModel{}).
		Order("workgroup_id ASC").
		Pluck("workgroup_id", &ids).Error; err != nil {
		return nil, r.logError("prioritization_repo_list_workgroups_failed", err)
	}
	return ids, nil
}

func (r *Repository) GetEligibilitySet(ctx context.Context, workgroupID string) (entities.EligibilitySet, bool, error) {
	var workgroup workgroupModel
	err := r.db.WithContext(ctx).
		Where("workgroup_id = ?", strings.TrimSpace(workgroupID)).
		First(&workgroup).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.EligibilitySet{}, false, nil
		}
		return entities.EligibilitySet{}, false, r.logError("prioritization_repo_get_eligibility_failed", err,
			"workgroup_id", strings.TrimSpace(workgroupID),
		)
	}

	var rows []workItemModel
	if err := r.db.WithContext(ctx).
		Where("workgroup_id = ?", workgroup.WorkgroupID).
		Where("stage IN ?", rankableStages()).
		Find(&rows).Error; err != nil {
		return entities.EligibilitySet{}, false, r.logError("prioritization_repo_list_eligible_items_failed", err,
			"workgroup_id", workgroup.WorkgroupID,
		)
	}

	eligible := entities.EligibilitySet{
		WorkgroupID: workgroup.WorkgroupID,
		Version:     workgroup.EligibilityVersion,
		Items:       make(map[string]entities.WorkItem, len(rows)),
		UpdatedAt:   workgroup.UpdatedAt.UTC(),
	}
	for _, row := range rows {
		eligible.Items[row.ItemID] = row.toEntity()
	}
	return eligible, true, nil
}

func (r *Repository) GetWorkItem(ctx context.Context, workgroupID string, itemID string) (entities.WorkItem, bool, error) {
	var row workItemModel
	err := r.db.WithContext(ctx).
		Where("workgroup_id = ?", strings.TrimSpace(workgroupID)).
		Where("item_id = ?", strings.TrimSpace(itemID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.WorkItem{}, false, nil
		}
		return entities.WorkItem{}, false, r.logError("prioritization_repo_get_work_item_failed", err,
			"workgroup_id", strings.TrimSpace(workgroupID),
			"item_id", strings.TrimSpace(itemID),
		)
	}
	return row.toEntity(), true, nil
}

func (r *Repository) SaveWorkItem(
	ctx context.Context,
	item entities.WorkItem,
	expectedVersion int64,
	bumpVersion bool,
) (int64, error) {
	version := expectedVersion
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The version-conditioned workgroup update doubles as the CAS token
		// check: zero rows means a concurrent writer advanced the version.
		updates := map[string]any{
			"updated_at": item.UpdatedAt.UTC(),
		}
		if bumpVersion {
			updates["eligibility_version"] = gorm.Expr("eligibility_version + 1")
		}
		result := tx.Model(&workgroupModel{}).
			Where("workgroup_id = ?", strings.TrimSpace(item.WorkgroupID)).
			Where("eligibility_version = ?", expectedVersion).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var exists int64
			if err := tx.Model(&workgroupModel{}).
				Where("workgroup_id = ?", strings.TrimSpace(item.WorkgroupID)).
				Count(&exists).Error; err != nil {
				return err
			}
			if exists == 0 {
				return domainerrors.ErrWorkgroupNotFound
			}
			return domainerrors.ErrConcurrentModification
		}
		if bumpVersion {
			version = expectedVersion + 1
		}

		row := workItemModelFromEntity(item)
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workgroup_id"}, {Name: "item_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"stage":      row.Stage,
				"updated_at": row.UpdatedAt,
			}),
		}).Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, domainerrors.ErrConcurrentModification) ||
			errors.Is(err, domainerrors.ErrWorkgroupNotFound) {
			return 0, err
		}
		if isSerializationFailure(err) {
			return 0, domainerrors.ErrConcurrentModification
		}
		return 0, r.logError("prioritization_repo_save_work_item_failed", err,
			"workgroup_id", strings.TrimSpace(item.WorkgroupID),
			"item_id", strings.TrimSpace(item.ItemID),
		)
	}
	return version, nil
}

func (r *Repository) GetSnapshot(ctx context.Context, workgroupID string, memberID string) (entities.RankingSnapshot, bool, error) {
	var row rankingSnapshotModel
	err := r.db.WithContext(ctx).
		Where("workgroup_id = ?", strings.TrimSpace(workgroupID)).
		Where("member_id = ?", strings.TrimSpace(memberID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.RankingSnapshot{}, false, nil
		}
		return entities.RankingSnapshot{}, false, r.logError("prioritization_repo_get_snapshot_failed", err,
			"workgroup_id", strings.TrimSpace(workgroupID),
			"member_id", strings.TrimSpace(memberID),
		)
	}
	snapshot, err := row.toEntity()
	if err != nil {
		return entities.RankingSnapshot{}, false, r.logError("prioritization_repo_decode_snapshot_failed", err,
			"workgroup_id", strings.TrimSpace(workgroupID),
			"member_id", strings.TrimSpace(memberID),
		)
	}
	return snapshot, true, nil
}

func (r *Repository) SaveSnapshot(ctx context.Context, snapshot entities.RankingSnapshot, expectedVersion int64) error {
	row, err := rankingSnapshotModelFromEntity(snapshot)
	if err != nil {
		return r.logError("prioritization_repo_encode_snapshot_failed", err,
			"workgroup_id", strings.TrimSpace(snapshot.WorkgroupID),
			"member_id", strings.TrimSpace(snapshot.MemberID),
		)
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workgroup workgroupModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workgroup_id = ?", row.WorkgroupID).
			First(&workgroup).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrWorkgroupNotFound
			}
			return err
		}
		if workgroup.EligibilityVersion != expectedVersion {
			return domainerrors.ErrConcurrentModification
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workgroup_id"}, {Name: "member_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"item_ids":            row.ItemIDs,
				"submitted_at":        row.SubmittedAt,
				"eligibility_version": row.EligibilityVersion,
			}),
		}).Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, domainerrors.ErrConcurrentModification) ||
			errors.Is(err, domainerrors.ErrWorkgroupNotFound) {
			return err
		}
		if isSerializationFailure(err) {
			return domainerrors.ErrConcurrentModification
		}
		return r.logError("prioritization_repo_save_snapshot_failed", err,
			"workgroup_id", row.WorkgroupID,
			"member_id", row.MemberID,
		)
	}
	return nil
}

func (r *Repository) ListSnapshots(ctx context.Context, workgroupID string) ([]entities.RankingSnapshot, error) {
	var rows []rankingSnapshotModel
	if err := r.db.WithContext(ctx).
		Where("workgroup_id = ?", strings.TrimSpace(workgroupID)).
		Order("member_id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("prioritization_repo_list_snapshots_failed", err,
			"workgroup_id", strings.TrimSpace(workgroupID),
		)
	}
	items := make([]entities.RankingSnapshot, 0, len(rows))
	for _, row := range rows {
		snapshot, err := row.toEntity()
		if err != nil {
			return nil, r.logError("prioritization_repo_decode_snapshot_failed", err,
				"workgroup_id", row.WorkgroupID,
				"member_id", row.MemberID,
			)
		}
		items = append(items, snapshot)
	}
	return items, nil
}

func (r *Repository) GetStaleMarker(ctx context.Context, workgroupID string, memberID string) (entities.StaleMarker, bool, error) {
	var row staleMarkerModel
	err := r.db.WithContext(ctx).
		Where("workgroup_id = ?", strings.TrimSpace(workgroupID)).
		Where("member_id = ?", strings.TrimSpace(memberID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.StaleMarker{}, false, nil
		}
		return entities.StaleMarker{}, false, r.logError("prioritization_repo_get_stale_marker_failed", err,
			"workgroup_id", strings.TrimSpace(workgroupID),
			"member_id", strings.TrimSpace(memberID),
		)
	}
	return row.toEntity(), true, nil
}

func (r *Repository) SaveStaleMarker(ctx context.Context, marker entities.StaleMarker) error {
	row := staleMarkerModelFromEntity(marker)
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "workgroup_id"}, {Name: "member_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"stale_since":         row.StaleSince,
			"last_reminder_at":    row.LastReminderAt,
			"last_grace_ended_at": row.LastGraceEndedAt,
		}),
	}).Create(&row)
	if create.Error != nil {
		return r.logError("prioritization_repo_save_stale_marker_failed", create.Error,
			"workgroup_id", row.WorkgroupID,
			"member_id", row.MemberID,
		)
	}
	return nil
}

func (r *Repository) ClearStaleMarker(ctx context.Context, workgroupID string, memberID string) error {
	if err := r.db.WithContext(ctx).
		Where("workgroup_id = ?", strings.TrimSpace(workgroupID)).
		Where("member_id = ?", strings.TrimSpace(memberID)).
		Delete(&staleMarkerModel{}).Error; err != nil {
		return r.logError("prioritization_repo_clear_stale_marker_failed", err,
			"workgroup_id", strings.TrimSpace(workgroupID),
			"member_id", strings.TrimSpace(memberID),
		)
	}
	return nil
}

func (r *Repository) ListStaleMarkers(ctx context.Context, workgroupID string) ([]entities.StaleMarker, error) {
	var rows []staleMarkerModel
	if err := r.db.WithContext(ctx).
		Where("workgroup_id = ?", strings.TrimSpace(workgroupID)).
		Order("member_id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("prioritization_repo_list_stale_markers_failed", err,
			"workgroup_id", strings.TrimSpace(workgroupID),
		)
	}
	items := make([]entities.StaleMarker, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) AppendOutbox(ctx context.Context, envelope ports.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return r.logError("prioritization_repo_append_outbox_marshal_failed", err,
			"event_id", strings.TrimSpace(envelope.EventID),
			"event_type", strings.TrimSpace(envelope.EventType),
		)
	}
	row := outboxModel{
		OutboxID:     strings.TrimSpace(envelope.EventID),
		EventType:    strings.TrimSpace(envelope.EventType),
		PartitionKey: strings.TrimSpace(envelope.PartitionKey),
		Payload:      payload,
		Status:       outboxStatusPending,
		CreatedAt:    envelope.OccurredAt.UTC(),
	}
	if row.OutboxID == "" {
		row.OutboxID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "outbox_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return r.logError("prioritization_repo_append_outbox_insert_failed", create.Error,
			"outbox_id", row.OutboxID,
		)
	}
	if create.RowsAffected > 0 {
		return nil
	}

	var existing outboxModel
	if err := r.db.WithContext(ctx).
		Select("payload").
		Where("outbox_id = ?", row.OutboxID).
		First(&existing).Error; err != nil {
		return r.logError("prioritization_repo_append_outbox_load_existing_failed", err,
			"outbox_id", row.OutboxID,
		)
	}
	if !bytes.Equal(existing.Payload, row.Payload) {
		return domainerrors.ErrConflict
	}
	return nil
}

func (r *Repository) ListPendingOutbox(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", outboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.logError("prioritization_repo_list_pending_outbox_failed", err, "limit", limit)
	}
	items := make([]ports.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.OutboxMessage{
			OutboxID:     row.OutboxID,
			EventType:    row.EventType,
			PartitionKey: row.PartitionKey,
			Payload:      append([]byte(nil), row.Payload...),
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", strings.TrimSpace(outboxID)).
		Updates(map[string]any{
			"status":       outboxStatusPublished,
			"published_at": publishedAt.UTC(),
		})
	if result.Error != nil {
		return r.logError("prioritization_repo_mark_outbox_published_failed", result.Error,
			"outbox_id", strings.TrimSpace(outboxID),
		)
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrConflict
	}
	return nil
}

func (r *Repository) ReserveEvent(
	ctx context.Context,
	eventID string,
	payloadHash string,
	expiresAt time.Time,
) (bool, error) {
	row := eventDedupModel{
		EventID:     strings.TrimSpace(eventID),
		PayloadHash: strings.TrimSpace(payloadHash),
		ExpiresAt:   expiresAt.UTC(),
		ProcessedAt: time.Now().UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return false, r.logError("prioritization_repo_reserve_event_failed", create.Error,
			"event_id", strings.TrimSpace(eventID),
		)
	}
	if create.RowsAffected > 0 {
		return false, nil
	}

	var existing eventDedupModel
	if err := r.db.WithContext(ctx).
		Select("payload_hash").
		Where("event_id = ?", row.EventID).
		First(&existing).Error; err != nil {
		return false, r.logError("prioritization_repo_reserve_event_load_existing_failed", err,
			"event_id", strings.TrimSpace(eventID),
		)
	}
	if existing.PayloadHash != row.PayloadHash {
		return false, domainerrors.ErrConflict
	}
	return true, nil
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "workgroup-collaboration/prioritization-engine",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("prioritization repository operation failed", fields...)
	return err
}

type workgroupModel struct {
	WorkgroupID        string    `gorm:"column:workgroup_id;primaryKey"`
	EligibilityVersion int64     `gorm:"column:eligibility_version"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (workgroupModel) TableName() string {
	return "prioritization_workgroups"
}

type workItemModel struct {
	WorkgroupID string    `gorm:"column:workgroup_id;primaryKey"`
	ItemID      string    `gorm:"column:item_id;primaryKey"`
	Stage       string    `gorm:"column:stage"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (workItemModel) TableName() string {
	return "prioritization_work_items"
}

func workItemModelFromEntity(item entities.WorkItem) workItemModel {
	row := workItemModel{
		WorkgroupID: strings.TrimSpace(item.WorkgroupID),
		ItemID:      strings.TrimSpace(item.ItemID),
		Stage:       string(item.Stage),
		CreatedAt:   item.CreatedAt.UTC(),
		UpdatedAt:   item.UpdatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	return row
}

func (m workItemModel) toEntity() entities.WorkItem {
	return entities.WorkItem{
		ItemID:      m.ItemID,
		WorkgroupID: m.WorkgroupID,
		Stage:       entities.Stage(m.Stage),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

type rankingSnapshotModel struct {
	WorkgroupID        string    `gorm:"column:workgroup_id;primaryKey"`
	MemberID           string    `gorm:"column:member_id;primaryKey"`
	ItemIDs            []byte    `gorm:"column:item_ids"`
	SubmittedAt        time.Time `gorm:"column:submitted_at"`
	EligibilityVersion int64     `gorm:"column:eligibility_version"`
}

func (rankingSnapshotModel) TableName() string {
	return "prioritization_ranking_snapshots"
}

func rankingSnapshotModelFromEntity(snapshot entities.RankingSnapshot) (rankingSnapshotModel, error) {
	itemIDs, err := json.Marshal(snapshot.ItemIDs)
	if err != nil {
		return rankingSnapshotModel{}, err
	}
	return rankingSnapshotModel{
		WorkgroupID:        strings.TrimSpace(snapshot.WorkgroupID),
		MemberID:           strings.TrimSpace(snapshot.MemberID),
		ItemIDs:            itemIDs,
		SubmittedAt:        snapshot.SubmittedAt.UTC(),
		EligibilityVersion: snapshot.EligibilityVersion,
	}, nil
}

func (m rankingSnapshotModel) toEntity() (entities.RankingSnapshot, error) {
	var itemIDs []string
	if len(m.ItemIDs) > 0 {
		if err := json.Unmarshal(m.ItemIDs, &itemIDs); err != nil {
			return entities.RankingSnapshot{}, err
		}
	}
	return entities.RankingSnapshot{
		WorkgroupID:        m.WorkgroupID,
		MemberID:           m.MemberID,
		ItemIDs:            itemIDs,
		SubmittedAt:        m.SubmittedAt.UTC(),
		EligibilityVersion: m.EligibilityVersion,
	}, nil
}

type staleMarkerModel struct {
	WorkgroupID      string     `gorm:"column:workgroup_id;primaryKey"`
	MemberID         string     `gorm:"column:member_id;primaryKey"`
	StaleSince       time.Time  `gorm:"column:stale_since"`
	LastReminderAt   *time.Time `gorm:"column:last_reminder_at"`
	LastGraceEndedAt *time.Time `gorm:"column:last_grace_ended_at"`
}

func (staleMarkerModel) TableName() string {
	return "prioritization_stale_markers"
}

func staleMarkerModelFromEntity(marker entities.StaleMarker) staleMarkerModel {
	return staleMarkerModel{
		WorkgroupID:      strings.TrimSpace(marker.WorkgroupID),
		MemberID:         strings.TrimSpace(marker.MemberID),
		StaleSince:       marker.StaleSince.UTC(),
		LastReminderAt:   normalizeOptionalTime(marker.LastReminderAt),
		LastGraceEndedAt: normalizeOptionalTime(marker.LastGraceEndedAt),
	}
}

func (m staleMarkerModel) toEntity() entities.StaleMarker {
	return entities.StaleMarker{
		WorkgroupID:      m.WorkgroupID,
		MemberID:         m.MemberID,
		StaleSince:       m.StaleSince.UTC(),
		LastReminderAt:   normalizeOptionalTime(m.LastReminderAt),
		LastGraceEndedAt: normalizeOptionalTime(m.LastGraceEndedAt),
	}
}

type outboxModel struct {
	OutboxID     string     `gorm:"column:outbox_id;primaryKey"`
	EventType    string     `gorm:"column:event_type"`
	PartitionKey string     `gorm:"column:partition_key"`
	Payload      []byte     `gorm:"column:payload"`
	Status       string     `gorm:"column:status"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
}

func (outboxModel) TableName() string {
	return "prioritization_outbox"
}

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	PayloadHash string    `gorm:"column:payload_hash"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (eventDedupModel) TableName() string {
	return "prioritization_event_dedup"
}

func rankableStages() []string {
	return []string{
		string(entities.StageOpen),
		string(entities.StageInProgress),
	}
}

func normalizeOptionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	timestamp := value.UTC()
	return &timestamp
}

// isSerializationFailure recognizes postgres serialization aborts so callers
// can retry them the same way as a lost version race.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

var _ ports.RankingRepository = (*Repository)(nil)
var _ ports.OutboxWriter = (*Repository)(nil)
var _ ports.OutboxRepository = (*Repository)(nil)
var _ ports.EventDedupStore = (*Repository)(nil)
