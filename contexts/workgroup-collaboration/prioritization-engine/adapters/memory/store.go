package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	domainerrors "quorum/contexts/workgroup-collaboration/prioritization-engine/domain/errors"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"

	"github.com/google/uuid"
)

type workgroupRecord struct {
	version   int64
	items     map[string]entities.WorkItem
	createdAt time.Time
	updatedAt time.Time
}

type outboxRecord struct {
	message   ports.OutboxMessage
	published bool
}

type dedupRecord struct {
	payloadHash string
	expiresAt   time.Time
}

// Store is the in-memory adapter backing all engine ports: repository, view
// cache, outbox, event dedup, clock and id generation. All access is guarded
// by one mutex, which gives the per-workgroup linearizability the repository
// contract asks for.
type Store struct {
	mu sync.RWMutex

	workgroups map[string]*workgroupRecord
	snapshots  map[string]entities.RankingSnapshot
	markers    map[string]entities.StaleMarker
	views      map[string]entities.AggregateView
	outbox     map[string]outboxRecord
	eventDedup map[string]dedupRecord
}

func NewStore() *Store {
	return &Store{
		workgroups: make(map[string]*workgroupRecord),
		snapshots:  make(map[string]entities.RankingSnapshot),
		markers:    make(map[string]entities.StaleMarker),
		views:      make(map[string]entities.AggregateView),
		outbox:     make(map[string]outboxRecord),
		eventDedup: make(map[string]dedupRecord),
	}
}

func compositeKey(workgroupID string, memberID string) string {
	return strings.TrimSpace(workgroupID) + "|" + strings.TrimSpace(memberID)
}

func (s *Store) InitWorkgroup(_ context.Context, workgroupID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	workgroupID = strings.TrimSpace(workgroupID)
	if _, ok := s.workgroups[workgroupID]; ok {
		return nil
	}
	s.workgroups[workgroupID] = &workgroupRecord{
		version:   1,
		items:     make(map[string]entities.WorkItem),
		createdAt: now.UTC(),
		updatedAt: now.UTC(),
	}
	return nil
}

func (s *Store) ListWorkgroupIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.workgroups))
	for id := range s.workgroups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetEligibilitySet(_ context.Context, workgroupID string) (entities.EligibilitySet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workgroupID = strings.TrimSpace(workgroupID)
	record, ok := s.workgroups[workgroupID]
	if !ok {
		return entities.EligibilitySet{}, false, nil
	}
	eligible := entities.EligibilitySet{
		WorkgroupID: workgroupID,
		Version:     record.version,
		Items:       make(map[string]entities.WorkItem),
		UpdatedAt:   record.updatedAt,
	}
	for id, item := range record.items {
		if item.Stage.Rankable() {
			eligible.Items[id] = item
		}
	}
	return eligible, true, nil
}

func (s *Store) GetWorkItem(_ context.Context, workgroupID string, itemID string) (entities.WorkItem, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.workgroups[strings.TrimSpace(workgroupID)]
	if !ok {
		return entities.WorkItem{}, false, nil
	}
	item, ok := record.items[strings.TrimSpace(itemID)]
	return item, ok, nil
}

func (s *Store) SaveWorkItem(
	_ context.Context,
	item entities.WorkItem,
	expectedVersion int64,
	bumpVersion bool,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.workgroups[strings.TrimSpace(item.WorkgroupID)]
	if !ok {
		return 0, domainerrors.ErrWorkgroupNotFound
	}
	if record.version != expectedVersion {
		return 0, domainerrors.ErrConcurrentModification
	}
	record.items[strings.TrimSpace(item.ItemID)] = item
	record.updatedAt = item.UpdatedAt.UTC()
	if bumpVersion {
		record.version++
	}
	return record.version, nil
}

func (s *Store) GetSnapshot(_ context.Context, workgroupID string, memberID string) (entities.RankingSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[compositeKey(workgroupID, memberID)]
	if !ok {
		return entities.RankingSnapshot{}, false, nil
	}
	return cloneSnapshot(snapshot), true, nil
}

func (s *Store) SaveSnapshot(_ context.Context, snapshot entities.RankingSnapshot, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.workgroups[strings.TrimSpace(snapshot.WorkgroupID)]
	if !ok {
		return domainerrors.ErrWorkgroupNotFound
	}
	if record.version != expectedVersion {
		return domainerrors.ErrConcurrentModification
	}
	s.snapshots[compositeKey(snapshot.WorkgroupID, snapshot.MemberID)] = cloneSnapshot(snapshot)
	return nil
}

func (s *Store) ListSnapshots(_ context.Context, workgroupID string) ([]entities.RankingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workgroupID = strings.TrimSpace(workgroupID)
	items := make([]entities.RankingSnapshot, 0)
	for _, snapshot := range s.snapshots {
		if snapshot.WorkgroupID == workgroupID {
			items = append(items, cloneSnapshot(snapshot))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].MemberID < items[j].MemberID
	})
	return items, nil
}

func (s *Store) GetStaleMarker(_ context.Context, workgroupID string, memberID string) (entities.StaleMarker, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	marker, ok := s.markers[compositeKey(workgroupID, memberID)]
	return marker, ok, nil
}

func (s *Store) SaveStaleMarker(_ context.Context, marker entities.StaleMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[compositeKey(marker.WorkgroupID, marker.MemberID)] = marker
	return nil
}

func (s *Store) ClearStaleMarker(_ context.Context, workgroupID string, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, compositeKey(workgroupID, memberID))
	return nil
}

func (s *Store) ListStaleMarkers(_ context.Context, workgroupID string) ([]entities.StaleMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workgroupID = strings.TrimSpace(workgroupID)
	items := make([]entities.StaleMarker, 0)
	for _, marker := range s.markers {
		if marker.WorkgroupID == workgroupID {
			items = append(items, marker)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].MemberID < items[j].MemberID
	})
	return items, nil
}

func (s *Store) Get(_ context.Context, key string) (entities.AggregateView, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.views[key]
	return view, ok, nil
}

func (s *Store) Put(_ context.Context, key string, view entities.AggregateView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[key] = view
	return nil
}

func (s *Store) InvalidateWorkgroup(_ context.Context, workgroupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Cache keys are "<workgroupID>|v<version>|<fingerprint>".
	prefix := strings.TrimSpace(workgroupID) + "|"
	for key := range s.views {
		if strings.HasPrefix(key, prefix) {
			delete(s.views, key)
		}
	}
	return nil
}

func (s *Store) AppendOutbox(_ context.Context, envelope ports.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	outboxID := strings.TrimSpace(envelope.EventID)
	if outboxID == "" {
		outboxID = uuid.NewString()
	}
	if existing, ok := s.outbox[outboxID]; ok {
		if !bytes.Equal(existing.message.Payload, payload) {
			return domainerrors.ErrConflict
		}
		return nil
	}
	createdAt := envelope.OccurredAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.outbox[outboxID] = outboxRecord{
		message: ports.OutboxMessage{
			OutboxID:     outboxID,
			EventType:    strings.TrimSpace(envelope.EventType),
			PartitionKey: strings.TrimSpace(envelope.PartitionKey),
			Payload:      payload,
			CreatedAt:    createdAt,
		},
	}
	return nil
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]ports.OutboxMessage, 0, len(s.outbox))
	for _, row := range s.outbox {
		if row.published {
			continue
		}
		items = append(items, row.message)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, outboxID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[strings.TrimSpace(outboxID)]
	if !ok {
		return domainerrors.ErrConflict
	}
	row.published = true
	s.outbox[strings.TrimSpace(outboxID)] = row
	return nil
}

func (s *Store) ReserveEvent(
	_ context.Context,
	eventID string,
	payloadHash string,
	expiresAt time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimSpace(eventID)
	existing, ok := s.eventDedup[key]
	if ok {
		if !existing.expiresAt.IsZero() && time.Now().UTC().After(existing.expiresAt.UTC()) {
			delete(s.eventDedup, key)
		} else {
			if existing.payloadHash != strings.TrimSpace(payloadHash) {
				return false, domainerrors.ErrConflict
			}
			return true, nil
		}
	}

	s.eventDedup[key] = dedupRecord{
		payloadHash: strings.TrimSpace(payloadHash),
		expiresAt:   expiresAt.UTC(),
	}
	return false, nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func cloneSnapshot(snapshot entities.RankingSnapshot) entities.RankingSnapshot {
	snapshot.ItemIDs = append([]string(nil), snapshot.ItemIDs...)
	return snapshot
}

var (
	_ ports.RankingRepository = (*Store)(nil)
	_ ports.ViewCache         = (*Store)(nil)
	_ ports.OutboxWriter      = (*Store)(nil)
	_ ports.OutboxRepository  = (*Store)(nil)
	_ ports.EventDedupStore   = (*Store)(nil)
	_ ports.Clock             = (*Store)(nil)
	_ ports.IDGenerator       = (*Store)(nil)
)
