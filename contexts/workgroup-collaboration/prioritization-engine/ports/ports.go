package ports

import (
	"context"
	"time"

	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	"quorum/internal/shared/events"
)

// RankingRepository owns the durable state of the engine: work item
// projections with the per-workgroup eligibility version, ranking snapshots,
// and stale markers. All writes for one workgroup must be linearizable with
// each other; version-conditioned writes return ErrConcurrentModification on
// token mismatch.
type RankingRepository interface {
	InitWorkgroup(ctx context.Context, workgroupID string, now time.Time) error
	ListWorkgroupIDs(ctx context.Context) ([]string, error)

	GetEligibilitySet(ctx context.Context, workgroupID string) (entities.EligibilitySet, bool, error)
	GetWorkItem(ctx context.Context, workgroupID string, itemID string) (entities.WorkItem, bool, error)
	// SaveWorkItem upserts the projection. With bumpVersion it increments the
	// workgroup's eligibility version conditioned on expectedVersion.
	SaveWorkItem(ctx context.Context, item entities.WorkItem, expectedVersion int64, bumpVersion bool) (int64, error)

	GetSnapshot(ctx context.Context, workgroupID string, memberID string) (entities.RankingSnapshot, bool, error)
	// SaveSnapshot replaces the member's snapshot, conditioned on the
	// eligibility version the submission was validated against.
	SaveSnapshot(ctx context.Context, snapshot entities.RankingSnapshot, expectedVersion int64) error
	ListSnapshots(ctx context.Context, workgroupID string) ([]entities.RankingSnapshot, error)

	GetStaleMarker(ctx context.Context, workgroupID string, memberID string) (entities.StaleMarker, bool, error)
	SaveStaleMarker(ctx context.Context, marker entities.StaleMarker) error
	ClearStaleMarker(ctx context.Context, workgroupID string, memberID string) error
	ListStaleMarkers(ctx context.Context, workgroupID string) ([]entities.StaleMarker, error)
}

// ViewCache holds derived aggregate views. Entries are keyed by workgroup,
// eligibility version and the admissible ballot fingerprint, so a stale entry
// can never be served against a newer eligibility set.
type ViewCache interface {
	Get(ctx context.Context, key string) (entities.AggregateView, bool, error)
	Put(ctx context.Context, key string, view entities.AggregateView) error
	InvalidateWorkgroup(ctx context.Context, workgroupID string) error
}

// EventEnvelope reuses the canonical cross-service envelope contract.
type EventEnvelope = events.Envelope

// OutboxMessage is a row ready to relay from the module outbox.
type OutboxMessage struct {
	OutboxID     string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
}

// OutboxWriter appends envelopes alongside state changes.
type OutboxWriter interface {
	AppendOutbox(ctx context.Context, envelope EventEnvelope) error
}

// OutboxRepository models worker-side outbox polling/acknowledgement.
type OutboxRepository interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error
}

// EventDedupStore provides idempotent processing guarantees for consumed
// events. ReserveEvent returns true when the event was already processed.
type EventDedupStore interface {
	ReserveEvent(ctx context.Context, eventID string, payloadHash string, expiresAt time.Time) (bool, error)
}

// EventPublisher publishes canonical envelopes to a topic.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event EventEnvelope) error
}

// EventSubscriber registers a handler for a topic within a consumer group.
type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string, consumerGroup string, handler func(context.Context, EventEnvelope) error) error
}

// Clock allows deterministic testing of staleness and grace-period rules.
type Clock interface {
	Now() time.Time
}

// IDGenerator abstracts event identifier generation.
type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}
