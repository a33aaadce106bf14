package workers_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"quorum/contexts/workgroup-collaboration/prioritization-engine/adapters/memory"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/application/commands"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/application/workers"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/domain/entities"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type capturingSubscriber struct {
	topic   string
	group   string
	handler func(context.Context, ports.EventEnvelope) error
}

func (s *capturingSubscriber) Subscribe(
	_ context.Context,
	topic string,
	consumerGroup string,
	handler func(context.Context, ports.EventEnvelope) error,
) error {
	s.topic = topic
	s.group = consumerGroup
	s.handler = handler
	return nil
}

type recordingPublisher struct {
	published []ports.EventEnvelope
	failAfter int
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event ports.EventEnvelope) error {
	if p.failAfter > 0 && len(p.published) >= p.failAfter {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func seedWorkgroup(t *testing.T, store *memory.Store, clock ports.Clock, workgroupID string, itemIDs ...string) {
	t.Helper()
	stage := commands.StageChangeUseCase{Repo: store, Cache: store, Clock: clock, IDGen: store}
	for _, itemID := range itemIDs {
		if _, err := stage.ApplyStageChange(context.Background(), commands.StageChangeCommand{
			WorkgroupID: workgroupID,
			ItemID:      itemID,
			NewStage:    entities.StageOpen,
		}); err != nil {
			t.Fatalf("seed item %s failed: %v", itemID, err)
		}
	}
}

// submitRanking seeds a ballot without touching the outbox, so sweeper tests
// observe only the events the sweeper itself emits.
func submitRanking(t *testing.T, store *memory.Store, clock ports.Clock, workgroupID, memberID string, itemIDs ...string) {
	t.Helper()
	submit := commands.SubmitUseCase{Repo: store, Cache: store, Clock: clock, IDGen: store}
	if _, err := submit.SubmitRanking(context.Background(), commands.SubmitRankingCommand{
		WorkgroupID:    workgroupID,
		MemberID:       memberID,
		OrderedItemIDs: itemIDs,
	}); err != nil {
		t.Fatalf("submit for %s failed: %v", memberID, err)
	}
}

func pendingEventTypes(t *testing.T, store *memory.Store) []string {
	t.Helper()
	rows, err := store.ListPendingOutbox(context.Background(), 100)
	if err != nil {
		t.Fatalf("list outbox failed: %v", err)
	}
	types := make([]string, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}

func countEventType(types []string, eventType string) int {
	n := 0
	for _, t := range types {
		if t == eventType {
			n++
		}
	}
	return n
}

func TestSweeperEmitsReminderAndGraceEndedOncePerStalePeriod(t *testing.T) {
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	seedWorkgroup(t, store, clock, "wg-1", "item-a")
	submitRanking(t, store, clock, "wg-1", "member-1", "item-a")
	seedWorkgroup(t, store, clock, "wg-1", "item-b")

	sweeper := workers.StalenessSweeper{
		Repo:          store,
		Outbox:        store,
		Clock:         clock,
		IDGen:         store,
		GracePeriod:   7 * 24 * time.Hour,
		ReminderAfter: 48 * time.Hour,
	}

	// First sweep materializes the marker; no notifications yet.
	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	staleSince := clock.now
	marker, found, _ := store.GetStaleMarker(context.Background(), "wg-1", "member-1")
	if !found || !marker.StaleSince.Equal(staleSince) {
		t.Fatalf("first sweep must anchor the marker at now: %+v", marker)
	}
	if types := pendingEventTypes(t, store); len(types) != 0 {
		t.Fatalf("no notifications expected before the reminder delay: %v", types)
	}

	// Past the reminder delay: exactly one reminder, even across repeats.
	clock.Advance(49 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := sweeper.RunOnce(context.Background()); err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
	}
	types := pendingEventTypes(t, store)
	if countEventType(types, "ranking.stale_reminder") != 1 {
		t.Fatalf("expected exactly one reminder, got %v", types)
	}
	if countEventType(types, "ranking.grace_period_ended") != 0 {
		t.Fatalf("grace must not end yet: %v", types)
	}

	// Past the grace period: exactly one grace-ended notification.
	clock.Advance(7 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := sweeper.RunOnce(context.Background()); err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
	}
	types = pendingEventTypes(t, store)
	if countEventType(types, "ranking.grace_period_ended") != 1 {
		t.Fatalf("expected exactly one grace-ended notification, got %v", types)
	}
	marker, _, _ = store.GetStaleMarker(context.Background(), "wg-1", "member-1")
	if !marker.StaleSince.Equal(staleSince) {
		t.Fatalf("staleSince must never move after first observation")
	}
}

func TestSweeperClearsMarkerWhenCoverageRecovers(t *testing.T) {
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	seedWorkgroup(t, store, clock, "wg-1", "item-a")
	submitRanking(t, store, clock, "wg-1", "member-1", "item-a")
	seedWorkgroup(t, store, clock, "wg-1", "item-b")

	sweeper := workers.StalenessSweeper{
		Repo:        store,
		Outbox:      store,
		Clock:       clock,
		IDGen:       store,
		GracePeriod: 7 * 24 * time.Hour,
	}
	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if _, found, _ := store.GetStaleMarker(context.Background(), "wg-1", "member-1"); !found {
		t.Fatalf("marker must exist after the first sweep")
	}

	// Archiving the unranked item shrinks the set back to full coverage.
	stage := commands.StageChangeUseCase{Repo: store, Cache: store, Clock: clock, IDGen: store}
	if _, err := stage.ApplyStageChange(context.Background(), commands.StageChangeCommand{
		WorkgroupID: "wg-1",
		ItemID:      "item-b",
		NewStage:    entities.StageArchived,
	}); err != nil {
		t.Fatalf("stage change failed: %v", err)
	}
	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if _, found, _ := store.GetStaleMarker(context.Background(), "wg-1", "member-1"); found {
		t.Fatalf("recovered coverage must clear the marker")
	}
}

func TestSweeperDisabledFlag(t *testing.T) {
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	seedWorkgroup(t, store, clock, "wg-1", "item-a")
	submitRanking(t, store, clock, "wg-1", "member-1", "item-a")
	seedWorkgroup(t, store, clock, "wg-1", "item-b")

	sweeper := workers.StalenessSweeper{
		Repo:        store,
		Outbox:      store,
		Clock:       clock,
		IDGen:       store,
		GracePeriod: 7 * 24 * time.Hour,
		Disabled:    true,
	}
	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("disabled sweep must be a no-op: %v", err)
	}
	if _, found, _ := store.GetStaleMarker(context.Background(), "wg-1", "member-1"); found {
		t.Fatalf("disabled sweeper must not write markers")
	}
}

func TestStageChangeConsumerAppliesAndDedupes(t *testing.T) {
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)}
	subscriber := &capturingSubscriber{}

	consumer := workers.StageChangeConsumer{
		Subscriber: subscriber,
		Dedup:      store,
		StageChange: commands.StageChangeUseCase{
			Repo:  store,
			Cache: store,
			Clock: clock,
			IDGen: store,
		},
		Clock: clock,
	}
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if subscriber.topic != "work_item.stage_changed" {
		t.Fatalf("unexpected topic: %s", subscriber.topic)
	}
	if subscriber.group != "prioritization-engine-stage-cg" {
		t.Fatalf("unexpected consumer group: %s", subscriber.group)
	}

	payload, err := json.Marshal(map[string]any{
		"workgroup_id": "wg-1",
		"item_id":      "item-a",
		"stage":        "open",
		"created_at":   clock.now.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}
	event := ports.EventEnvelope{
		EventID:   "evt-1",
		EventType: "work_item.stage_changed",
		Data:      payload,
	}

	if err := subscriber.handler(context.Background(), event); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	eligible, found, _ := store.GetEligibilitySet(context.Background(), "wg-1")
	if !found || eligible.Size() != 1 || eligible.Version != 2 {
		t.Fatalf("unexpected eligibility state: %+v", eligible)
	}

	// Redelivery of the same event id is absorbed by the dedup store.
	if err := subscriber.handler(context.Background(), event); err != nil {
		t.Fatalf("redelivery must be a no-op: %v", err)
	}
	eligible, _, _ = store.GetEligibilitySet(context.Background(), "wg-1")
	if eligible.Version != 2 {
		t.Fatalf("redelivery must not bump the version, got %d", eligible.Version)
	}
}

func TestStageChangeConsumerDropsUnknownStage(t *testing.T) {
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)}
	subscriber := &capturingSubscriber{}

	consumer := workers.StageChangeConsumer{
		Subscriber: subscriber,
		Dedup:      store,
		StageChange: commands.StageChangeUseCase{
			Repo:  store,
			Cache: store,
			Clock: clock,
			IDGen: store,
		},
		Clock: clock,
	}
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"workgroup_id": "wg-1",
		"item_id":      "item-a",
		"stage":        "deleted",
	})
	// Unknown stages are logged and dropped so the delivery is not retried.
	err := subscriber.handler(context.Background(), ports.EventEnvelope{
		EventID:   "evt-unknown",
		EventType: "work_item.stage_changed",
		Data:      payload,
	})
	if err != nil {
		t.Fatalf("unknown stage must not error: %v", err)
	}
}

func TestOutboxRelayPublishesAndMarks(t *testing.T) {
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2026, 5, 3, 8, 0, 0, 0, time.UTC)}
	seedWorkgroup(t, store, clock, "wg-1", "item-a")

	submit := commands.SubmitUseCase{Repo: store, Cache: store, Outbox: store, Clock: clock, IDGen: store}
	if _, err := submit.SubmitRanking(context.Background(), commands.SubmitRankingCommand{
		WorkgroupID:    "wg-1",
		MemberID:       "member-1",
		OrderedItemIDs: []string{"item-a"},
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	before, err := store.ListPendingOutbox(context.Background(), 100)
	if err != nil || len(before) == 0 {
		t.Fatalf("expected pending outbox rows, got %d (%v)", len(before), err)
	}

	publisher := &recordingPublisher{}
	relay := workers.OutboxRelay{
		Outbox:    store,
		Publisher: publisher,
		Clock:     clock,
	}
	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if len(publisher.published) != len(before) {
		t.Fatalf("expected %d publishes, got %d", len(before), len(publisher.published))
	}
	after, _ := store.ListPendingOutbox(context.Background(), 100)
	if len(after) != 0 {
		t.Fatalf("published rows must be marked, %d still pending", len(after))
	}

	// A second cycle with nothing pending is a clean no-op.
	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("empty relay cycle failed: %v", err)
	}
	if len(publisher.published) != len(before) {
		t.Fatalf("empty cycle must not republish")
	}
}

func TestOutboxRelayStopsOnPublishFailure(t *testing.T) {
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2026, 5, 3, 8, 0, 0, 0, time.UTC)}
	seedWorkgroup(t, store, clock, "wg-1", "item-a", "item-b")

	submit := commands.SubmitUseCase{Repo: store, Cache: store, Outbox: store, Clock: clock, IDGen: store}
	for _, member := range []string{"member-1", "member-2"} {
		if _, err := submit.SubmitRanking(context.Background(), commands.SubmitRankingCommand{
			WorkgroupID:    "wg-1",
			MemberID:       member,
			OrderedItemIDs: []string{"item-a", "item-b"},
		}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		clock.Advance(time.Second)
	}

	before, _ := store.ListPendingOutbox(context.Background(), 100)
	if len(before) < 2 {
		t.Fatalf("need at least two pending rows, got %d", len(before))
	}

	publisher := &recordingPublisher{failAfter: 1}
	relay := workers.OutboxRelay{
		Outbox:    store,
		Publisher: publisher,
		Clock:     clock,
	}
	if err := relay.RunOnce(context.Background()); err == nil {
		t.Fatalf("relay must surface the publish failure")
	}

	// The failed row stays pending for the next cycle; the published one is
	// acknowledged.
	after, _ := store.ListPendingOutbox(context.Background(), 100)
	if len(after) != len(before)-1 {
		t.Fatalf("expected %d rows still pending, got %d", len(before)-1, len(after))
	}

	publisher.failAfter = 0
	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("retry cycle failed: %v", err)
	}
	final, _ := store.ListPendingOutbox(context.Background(), 100)
	if len(final) != 0 {
		t.Fatalf("retry must drain the outbox, %d pending", len(final))
	}
}
