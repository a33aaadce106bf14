package commands

import (
	"encoding/json"
	"time"

	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
)

func newPrioritizationEnvelope(
	eventID string,
	eventType string,
	workgroupID string,
	occurredAt time.Time,
	data map[string]any,
) (ports.EventEnvelope, error) {
	// Command-side events are partitioned by workgroup for stable ordering on
	// workgroup-scoped consumers.
	payload, err := json.Marshal(data)
	if err != nil {
		return ports.EventEnvelope{}, err
	}
	return ports.EventEnvelope{
		EventID:          eventID,
		EventType:        eventType,
		OccurredAt:       occurredAt.UTC(),
		SourceService:    "prioritization-engine",
		TraceID:          eventID,
		SchemaVersion:    1,
		PartitionKeyPath: "workgroup_id",
		PartitionKey:     workgroupID,
		Data:             payload,
	}, nil
}
