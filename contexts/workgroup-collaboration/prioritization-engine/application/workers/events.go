package workers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
)

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// newPrioritizationEnvelope builds canonical envelopes for worker-produced
// events. All prioritization events are partitioned by workgroup.
func newPrioritizationEnvelope(
	eventID string,
	eventType string,
	workgroupID string,
	occurredAt time.Time,
	data map[string]any,
) (ports.EventEnvelope, error) {
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
