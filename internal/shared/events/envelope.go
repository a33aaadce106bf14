package events

import (
	"encoding/json"
	"time"
)

// Envelope is the canonical event shape exchanged between this service and
// its collaborators over the bus and the outbox.
type Envelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	SourceService    string          `json:"source_service"`
	OccurredAt       time.Time       `json:"occurred_at"`
	TraceID          string          `json:"trace_id"`
	SchemaVersion    int             `json:"schema_version"`
	PartitionKeyPath string          `json:"partition_key_path"`
	PartitionKey     string          `json:"partition_key"`
	Data             json.RawMessage `json:"data"`
}
