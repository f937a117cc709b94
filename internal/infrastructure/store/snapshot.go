package store

import (
	"encoding/json"
	"time"
)

// SnapshotThreshold is the number of events between aggregate snapshots
const SnapshotThreshold = 10

// Snapshot is the serialized state of an aggregate at a given version
type Snapshot struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"version"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}
