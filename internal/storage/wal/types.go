package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventScheduled  EventType = "SCHEDULED"  // Job added or replaced by key
	EventDispatched EventType = "DISPATCHED" // Job handed to a worker
	EventCompleted  EventType = "COMPLETED"  // Handler returned successfully
	EventRetried    EventType = "RETRIED"    // Job back to pending with backoff
	EventTimeout    EventType = "TIMEOUT"    // In-flight job passed its deadline
	EventDead       EventType = "DEAD"       // Job parked
	EventCancelled  EventType = "CANCELLED"  // Pending job cancelled by key
	EventPurged     EventType = "PURGED"     // Job dropped after retention
)

// Event represents a WAL event record.
//
// Job holds the complete job state after the change, so replay is an
// upsert by job ID and does not depend on the event type.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Job       json.RawMessage `json:"job"`       // Serialized job state
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// DecodeJob returns the job state carried by the event.
func (e Event) DecodeJob() (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return types.Job{}, fmt.Errorf("wal: decode job at seq=%d: %w", e.Seq, err)
	}
	return job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
