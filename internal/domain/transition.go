package domain

import "time"

// StateTransition is one append-only audit record of a position lifecycle
// change. Records are never mutated; rows leave Postgres only when the
// archiver exports them to blob storage.
type StateTransition struct {
	ID         int64
	PositionID string
	From       PositionState
	To         PositionState
	Reason     string // always non-empty
	Metadata   map[string]any
	CreatedAt  time.Time
}
