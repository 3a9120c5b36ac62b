package models

import (
	"encoding/json"
	"time"
)

// Resolution records how a conflict was settled.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerged     Resolution = "merged"
)

// Final reports whether r settles a conflict.
func (r Resolution) Final() bool {
	switch r {
	case ResolutionLocalWins, ResolutionServerWins, ResolutionMerged:
		return true
	}
	return false
}

// Conflict records a divergence between a queued operation and server state.
// It is one-to-one with its operation.
type Conflict struct {
	OperationID     UUID            `db:"operation_id" json:"operation_id"`
	EntityType      EntityType      `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	LocalData       json.RawMessage `db:"local_data" json:"local_data"`
	ServerData      json.RawMessage `db:"server_data" json:"server_data"`
	LocalTimestamp  int64           `db:"local_timestamp" json:"local_timestamp"`
	ServerTimestamp int64           `db:"server_timestamp" json:"server_timestamp"`
	Resolution      Resolution      `db:"resolution" json:"resolution"`
	ResolvedAt      *int64          `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt       int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "sync_conflicts"
}

// IsOpen reports whether the conflict still awaits resolution.
func (c *Conflict) IsOpen() bool {
	return !c.Resolution.Final()
}

// ResolvedAtTime returns ResolvedAt as time.Time, or nil when unresolved.
func (c *Conflict) ResolvedAtTime() *time.Time {
	if c.ResolvedAt == nil {
		return nil
	}
	t := time.UnixMilli(*c.ResolvedAt)
	return &t
}

// Clone returns a deep copy safe to hand out of a cache.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.LocalData = append(json.RawMessage(nil), c.LocalData...)
	out.ServerData = append(json.RawMessage(nil), c.ServerData...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}
