package models

import "time"

// Resolution is the outcome recorded on a conflict.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionClientWins Resolution = "client_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionManual     Resolution = "manual"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionPending, ResolutionClientWins, ResolutionServerWins, ResolutionMerged, ResolutionManual:
		return true
	}
	return false
}

// VersionSnapshot is one side of a conflict.
type VersionSnapshot struct {
	Version int64 `json:"version"`
	Data    Data  `json:"data"`
}

// Conflict records a divergence between a local mutation and the server's current state.
type Conflict struct {
	ID              string          `db:"id" json:"id"`
	EntityType      EntityType      `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	ClientVersion   VersionSnapshot `db:"client_version" json:"client_version"`
	ServerVersion   VersionSnapshot `db:"server_version" json:"server_version"`
	ClientDeviceID  string          `db:"client_device_id" json:"client_device_id"`
	ClientTimestamp time.Time       `db:"client_timestamp" json:"client_timestamp"`
	ServerTimestamp time.Time       `db:"server_timestamp" json:"server_timestamp"`
	Resolution      Resolution      `db:"resolution" json:"resolution"`
	IsFinancial     bool            `db:"is_financial" json:"is_financial"`
	// MutationID is the parked queue entry, zero when the conflict came from a pull.
	MutationID int64     `db:"mutation_id" json:"mutation_id,omitempty"`
	DetectedAt time.Time `db:"detected_at" json:"detected_at"`
	ResolvedAt time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "sync_conflicts"
}

// Pending reports whether the conflict still awaits a decision.
func (c *Conflict) Pending() bool {
	return c.Resolution == ResolutionPending
}
