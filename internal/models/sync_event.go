package models

import "time"

// SyncEvent is the audit row written for every coordinator cycle.
type SyncEvent struct {
	ID         int64     `db:"id" json:"id"`
	DeviceID   string    `db:"device_id" json:"device_id"`
	Reason     string    `db:"reason" json:"reason"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
	Pushed     int       `db:"pushed" json:"pushed"`
	Pulled     int       `db:"pulled" json:"pulled"`
	Conflicts  int       `db:"conflicts" json:"conflicts"`
	Rejected   int       `db:"rejected" json:"rejected"`
	Status     string    `db:"status" json:"status"` // completed, failed, offline
	Error      string    `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for SyncEvent.
func (SyncEvent) TableName() string {
	return "sync_events"
}

// Duration returns how long the cycle ran.
func (e *SyncEvent) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}
