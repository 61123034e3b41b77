package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MutationStatus is the queue state of a mutation.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationInFlight MutationStatus = "in_flight"
	// MutationConflict parks an entry until its record's conflict is resolved.
	MutationConflict MutationStatus = "conflict"
	MutationFailed   MutationStatus = "failed"
)

// Mutation is one not-yet-acknowledged local write.
type Mutation struct {
	ID             int64          `db:"id" json:"id"`
	TableName      EntityType     `db:"table_name" json:"table_name"`
	RecordID       string         `db:"record_id" json:"record_id"`
	Action         Action         `db:"action" json:"action"`
	Data           Data           `db:"data" json:"data"`
	BaseVersion    int64          `db:"base_version" json:"base_version"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key"`
	EnqueuedAt     time.Time      `db:"timestamp" json:"enqueued_at"`
	Attempts       int            `db:"attempts" json:"attempts"`
	LastError      string         `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt  time.Time      `db:"next_attempt_at" json:"next_attempt_at"`
	Status         MutationStatus `db:"status" json:"status"`
}

// QueueTable returns the table mutations are stored in.
func (Mutation) QueueTable() string {
	return "sync_queue"
}

// IdempotencyKey derives the delivery key for a mutation. The queue id is part
// of the key so two identical edits on the same base stay distinct.
func IdempotencyKey(table EntityType, recordID string, baseVersion int64, action Action, id int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%d", table, recordID, baseVersion, action, id)))
	return hex.EncodeToString(sum[:])
}
