package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus is the reconciliation state of a local record.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncFailed   SyncStatus = "failed"
)

// Data is a record payload. It is stored as JSON text.
type Data map[string]any

// Value implements driver.Valuer for Data.
func (d Data) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for Data.
func (d *Data) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*d = Data{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("models: cannot scan %T into Data", value)
	}
	out := Data{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*d = out
	return nil
}

// Clone returns a shallow copy.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Record is one row of an entity table.
type Record struct {
	LocalID      string     `db:"local_id" json:"local_id"`
	ID           string     `db:"id" json:"id,omitempty"`
	EntityType   EntityType `db:"-" json:"entity_type"`
	Version      int64      `db:"version" json:"version"`
	LastModified time.Time  `db:"last_modified" json:"last_modified"`
	SyncStatus   SyncStatus `db:"sync_status" json:"sync_status"`
	DeviceID     string     `db:"device_id" json:"device_id"`
	Deleted      bool       `db:"deleted" json:"deleted,omitempty"`
	Data         Data       `db:"data" json:"data"`
}

// RemoteID returns the id the remote authority knows the record by.
func (r *Record) RemoteID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.LocalID
}

// Action is the kind of change a mutation carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ServerUpdate is a remote state to apply to a local record.
type ServerUpdate struct {
	LocalID      string
	ID           string
	Version      int64
	Data         Data
	Deleted      bool
	LastModified time.Time
	// Resolution marks an update that carries a conflict resolution; only such
	// updates may overwrite a record in conflict.
	Resolution bool
}
