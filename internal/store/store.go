// Package store is the Local Store: the authoritative on-device view of every
// domain entity, tagged with its sync state.
//
// Every write commits the record and its mutation queue entry in one SQLite
// transaction before returning, so callers always read their own writes and a
// crash can never leave a local change without its queue entry.
package store

import (
	"context"
	"database/sql"
	"sync"

	"github.com/kimhsiao/opsync/internal/clock"
	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/ids"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

// Edit is a local change requested by the UI layer.
type Edit struct {
	// LocalID is empty for creates; one is generated.
	LocalID string
	Action  models.Action
	// Data is the full payload for creates and a field patch for updates.
	Data models.Data
}

// EventKind classifies a store change.
type EventKind string

const (
	EventLocalWrite   EventKind = "local_write"
	EventServerUpdate EventKind = "server_update"
	EventStatus       EventKind = "status"
)

// Event is delivered to subscribers after a change commits.
type Event struct {
	Kind       EventKind         `json:"kind"`
	EntityType models.EntityType `json:"entity_type"`
	LocalID    string            `json:"local_id"`
	Status     models.SyncStatus `json:"status"`
}

// Counts summarizes records needing attention.
type Counts struct {
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	Conflict int `json:"conflict"`
}

// Config configures a Store.
type Config struct {
	DeviceID string
	Clock    clock.Clock
}

// Store is the Local Store.
type Store struct {
	db       *sql.DB
	queue    *queue.Queue
	deviceID string
	clock    clock.Clock
	log      *logging.Logger

	mu          sync.RWMutex
	subscribers map[int]func(Event)
	nextSub     int
}

// New creates a Store over the app database. Writes enqueue through q.
func New(sqlDB *sql.DB, q *queue.Queue, cfg Config) *Store {
	return &Store{
		db:          sqlDB,
		queue:       q,
		deviceID:    cfg.DeviceID,
		clock:       clock.OrReal(cfg.Clock),
		log:         logging.WithComponent("store"),
		subscribers: make(map[int]func(Event)),
	}
}

// Backend exposes the read-only table view.
func (s *Store) Backend() Backend {
	return NewSQLiteBackend(s.db)
}

// Subscribe registers fn for change events and returns a function that removes it.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) notify(ev Event) {
	s.mu.RLock()
	subs := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Write applies an edit to the local view, marks the record pending and
// enqueues the mutation, all in one transaction.
func (s *Store) Write(ctx context.Context, table models.EntityType, edit Edit) (*models.Record, error) {
	if !table.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", table)
	}
	if !edit.Action.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown action %q", edit.Action)
	}

	now := s.clock.Now()
	var rec *models.Record

	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		b := NewSQLiteBackend(tx)

		switch edit.Action {
		case models.ActionCreate:
			if edit.LocalID == "" {
				edit.LocalID = ids.New()
			} else if err := ids.Check("record id", edit.LocalID); err != nil {
				return err
			} else if _, err := b.Get(ctx, table, edit.LocalID); err == nil {
				return apperrors.Newf(apperrors.ErrValidation, "%s %s already exists", table, edit.LocalID)
			}
			rec = &models.Record{
				LocalID:    edit.LocalID,
				EntityType: table,
				DeviceID:   s.deviceID,
				Data:       edit.Data.Clone(),
			}

		case models.ActionUpdate, models.ActionDelete:
			existing, err := b.Get(ctx, table, edit.LocalID)
			if err != nil {
				return err
			}
			if existing.Deleted {
				return apperrors.Newf(apperrors.ErrValidation, "%s %s is deleted", table, edit.LocalID)
			}
			if existing.SyncStatus == models.SyncConflict {
				blocked, err := financialConflict(ctx, tx, table, edit.LocalID)
				if err != nil {
					return err
				}
				if blocked {
					return apperrors.Newf(apperrors.ErrValidation,
						"%s %s has an unresolved financial conflict", table, edit.LocalID)
				}
			}
			rec = existing
			if edit.Action == models.ActionDelete {
				rec.Deleted = true
			} else {
				for k, v := range edit.Data {
					rec.Data[k] = v
				}
			}
		}

		rec.LastModified = now
		if rec.SyncStatus != models.SyncConflict {
			rec.SyncStatus = models.SyncPending
		}
		if err := b.Put(ctx, rec); err != nil {
			return err
		}

		return s.queue.EnqueueTx(ctx, tx, &models.Mutation{
			TableName:   table,
			RecordID:    rec.LocalID,
			Action:      edit.Action,
			Data:        rec.Data.Clone(),
			BaseVersion: rec.Version,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("local write", map[string]interface{}{
		"table":    table,
		"local_id": rec.LocalID,
		"action":   edit.Action,
	})
	s.notify(Event{Kind: EventLocalWrite, EntityType: table, LocalID: rec.LocalID, Status: rec.SyncStatus})
	return rec, nil
}

// Get returns a record by local id.
func (s *Store) Get(ctx context.Context, table models.EntityType, localID string) (*models.Record, error) {
	return NewSQLiteBackend(s.db).Get(ctx, table, localID)
}

// Find returns a record by local id, falling back to the server id.
func (s *Store) Find(ctx context.Context, table models.EntityType, id string) (*models.Record, error) {
	return find(ctx, NewSQLiteBackend(s.db), table, id)
}

func find(ctx context.Context, b *SQLiteBackend, table models.EntityType, id string) (*models.Record, error) {
	rec, err := b.Get(ctx, table, id)
	if err == nil || !apperrors.Is(err, apperrors.ErrNotFound) {
		return rec, err
	}
	matches, qerr := b.QueryByIndex(ctx, table, IndexServerID, id)
	if qerr != nil {
		return nil, qerr
	}
	if len(matches) == 0 {
		return nil, err
	}
	return matches[0], nil
}

// List returns the live records of a table.
func (s *Store) List(ctx context.Context, table models.EntityType) ([]*models.Record, error) {
	return NewSQLiteBackend(s.db).list(ctx, table)
}

// ApplyServerUpdate overwrites a record with server state and marks it synced.
// It reports false without changing anything when the record is in conflict and
// the update carries no resolution, or when the update is older than local state.
// A record that still has queued local mutations keeps its data and pending
// status; only its version and server id advance.
func (s *Store) ApplyServerUpdate(ctx context.Context, table models.EntityType, upd models.ServerUpdate) (bool, error) {
	if !table.Valid() {
		return false, apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", table)
	}

	var applied bool
	var status models.SyncStatus
	localID := upd.LocalID

	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		b := NewSQLiteBackend(tx)

		key := upd.LocalID
		if key == "" {
			key = upd.ID
		}
		rec, err := find(ctx, b, table, key)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		if rec == nil {
			if upd.Deleted {
				return nil
			}
			if localID == "" {
				localID = upd.ID
			}
			rec = &models.Record{LocalID: localID, EntityType: table}
		} else {
			localID = rec.LocalID
			if rec.SyncStatus == models.SyncConflict && !upd.Resolution {
				return nil
			}
			if upd.Version < rec.Version {
				return nil
			}
		}

		queued, err := countQueued(ctx, tx, table, rec.LocalID)
		if err != nil {
			return err
		}

		if upd.ID != "" {
			rec.ID = upd.ID
		}
		rec.Version = upd.Version
		if queued > 0 && !upd.Resolution {
			if rec.SyncStatus != models.SyncFailed {
				rec.SyncStatus = models.SyncPending
			}
		} else {
			if upd.Deleted {
				applied = true
				status = models.SyncSynced
				return b.Delete(ctx, table, rec.LocalID)
			}
			rec.Data = upd.Data.Clone()
			rec.Deleted = false
			if !upd.LastModified.IsZero() {
				rec.LastModified = upd.LastModified
			} else if rec.LastModified.IsZero() {
				rec.LastModified = s.clock.Now()
			}
			rec.SyncStatus = models.SyncSynced
			if queued > 0 {
				rec.SyncStatus = models.SyncPending
			}
		}
		applied = true
		status = rec.SyncStatus
		return b.Put(ctx, rec)
	})
	if err != nil || !applied {
		return false, err
	}

	s.notify(Event{Kind: EventServerUpdate, EntityType: table, LocalID: localID, Status: status})
	return true, nil
}

// Acknowledge records a delivered mutation: the queue entry is removed, the
// record takes the server version, and later entries for the record are rebased
// onto it. The record becomes synced once nothing else is queued for it.
func (s *Store) Acknowledge(ctx context.Context, m *models.Mutation, version int64) error {
	var status models.SyncStatus
	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.queue.MarkSyncedTx(ctx, tx, m.ID); err != nil {
			return err
		}

		b := NewSQLiteBackend(tx)
		rec, err := b.Get(ctx, m.TableName, m.RecordID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		queued, err := countQueued(ctx, tx, m.TableName, m.RecordID)
		if err != nil {
			return err
		}
		if queued > 0 {
			if err := s.queue.RebaseTx(ctx, tx, m.TableName, m.RecordID, version); err != nil {
				return err
			}
		}

		if version > rec.Version {
			rec.Version = version
		}
		if rec.ID == "" {
			rec.ID = rec.LocalID
		}
		switch {
		case queued > 0:
			status = rec.SyncStatus
		case rec.Deleted:
			status = models.SyncSynced
			return b.Delete(ctx, m.TableName, m.RecordID)
		default:
			rec.SyncStatus = models.SyncSynced
			status = models.SyncSynced
		}
		return b.Put(ctx, rec)
	})
	if err != nil {
		return err
	}
	s.notify(Event{Kind: EventServerUpdate, EntityType: m.TableName, LocalID: m.RecordID, Status: status})
	return nil
}

// Settlement is the outcome of a conflict for one record.
type Settlement struct {
	// Version is the server version the record now sits on.
	Version int64
	// Data replaces the record payload; nil keeps the local payload.
	Data    models.Data
	Deleted bool
	// Resubmit keeps the local change: the record's queue entries collapse into
	// one entry carrying the record's final payload, based on Version. Otherwise
	// queued entries are dropped and the record adopts Data as synced.
	Resubmit bool
}

// Settle applies a conflict outcome to a record and its queue entries in one
// transaction. It is the only path that clears the conflict status.
func (s *Store) Settle(ctx context.Context, table models.EntityType, localID string, st Settlement) error {
	var status models.SyncStatus
	err := db.InTx(ctx, s.db, func(tx *sql.Tx) error {
		b := NewSQLiteBackend(tx)
		rec, err := b.Get(ctx, table, localID)
		if err != nil {
			return err
		}
		if _, err := s.queue.DiscardTx(ctx, tx, table, localID); err != nil {
			return err
		}

		if st.Version > rec.Version {
			rec.Version = st.Version
		}
		if st.Data != nil {
			rec.Data = st.Data.Clone()
		}
		if rec.ID == "" && rec.Version > 0 {
			rec.ID = rec.LocalID
		}

		if !st.Resubmit {
			status = models.SyncSynced
			if st.Deleted {
				return b.Delete(ctx, table, localID)
			}
			rec.Deleted = false
			rec.SyncStatus = models.SyncSynced
			return b.Put(ctx, rec)
		}

		action := models.ActionUpdate
		switch {
		case rec.Deleted:
			action = models.ActionDelete
		case rec.Version == 0:
			action = models.ActionCreate
		}
		rec.SyncStatus = models.SyncPending
		rec.LastModified = s.clock.Now()
		status = models.SyncPending
		if err := b.Put(ctx, rec); err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.Mutation{
			TableName:   table,
			RecordID:    localID,
			Action:      action,
			Data:        rec.Data.Clone(),
			BaseVersion: rec.Version,
		})
	})
	if err != nil {
		return err
	}
	s.log.Debug("record settled", map[string]interface{}{
		"table":    table,
		"local_id": localID,
		"version":  st.Version,
		"resubmit": st.Resubmit,
	})
	s.notify(Event{Kind: EventServerUpdate, EntityType: table, LocalID: localID, Status: status})
	return nil
}

func countQueued(ctx context.Context, q db.Querier, table models.EntityType, localID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE table_name = ? AND record_id = ?`,
		table, localID).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count queued", err)
	}
	return n, nil
}

// SetStatus changes a record's sync status.
func (s *Store) SetStatus(ctx context.Context, table models.EntityType, localID string, status models.SyncStatus) error {
	if err := checkTable(table); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE `+string(table)+` SET sync_status = ? WHERE local_id = ?`, status, localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", table, localID)
	}
	s.notify(Event{Kind: EventStatus, EntityType: table, LocalID: localID, Status: status})
	return nil
}

// MarkConflict flags a record as diverged from the server.
func (s *Store) MarkConflict(ctx context.Context, table models.EntityType, localID string) error {
	return s.SetStatus(ctx, table, localID, models.SyncConflict)
}

// MarkFailed flags a record whose mutation was rejected.
func (s *Store) MarkFailed(ctx context.Context, table models.EntityType, localID string) error {
	return s.SetStatus(ctx, table, localID, models.SyncFailed)
}

// ListPending returns pending and failed records across all tables for the UI.
func (s *Store) ListPending(ctx context.Context) ([]*models.Record, error) {
	return s.listByStatus(ctx, models.SyncPending, models.SyncFailed)
}

// ListConflicted returns records waiting on a conflict decision.
func (s *Store) ListConflicted(ctx context.Context) ([]*models.Record, error) {
	return s.listByStatus(ctx, models.SyncConflict)
}

func (s *Store) listByStatus(ctx context.Context, statuses ...models.SyncStatus) ([]*models.Record, error) {
	b := NewSQLiteBackend(s.db)
	var out []*models.Record
	for _, table := range models.AllEntityTypes() {
		for _, st := range statuses {
			recs, err := b.QueryByIndex(ctx, table, IndexSyncStatus, st)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
	}
	return out, nil
}

// Counts returns pending, failed and conflict record counts.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, table := range models.AllEntityTypes() {
		rows, err := s.db.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM `+string(table)+` GROUP BY sync_status`)
		if err != nil {
			return c, apperrors.Wrap(apperrors.ErrDatabase, "count records", err)
		}
		for rows.Next() {
			var st models.SyncStatus
			var n int
			if err := rows.Scan(&st, &n); err != nil {
				rows.Close()
				return c, err
			}
			switch st {
			case models.SyncPending:
				c.Pending += n
			case models.SyncFailed:
				c.Failed += n
			case models.SyncConflict:
				c.Conflict += n
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return c, err
		}
	}
	return c, nil
}

// financialConflict reports whether a record in conflict is held by a financial
// conflict. The server may flag a conflict as financial on any table.
func financialConflict(ctx context.Context, q db.Querier, table models.EntityType, localID string) (bool, error) {
	if table.IsFinancial() {
		return true, nil
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts
		WHERE entity_type = ? AND entity_id = ? AND resolution = 'pending' AND is_financial = 1`,
		table, localID).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "check financial conflict", err)
	}
	return n > 0, nil
}
