// Package queue provides the durable mutation queue for offline writes.
//
// Entries live in the sync_queue table of the app database and are removed only
// once the remote authority acknowledges them. Entries for the same record are
// always handed out in enqueue order; a record whose earliest entry is backing off,
// parked on a conflict or failed contributes nothing to a batch.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kimhsiao/opsync/internal/clock"
	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
)

// Config tunes retry behaviour.
type Config struct {
	// MaxAttempts is the delivery budget; reaching it marks the entry failed.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Retention fails an entry on its next failure once it is older than this. Zero disables.
	Retention time.Duration
	Clock     clock.Clock
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
	}
}

// Stats counts entries by status.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Conflict int `json:"conflict"`
	Failed   int `json:"failed"`
}

// Queue is the SQLite-backed mutation queue.
type Queue struct {
	db     *sql.DB
	cfg    Config
	clock  clock.Clock
	log    *logging.Logger
	signal chan struct{}
}

// New creates a Queue over the app database.
func New(sqlDB *sql.DB, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Queue{
		db:     sqlDB,
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		log:    logging.WithComponent("queue"),
		signal: make(chan struct{}, 1),
	}
}

// Signal returns a channel that receives after every enqueue or retry.
// It is buffered by one, so bursts collapse into a single wakeup.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue appends m with attempts=0 in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, m *models.Mutation) error {
	return db.InTx(ctx, q.db, func(tx *sql.Tx) error {
		return q.EnqueueTx(ctx, tx, m)
	})
}

// EnqueueTx appends m inside a caller-owned transaction so the local write and
// its queue entry commit together. m is updated with id, key and timestamps.
func (q *Queue) EnqueueTx(ctx context.Context, tx db.Querier, m *models.Mutation) error {
	if !m.TableName.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown table %q", m.TableName)
	}
	if !m.Action.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown action %q", m.Action)
	}
	if m.RecordID == "" {
		return apperrors.New(apperrors.ErrValidation, "mutation has no record id")
	}

	now := q.clock.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (table_name, record_id, action, data, base_version, timestamp, attempts, next_attempt_at, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'pending')`,
		m.TableName, m.RecordID, m.Action, m.Data, m.BaseVersion, db.Millis(now), db.Millis(now))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "enqueue mutation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "enqueue mutation", err)
	}

	key := models.IdempotencyKey(m.TableName, m.RecordID, m.BaseVersion, m.Action, id)
	if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET idempotency_key = ? WHERE id = ?`, key, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set idempotency key", err)
	}

	m.ID = id
	m.IdempotencyKey = key
	m.EnqueuedAt = now
	m.NextAttemptAt = now
	m.Attempts = 0
	m.LastError = ""
	m.Status = models.MutationPending

	q.log.Debug("enqueued mutation", map[string]interface{}{
		"id":        id,
		"table":     m.TableName,
		"record_id": m.RecordID,
		"action":    m.Action,
	})
	q.wake()
	return nil
}

const selectColumns = `id, table_name, record_id, action, data, base_version, COALESCE(idempotency_key, ''),
	timestamp, attempts, last_error, next_attempt_at, status`

func scanMutation(row interface{ Scan(...any) error }) (*models.Mutation, error) {
	var m models.Mutation
	var enqueued, next int64
	if err := row.Scan(&m.ID, &m.TableName, &m.RecordID, &m.Action, &m.Data, &m.BaseVersion,
		&m.IdempotencyKey, &enqueued, &m.Attempts, &m.LastError, &next, &m.Status); err != nil {
		return nil, err
	}
	m.EnqueuedAt = db.FromMillis(enqueued)
	m.NextAttemptAt = db.FromMillis(next)
	return &m, nil
}

func collect(rows *sql.Rows) ([]*models.Mutation, error) {
	defer rows.Close()
	var out []*models.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DequeueBatch returns up to limit eligible entries in enqueue order and marks them in flight.
// At most one entry per record is returned: the record's earliest. A record whose
// earliest entry is not eligible is skipped entirely, so no later entry can overtake it.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]*models.Mutation, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := db.Millis(q.clock.Now())

	var batch []*models.Mutation
	err := db.InTx(ctx, q.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+selectColumns+`
			FROM sync_queue
			WHERE id IN (SELECT MIN(id) FROM sync_queue GROUP BY table_name, record_id)
			  AND status = 'pending' AND next_attempt_at <= ?
			ORDER BY id
			LIMIT ?`, now, limit)
		if err != nil {
			return err
		}
		batch, err = collect(rows)
		if err != nil {
			return err
		}
		for _, m := range batch {
			if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET status = 'in_flight' WHERE id = ?`, m.ID); err != nil {
				return err
			}
			m.Status = models.MutationInFlight
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "dequeue batch", err)
	}
	return batch, nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id int64) (*models.Mutation, error) {
	m, err := scanMutation(q.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "mutation %d not found", id)
	}
	return m, err
}

// ByKey returns the entry carrying an idempotency key.
func (q *Queue) ByKey(ctx context.Context, key string) (*models.Mutation, error) {
	m, err := scanMutation(q.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "mutation with key %s not found", key)
	}
	return m, err
}

// List returns entries in enqueue order, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status models.MutationStatus) ([]*models.Mutation, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := q.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// PendingForRecord returns every entry for one record in enqueue order.
func (q *Queue) PendingForRecord(ctx context.Context, table models.EntityType, recordID string) ([]*models.Mutation, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM sync_queue
		WHERE table_name = ? AND record_id = ? ORDER BY id`, table, recordID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// MarkSynced removes an acknowledged entry.
func (q *Queue) MarkSynced(ctx context.Context, id int64) error {
	return q.markSynced(ctx, q.db, id)
}

// MarkSyncedTx removes an acknowledged entry inside a caller-owned transaction.
func (q *Queue) MarkSyncedTx(ctx context.Context, tx db.Querier, id int64) error {
	return q.markSynced(ctx, tx, id)
}

func (q *Queue) markSynced(ctx context.Context, x db.Querier, id int64) error {
	if _, err := x.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark synced", err)
	}
	q.log.Debug("mutation acknowledged", map[string]interface{}{"id": id})
	return nil
}

// MarkFailed records a transient delivery failure. The entry backs off for
// BackoffBase*2^(attempts-1), capped at BackoffMax. Once the attempt budget or the
// retention horizon is spent the entry is failed and a QueueExhausted error is returned.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	m, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	now := q.clock.Now()
	attempts := m.Attempts + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	expired := q.cfg.Retention > 0 && now.Sub(m.EnqueuedAt) >= q.cfg.Retention
	if attempts >= q.cfg.MaxAttempts || expired {
		if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET attempts = ?, last_error = ?, status = 'failed' WHERE id = ?`,
			attempts, msg, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "mark failed", err)
		}
		q.log.Warn("mutation exhausted its retry budget", map[string]interface{}{
			"id":       id,
			"attempts": attempts,
			"expired":  expired,
			"error":    msg,
		})
		return apperrors.Wrap(apperrors.ErrQueueExhausted,
			fmt.Sprintf("mutation %d failed after %d attempts", id, attempts), cause)
	}

	delay := q.Backoff(attempts)
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET attempts = ?, last_error = ?, status = 'pending', next_attempt_at = ? WHERE id = ?`,
		attempts, msg, db.Millis(now.Add(delay)), id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark failed", err)
	}
	q.log.Info("mutation delivery failed, backing off", map[string]interface{}{
		"id":       id,
		"attempts": attempts,
		"delay":    delay.String(),
		"error":    msg,
	})
	return nil
}

// Backoff returns the delay applied after the given number of failed attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

// MarkRejected fails an entry permanently. It is never retried automatically and
// blocks later entries for the same record until it is retried or discarded.
func (q *Queue) MarkRejected(ctx context.Context, id int64, reason string) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET attempts = attempts + 1, last_error = ?, status = 'failed' WHERE id = ?`,
		reason, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark rejected", err)
	}
	q.log.Warn("mutation rejected", map[string]interface{}{"id": id, "reason": reason})
	return nil
}

// MarkConflict parks an entry until its conflict is resolved.
func (q *Queue) MarkConflict(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET status = 'conflict' WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark conflict", err)
	}
	return nil
}

// Release returns in-flight entries to pending without charging an attempt.
// Used when a cycle is cancelled before results are known.
func (q *Queue) Release(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "release in-flight", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.wake()
	}
	return n, nil
}

// Rebase moves every remaining entry of a record onto a new base version and
// re-derives their idempotency keys. Parked entries are returned to pending.
func (q *Queue) Rebase(ctx context.Context, table models.EntityType, recordID string, version int64) error {
	return db.InTx(ctx, q.db, func(tx *sql.Tx) error {
		return q.RebaseTx(ctx, tx, table, recordID, version)
	})
}

// RebaseTx is Rebase inside a caller-owned transaction.
func (q *Queue) RebaseTx(ctx context.Context, tx db.Querier, table models.EntityType, recordID string, version int64) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, action FROM sync_queue
		WHERE table_name = ? AND record_id = ? AND status IN ('pending', 'conflict') ORDER BY id`, table, recordID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "rebase", err)
	}
	type entry struct {
		id     int64
		action models.Action
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.action); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		key := models.IdempotencyKey(table, recordID, version, e.action, e.id)
		if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET base_version = ?, idempotency_key = ?, status = 'pending' WHERE id = ?`,
			version, key, e.id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "rebase", err)
		}
	}
	if len(entries) > 0 {
		q.wake()
	}
	return nil
}

// Replace swaps the payload of a parked entry and rebases it, used when a merge
// produces new data for the record.
func (q *Queue) Replace(ctx context.Context, id int64, data models.Data, version int64) error {
	m, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	key := models.IdempotencyKey(m.TableName, m.RecordID, version, m.Action, m.ID)
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET data = ?, base_version = ?, idempotency_key = ?, status = 'pending', next_attempt_at = 0 WHERE id = ?`,
		data, version, key, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "replace mutation", err)
	}
	q.wake()
	return nil
}

// Discard drops every entry for a record and returns how many were removed.
func (q *Queue) Discard(ctx context.Context, table models.EntityType, recordID string) (int64, error) {
	return q.DiscardTx(ctx, q.db, table, recordID)
}

// DiscardTx is Discard inside a caller-owned transaction.
func (q *Queue) DiscardTx(ctx context.Context, tx db.Querier, table models.EntityType, recordID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE table_name = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "discard", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Info("discarded mutations", map[string]interface{}{"table": table, "record_id": recordID, "count": n})
	}
	return n, nil
}

// Retry resets a failed entry for another round of attempts.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET status = 'pending', attempts = 0, last_error = '', next_attempt_at = 0
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "no failed mutation %d", id)
	}
	q.wake()
	return nil
}

// Stats returns counts by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return s, apperrors.Wrap(apperrors.ErrDatabase, "queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.MutationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		s.Total += n
		switch status {
		case models.MutationPending:
			s.Pending += n
		case models.MutationInFlight:
			s.InFlight += n
		case models.MutationConflict:
			s.Conflict += n
		case models.MutationFailed:
			s.Failed += n
		}
	}
	return s, rows.Err()
}

// Expedite clears the backoff of a pending entry so the next batch picks it up.
func (q *Queue) Expedite(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET next_attempt_at = 0 WHERE id = ? AND status = 'pending'`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "expedite", err)
	}
	q.wake()
	return nil
}
