package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

// maxErrors is the size of the recent-error ring.
const maxErrors = 10

// ErrorEntry is one recent sync failure.
type ErrorEntry struct {
	At         time.Time         `json:"at"`
	EntityType models.EntityType `json:"entity_type,omitempty"`
	RecordID   string            `json:"record_id,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message"`
}

// Status is a point-in-time view of sync state.
type Status struct {
	State     State        `json:"state"`
	Online    bool         `json:"online"`
	Syncing   bool         `json:"syncing"`
	LastSync  time.Time    `json:"last_sync,omitempty"`
	Pending   int          `json:"pending"`
	Failed    int          `json:"failed"`
	Conflicts int          `json:"conflicts"`
	Queue     queue.Stats  `json:"queue"`
	Errors    []ErrorEntry `json:"errors"`
}

// EventKind names a coordinator event. The values double as websocket message types.
type EventKind string

const (
	EventStarted   EventKind = "sync.started"
	EventCompleted EventKind = "sync.completed"
	EventFailed    EventKind = "sync.failed"
	EventConflict  EventKind = "sync.conflict"
	EventState     EventKind = "sync.state"
)

// Event is delivered to subscribers.
type Event struct {
	Kind     EventKind         `json:"type"`
	State    State             `json:"state,omitempty"`
	Online   bool              `json:"online"`
	Reason   Reason            `json:"reason,omitempty"`
	Result   *models.SyncEvent `json:"result,omitempty"`
	Conflict *models.Conflict  `json:"conflict,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Status returns a snapshot of sync state.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	c.mu.RLock()
	s := Status{
		State:    c.state,
		Online:   c.online,
		Syncing:  c.active.Load(),
		LastSync: c.lastSync,
		Errors:   make([]ErrorEntry, len(c.errs)),
	}
	copy(s.Errors, c.errs)
	c.mu.RUnlock()

	counts, err := c.store.Counts(ctx)
	if err != nil {
		return s, err
	}
	s.Pending, s.Failed, s.Conflicts = counts.Pending, counts.Failed, counts.Conflict

	if s.Queue, err = c.queue.Stats(ctx); err != nil {
		return s, err
	}
	if s.LastSync.IsZero() {
		if last, err := c.lastCompleted(ctx); err == nil {
			s.LastSync = last
		}
	}
	return s, nil
}

// Subscribe registers fn for coordinator events and returns a function that removes it.
// fn runs on the coordinator's goroutine and must not block.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) publish(ev Event) {
	c.mu.RLock()
	fns := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// noteError pushes err onto the recent-error ring, dropping the oldest entry when full.
func (c *Coordinator) noteError(entity models.EntityType, recordID string, err error) {
	e := ErrorEntry{
		At:         c.clock.Now(),
		EntityType: entity,
		RecordID:   recordID,
		Code:       string(apperrors.CodeOf(err)),
		Message:    err.Error(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, e)
	if len(c.errs) > maxErrors {
		c.errs = c.errs[len(c.errs)-maxErrors:]
	}
}

func (c *Coordinator) recordEvent(ctx context.Context, ev *models.SyncEvent) error {
	res, err := c.db.ExecContext(ctx, `INSERT INTO sync_events
		(device_id, reason, started_at, finished_at, pushed, pulled, conflicts, rejected, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.DeviceID, ev.Reason, db.Millis(ev.StartedAt), db.Millis(ev.FinishedAt),
		ev.Pushed, ev.Pulled, ev.Conflicts, ev.Rejected, ev.Status, ev.Error)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "record sync event", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// Events returns the most recent audit rows, newest first.
func (c *Coordinator) Events(ctx context.Context, limit int) ([]models.SyncEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id, device_id, reason, started_at, finished_at,
		pushed, pulled, conflicts, rejected, status, error
		FROM sync_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list sync events", err)
	}
	defer rows.Close()

	var out []models.SyncEvent
	for rows.Next() {
		var (
			ev              models.SyncEvent
			started, finish int64
		)
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.Reason, &started, &finish,
			&ev.Pushed, &ev.Pulled, &ev.Conflicts, &ev.Rejected, &ev.Status, &ev.Error); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan sync event", err)
		}
		ev.StartedAt = db.FromMillis(started)
		ev.FinishedAt = db.FromMillis(finish)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (c *Coordinator) lastCompleted(ctx context.Context) (time.Time, error) {
	var ms int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(finished_at), 0) FROM sync_events WHERE status = ?`,
		OutcomeCompleted).Scan(&ms)
	if err != nil {
		return time.Time{}, err
	}
	return db.FromMillis(ms), nil
}
