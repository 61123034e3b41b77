package agent

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/opsync/internal/clock"
	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/remote"
)

// Request is one outbound mutation handed over for background delivery.
type Request struct {
	DeviceID string
	Change   remote.Change
}

// Entry is a stored Request.
type Entry struct {
	ID int64
	Request
	SubmittedAt   time.Time
	Attempts      int
	LastError     string
	LastAttemptAt time.Time
}

// Outbox is the agent's durable request store in retry.db. Both the app and the
// agent open it; the app only submits.
type Outbox struct {
	db     *sql.DB
	clock  clock.Clock
	signal chan struct{}
}

// NewOutbox wraps an already migrated outbox database.
func NewOutbox(sqlDB *sql.DB, clk clock.Clock) *Outbox {
	return &Outbox{db: sqlDB, clock: clock.OrReal(clk), signal: make(chan struct{}, 1)}
}

// OpenOutbox opens retry.db under dataDir.
func OpenOutbox(dataDir string, clk clock.Clock) (*Outbox, *db.DB, error) {
	d, err := db.Open(dataDir, "retry.db", db.SchemaOutbox)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "open outbox", err)
	}
	return NewOutbox(d.DB, clk), d, nil
}

// Signal receives after each accepted submission in this process.
func (o *Outbox) Signal() <-chan struct{} {
	return o.signal
}

// Submit stores req. A request whose idempotency key is already stored is ignored.
func (o *Outbox) Submit(ctx context.Context, req Request) error {
	ch := req.Change
	if ch.IdempotencyKey == "" {
		return apperrors.New(apperrors.ErrValidation, "outbox request has no idempotency key")
	}
	res, err := o.db.ExecContext(ctx, `INSERT INTO outbox
		(idempotency_key, device_id, entity_type, entity_id, action, data, base_version, client_timestamp, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		ch.IdempotencyKey, req.DeviceID, ch.EntityType, ch.EntityID, ch.Action, ch.Data, ch.Version,
		db.Millis(ch.Timestamp), db.Millis(o.clock.Now()))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "submit to outbox", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		select {
		case o.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// List returns stored entries in submission order.
func (o *Outbox) List(ctx context.Context) ([]*Entry, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT id, idempotency_key, device_id, entity_type, entity_id, action, data,
		base_version, client_timestamp, submitted_at, attempts, last_error, last_attempt_at
		FROM outbox ORDER BY submitted_at, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list outbox", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e                          Entry
			clientTS, submitted, tried int64
		)
		ch := &e.Change
		if err := rows.Scan(&e.ID, &ch.IdempotencyKey, &e.DeviceID, &ch.EntityType, &ch.EntityID, &ch.Action, &ch.Data,
			&ch.Version, &clientTS, &submitted, &e.Attempts, &e.LastError, &tried); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan outbox", err)
		}
		ch.Timestamp = db.FromMillis(clientTS)
		e.SubmittedAt = db.FromMillis(submitted)
		e.LastAttemptAt = db.FromMillis(tried)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Len returns the number of stored entries.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count outbox", err)
	}
	return n, nil
}

// Remove deletes an entry.
func (o *Outbox) Remove(ctx context.Context, id int64) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "remove outbox entry", err)
	}
	return nil
}

func (o *Outbox) recordAttempt(ctx context.Context, id int64, cause error) error {
	_, err := o.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = ?, last_attempt_at = ? WHERE id = ?`,
		cause.Error(), db.Millis(o.clock.Now()), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "record outbox attempt", err)
	}
	return nil
}

// outcome maps a push result onto a notice outcome.
func outcome(status remote.ResultStatus) Outcome {
	switch status {
	case remote.StatusApplied:
		return OutcomeApplied
	case remote.StatusConflict:
		return OutcomeConflict
	default:
		return OutcomeRejected
	}
}
