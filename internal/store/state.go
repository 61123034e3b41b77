package store

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
)

// Keys in the sync_state table.
const (
	StatePullCursor = "pull_cursor"
	StateDeviceID   = "device_id"
)

// State reads a sync_state value; a missing key yields "" and no error.
func (s *Store) State(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "read sync state", err)
	}
	return v, nil
}

// SetState writes a sync_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "write sync state", err)
	}
	return nil
}
