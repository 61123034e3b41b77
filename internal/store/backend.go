package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/models"
)

// Index names a secondary lookup on entity tables.
type Index string

const (
	IndexSyncStatus Index = "sync_status"
	IndexServerID   Index = "id"
	IndexDeviceID   Index = "device_id"
)

// Backend is the embedded table storage under the Local Store.
type Backend interface {
	Get(ctx context.Context, table models.EntityType, localID string) (*models.Record, error)
	Put(ctx context.Context, rec *models.Record) error
	Delete(ctx context.Context, table models.EntityType, localID string) error
	QueryByIndex(ctx context.Context, table models.EntityType, index Index, value any) ([]*models.Record, error)
}

// SQLiteBackend implements Backend over one table per entity type.
// It runs against either the database or an open transaction.
type SQLiteBackend struct {
	q db.Querier
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend creates a backend bound to q.
func NewSQLiteBackend(q db.Querier) *SQLiteBackend {
	return &SQLiteBackend{q: q}
}

const recordColumns = `local_id, COALESCE(id, ''), version, last_modified, sync_status, device_id, deleted, data`

func checkTable(table models.EntityType) error {
	if !table.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", table)
	}
	return nil
}

func scanRecord(table models.EntityType, row interface{ Scan(...any) error }) (*models.Record, error) {
	rec := &models.Record{EntityType: table}
	var modified int64
	if err := row.Scan(&rec.LocalID, &rec.ID, &rec.Version, &modified, &rec.SyncStatus,
		&rec.DeviceID, &rec.Deleted, &rec.Data); err != nil {
		return nil, err
	}
	rec.LastModified = db.FromMillis(modified)
	return rec, nil
}

// Get returns a record by local id.
func (b *SQLiteBackend) Get(ctx context.Context, table models.EntityType, localID string) (*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rec, err := scanRecord(table, b.q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM `+string(table)+` WHERE local_id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", table, localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get record", err)
	}
	return rec, nil
}

// Put inserts or replaces a record.
func (b *SQLiteBackend) Put(ctx context.Context, rec *models.Record) error {
	if err := checkTable(rec.EntityType); err != nil {
		return err
	}
	var serverID any
	if rec.ID != "" {
		serverID = rec.ID
	}
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO `+string(rec.EntityType)+` (local_id, id, version, last_modified, sync_status, device_id, deleted, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			id = excluded.id,
			version = excluded.version,
			last_modified = excluded.last_modified,
			sync_status = excluded.sync_status,
			device_id = excluded.device_id,
			deleted = excluded.deleted,
			data = excluded.data`,
		rec.LocalID, serverID, rec.Version, db.Millis(rec.LastModified), rec.SyncStatus,
		rec.DeviceID, rec.Deleted, rec.Data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "put record", err)
	}
	return nil
}

// Delete removes a record row.
func (b *SQLiteBackend) Delete(ctx context.Context, table models.EntityType, localID string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := b.q.ExecContext(ctx, `DELETE FROM `+string(table)+` WHERE local_id = ?`, localID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete record", err)
	}
	return nil
}

// QueryByIndex returns records whose indexed column equals value, ordered by local id.
func (b *SQLiteBackend) QueryByIndex(ctx context.Context, table models.EntityType, index Index, value any) ([]*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	switch index {
	case IndexSyncStatus, IndexServerID, IndexDeviceID:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown index %q", index)
	}
	rows, err := b.q.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? ORDER BY local_id`, recordColumns, table, index), value)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query by index", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(table, rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// list returns the live records of a table.
func (b *SQLiteBackend) list(ctx context.Context, table models.EntityType) ([]*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := b.q.QueryContext(ctx, `SELECT `+recordColumns+` FROM `+string(table)+` WHERE deleted = 0 ORDER BY last_modified, local_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list records", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(table, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
