package conflict

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/models"
)

const conflictColumns = `id, entity_type, entity_id, client_version, client_data, server_version, server_data,
	client_device_id, client_timestamp, server_timestamp, resolution, is_financial, mutation_id, detected_at, resolved_at`

func saveConflict(ctx context.Context, q db.Querier, c *models.Conflict) error {
	clientData, err := c.ClientVersion.Data.Value()
	if err != nil {
		return err
	}
	serverData, err := c.ServerVersion.Data.Value()
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO sync_conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_version = excluded.client_version, client_data = excluded.client_data,
			server_version = excluded.server_version, server_data = excluded.server_data,
			resolution = excluded.resolution, mutation_id = excluded.mutation_id,
			resolved_at = excluded.resolved_at`,
		c.ID, c.EntityType, c.EntityID,
		c.ClientVersion.Version, clientData, c.ServerVersion.Version, serverData,
		c.ClientDeviceID, db.Millis(c.ClientTimestamp), db.Millis(c.ServerTimestamp),
		c.Resolution, c.IsFinancial, c.MutationID, db.Millis(c.DetectedAt), db.Millis(c.ResolvedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "save conflict", err)
	}
	return nil
}

func scanConflict(row interface{ Scan(...any) error }) (*models.Conflict, error) {
	var (
		c                                  models.Conflict
		clientTS, serverTS, detected, done int64
	)
	err := row.Scan(&c.ID, &c.EntityType, &c.EntityID,
		&c.ClientVersion.Version, &c.ClientVersion.Data, &c.ServerVersion.Version, &c.ServerVersion.Data,
		&c.ClientDeviceID, &clientTS, &serverTS, &c.Resolution, &c.IsFinancial, &c.MutationID, &detected, &done)
	if err != nil {
		return nil, err
	}
	c.ClientTimestamp = db.FromMillis(clientTS)
	c.ServerTimestamp = db.FromMillis(serverTS)
	c.DetectedAt = db.FromMillis(detected)
	c.ResolvedAt = db.FromMillis(done)
	return &c, nil
}

func getConflict(ctx context.Context, q db.Querier, id string) (*models.Conflict, error) {
	c, err := scanConflict(q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get conflict", err)
	}
	return c, nil
}

func listConflicts(ctx context.Context, q db.Querier, onlyPending bool) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if onlyPending {
		query += ` WHERE resolution = 'pending'`
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY detected_at, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflicts", err)
	}
	defer rows.Close()

	var out []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// pendingFor returns the open conflict on a record, if any.
func pendingFor(ctx context.Context, q db.Querier, entity models.EntityType, entityID string) (*models.Conflict, error) {
	c, err := scanConflict(q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE entity_type = ? AND entity_id = ? AND resolution = 'pending' ORDER BY detected_at LIMIT 1`, entity, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "find conflict", err)
	}
	return c, nil
}
