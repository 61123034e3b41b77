// Package conflict decides what happens when local and remote versions of a
// record diverge.
//
// Financial records are never resolved automatically: their conflicts stay
// pending until Resolve is called. Other records follow the configured
// strategy. Conflicts the server holds an id for are resolved through the
// server; the rest are settled locally and resubmitted through the queue.
package conflict

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/kimhsiao/opsync/internal/clock"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/ids"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
	"github.com/kimhsiao/opsync/internal/store"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

// localPrefix marks conflicts detected on this device that the server has no record of.
const localPrefix = "local-"

// Remote submits decisions for server-held conflicts. *remote.Session implements it.
type Remote interface {
	ResolveConflict(ctx context.Context, id string, req *remote.ResolveRequest) (*remote.ResolveResponse, error)
}

// Config configures a Resolver.
type Config struct {
	// Strategy is applied to non-financial conflicts: client_wins, server_wins or merged.
	Strategy models.Resolution
	Merge    MergeStrategy
	DeviceID string
	Clock    clock.Clock
}

// Resolver is the Conflict Resolver.
type Resolver struct {
	db       *sql.DB
	store    *store.Store
	queue    *queue.Queue
	remote   Remote
	strategy models.Resolution
	merge    MergeStrategy
	deviceID string
	clock    clock.Clock
	log      *logging.Logger
}

// New creates a Resolver. Conflicts are persisted in the app database.
func New(sqlDB *sql.DB, st *store.Store, q *queue.Queue, rem Remote, cfg Config) *Resolver {
	strategy := cfg.Strategy
	switch strategy {
	case models.ResolutionClientWins, models.ResolutionServerWins, models.ResolutionMerged:
	default:
		strategy = models.ResolutionServerWins
	}
	merge := cfg.Merge
	if merge == nil {
		merge = FieldLWW{}
	}
	return &Resolver{
		db:       sqlDB,
		store:    st,
		queue:    q,
		remote:   rem,
		strategy: strategy,
		merge:    merge,
		deviceID: cfg.DeviceID,
		clock:    clock.OrReal(cfg.Clock),
		log:      logging.WithComponent("conflict"),
	}
}

// Strategy returns the strategy applied to non-financial conflicts.
func (r *Resolver) Strategy() models.Resolution { return r.strategy }

// OnPushConflict handles a push result reporting that m was based on a stale version.
func (r *Resolver) OnPushConflict(ctx context.Context, m *models.Mutation, res remote.PushResult) (*models.Conflict, error) {
	now := r.clock.Now()
	c := &models.Conflict{
		EntityType:      m.TableName,
		EntityID:        m.RecordID,
		ClientVersion:   models.VersionSnapshot{Version: m.BaseVersion, Data: m.Data.Clone()},
		ServerVersion:   models.VersionSnapshot{Version: res.Version},
		ClientDeviceID:  r.deviceID,
		ClientTimestamp: m.EnqueuedAt,
		Resolution:      models.ResolutionPending,
		IsFinancial:     m.TableName.IsFinancial(),
		MutationID:      m.ID,
		DetectedAt:      now,
	}
	if s := res.Conflict; s != nil {
		c.ID = s.ConflictID
		c.ServerVersion = models.VersionSnapshot{Version: s.Version, Data: s.Data.Clone()}
		c.ServerTimestamp = s.Timestamp
		c.IsFinancial = c.IsFinancial || s.IsFinancial
	}
	if c.ID == "" {
		c.ID = ids.Prefixed(localPrefix)
	}
	return r.handle(ctx, c)
}

// OnPullDivergence handles a pulled server version of a record that still has
// unacknowledged local changes.
func (r *Resolver) OnPullDivergence(ctx context.Context, rec *models.Record, ch remote.RemoteChange) (*models.Conflict, error) {
	if existing, err := pendingFor(ctx, r.db, rec.EntityType, rec.LocalID); err != nil || existing != nil {
		return existing, err
	}
	c := &models.Conflict{
		ID:              ids.Prefixed(localPrefix),
		EntityType:      rec.EntityType,
		EntityID:        rec.LocalID,
		ClientVersion:   models.VersionSnapshot{Version: rec.Version, Data: rec.Data.Clone()},
		ServerVersion:   models.VersionSnapshot{Version: ch.Version, Data: ch.Data.Clone()},
		ClientDeviceID:  r.deviceID,
		ClientTimestamp: rec.LastModified,
		ServerTimestamp: ch.Timestamp,
		Resolution:      models.ResolutionPending,
		IsFinancial:     rec.EntityType.IsFinancial(),
		DetectedAt:      r.clock.Now(),
	}
	return r.handle(ctx, c)
}

// Import records a pending conflict reported by the server on pull. Known
// conflicts are left as they are.
func (r *Resolver) Import(ctx context.Context, cr remote.ConflictRecord) (*models.Conflict, error) {
	if existing, err := getConflict(ctx, r.db, cr.ID); err == nil {
		return existing, nil
	} else if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	c := &models.Conflict{
		ID:              cr.ID,
		EntityType:      cr.EntityType,
		EntityID:        cr.EntityID,
		ClientVersion:   models.VersionSnapshot{Version: cr.ClientVersion, Data: cr.ClientData.Clone()},
		ServerVersion:   models.VersionSnapshot{Version: cr.ServerVersion, Data: cr.ServerData.Clone()},
		ClientDeviceID:  cr.ClientDeviceID,
		ClientTimestamp: cr.CreatedAt,
		ServerTimestamp: cr.CreatedAt,
		Resolution:      models.ResolutionPending,
		IsFinancial:     cr.IsFinancial || cr.EntityType.IsFinancial(),
		DetectedAt:      r.clock.Now(),
	}
	return r.handle(ctx, c)
}

// handle persists c, parks the record and applies the automatic strategy when allowed.
func (r *Resolver) handle(ctx context.Context, c *models.Conflict) (*models.Conflict, error) {
	if c.MutationID == 0 {
		if pending, err := r.queue.PendingForRecord(ctx, c.EntityType, c.EntityID); err != nil {
			return nil, err
		} else if len(pending) > 0 {
			c.MutationID = pending[0].ID
		}
	}
	if c.MutationID > 0 {
		if err := r.queue.MarkConflict(ctx, c.MutationID); err != nil {
			return nil, err
		}
	}
	if err := saveConflict(ctx, r.db, c); err != nil {
		return nil, err
	}
	if err := r.store.MarkConflict(ctx, c.EntityType, c.EntityID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	fields := map[string]interface{}{
		"conflict_id":    c.ID,
		"entity_type":    c.EntityType,
		"entity_id":      c.EntityID,
		"client_version": c.ClientVersion.Version,
		"server_version": c.ServerVersion.Version,
	}
	if c.IsFinancial {
		r.log.Warn("Financial conflict held for manual decision", fields)
		return c, nil
	}
	fields["strategy"] = r.strategy
	r.log.Info("Resolving conflict", fields)

	if err := r.auto(ctx, c); err != nil {
		if apperrors.Retryable(err) {
			r.log.Warn("Conflict resolution deferred", map[string]interface{}{"conflict_id": c.ID, "error": err.Error()})
			return c, nil
		}
		return c, err
	}
	return c, nil
}

func (r *Resolver) auto(ctx context.Context, c *models.Conflict) error {
	var merged models.Data
	if r.strategy == models.ResolutionMerged {
		merged = r.merge.Merge(
			Side{Data: c.ClientVersion.Data, Modified: c.ClientTimestamp},
			Side{Data: c.ServerVersion.Data, Modified: c.ServerTimestamp},
		)
	}
	return r.finish(ctx, c, r.strategy, merged)
}

// RetryPending re-applies the automatic strategy to non-financial conflicts
// whose resolution was deferred, and returns how many were resolved.
func (r *Resolver) RetryPending(ctx context.Context) (int, error) {
	open, err := listConflicts(ctx, r.db, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range open {
		if c.IsFinancial {
			continue
		}
		if err := r.auto(ctx, c); err != nil {
			if apperrors.Retryable(err) {
				return n, err
			}
			r.log.Error("Deferred conflict resolution failed", err, map[string]interface{}{"conflict_id": c.ID})
			continue
		}
		n++
	}
	return n, nil
}

// Resolve applies an explicit decision to a pending conflict. merged carries
// the payload for merged and manual resolutions.
func (r *Resolver) Resolve(ctx context.Context, id string, resolution models.Resolution, merged models.Data) (*models.Conflict, error) {
	switch resolution {
	case models.ResolutionClientWins, models.ResolutionServerWins:
	case models.ResolutionMerged, models.ResolutionManual:
		if merged == nil {
			return nil, apperrors.Newf(apperrors.ErrValidation, "%s resolution requires merged data", resolution)
		}
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid resolution %q", resolution)
	}

	c, err := getConflict(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	if !c.Pending() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "conflict %s is already resolved (%s)", id, c.Resolution)
	}
	if err := r.finish(ctx, c, resolution, merged); err != nil {
		return nil, err
	}
	return c, nil
}

// finish settles the record and closes the conflict.
func (r *Resolver) finish(ctx context.Context, c *models.Conflict, resolution models.Resolution, merged models.Data) error {
	var st store.Settlement

	if strings.HasPrefix(c.ID, localPrefix) || r.remote == nil {
		st = store.Settlement{Version: c.ServerVersion.Version}
		switch resolution {
		case models.ResolutionServerWins:
			st.Data = c.ServerVersion.Data
		case models.ResolutionClientWins:
			st.Resubmit = true
		default:
			st.Data = merged
			st.Resubmit = true
		}
	} else {
		resp, err := r.remote.ResolveConflict(ctx, c.ID, &remote.ResolveRequest{Resolution: resolution, MergedData: merged})
		if err != nil {
			return err
		}
		later, err := r.hasLaterEntries(ctx, c)
		if err != nil {
			return err
		}
		st = store.Settlement{Version: resp.Version, Data: resp.Data}
		if st.Data == nil {
			switch resolution {
			case models.ResolutionServerWins:
				st.Data = c.ServerVersion.Data
			case models.ResolutionMerged, models.ResolutionManual:
				st.Data = merged
			}
		}
		if later && resolution != models.ResolutionServerWins {
			// Later edits ride on the decided payload; client_wins keeps the local one.
			st.Resubmit = true
			if resolution == models.ResolutionClientWins {
				st.Data = nil
			}
		}
	}

	if err := r.store.Settle(ctx, c.EntityType, c.EntityID, st); err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if _, err := r.queue.Discard(ctx, c.EntityType, c.EntityID); err != nil {
			return err
		}
	}

	c.Resolution = resolution
	c.ResolvedAt = r.clock.Now()
	if st.Version > c.ServerVersion.Version {
		c.ServerVersion.Version = st.Version
	}
	if err := saveConflict(ctx, r.db, c); err != nil {
		return err
	}
	r.log.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": c.ID,
		"entity_type": c.EntityType,
		"entity_id":   c.EntityID,
		"resolution":  resolution,
		"version":     st.Version,
		"resubmit":    st.Resubmit,
	})
	return nil
}

func (r *Resolver) hasLaterEntries(ctx context.Context, c *models.Conflict) (bool, error) {
	entries, err := r.queue.PendingForRecord(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.ID != c.MutationID {
			return true, nil
		}
	}
	return false, nil
}

// Get returns one conflict.
func (r *Resolver) Get(ctx context.Context, id string) (*models.Conflict, error) {
	return getConflict(ctx, r.db, id)
}

// List returns conflicts oldest first, optionally only the pending ones.
func (r *Resolver) List(ctx context.Context, onlyPending bool) ([]*models.Conflict, error) {
	return listConflicts(ctx, r.db, onlyPending)
}

// PendingCount returns the number of unresolved conflicts.
func (r *Resolver) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts WHERE resolution = 'pending'`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count conflicts", err)
	}
	return n, nil
}

// Age reports how long c has been open.
func (r *Resolver) Age(c *models.Conflict) time.Duration {
	if !c.ResolvedAt.IsZero() {
		return c.ResolvedAt.Sub(c.DetectedAt)
	}
	return r.clock.Now().Sub(c.DetectedAt)
}
