package agent

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/store"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

// Listener applies agent notices to the application's store and queue.
type Listener struct {
	spool *Spool
	store *store.Store
	queue *queue.Queue
	log   *logging.Logger
	// OnNotice, if set, runs after each notice is reconciled.
	OnNotice func(Notice)
}

// NewListener creates a Listener over the app's store and queue.
func NewListener(spool *Spool, st *store.Store, q *queue.Queue) *Listener {
	return &Listener{spool: spool, store: st, queue: q, log: logging.WithComponent("agent-listener")}
}

// Drain reconciles every notice already in the spool.
func (l *Listener) Drain(ctx context.Context) (int, error) {
	return l.spool.Drain(func(n Notice) error {
		if err := l.Reconcile(ctx, n); err != nil {
			return err
		}
		if l.OnNotice != nil {
			l.OnNotice(n)
		}
		return nil
	})
}

// Run drains the spool, then watches it and drains again whenever a notice
// lands, until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.spool.Dir()); err != nil {
		return fmt.Errorf("failed to watch notify directory %s: %w", l.spool.Dir(), err)
	}

	// Notices written while the app was down are only visible to the startup drain.
	if n, err := l.Drain(ctx); err != nil {
		l.log.Error("Startup drain failed", err, nil)
	} else if n > 0 {
		l.log.Info("Reconciled agent notices", map[string]interface{}{"count": n})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isNotice(filepath.Base(event.Name)) {
				continue
			}
			if _, err := l.Drain(ctx); err != nil {
				l.log.Error("Failed to reconcile agent notice", err, map[string]interface{}{"file": event.Name})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Error("Notify watcher error", err, nil)
		}
	}
}

// Reconcile applies one notice. A notice whose queue entry is gone was already
// settled by a foreground push and is ignored.
func (l *Listener) Reconcile(ctx context.Context, n Notice) error {
	m, err := l.queue.ByKey(ctx, n.IdempotencyKey)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"entity_type": n.EntityType,
		"entity_id":   n.EntityID,
		"outcome":     n.Outcome,
	}
	switch n.Outcome {
	case OutcomeApplied:
		l.log.Debug("Agent delivered mutation", fields)
		return l.store.Acknowledge(ctx, m, n.Version)
	case OutcomeConflict:
		// The next foreground push gets the conflict again, with the server state
		// the resolver needs.
		l.log.Info("Agent hit a conflict, expediting foreground push", fields)
		return l.queue.Expedite(ctx, m.ID)
	default:
		l.log.Warn("Agent gave up on mutation", fields)
		if err := l.queue.MarkRejected(ctx, m.ID, string(n.Outcome)+": "+n.Error); err != nil {
			return err
		}
		return l.store.MarkFailed(ctx, m.TableName, m.RecordID)
	}
}
