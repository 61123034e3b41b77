// Package sync coordinates reconciliation between the Local Store and the
// remote authority.
//
// A cycle pushes queued mutations in ordered batches, hands conflicts to the
// resolver, then pulls remote changes since the stored cursor. Only one cycle
// runs per data directory: an in-process guard coalesces concurrent triggers
// and a file lock keeps other processes out.
package sync

import (
	"context"
	"database/sql"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kimhsiao/opsync/internal/agent"
	"github.com/kimhsiao/opsync/internal/clock"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
	"github.com/kimhsiao/opsync/internal/store"
	"github.com/kimhsiao/opsync/internal/sync/conflict"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

const tracerName = "github.com/kimhsiao/opsync/internal/sync"

// maxPushRounds bounds the batches drained in one cycle. Resubmitted conflict
// outcomes enqueue fresh entries, so the queue may never look empty to a
// cycle racing another device.
const maxPushRounds = 100

// State is the coordinator's position in a cycle.
type State string

const (
	StateIdle    State = "idle"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
	// StateConflicted and StateError are entered while a conflict or a failure
	// is being handled; the coordinator returns to idle afterwards.
	StateConflicted State = "conflicted"
	StateError      State = "error"
)

// Reason says what started a cycle.
type Reason string

const (
	ReasonOnline Reason = "online"
	ReasonTimer  Reason = "timer"
	ReasonUser   Reason = "user"
	ReasonQueue  Reason = "queue"
	ReasonAgent  Reason = "agent"
)

// Cycle outcomes stored in SyncEvent.Status.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeOffline   = "offline"
)

// Config configures a Coordinator.
type Config struct {
	DeviceID  string
	Role      models.Role
	BatchSize int
	// LockPath is the cross-process cycle lock. Empty disables it.
	LockPath string
	Clock    clock.Clock
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Outbox receives batches that failed on the network. Optional.
	Outbox Outbox
	// Devices is told about successful cycles. Optional.
	Devices DeviceTracker
}

// Coordinator is the Sync Coordinator.
type Coordinator struct {
	db       *sql.DB
	store    *store.Store
	queue    *queue.Queue
	resolver *conflict.Resolver
	remote   Remote
	cfg      Config
	clock    clock.Clock
	tracer   trace.Tracer
	lock     *flock.Flock
	log      *logging.Logger

	active atomic.Bool
	wg     gosync.WaitGroup

	mu          gosync.RWMutex
	queued      Reason
	state       State
	online      bool
	lastSync    time.Time
	errs        []ErrorEntry
	cancel      context.CancelFunc
	subscribers map[int]func(Event)
	nextSub     int
}

var _ Engine = (*Coordinator)(nil)

// New creates a Coordinator. sqlDB is the app database holding the audit table.
func New(sqlDB *sql.DB, st *store.Store, q *queue.Queue, r *conflict.Resolver, rem Remote, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Role == "" {
		cfg.Role = models.RoleAdmin
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c := &Coordinator{
		db:          sqlDB,
		store:       st,
		queue:       q,
		resolver:    r,
		remote:      rem,
		cfg:         cfg,
		clock:       clock.OrReal(cfg.Clock),
		tracer:      tp.Tracer(tracerName),
		log:         logging.WithComponent("sync"),
		state:       StateIdle,
		online:      true,
		subscribers: make(map[int]func(Event)),
	}
	if cfg.LockPath != "" {
		c.lock = flock.New(cfg.LockPath)
	}
	return c
}

// Sync runs one cycle and waits for it. It fails with SyncInProgress when a
// cycle is already running; the request is then queued behind it.
func (c *Coordinator) Sync(ctx context.Context, reason Reason) (*models.SyncEvent, error) {
	if !c.active.CompareAndSwap(false, true) {
		c.coalesce(reason)
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "a sync cycle is already running")
	}
	ev, err := c.cycle(ctx, reason)
	if next := c.release(); next != "" {
		c.wg.Add(1)
		go c.drive(next)
	}
	return ev, err
}

// Trigger starts a cycle in the background. While one is running, triggers
// collapse into a single follow-up cycle.
func (c *Coordinator) Trigger(reason Reason) bool {
	if !c.active.CompareAndSwap(false, true) {
		c.coalesce(reason)
		return false
	}
	c.wg.Add(1)
	go c.drive(reason)
	return true
}

// Wait blocks until no background cycle is running.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// drive runs cycles until no trigger is queued. The caller holds the guard.
func (c *Coordinator) drive(reason Reason) {
	defer c.wg.Done()
	for reason != "" {
		if _, err := c.cycle(context.Background(), reason); err != nil {
			c.log.Debug("Background cycle ended with error", map[string]interface{}{"reason": reason, "error": err.Error()})
		}
		reason = c.release()
	}
}

func (c *Coordinator) coalesce(reason Reason) {
	c.mu.Lock()
	if c.queued == "" {
		c.queued = reason
	}
	c.mu.Unlock()
}

func (c *Coordinator) takeQueued() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.queued
	c.queued = ""
	return r
}

// release gives up the guard and returns "" unless a trigger was queued, in
// which case the guard is kept and the queued reason returned.
func (c *Coordinator) release() Reason {
	for {
		if next := c.takeQueued(); next != "" {
			return next
		}
		c.active.Store(false)
		c.mu.RLock()
		pending := c.queued != ""
		c.mu.RUnlock()
		if !pending || !c.active.CompareAndSwap(false, true) {
			return ""
		}
	}
}

// SetOnline records connectivity. Going offline cancels the active cycle; its
// in-flight entries return to the queue untouched.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	cancel := c.cancel
	state := c.state
	c.mu.Unlock()

	if !changed {
		return
	}
	if !online && cancel != nil {
		cancel()
	}
	c.log.Info("Connectivity changed", map[string]interface{}{"online": online})
	c.publish(Event{Kind: EventState, State: state, Online: online})
}

// Online reports the last known connectivity.
func (c *Coordinator) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	online := c.online
	c.mu.Unlock()
	if changed {
		c.publish(Event{Kind: EventState, State: s, Online: online})
	}
}

// cycle runs push then pull under the cross-process lock and records the
// outcome. The caller holds the in-process guard.
func (c *Coordinator) cycle(parent context.Context, reason Reason) (*models.SyncEvent, error) {
	if c.lock != nil {
		locked, err := c.lock.TryLock()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "acquire sync lock", err)
		}
		if !locked {
			return nil, apperrors.New(apperrors.ErrSyncInProgress, "another process is syncing this data directory")
		}
		defer c.lock.Unlock()
	}

	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}()

	ctx, span := c.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(
		attribute.String("sync.reason", string(reason)),
		attribute.String("sync.device_id", c.cfg.DeviceID),
	))
	defer span.End()

	ev := &models.SyncEvent{
		DeviceID:  c.cfg.DeviceID,
		Reason:    string(reason),
		StartedAt: c.clock.Now(),
	}
	c.log.Info("Sync cycle started", map[string]interface{}{"reason": reason})
	c.publish(Event{Kind: EventStarted, Reason: reason, Online: c.Online()})

	err := c.run(ctx, ev)

	ev.FinishedAt = c.clock.Now()
	switch {
	case err == nil:
		ev.Status = OutcomeCompleted
	case apperrors.Retryable(err):
		ev.Status = OutcomeOffline
	default:
		ev.Status = OutcomeFailed
	}
	if err != nil {
		ev.Error = err.Error()
	}

	bg := context.WithoutCancel(ctx)
	if rerr := c.recordEvent(bg, ev); rerr != nil {
		c.log.Error("Failed to record sync event", rerr, nil)
	}

	span.SetAttributes(
		attribute.Int("sync.pushed", ev.Pushed),
		attribute.Int("sync.pulled", ev.Pulled),
		attribute.Int("sync.conflicts", ev.Conflicts),
		attribute.Int("sync.rejected", ev.Rejected),
		attribute.String("sync.status", ev.Status),
	)
	fields := map[string]interface{}{
		"reason":    reason,
		"pushed":    ev.Pushed,
		"pulled":    ev.Pulled,
		"conflicts": ev.Conflicts,
		"rejected":  ev.Rejected,
		"duration":  ev.Duration().String(),
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.noteError("", "", err)
		if ev.Status == OutcomeFailed {
			c.setState(StateError)
		}
		c.setState(StateIdle)
		c.log.Warn("Sync cycle ended early", fields)
		c.publish(Event{Kind: EventFailed, Reason: reason, Result: ev, Error: err.Error(), Online: c.Online()})
		return ev, err
	}

	c.mu.Lock()
	c.lastSync = ev.FinishedAt
	c.online = true
	c.mu.Unlock()
	if c.cfg.Devices != nil {
		if derr := c.cfg.Devices.MarkSynced(bg, ev.FinishedAt); derr != nil {
			c.log.Warn("Failed to update device sync time", map[string]interface{}{"error": derr.Error()})
		}
	}
	c.setState(StateIdle)
	c.log.Info("Sync cycle completed", fields)
	c.publish(Event{Kind: EventCompleted, Reason: reason, Result: ev, Online: true})
	return ev, nil
}

func (c *Coordinator) run(ctx context.Context, ev *models.SyncEvent) error {
	c.setState(StatePushing)

	// Deferred automatic resolutions go first so their outcomes ride this push.
	if n, err := c.resolver.RetryPending(ctx); err != nil && !apperrors.Retryable(err) {
		c.log.Error("Retrying deferred conflicts failed", err, nil)
	} else if n > 0 {
		c.log.Info("Resolved deferred conflicts", map[string]interface{}{"count": n})
	}

	if err := c.push(ctx, ev); err != nil {
		return err
	}
	c.setState(StatePulling)
	return c.pull(ctx, ev)
}

// push drains the queue in ordered batches. A transport failure aborts the
// cycle; entries already acknowledged stay acknowledged.
func (c *Coordinator) push(ctx context.Context, ev *models.SyncEvent) (err error) {
	ctx, span := c.tracer.Start(ctx, "sync.push")
	defer func() { endSpan(span, err) }()
	defer func() {
		if _, rerr := c.queue.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.log.Error("Failed to release in-flight mutations", rerr, nil)
		}
	}()

	for round := 0; round < maxPushRounds; round++ {
		batch, err := c.queue.DequeueBatch(ctx, c.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		req := &remote.PushRequest{DeviceID: c.cfg.DeviceID, Changes: make([]remote.Change, len(batch))}
		for i, m := range batch {
			req.Changes[i] = remote.ChangeFromMutation(m)
		}
		resp, err := c.remote.Push(ctx, req)
		if err != nil {
			return c.pushFailed(ctx, batch, err)
		}
		c.markOnline()

		for i, m := range batch {
			if err := c.apply(ctx, ev, m, resp.Results[i]); err != nil {
				c.log.Error("Failed to apply push result", err, map[string]interface{}{
					"table":     m.TableName,
					"record_id": m.RecordID,
				})
				c.noteError(m.TableName, m.RecordID, err)
			}
		}
		span.AddEvent("batch", trace.WithAttributes(attribute.Int("sync.batch_size", len(batch))))
	}
	return nil
}

// pushFailed handles a batch the server never answered.
func (c *Coordinator) pushFailed(ctx context.Context, batch []*models.Mutation, err error) error {
	// Cancelled or offline mid-flight: the deferred release returns the batch
	// without charging an attempt.
	if ctx.Err() != nil || apperrors.Is(err, apperrors.ErrOffline) || !apperrors.IsNetwork(err) {
		return err
	}

	bg := context.WithoutCancel(ctx)
	handed := 0
	for _, m := range batch {
		if ferr := c.queue.MarkFailed(bg, m.ID, err); apperrors.IsExhausted(ferr) {
			if serr := c.store.MarkFailed(bg, m.TableName, m.RecordID); serr != nil {
				c.log.Error("Failed to mark record failed", serr, nil)
			}
			c.noteError(m.TableName, m.RecordID, ferr)
		} else if ferr != nil {
			c.log.Error("Failed to record push failure", ferr, map[string]interface{}{"id": m.ID})
		}

		if c.cfg.Outbox == nil {
			continue
		}
		if serr := c.cfg.Outbox.Submit(bg, agent.Request{DeviceID: c.cfg.DeviceID, Change: remote.ChangeFromMutation(m)}); serr != nil {
			c.log.Error("Failed to hand mutation to the retry agent", serr, map[string]interface{}{"id": m.ID})
			continue
		}
		handed++
	}

	c.log.Warn("Push failed, going offline", map[string]interface{}{
		"batch":  len(batch),
		"handed": handed,
		"error":  err.Error(),
	})
	c.SetOnline(false)
	return err
}

// apply acts on the server's verdict for one mutation.
func (c *Coordinator) apply(ctx context.Context, ev *models.SyncEvent, m *models.Mutation, res remote.PushResult) error {
	switch res.Status {
	case remote.StatusApplied:
		if err := c.store.Acknowledge(ctx, m, res.Version); err != nil {
			return err
		}
		ev.Pushed++
		return nil

	case remote.StatusConflict:
		cf, err := c.resolver.OnPushConflict(ctx, m, res)
		if err != nil {
			return err
		}
		ev.Conflicts++
		c.surface(cf)
		return nil

	case remote.StatusRejected:
		reason := res.Error
		if reason == "" {
			reason = "rejected by server"
		}
		if err := c.queue.MarkRejected(ctx, m.ID, reason); err != nil {
			return err
		}
		if err := c.store.MarkFailed(ctx, m.TableName, m.RecordID); err != nil {
			return err
		}
		ev.Rejected++
		c.noteError(m.TableName, m.RecordID, apperrors.New(apperrors.ErrValidation, reason))
		return nil

	default:
		return apperrors.Newf(apperrors.ErrInternal, "unknown push status %q", res.Status)
	}
}

// surface publishes a conflict. A conflict still pending puts the coordinator
// in the conflicted state until the current phase resumes.
func (c *Coordinator) surface(cf *models.Conflict) {
	c.publish(Event{Kind: EventConflict, Conflict: cf, Online: c.Online()})
	if !cf.Pending() {
		return
	}
	c.mu.RLock()
	prev := c.state
	c.mu.RUnlock()
	c.setState(StateConflicted)
	c.setState(prev)
}

// pull merges remote changes since the stored cursor. The cursor only moves
// when every change was merged, so a failed merge is retried next cycle.
func (c *Coordinator) pull(ctx context.Context, ev *models.SyncEvent) (err error) {
	ctx, span := c.tracer.Start(ctx, "sync.pull")
	defer func() { endSpan(span, err) }()

	since, err := c.Cursor(ctx)
	if err != nil {
		return err
	}
	types := models.EntityTypesForRole(c.cfg.Role)
	resp, err := c.remote.Pull(ctx, &remote.PullRequest{DeviceID: c.cfg.DeviceID, Since: since, EntityTypes: types})
	if err != nil {
		if apperrors.IsNetwork(err) {
			c.SetOnline(false)
		}
		return err
	}
	c.markOnline()
	span.SetAttributes(
		attribute.Int("sync.changes", len(resp.Changes)),
		attribute.Int("sync.server_conflicts", len(resp.Conflicts)),
	)

	clean := true
	for _, ch := range resp.Changes {
		if err := c.merge(ctx, ev, ch); err != nil {
			clean = false
			c.log.Error("Failed to merge remote change", err, map[string]interface{}{
				"entity_type": ch.EntityType,
				"entity_id":   ch.EntityID,
			})
			c.noteError(ch.EntityType, ch.EntityID, err)
		}
	}

	for _, cr := range resp.Conflicts {
		if _, err := c.resolver.Get(ctx, cr.ID); err == nil {
			continue
		}
		cf, err := c.resolver.Import(ctx, cr)
		if err != nil {
			clean = false
			c.noteError(cr.EntityType, cr.EntityID, err)
			continue
		}
		ev.Conflicts++
		c.surface(cf)
	}

	if !clean {
		return nil
	}
	return c.store.SetState(ctx, store.StatePullCursor, resp.ServerTimestamp.UTC().Format(time.RFC3339Nano))
}

// merge applies one remote change. Records in conflict are skipped; records
// with unacknowledged local changes that the server moved past go to the resolver.
func (c *Coordinator) merge(ctx context.Context, ev *models.SyncEvent, ch remote.RemoteChange) error {
	rec, err := c.store.Find(ctx, ch.EntityType, ch.EntityID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	if rec != nil {
		if rec.SyncStatus == models.SyncConflict {
			return nil
		}
		if ch.Version > rec.Version && ch.DeviceID != c.cfg.DeviceID {
			queued, err := c.queue.PendingForRecord(ctx, ch.EntityType, rec.LocalID)
			if err != nil {
				return err
			}
			if len(queued) > 0 {
				cf, err := c.resolver.OnPullDivergence(ctx, rec, ch)
				if err != nil {
					return err
				}
				ev.Conflicts++
				c.surface(cf)
				return nil
			}
		}
	}

	applied, err := c.store.ApplyServerUpdate(ctx, ch.EntityType, models.ServerUpdate{
		ID:           ch.EntityID,
		Version:      ch.Version,
		Data:         ch.Data,
		Deleted:      ch.Deleted,
		LastModified: ch.Timestamp,
	})
	if err != nil {
		return err
	}
	if applied {
		ev.Pulled++
	}
	return nil
}

// Cursor returns the pull cursor; the zero time means pull everything.
func (c *Coordinator) Cursor(ctx context.Context) (time.Time, error) {
	raw, err := c.store.State(ctx, store.StatePullCursor)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.ErrDatabase, "parse pull cursor", err)
	}
	return t, nil
}

func (c *Coordinator) markOnline() {
	c.mu.RLock()
	online := c.online
	c.mu.RUnlock()
	if !online {
		c.SetOnline(true)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
