// Package scheduler decides when sync cycles run: periodically while online,
// when new local writes land in the queue, and on the offline to online edge.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/opsync/internal/logging"
	syncpkg "github.com/kimhsiao/opsync/internal/sync"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

// QueueSource is the part of the mutation queue the scheduler watches.
type QueueSource interface {
	Signal() <-chan struct{}
	Stats(ctx context.Context) (queue.Stats, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.Engine
	queue         QueueSource
	syncInterval  time.Duration
	queueInterval time.Duration
	log           *logging.Logger
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	isRunning     bool
	isOnline      bool
	lastTrigger   time.Time
	lastReason    syncpkg.Reason
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // periodic cycle while online (default: 15 minutes)
	QueueInterval time.Duration // how often backed-off queue entries are retried (default: 1 minute)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		QueueInterval: 1 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. q may be nil, in which case only the
// periodic and connectivity triggers run.
func NewScheduler(engine syncpkg.Engine, q QueueSource, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = def.QueueInterval
	}

	return &Scheduler{
		engine:        engine,
		queue:         q,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		log:           logging.WithComponent("scheduler"),
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx, stop)

	if s.queue != nil {
		s.wg.Add(1)
		go s.queueLoop(ctx, stop)
	}

	s.log.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop stops the background loops and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop := s.stopCh
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()

	s.log.Info("Background sync scheduler stopped")
}

// SetOnlineStatus records host connectivity and passes it to the engine.
// Coming back online triggers a cycle immediately.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	s.engine.SetOnline(isOnline)
	if wasOnline == isOnline {
		return
	}
	s.log.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.trigger(syncpkg.ReasonOnline)
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				s.log.Debug("Skipping periodic sync while offline")
				continue
			}
			s.trigger(syncpkg.ReasonTimer)
		}
	}
}

// queueLoop reacts to new local writes and periodically retries entries whose
// backoff has elapsed.
func (s *Scheduler) queueLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()
	signal := s.queue.Signal()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-signal:
			if s.IsOnline() {
				s.trigger(syncpkg.ReasonQueue)
			}
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			stats, err := s.queue.Stats(ctx)
			if err != nil {
				s.log.Error("Failed to read queue stats", err, nil)
				continue
			}
			if stats.Pending > 0 {
				s.trigger(syncpkg.ReasonQueue)
			}
		}
	}
}

func (s *Scheduler) trigger(reason syncpkg.Reason) bool {
	started := s.engine.Trigger(reason)
	s.mu.Lock()
	s.lastTrigger = time.Now()
	s.lastReason = reason
	s.mu.Unlock()
	if !started {
		s.log.Debug("Sync already in progress, trigger coalesced", map[string]interface{}{"reason": reason})
	}
	return started
}

// TriggerSync requests an immediate cycle without waiting.
// Returns true if a cycle was started, false if it was folded into a running one.
func (s *Scheduler) TriggerSync() bool {
	return s.trigger(syncpkg.ReasonUser)
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning   bool           `json:"is_running"`
	IsOnline    bool           `json:"is_online"`
	LastTrigger *time.Time     `json:"last_trigger,omitempty"`
	LastReason  syncpkg.Reason `json:"last_reason,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		IsOnline:   s.isOnline,
		LastReason: s.lastReason,
	}
	if !s.lastTrigger.IsZero() {
		t := s.lastTrigger
		status.LastTrigger = &t
	}
	return status
}

// SyncNow runs a user-requested cycle and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	s.mu.Lock()
	s.lastTrigger = time.Now()
	s.lastReason = syncpkg.ReasonUser
	s.mu.Unlock()

	ev, err := s.engine.Sync(syncCtx, syncpkg.ReasonUser)
	if err != nil {
		return err
	}

	s.log.Info("Manual sync completed", map[string]interface{}{
		"pushed":    ev.Pushed,
		"pulled":    ev.Pulled,
		"conflicts": ev.Conflicts,
	})
	return nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
