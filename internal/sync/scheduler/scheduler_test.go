package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/opsync/internal/models"
	syncpkg "github.com/kimhsiao/opsync/internal/sync"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

// fakeEngine records what the scheduler asks for.
type fakeEngine struct {
	mu       sync.Mutex
	triggers []syncpkg.Reason
	syncs    []syncpkg.Reason
	online   []bool
	busy     bool
	err      error
}

func (e *fakeEngine) Sync(ctx context.Context, reason syncpkg.Reason) (*models.SyncEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncs = append(e.syncs, reason)
	if e.err != nil {
		return nil, e.err
	}
	return &models.SyncEvent{Reason: string(reason), Pushed: 1}, nil
}

func (e *fakeEngine) Trigger(reason syncpkg.Reason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers = append(e.triggers, reason)
	return !e.busy
}

func (e *fakeEngine) SetOnline(online bool) {
	e.mu.Lock()
	e.online = append(e.online, online)
	e.mu.Unlock()
}

func (e *fakeEngine) Status(ctx context.Context) (syncpkg.Status, error) {
	return syncpkg.Status{}, nil
}

func (e *fakeEngine) Subscribe(fn func(syncpkg.Event)) func() { return func() {} }

func (e *fakeEngine) triggered() []syncpkg.Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]syncpkg.Reason(nil), e.triggers...)
}

func (e *fakeEngine) count(reason syncpkg.Reason) int {
	n := 0
	for _, r := range e.triggered() {
		if r == reason {
			n++
		}
	}
	return n
}

type fakeQueue struct {
	signal chan struct{}
	mu     sync.Mutex
	stats  queue.Stats
}

func newFakeQueue() *fakeQueue { return &fakeQueue{signal: make(chan struct{}, 1)} }

func (q *fakeQueue) Signal() <-chan struct{} { return q.signal }

func (q *fakeQueue) Stats(ctx context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats, nil
}

func (q *fakeQueue) setPending(n int) {
	q.mu.Lock()
	q.stats = queue.Stats{Total: n, Pending: n}
	q.mu.Unlock()
}

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	require.NotNil(t, config)
	assert.Equal(t, 15*time.Minute, config.SyncInterval)
	assert.Equal(t, time.Minute, config.QueueInterval)

	s := NewScheduler(&fakeEngine{}, nil, &SchedulerConfig{})
	assert.Equal(t, 15*time.Minute, s.syncInterval)
	assert.Equal(t, time.Minute, s.queueInterval)
	assert.True(t, s.IsOnline())
	assert.False(t, s.IsRunning())
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, newFakeQueue(), nil)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestRestartAfterStop(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, &SchedulerConfig{SyncInterval: 10 * time.Millisecond, QueueInterval: time.Hour})
	ctx := context.Background()

	s.Start(ctx)
	s.Stop()
	before := engine.count(syncpkg.ReasonTimer)

	s.Start(ctx)
	assert.True(t, s.IsRunning())
	require.Eventually(t, func() bool { return engine.count(syncpkg.ReasonTimer) >= before+2 }, 2*time.Second, 5*time.Millisecond)

	assert.NotPanics(t, s.Stop)
	assert.False(t, s.IsRunning())
}

func TestPeriodicTriggerWhileOnline(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, &SchedulerConfig{SyncInterval: 10 * time.Millisecond, QueueInterval: time.Hour})
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return engine.count(syncpkg.ReasonTimer) >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPeriodicTriggerSkippedWhileOffline(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, &SchedulerConfig{SyncInterval: 10 * time.Millisecond, QueueInterval: time.Hour})
	s.SetOnlineStatus(false)
	s.Start(context.Background())

	time.Sleep(60 * time.Millisecond)
	s.Stop()
	assert.Zero(t, engine.count(syncpkg.ReasonTimer))
}

func TestComingOnlineTriggersOnce(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, nil)

	s.SetOnlineStatus(true)
	assert.Empty(t, engine.triggered(), "no edge, no trigger")

	s.SetOnlineStatus(false)
	s.SetOnlineStatus(true)
	s.SetOnlineStatus(true)

	assert.Equal(t, []syncpkg.Reason{syncpkg.ReasonOnline}, engine.triggered())
	assert.Equal(t, []bool{true, false, true, true}, engine.online)

	st := s.GetStatus()
	assert.True(t, st.IsOnline)
	assert.Equal(t, syncpkg.ReasonOnline, st.LastReason)
	assert.NotNil(t, st.LastTrigger)
}

func TestQueueSignalTriggersSync(t *testing.T) {
	engine := &fakeEngine{}
	q := newFakeQueue()
	s := NewScheduler(engine, q, &SchedulerConfig{SyncInterval: time.Hour, QueueInterval: time.Hour})
	s.Start(context.Background())
	defer s.Stop()

	q.signal <- struct{}{}
	require.Eventually(t, func() bool { return engine.count(syncpkg.ReasonQueue) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestQueueTickerRetriesPendingEntries(t *testing.T) {
	engine := &fakeEngine{}
	q := newFakeQueue()
	s := NewScheduler(engine, q, &SchedulerConfig{SyncInterval: time.Hour, QueueInterval: 10 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, engine.count(syncpkg.ReasonQueue), "empty queue needs no cycle")

	q.setPending(2)
	require.Eventually(t, func() bool { return engine.count(syncpkg.ReasonQueue) > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerSyncReportsCoalescing(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, nil)

	assert.True(t, s.TriggerSync())
	engine.busy = true
	assert.False(t, s.TriggerSync())
	assert.Equal(t, []syncpkg.Reason{syncpkg.ReasonUser, syncpkg.ReasonUser}, engine.triggered())
}

func TestSyncNow(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, nil)

	require.NoError(t, s.SyncNow(context.Background()))
	assert.Equal(t, []syncpkg.Reason{syncpkg.ReasonUser}, engine.syncs)

	engine.err = assert.AnError
	assert.ErrorIs(t, s.SyncNow(context.Background()), assert.AnError)
}
