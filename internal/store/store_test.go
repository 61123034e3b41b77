package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/opsync/internal/clock"
	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db    *db.DB
	queue *queue.Queue
	store *Store
	clock *clock.Fake
}

func open(t *testing.T, dir string) *fixture {
	t.Helper()
	d, err := db.Open(dir, "opsync.db", db.SchemaApp)
	require.NoError(t, err)
	fc := clock.NewFake(t0)
	q := queue.New(d.DB, queue.Config{Clock: fc})
	return &fixture{
		db:    d,
		queue: q,
		store: New(d.DB, q, Config{DeviceID: "dev-a", Clock: fc}),
		clock: fc,
	}
}

func newFixture(t *testing.T) *fixture {
	f := open(t, t.TempDir())
	t.Cleanup(func() { f.db.Close() })
	return f
}

func TestWrite_CreateIsVisibleAndQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityRawMaterials, Edit{
		Action: models.ActionCreate,
		Data:   models.Data{"name": "flour", "quantity": 12.0},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.LocalID)

	got, err := f.store.Get(ctx, models.EntityRawMaterials, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, got.SyncStatus)
	assert.Equal(t, int64(0), got.Version)
	assert.Equal(t, "dev-a", got.DeviceID)
	assert.Equal(t, "flour", got.Data["name"])
	assert.Equal(t, t0, got.LastModified)

	entries, err := f.queue.PendingForRecord(ctx, models.EntityRawMaterials, rec.LocalID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionCreate, entries[0].Action)
	assert.Equal(t, int64(0), entries[0].BaseVersion)
}

func TestWrite_UpdatePatchesAndDeclaresBase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityCustomers, Edit{Action: models.ActionCreate, Data: models.Data{"name": "Ama", "city": "Accra"}})
	require.NoError(t, err)
	entries, _ := f.queue.PendingForRecord(ctx, models.EntityCustomers, rec.LocalID)
	require.NoError(t, f.store.Acknowledge(ctx, entries[0], 3))

	updated, err := f.store.Write(ctx, models.EntityCustomers, Edit{LocalID: rec.LocalID, Action: models.ActionUpdate, Data: models.Data{"city": "Kumasi"}})
	require.NoError(t, err)
	assert.Equal(t, "Ama", updated.Data["name"])
	assert.Equal(t, "Kumasi", updated.Data["city"])
	assert.Equal(t, models.SyncPending, updated.SyncStatus)

	entries, err = f.queue.PendingForRecord(ctx, models.EntityCustomers, rec.LocalID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].BaseVersion)
}

func TestWrite_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Write(ctx, "bogus", Edit{Action: models.ActionCreate})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.store.Write(ctx, models.EntityOrders, Edit{LocalID: "missing", Action: models.ActionUpdate})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	rec, err := f.store.Write(ctx, models.EntityOrders, Edit{LocalID: "o1", Action: models.ActionCreate})
	require.NoError(t, err)
	_, err = f.store.Write(ctx, models.EntityOrders, Edit{LocalID: rec.LocalID, Action: models.ActionCreate})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.store.Write(ctx, models.EntityOrders, Edit{LocalID: "orders/7", Action: models.ActionCreate})
	assert.True(t, apperrors.IsValidation(err))
}

func TestWrite_FinancialConflictRejectsEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityOrders, Edit{Action: models.ActionCreate, Data: models.Data{"total_amount": 100.0}})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkConflict(ctx, models.EntityOrders, rec.LocalID))

	_, err = f.store.Write(ctx, models.EntityOrders, Edit{LocalID: rec.LocalID, Action: models.ActionUpdate, Data: models.Data{"total_amount": 120.0}})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	entries, err := f.queue.PendingForRecord(ctx, models.EntityOrders, rec.LocalID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected edit must not be queued")

	// Non-financial records stay editable while conflicted.
	log, err := f.store.Write(ctx, models.EntityDailyLogs, Edit{Action: models.ActionCreate})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkConflict(ctx, models.EntityDailyLogs, log.LocalID))
	_, err = f.store.Write(ctx, models.EntityDailyLogs, Edit{LocalID: log.LocalID, Action: models.ActionUpdate, Data: models.Data{"x": 1.0}})
	assert.NoError(t, err)
}

func TestApplyServerUpdate_NewRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.store.ApplyServerUpdate(ctx, models.EntityCampaigns, models.ServerUpdate{
		ID: "srv-1", Version: 4, Data: models.Data{"title": "Harmattan promo"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := f.store.Find(ctx, models.EntityCampaigns, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, rec.SyncStatus)
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, "Harmattan promo", rec.Data["title"])
}

func TestApplyServerUpdate_ConflictIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityOrders, Edit{Action: models.ActionCreate, Data: models.Data{"total_amount": 10.0}})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkConflict(ctx, models.EntityOrders, rec.LocalID))

	ok, err := f.store.ApplyServerUpdate(ctx, models.EntityOrders, models.ServerUpdate{
		LocalID: rec.LocalID, Version: 5, Data: models.Data{"total_amount": 99.0},
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := f.store.Get(ctx, models.EntityOrders, rec.LocalID)
	assert.Equal(t, models.SyncConflict, got.SyncStatus)
	assert.Equal(t, 10.0, got.Data["total_amount"])

	_, err = f.queue.Discard(ctx, models.EntityOrders, rec.LocalID)
	require.NoError(t, err)
	ok, err = f.store.ApplyServerUpdate(ctx, models.EntityOrders, models.ServerUpdate{
		LocalID: rec.LocalID, Version: 5, Data: models.Data{"total_amount": 99.0}, Resolution: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = f.store.Get(ctx, models.EntityOrders, rec.LocalID)
	assert.Equal(t, models.SyncSynced, got.SyncStatus)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, 99.0, got.Data["total_amount"])
}

func TestApplyServerUpdate_NeverLowersVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.ApplyServerUpdate(ctx, models.EntityFeedbacks, models.ServerUpdate{ID: "f1", Version: 7, Data: models.Data{"v": 7.0}})
	require.NoError(t, err)

	ok, err := f.store.ApplyServerUpdate(ctx, models.EntityFeedbacks, models.ServerUpdate{ID: "f1", Version: 3, Data: models.Data{"v": 3.0}})
	require.NoError(t, err)
	assert.False(t, ok)

	rec, _ := f.store.Find(ctx, models.EntityFeedbacks, "f1")
	assert.Equal(t, int64(7), rec.Version)
}

func TestApplyServerUpdate_KeepsQueuedLocalData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityWeeklyPlans, Edit{LocalID: "wp", Action: models.ActionCreate, Data: models.Data{"goal": "local"}})
	require.NoError(t, err)

	ok, err := f.store.ApplyServerUpdate(ctx, models.EntityWeeklyPlans, models.ServerUpdate{LocalID: rec.LocalID, ID: "wp", Version: 2, Data: models.Data{"goal": "remote"}})
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := f.store.Get(ctx, models.EntityWeeklyPlans, rec.LocalID)
	assert.Equal(t, "local", got.Data["goal"])
	assert.Equal(t, models.SyncPending, got.SyncStatus)
	assert.Equal(t, int64(2), got.Version)
}

func TestAcknowledge_RebasesFollowers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityDailyLogs, Edit{Action: models.ActionCreate, Data: models.Data{"summary": "a"}})
	require.NoError(t, err)
	_, err = f.store.Write(ctx, models.EntityDailyLogs, Edit{LocalID: rec.LocalID, Action: models.ActionUpdate, Data: models.Data{"summary": "b"}})
	require.NoError(t, err)

	entries, _ := f.queue.PendingForRecord(ctx, models.EntityDailyLogs, rec.LocalID)
	require.Len(t, entries, 2)

	require.NoError(t, f.store.Acknowledge(ctx, entries[0], 1))

	got, _ := f.store.Get(ctx, models.EntityDailyLogs, rec.LocalID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, models.SyncPending, got.SyncStatus)
	assert.Equal(t, rec.LocalID, got.ID)

	remaining, _ := f.queue.PendingForRecord(ctx, models.EntityDailyLogs, rec.LocalID)
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(1), remaining[0].BaseVersion)

	require.NoError(t, f.store.Acknowledge(ctx, remaining[0], 2))
	got, _ = f.store.Get(ctx, models.EntityDailyLogs, rec.LocalID)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, models.SyncSynced, got.SyncStatus)
}

func TestAcknowledge_DeleteRemovesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityCampaigns, Edit{Action: models.ActionCreate})
	require.NoError(t, err)
	entries, _ := f.queue.PendingForRecord(ctx, models.EntityCampaigns, rec.LocalID)
	require.NoError(t, f.store.Acknowledge(ctx, entries[0], 1))

	_, err = f.store.Write(ctx, models.EntityCampaigns, Edit{LocalID: rec.LocalID, Action: models.ActionDelete})
	require.NoError(t, err)
	entries, _ = f.queue.PendingForRecord(ctx, models.EntityCampaigns, rec.LocalID)
	require.Len(t, entries, 1)
	require.NoError(t, f.store.Acknowledge(ctx, entries[0], 2))

	_, err = f.store.Get(ctx, models.EntityCampaigns, rec.LocalID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestListPendingAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.store.Write(ctx, models.EntityDailyLogs, Edit{Action: models.ActionCreate})
	b, _ := f.store.Write(ctx, models.EntityOrders, Edit{Action: models.ActionCreate})
	c, _ := f.store.Write(ctx, models.EntityCustomers, Edit{Action: models.ActionCreate})
	_, err := f.store.ApplyServerUpdate(ctx, models.EntityCustomers, models.ServerUpdate{ID: "synced", Version: 1})
	require.NoError(t, err)

	require.NoError(t, f.store.MarkFailed(ctx, models.EntityOrders, b.LocalID))
	require.NoError(t, f.store.MarkConflict(ctx, models.EntityCustomers, c.LocalID))

	pending, err := f.store.ListPending(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, r := range pending {
		ids[r.LocalID] = true
	}
	assert.Equal(t, map[string]bool{a.LocalID: true, b.LocalID: true}, ids)

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Failed: 1, Conflict: 1}, counts)

	conflicted, err := f.store.ListConflicted(ctx)
	require.NoError(t, err)
	require.Len(t, conflicted, 1)
	assert.Equal(t, c.LocalID, conflicted[0].LocalID)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var events []Event
	unsubscribe := f.store.Subscribe(func(ev Event) { events = append(events, ev) })

	rec, err := f.store.Write(ctx, models.EntityDailyLogs, Edit{Action: models.ActionCreate})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventLocalWrite, events[0].Kind)
	assert.Equal(t, rec.LocalID, events[0].LocalID)

	unsubscribe()
	_, err = f.store.Write(ctx, models.EntityDailyLogs, Edit{Action: models.ActionCreate})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBackend_QueryByIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.store.Backend()

	require.NoError(t, b.Put(ctx, &models.Record{LocalID: "x", EntityType: models.EntityRawMaterials, SyncStatus: models.SyncSynced, DeviceID: "dev-b", Data: models.Data{}}))
	require.NoError(t, b.Put(ctx, &models.Record{LocalID: "y", EntityType: models.EntityRawMaterials, SyncStatus: models.SyncPending, DeviceID: "dev-b", Data: models.Data{}}))

	byDevice, err := b.QueryByIndex(ctx, models.EntityRawMaterials, IndexDeviceID, "dev-b")
	require.NoError(t, err)
	assert.Len(t, byDevice, 2)

	synced, err := b.QueryByIndex(ctx, models.EntityRawMaterials, IndexSyncStatus, models.SyncSynced)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, "x", synced[0].LocalID)

	_, err = b.QueryByIndex(ctx, models.EntityRawMaterials, "data", "x")
	assert.Error(t, err)

	require.NoError(t, b.Delete(ctx, models.EntityRawMaterials, "x"))
	_, err = b.Get(ctx, models.EntityRawMaterials, "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.store.State(ctx, StatePullCursor)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, f.store.SetState(ctx, StatePullCursor, "2026-05-04T09:00:00Z"))
	require.NoError(t, f.store.SetState(ctx, StatePullCursor, "2026-05-05T09:00:00Z"))
	v, err = f.store.State(ctx, StatePullCursor)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-05T09:00:00Z", v)
}

// Offline creates survive closing and reopening the database and come back in enqueue order.
func TestWrite_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := open(t, dir)
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := first.store.Write(ctx, models.EntityProductionLogs, Edit{Action: models.ActionCreate, Data: models.Data{"batch": float64(i)}})
		require.NoError(t, err)
		ids = append(ids, rec.LocalID)
	}
	require.NoError(t, first.db.Close())

	second := open(t, dir)
	defer second.db.Close()
	second.clock.Advance(24 * time.Hour)

	batch, err := second.queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, m := range batch {
		assert.Equal(t, ids[i], m.RecordID)
	}
}

func TestSettle_ResubmitCollapsesQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityCustomers, Edit{Action: models.ActionCreate, Data: models.Data{"name": "Ama"}})
	require.NoError(t, err)
	entries, _ := f.queue.PendingForRecord(ctx, models.EntityCustomers, rec.LocalID)
	require.NoError(t, f.store.Acknowledge(ctx, entries[0], 1))

	for _, phone := range []string{"0244", "0255"} {
		_, err = f.store.Write(ctx, models.EntityCustomers, Edit{LocalID: rec.LocalID, Action: models.ActionUpdate, Data: models.Data{"phone": phone}})
		require.NoError(t, err)
	}
	require.NoError(t, f.store.MarkConflict(ctx, models.EntityCustomers, rec.LocalID))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.Settle(ctx, models.EntityCustomers, rec.LocalID, Settlement{Version: 4, Resubmit: true}))

	got, _ := f.store.Get(ctx, models.EntityCustomers, rec.LocalID)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, models.SyncPending, got.SyncStatus)
	assert.Equal(t, t0.Add(time.Minute), got.LastModified)

	queued, _ := f.queue.PendingForRecord(ctx, models.EntityCustomers, rec.LocalID)
	require.Len(t, queued, 1)
	assert.Equal(t, models.ActionUpdate, queued[0].Action)
	assert.Equal(t, int64(4), queued[0].BaseVersion)
	assert.Equal(t, "0255", queued[0].Data["phone"])
	assert.Equal(t, "Ama", queued[0].Data["name"])
}

func TestSettle_AdoptServerData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Write(ctx, models.EntityOrders, Edit{Action: models.ActionCreate, Data: models.Data{"total_amount": 40.0}})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkConflict(ctx, models.EntityOrders, rec.LocalID))

	require.NoError(t, f.store.Settle(ctx, models.EntityOrders, rec.LocalID, Settlement{
		Version: 2,
		Data:    models.Data{"total_amount": 45.5},
	}))

	got, _ := f.store.Get(ctx, models.EntityOrders, rec.LocalID)
	assert.Equal(t, models.SyncSynced, got.SyncStatus)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, rec.LocalID, got.ID)
	assert.Equal(t, 45.5, got.Data["total_amount"])

	queued, _ := f.queue.PendingForRecord(ctx, models.EntityOrders, rec.LocalID)
	assert.Empty(t, queued)

	require.NoError(t, f.store.Settle(ctx, models.EntityOrders, rec.LocalID, Settlement{Version: 3, Deleted: true}))
	_, err = f.store.Get(ctx, models.EntityOrders, rec.LocalID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}
