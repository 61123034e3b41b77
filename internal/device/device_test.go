package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/opsync/internal/clock"
	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/ids"
	"github.com/kimhsiao/opsync/internal/remote"
	"github.com/kimhsiao/opsync/internal/remote/remotetest"
	"github.com/kimhsiao/opsync/internal/store"
	"github.com/kimhsiao/opsync/internal/sync/queue"
)

var t0 = time.Date(2026, 6, 3, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *store.Store, *remotetest.Server) {
	t.Helper()
	fc := clock.NewFake(t0)
	d, err := db.Open(t.TempDir(), "opsync.db", db.SchemaApp)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	srv := remotetest.New(fc)
	t.Cleanup(srv.Close)
	pair := srv.Login()
	session := remote.New(remote.Config{BaseURL: srv.URL()}).WithAuth(remote.StaticToken(pair.AccessToken))

	q := queue.New(d.DB, queue.Config{Clock: fc})
	st := store.New(d.DB, q, store.Config{Clock: fc})
	return New(d.DB, st, session, "", fc), st, srv
}

func TestEnsureDeviceID(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	id, err := svc.EnsureDeviceID(ctx, "")
	require.NoError(t, err)
	assert.True(t, ids.IsGenerated(id))

	again, err := svc.EnsureDeviceID(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, id, again, "generated id is stable")

	pinned, err := svc.EnsureDeviceID(ctx, "bakery-till-2")
	require.NoError(t, err)
	assert.Equal(t, "bakery-till-2", pinned)
	stored, _ := st.State(ctx, store.StateDeviceID)
	assert.Equal(t, "bakery-till-2", stored)
	assert.Equal(t, "bakery-till-2", svc.ID())

	_, err = svc.EnsureDeviceID(ctx, "bakery till")
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "bakery-till-2", svc.ID())
}

func TestRegisterAndList(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.EnsureDeviceID(ctx, "dev-1")
	require.NoError(t, err)

	d, err := svc.Register(ctx, remote.DeviceRequest{DeviceName: "Front counter", DeviceType: "desktop", OSVersion: "linux 6.8"})
	require.NoError(t, err)
	assert.Equal(t, "dev-1", d.DeviceID)
	assert.True(t, d.IsActive)

	local, err := svc.Local(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Front counter", local.DeviceName)
	assert.Equal(t, "linux 6.8", local.OSVersion)
	assert.True(t, local.IsActive)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dev-1", list[0].DeviceID)
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.EnsureDeviceID(ctx, "dev-1")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  remote.DeviceRequest
		want string
	}{
		{"missing name", remote.DeviceRequest{DeviceType: "desktop"}, "DeviceName: required"},
		{"unknown type", remote.DeviceRequest{DeviceName: "x", DeviceType: "toaster"}, "DeviceType: oneof"},
		{"long app version", remote.DeviceRequest{DeviceName: "x", DeviceType: "mobile", AppVersion: string(make([]byte, 51))}, "AppVersion: max=50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "invalid requests never reach the server")
}

func TestMarkSynced(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	// Without an id there is nothing to record.
	require.NoError(t, svc.MarkSynced(ctx, t0))

	_, err := svc.EnsureDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	require.NoError(t, svc.MarkSynced(ctx, t0.Add(time.Hour)))

	local, err := svc.Local(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), local.LastSyncAt)

	// Registration keeps the newer local sync time.
	_, err = svc.Register(ctx, remote.DeviceRequest{DeviceName: "Till", DeviceType: "tablet"})
	require.NoError(t, err)
	local, err = svc.Local(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), local.LastSyncAt)
	assert.Equal(t, "Till", local.DeviceName)
}

func TestLocalNotRegistered(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.EnsureDeviceID(context.Background(), "dev-9")
	require.NoError(t, err)

	_, err = svc.Local(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}
