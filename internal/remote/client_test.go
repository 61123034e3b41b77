package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/models"
)

func TestPushRequestBody(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync/push", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(PushResponse{Results: []PushResult{
			{EntityID: "m-1", Status: StatusApplied, Version: 4},
		}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/"})
	resp, err := c.Push(context.Background(), "tok", &PushRequest{
		DeviceID: "dev-1",
		Changes: []Change{{
			EntityType:     models.EntityRawMaterials,
			EntityID:       "m-1",
			Action:         models.ActionUpdate,
			Data:           models.Data{"name": "Flour", "quantity": 12},
			Version:        3,
			Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			IdempotencyKey: "abc",
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(4), resp.Results[0].Version)

	var pretty bytes.Buffer
	require.NoError(t, json.Indent(&pretty, body, "", "  "))
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "push_request", pretty.Bytes())
}

func TestPushResultCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Push(context.Background(), "tok", &PushRequest{
		Changes: []Change{{EntityID: "a"}},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrInternal, apperrors.CodeOf(err))
}

func TestPullQuery(t *testing.T) {
	since := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "dev-1", q.Get("device_id"))
		assert.Equal(t, since.Format(time.RFC3339Nano), q.Get("last_sync_at"))
		assert.Equal(t, []string{"raw_materials", "orders"}, q["entity_types[]"])
		_ = json.NewEncoder(w).Encode(PullResponse{
			Changes:         []RemoteChange{{EntityType: models.EntityRawMaterials, EntityID: "m-1", Version: 2}},
			ServerTimestamp: since.Add(time.Hour),
		})
	}))
	defer srv.Close()

	resp, err := New(Config{BaseURL: srv.URL}).Pull(context.Background(), "tok", &PullRequest{
		DeviceID:    "dev-1",
		Since:       since,
		EntityTypes: []models.EntityType{models.EntityRawMaterials, models.EntityOrders},
	})
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.True(t, resp.ServerTimestamp.Equal(since.Add(time.Hour)))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   apperrors.ErrorCode
	}{
		{http.StatusUnauthorized, apperrors.ErrAuthExpired},
		{http.StatusBadRequest, apperrors.ErrValidation},
		{http.StatusUnprocessableEntity, apperrors.ErrValidation},
		{http.StatusConflict, apperrors.ErrVersionConflict},
		{http.StatusNotFound, apperrors.ErrNotFound},
		{http.StatusForbidden, apperrors.ErrPermission},
		{http.StatusTooManyRequests, apperrors.ErrNetwork},
		{http.StatusBadGateway, apperrors.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"detail":"nope"}`))
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}).ListDevices(context.Background(), "tok")
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).ListDevices(context.Background(), "tok")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 7*time.Second, appErr.RetryAfter)
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}).ListDevices(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, apperrors.IsNetwork(err))
}

func TestCancelledContextIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{BaseURL: srv.URL}).ListDevices(ctx, "tok")
	assert.True(t, apperrors.Is(err, apperrors.ErrOffline))
}

func TestUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(Config{BaseURL: url}).ListDevices(context.Background(), "tok")
	assert.True(t, apperrors.IsNetwork(err))
	assert.True(t, apperrors.Retryable(err))
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		var req RefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.RefreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(TokenPair{AccessToken: "a2", RefreshToken: "r2"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	pair, err := c.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", pair.AccessToken)

	_, err = c.Refresh(context.Background(), "stale")
	assert.True(t, apperrors.IsAuthExpired(err))
}

func TestSessionUsesAuthorizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer static" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]models.Device{{DeviceID: "d1", IsActive: true}})
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL}).WithAuth(StaticToken("static"))
	devices, err := s.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "d1", devices[0].DeviceID)
}
