// Package remotetest runs an in-process remote authority for tests.
//
// The server keeps versioned records in memory, detects stale base versions,
// memoizes applied idempotency keys, issues expiring JWT access tokens and
// rotates refresh tokens. Faults can be injected to simulate an outage.
package remotetest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kimhsiao/opsync/internal/clock"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
)

// Record is the server copy of an entity.
type Record struct {
	Version   int64
	Data      models.Data
	Deleted   bool
	DeviceID  string
	UpdatedAt time.Time
}

type recordKey struct {
	entity models.EntityType
	id     string
}

// Server is a fake remote authority.
type Server struct {
	mu        sync.Mutex
	clock     clock.Clock
	secret    []byte
	userID    string
	accessTTL time.Duration

	records   map[recordKey]*Record
	applied   map[string]remote.PushResult
	conflicts map[string]*remote.ConflictRecord
	devices   map[string]models.Device

	access  string
	refresh string
	offline bool
	failN   int

	// RefreshDelay holds every refresh response, widening the window in which
	// concurrent callers observe an expired token.
	RefreshDelay time.Duration
	// FailRefresh makes /auth/refresh reject every token.
	FailRefresh bool
	// Validate rejects a change when it returns a non-empty reason.
	Validate func(remote.Change) string

	refreshCalls atomic.Int64
	pushCalls    atomic.Int64
	applications atomic.Int64

	http *httptest.Server
}

// New starts a server. A nil clock uses the wall clock.
func New(c clock.Clock) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		clock:     clock.OrReal(c),
		secret:    []byte(uuid.NewString()),
		userID:    "user-1",
		accessTTL: 15 * time.Minute,
		records:   make(map[recordKey]*Record),
		applied:   make(map[string]remote.PushResult),
		conflicts: make(map[string]*remote.ConflictRecord),
		devices:   make(map[string]models.Device),
	}
	s.http = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.faults())

	r.POST("/auth/refresh", s.handleRefresh)

	api := r.Group("/sync", s.authenticate())
	api.POST("/push", s.handlePush)
	api.GET("/pull", s.handlePull)
	api.PATCH("/conflicts/:id", s.handleResolve)
	api.POST("/devices", s.handleRegisterDevice)
	api.GET("/devices", s.handleListDevices)
	return r
}

// URL is the base URL for remote.Config.
func (s *Server) URL() string { return s.http.URL }

// Close stops the server.
func (s *Server) Close() { s.http.Close() }

// Login issues a fresh credential pair, as a successful sign-in would.
func (s *Server) Login() remote.TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

func (s *Server) issueLocked() remote.TokenPair {
	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   s.userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	s.access = signed
	s.refresh = uuid.NewString()
	return remote.TokenPair{AccessToken: s.access, RefreshToken: s.refresh, ExpiresIn: int64(s.accessTTL / time.Second)}
}

// RevokeAccess invalidates the current access token while leaving the refresh
// token usable, so the next authenticated call gets 401.
func (s *Server) RevokeAccess() {
	s.mu.Lock()
	s.access = ""
	s.mu.Unlock()
}

// SetOffline makes every request fail with 503 until cleared.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// FailNext makes the next n requests fail with 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failN = n
	s.mu.Unlock()
}

// RefreshCalls counts /auth/refresh requests.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// PushCalls counts /sync/push requests that reached the handler.
func (s *Server) PushCalls() int64 { return s.pushCalls.Load() }

// Applications counts changes that actually modified server state.
func (s *Server) Applications() int64 { return s.applications.Load() }

// Put writes a record directly, as another device's accepted push would, and
// returns the new version.
func (s *Server) Put(entity models.EntityType, id string, data models.Data, deviceID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[recordKey{entity, id}]
	if rec == nil {
		rec = &Record{}
		s.records[recordKey{entity, id}] = rec
	}
	rec.Version++
	rec.Data = data.Clone()
	rec.DeviceID = deviceID
	rec.UpdatedAt = s.clock.Now()
	return rec.Version
}

// Get returns a copy of a server record.
func (s *Server) Get(entity models.EntityType, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{entity, id}]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.Data = rec.Data.Clone()
	return out, true
}

// Conflicts returns the server-held conflicts, oldest first.
func (s *Server) Conflicts() []remote.ConflictRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.ConflictRecord, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Server) faults() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		fail := s.offline || s.failN > 0
		if s.failN > 0 {
			s.failN--
		}
		s.mu.Unlock()
		if fail {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, remote.ErrorBody{Detail: "service unavailable"})
			return
		}
		c.Next()
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		s.mu.Lock()
		current := s.access
		s.mu.Unlock()

		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock.Now))
		if err != nil || raw != current {
			c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorBody{Detail: "token expired"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleRefresh(c *gin.Context) {
	s.refreshCalls.Add(1)
	if s.RefreshDelay > 0 {
		time.Sleep(s.RefreshDelay)
	}
	var req remote.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorBody{Detail: err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRefresh || req.RefreshToken == "" || req.RefreshToken != s.refresh {
		c.JSON(http.StatusUnauthorized, remote.ErrorBody{Detail: "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, s.issueLocked())
}

func (s *Server) handlePush(c *gin.Context) {
	s.pushCalls.Add(1)
	var req remote.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, remote.ErrorBody{Detail: err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]remote.PushResult, 0, len(req.Changes))
	for _, ch := range req.Changes {
		results = append(results, s.applyLocked(req.DeviceID, ch))
	}
	c.JSON(http.StatusOK, remote.PushResponse{Results: results})
}

func (s *Server) applyLocked(deviceID string, ch remote.Change) remote.PushResult {
	if ch.IdempotencyKey != "" {
		if prior, ok := s.applied[ch.IdempotencyKey]; ok {
			return prior
		}
	}
	result := remote.PushResult{EntityID: ch.EntityID, IdempotencyKey: ch.IdempotencyKey}

	reason := ""
	switch {
	case !ch.EntityType.Valid():
		reason = "unknown entity type"
	case ch.EntityID == "":
		reason = "entity_id is required"
	case !ch.Action.Valid():
		reason = "unknown action"
	case s.Validate != nil:
		reason = s.Validate(ch)
	}
	if reason != "" {
		result.Status = remote.StatusRejected
		result.Error = reason
		return result
	}

	key := recordKey{ch.EntityType, ch.EntityID}
	rec := s.records[key]
	var current int64
	if rec != nil {
		current = rec.Version
	}
	now := s.clock.Now()

	if ch.Version != current {
		conflict := &remote.ConflictRecord{
			ID:             uuid.NewString(),
			EntityType:     ch.EntityType,
			EntityID:       ch.EntityID,
			ClientVersion:  ch.Version,
			ClientData:     ch.Data.Clone(),
			ServerVersion:  current,
			ClientDeviceID: deviceID,
			IsFinancial:    ch.EntityType.IsFinancial(),
			Resolution:     models.ResolutionPending,
			CreatedAt:      now,
		}
		state := &remote.ServerState{ConflictID: conflict.ID, Version: current, Timestamp: now, IsFinancial: conflict.IsFinancial}
		if rec != nil {
			conflict.ServerData = rec.Data.Clone()
			state.Data = rec.Data.Clone()
			state.Timestamp = rec.UpdatedAt
		}
		s.conflicts[conflict.ID] = conflict
		result.Status = remote.StatusConflict
		result.Version = current
		result.Conflict = state
		return result
	}

	if rec == nil {
		rec = &Record{}
		s.records[key] = rec
	}
	rec.Version++
	rec.Data = ch.Data.Clone()
	rec.Deleted = ch.Action == models.ActionDelete
	rec.DeviceID = deviceID
	rec.UpdatedAt = now
	s.applications.Add(1)

	result.Status = remote.StatusApplied
	result.Version = rec.Version
	if ch.IdempotencyKey != "" {
		s.applied[ch.IdempotencyKey] = result
	}
	return result
}

func (s *Server) handlePull(c *gin.Context) {
	deviceID := c.Query("device_id")
	var since time.Time
	if raw := c.Query("last_sync_at"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, remote.ErrorBody{Detail: "invalid last_sync_at"})
			return
		}
		since = t
	}
	wanted := make(map[models.EntityType]bool)
	for _, e := range c.QueryArray("entity_types[]") {
		wanted[models.EntityType(e)] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	resp := remote.PullResponse{
		Changes:         []remote.RemoteChange{},
		Conflicts:       []remote.ConflictRecord{},
		ServerTimestamp: s.clock.Now(),
	}
	for key, rec := range s.records {
		if len(wanted) > 0 && !wanted[key.entity] {
			continue
		}
		if rec.UpdatedAt.Before(since) {
			continue
		}
		resp.Changes = append(resp.Changes, remote.RemoteChange{
			EntityType: key.entity,
			EntityID:   key.id,
			Version:    rec.Version,
			Data:       rec.Data.Clone(),
			Deleted:    rec.Deleted,
			DeviceID:   rec.DeviceID,
			Timestamp:  rec.UpdatedAt,
		})
	}
	sort.Slice(resp.Changes, func(i, j int) bool {
		return resp.Changes[i].Timestamp.Before(resp.Changes[j].Timestamp)
	})
	for _, cf := range s.conflicts {
		if cf.Resolution == models.ResolutionPending && cf.ClientDeviceID == deviceID {
			resp.Conflicts = append(resp.Conflicts, *cf)
		}
	}
	sort.Slice(resp.Conflicts, func(i, j int) bool {
		return resp.Conflicts[i].CreatedAt.Before(resp.Conflicts[j].CreatedAt)
	})
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleResolve(c *gin.Context) {
	var req remote.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorBody{Detail: err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, ok := s.conflicts[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, remote.ErrorBody{Detail: "conflict not found"})
		return
	}
	key := recordKey{cf.EntityType, cf.EntityID}
	rec := s.records[key]
	if rec == nil {
		rec = &Record{}
		s.records[key] = rec
	}

	if cf.Resolution == models.ResolutionPending {
		switch req.Resolution {
		case models.ResolutionClientWins:
			rec.Data = cf.ClientData.Clone()
			rec.Version++
		case models.ResolutionMerged, models.ResolutionManual:
			if req.MergedData == nil {
				c.JSON(http.StatusUnprocessableEntity, remote.ErrorBody{Detail: "merged_data is required"})
				return
			}
			rec.Data = req.MergedData.Clone()
			rec.Version++
		case models.ResolutionServerWins:
		default:
			c.JSON(http.StatusUnprocessableEntity, remote.ErrorBody{Detail: "invalid resolution"})
			return
		}
		rec.DeviceID = cf.ClientDeviceID
		rec.UpdatedAt = s.clock.Now()
		cf.Resolution = req.Resolution
	}

	c.JSON(http.StatusOK, remote.ResolveResponse{
		ID:         cf.ID,
		EntityType: cf.EntityType,
		EntityID:   cf.EntityID,
		Resolution: cf.Resolution,
		Version:    rec.Version,
		Data:       rec.Data.Clone(),
	})
}

func (s *Server) handleRegisterDevice(c *gin.Context) {
	var req remote.DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" || req.DeviceName == "" {
		c.JSON(http.StatusUnprocessableEntity, remote.ErrorBody{Detail: "device_id and device_name are required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := models.Device{
		DeviceID:   req.DeviceID,
		UserID:     s.userID,
		DeviceName: req.DeviceName,
		DeviceType: req.DeviceType,
		OSVersion:  req.OSVersion,
		AppVersion: req.AppVersion,
		IsActive:   true,
		LastSyncAt: s.clock.Now(),
	}
	s.devices[d.DeviceID] = d
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleListDevices(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if d.IsActive {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	c.JSON(http.StatusOK, out)
}
