// Package auth holds the session credential pair and serializes refreshes.
//
// At most one refresh request is in flight at a time. Callers that discover an
// expired token while a refresh is running wait for that refresh and share its
// outcome. A rejected refresh invalidates the session for every waiter.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/opsync/internal/clock"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
)

// Refresher exchanges a refresh token for a new pair. *remote.Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*remote.TokenPair, error)
}

// Config configures a Manager.
type Config struct {
	// Skew treats a token as expired this long before its real expiry.
	Skew  time.Duration
	Clock clock.Clock
}

// Manager implements remote.Authorizer.
type Manager struct {
	refresher Refresher
	store     CredentialStore
	clock     clock.Clock
	skew      time.Duration
	log       *logging.Logger

	mu    sync.RWMutex
	creds *models.Credentials

	group     singleflight.Group
	listeners []func(authenticated bool)
}

var _ remote.Authorizer = (*Manager)(nil)

// NewManager creates a Manager. Call Load to restore a persisted session.
func NewManager(refresher Refresher, store CredentialStore, cfg Config) *Manager {
	return &Manager{
		refresher: refresher,
		store:     store,
		clock:     clock.OrReal(cfg.Clock),
		skew:      cfg.Skew,
		log:       logging.WithComponent("auth"),
	}
}

// Load restores the persisted session, if any.
func (m *Manager) Load(ctx context.Context) error {
	c, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.creds = c
	m.mu.Unlock()
	return nil
}

// SetCredentials installs a freshly issued pair, as after sign-in.
func (m *Manager) SetCredentials(ctx context.Context, userID string, pair remote.TokenPair) error {
	c := m.credentials(userID, pair)
	if err := m.store.Save(ctx, c); err != nil {
		return err
	}
	m.mu.Lock()
	m.creds = c
	m.mu.Unlock()
	m.publish(true)
	return nil
}

// Authenticated reports whether a session is held.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.creds.Empty()
}

// Current returns the session metadata without tokens, or nil when signed out.
func (m *Manager) Current() *models.Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds.Empty() {
		return nil
	}
	return &models.Credentials{UserID: m.creds.UserID, ExpiresAt: m.expiry(m.creds), UpdatedAt: m.creds.UpdatedAt}
}

// Subscribe registers fn to run when the session is established or invalidated.
func (m *Manager) Subscribe(fn func(authenticated bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) publish(authenticated bool) {
	m.mu.RLock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(authenticated)
	}
}

// GetValidToken returns an access token not known to be expired, refreshing
// first when needed.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	c := m.creds
	m.mu.RUnlock()
	if c.Empty() {
		return "", apperrors.New(apperrors.ErrSessionInvalid, "not signed in")
	}
	if !m.expired(c) {
		return c.AccessToken, nil
	}
	return m.refresh(ctx, c.AccessToken)
}

// Do runs fn with a valid token. If fn fails with AuthExpired it is replayed
// once with the refreshed token.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token, err := m.GetValidToken(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, token)
	if !apperrors.IsAuthExpired(err) {
		return err
	}
	token, err = m.refresh(ctx, token)
	if err != nil {
		return err
	}
	return fn(ctx, token)
}

// refresh returns a token newer than stale. Concurrent callers share one
// refresh request.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	c := m.creds
	m.mu.RUnlock()
	if c.Empty() {
		return "", apperrors.New(apperrors.ErrSessionInvalid, "not signed in")
	}
	if c.AccessToken != stale && !m.expired(c) {
		return c.AccessToken, nil
	}

	// The shared refresh must not die with whichever caller started it.
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		return m.doRefresh(shared, stale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", apperrors.Wrap(apperrors.ErrOffline, "waiting for token refresh", ctx.Err())
	}
}

func (m *Manager) doRefresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	c := m.creds
	m.mu.RUnlock()
	if c.Empty() {
		return "", apperrors.New(apperrors.ErrSessionInvalid, "not signed in")
	}
	// A refresh that finished just before this one started already replaced the token.
	if c.AccessToken != stale && !m.expired(c) {
		return c.AccessToken, nil
	}

	m.log.Info("Refreshing access token", map[string]interface{}{"user_id": c.UserID})
	pair, err := m.refresher.Refresh(ctx, c.RefreshToken)
	if err != nil {
		if apperrors.Retryable(err) {
			m.log.Warn("Token refresh failed, session kept", map[string]interface{}{"error": err.Error()})
			return "", err
		}
		m.Invalidate(ctx)
		return "", apperrors.Wrap(apperrors.ErrSessionInvalid, "token refresh rejected", err)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = c.RefreshToken
	}

	next := m.credentials(c.UserID, *pair)
	if err := m.store.Save(ctx, next); err != nil {
		m.log.Error("Failed to persist refreshed credentials", err)
	}
	m.mu.Lock()
	m.creds = next
	m.mu.Unlock()
	return next.AccessToken, nil
}

// Invalidate drops the session and wipes stored credentials, forcing sign-in.
func (m *Manager) Invalidate(ctx context.Context) {
	m.log.Warn("Session invalidated, sign-in required")
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		m.log.Error("Failed to clear credentials", err)
	}
	m.publish(false)
}

func (m *Manager) credentials(userID string, pair remote.TokenPair) *models.Credentials {
	now := m.clock.Now()
	c := &models.Credentials{
		UserID:       userID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		UpdatedAt:    now,
	}
	if pair.ExpiresIn > 0 {
		c.ExpiresAt = now.Add(time.Duration(pair.ExpiresIn) * time.Second)
	} else {
		c.ExpiresAt = tokenExpiry(pair.AccessToken)
	}
	return c
}

func (m *Manager) expiry(c *models.Credentials) time.Time {
	if !c.ExpiresAt.IsZero() {
		return c.ExpiresAt
	}
	return tokenExpiry(c.AccessToken)
}

// expired reports whether c is expired or within the skew of expiring. A token
// with no known expiry is trusted until the server rejects it.
func (m *Manager) expired(c *models.Credentials) bool {
	exp := m.expiry(c)
	if exp.IsZero() {
		return false
	}
	return !m.clock.Now().Add(m.skew).Before(exp)
}

// tokenExpiry reads the exp claim without verifying the signature; the server
// remains the judge of validity.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
