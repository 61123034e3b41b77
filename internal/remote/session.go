package remote

import (
	"context"

	"github.com/kimhsiao/opsync/internal/models"
)

// Authorizer runs fn with a valid access token. Implementations refresh the
// token on AuthExpired and retry fn at most once.
type Authorizer interface {
	Do(ctx context.Context, fn func(ctx context.Context, token string) error) error
}

// Session binds a Client to an Authorizer so callers need not handle tokens.
type Session struct {
	client *Client
	auth   Authorizer
}

// WithAuth returns a Session that authorizes every call through a.
func (c *Client) WithAuth(a Authorizer) *Session {
	return &Session{client: c, auth: a}
}

// Client returns the underlying unauthenticated client.
func (s *Session) Client() *Client { return s.client }

func (s *Session) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var out *PushResponse
	err := s.auth.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		out, err = s.client.Push(ctx, token, req)
		return err
	})
	return out, err
}

func (s *Session) Pull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	var out *PullResponse
	err := s.auth.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		out, err = s.client.Pull(ctx, token, req)
		return err
	})
	return out, err
}

func (s *Session) ResolveConflict(ctx context.Context, id string, req *ResolveRequest) (*ResolveResponse, error) {
	var out *ResolveResponse
	err := s.auth.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		out, err = s.client.ResolveConflict(ctx, token, id, req)
		return err
	})
	return out, err
}

func (s *Session) RegisterDevice(ctx context.Context, req *DeviceRequest) (*models.Device, error) {
	var out *models.Device
	err := s.auth.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		out, err = s.client.RegisterDevice(ctx, token, req)
		return err
	})
	return out, err
}

func (s *Session) ListDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := s.auth.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		out, err = s.client.ListDevices(ctx, token)
		return err
	})
	return out, err
}

// StaticToken is an Authorizer with a fixed token and no refresh.
type StaticToken string

func (t StaticToken) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	return fn(ctx, string(t))
}
