// Package remote is the HTTP client for the remote sync authority.
//
// Every call is bounded by the configured timeout. Failures are mapped onto the
// sync error taxonomy: transport failures, timeouts and 5xx become NetworkError,
// 401 becomes AuthExpired, 400 and 422 become ValidationError, 409 becomes
// VersionConflict.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/models"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the remote authority. Authenticated calls take the access token explicitly;
// use WithAuth to bind a token source.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		http:    hc,
	}
}

// Push sends a batch of mutations.
func (c *Client) Push(ctx context.Context, token string, req *PushRequest) (*PushResponse, error) {
	var out PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", nil, token, req, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(req.Changes) {
		return nil, apperrors.Newf(apperrors.ErrInternal, "push returned %d results for %d changes",
			len(out.Results), len(req.Changes))
	}
	return &out, nil
}

// Pull fetches changes since req.Since for the requested entity types.
func (c *Client) Pull(ctx context.Context, token string, req *PullRequest) (*PullResponse, error) {
	q := url.Values{}
	q.Set("device_id", req.DeviceID)
	if !req.Since.IsZero() {
		q.Set("last_sync_at", req.Since.UTC().Format(time.RFC3339Nano))
	}
	for _, e := range req.EntityTypes {
		q.Add("entity_types[]", string(e))
	}
	var out PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync/pull", q, token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveConflict submits a decision for a server-held conflict.
func (c *Client) ResolveConflict(ctx context.Context, token, id string, req *ResolveRequest) (*ResolveResponse, error) {
	var out ResolveResponse
	if err := c.do(ctx, http.MethodPatch, "/sync/conflicts/"+url.PathEscape(id), nil, token, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterDevice registers this installation.
func (c *Client) RegisterDevice(ctx context.Context, token string, req *DeviceRequest) (*models.Device, error) {
	var out models.Device
	if err := c.do(ctx, http.MethodPost, "/sync/devices", nil, token, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDevices lists the user's active devices.
func (c *Client) ListDevices(ctx context.Context, token string) ([]models.Device, error) {
	var out []models.Device
	if err := c.do(ctx, http.MethodGet, "/sync/devices", nil, token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Refresh exchanges a refresh token for a new pair. It is unauthenticated.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var out TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, "", &RefreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, apperrors.New(apperrors.ErrAuthExpired, "refresh returned no access token")
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, body, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "encode request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("decode %s %s", method, path), err)
	}
	return nil
}

// transportError distinguishes a caller cancellation (going offline) from a
// failed or timed-out call.
func transportError(parent context.Context, method, path string, err error) error {
	op := method + " " + path
	if parent.Err() != nil {
		return apperrors.Wrap(apperrors.ErrOffline, op+" cancelled", parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrNetwork, op+" timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, op+" failed", err)
}

func statusError(resp *http.Response, body []byte) error {
	var eb ErrorBody
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &eb) == nil && eb.Detail != "" {
		detail = eb.Detail
	}
	msg := fmt.Sprintf("remote returned %d: %s", resp.StatusCode, detail)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperrors.New(apperrors.ErrAuthExpired, msg)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.ErrValidation, msg)
	case resp.StatusCode == http.StatusConflict:
		return apperrors.New(apperrors.ErrVersionConflict, msg)
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, msg)
	case resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrPermission, msg)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		e := apperrors.New(apperrors.ErrNetwork, msg)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := time.ParseDuration(ra + "s"); err == nil {
				e.RetryAfter = secs
			}
		}
		return e
	default:
		return apperrors.New(apperrors.ErrInternal, msg)
	}
}
