// Package main is the mobile bridge. Built with -buildmode=c-shared it exposes
// the sync engine to the host app as C functions that exchange JSON.
package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kimhsiao/opsync/internal/app"
	"github.com/kimhsiao/opsync/internal/config"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
	"github.com/kimhsiao/opsync/internal/store"
	syncpkg "github.com/kimhsiao/opsync/internal/sync"
)

func main() {}

// response is the envelope every bridge call returns.
type response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type writeRequest struct {
	LocalID string        `json:"local_id"`
	Action  models.Action `json:"action"`
	Data    models.Data   `json:"data"`
}

type resolveRequest struct {
	Resolution models.Resolution `json:"resolution"`
	MergedData models.Data       `json:"merged_data"`
}

type loginRequest struct {
	UserID string `json:"user_id"`
	remote.TokenPair
}

// bridge owns the single App instance behind the exported functions.
type bridge struct {
	mu     sync.Mutex
	app    *app.App
	cancel context.CancelFunc
	done   chan struct{}
	events []syncpkg.Event
}

var core = &bridge{}

// maxBufferedEvents bounds events kept for the host to poll.
const maxBufferedEvents = 100

func (b *bridge) init(dataDir, configPath string, opts app.Options) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return encode(nil, apperrors.New(apperrors.ErrInvalid, "already initialized"))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return encode(nil, apperrors.Wrap(apperrors.ErrConfig, "load config", err))
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	app.ConfigureLogging(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.Open(ctx, cfg, opts)
	if err != nil {
		cancel()
		return encode(nil, err)
	}
	b.app, b.cancel, b.done = a, cancel, make(chan struct{})

	a.Coordinator.Subscribe(b.buffer)
	a.Scheduler.Start(ctx)
	go func() {
		defer close(b.done)
		if err := a.Listener.Run(ctx); err != nil {
			logging.WithComponent("mobile").Error("Notice listener stopped", err)
		}
	}()
	return encode(map[string]string{"device_id": a.DeviceID}, nil)
}

func (b *bridge) buffer(ev syncpkg.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	if over := len(b.events) - maxBufferedEvents; over > 0 {
		b.events = b.events[over:]
	}
}

func (b *bridge) close() string {
	b.mu.Lock()
	a, cancel, done := b.app, b.cancel, b.done
	b.app, b.cancel, b.events = nil, nil, nil
	b.mu.Unlock()
	if a == nil {
		return encode(nil, nil)
	}
	cancel()
	<-done
	return encode(nil, a.Close())
}

// with runs fn against the open App.
func (b *bridge) with(fn func(ctx context.Context, a *app.App) (any, error)) string {
	b.mu.Lock()
	a := b.app
	b.mu.Unlock()
	if a == nil {
		return encode(nil, apperrors.New(apperrors.ErrInvalid, "not initialized"))
	}
	return encode(fn(context.Background(), a))
}

func (b *bridge) write(entity, body string) string {
	var req writeRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return encode(nil, apperrors.Wrap(apperrors.ErrValidation, "invalid write request", err))
	}
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		return a.Store.Write(ctx, models.EntityType(entity), store.Edit{LocalID: req.LocalID, Action: req.Action, Data: req.Data})
	})
}

func (b *bridge) get(entity, localID string) string {
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		return a.Store.Get(ctx, models.EntityType(entity), localID)
	})
}

func (b *bridge) list(entity string) string {
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		return a.Store.List(ctx, models.EntityType(entity))
	})
}

func (b *bridge) sync() string {
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		return a.Coordinator.Sync(ctx, syncpkg.ReasonUser)
	})
}

func (b *bridge) status() string {
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		return a.Coordinator.Status(ctx)
	})
}

func (b *bridge) setOnline(online bool) string {
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		a.Scheduler.SetOnlineStatus(online)
		return map[string]bool{"online": online}, nil
	})
}

// drainEvents returns and clears the buffered coordinator events.
func (b *bridge) drainEvents() string {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.mu.Unlock()
	if events == nil {
		events = []syncpkg.Event{}
	}
	return encode(events, nil)
}

func (b *bridge) conflicts(onlyPending bool) string {
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		return a.Resolver.List(ctx, onlyPending)
	})
}

func (b *bridge) resolve(id, body string) string {
	var req resolveRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return encode(nil, apperrors.Wrap(apperrors.ErrValidation, "invalid resolve request", err))
	}
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		return a.Resolver.Resolve(ctx, id, req.Resolution, req.MergedData)
	})
}

func (b *bridge) login(body string) string {
	var req loginRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return encode(nil, apperrors.Wrap(apperrors.ErrValidation, "invalid login request", err))
	}
	return b.with(func(ctx context.Context, a *app.App) (any, error) {
		if err := a.Auth.SetCredentials(ctx, req.UserID, req.TokenPair); err != nil {
			return nil, err
		}
		return map[string]bool{"authenticated": true}, nil
	})
}

func encode(data any, err error) string {
	resp := response{OK: err == nil, Data: data}
	if err != nil {
		resp.Data = nil
		resp.Code = string(apperrors.CodeOf(err))
		resp.Error = err.Error()
	}
	out, merr := json.Marshal(resp)
	if merr != nil {
		return `{"ok":false,"code":"INTERNAL_ERROR","error":"failed to encode response"}`
	}
	return string(out)
}
