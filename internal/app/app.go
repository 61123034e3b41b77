// Package app wires the sync engine's components from configuration. Both the
// opsync CLI and the retry agent build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kimhsiao/opsync/internal/agent"
	"github.com/kimhsiao/opsync/internal/api"
	"github.com/kimhsiao/opsync/internal/auth"
	"github.com/kimhsiao/opsync/internal/clock"
	"github.com/kimhsiao/opsync/internal/config"
	"github.com/kimhsiao/opsync/internal/crypto"
	"github.com/kimhsiao/opsync/internal/db"
	"github.com/kimhsiao/opsync/internal/device"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
	"github.com/kimhsiao/opsync/internal/store"
	syncpkg "github.com/kimhsiao/opsync/internal/sync"
	"github.com/kimhsiao/opsync/internal/sync/conflict"
	"github.com/kimhsiao/opsync/internal/sync/queue"
	"github.com/kimhsiao/opsync/internal/sync/scheduler"
	"github.com/kimhsiao/opsync/internal/telemetry"
)

// Options adjusts Open for tests.
type Options struct {
	Clock clock.Clock
	// Remote replaces the remote client configuration derived from cfg.
	Remote *remote.Config
}

// App holds the wired components of the foreground application.
type App struct {
	Config      *config.Config
	DeviceID    string
	DB          *db.DB
	Queue       *queue.Queue
	Store       *store.Store
	Auth        *auth.Manager
	Session     *remote.Session
	Resolver    *conflict.Resolver
	Devices     *device.Service
	Outbox      *agent.Outbox
	Spool       *agent.Spool
	Listener    *agent.Listener
	Coordinator *syncpkg.Coordinator
	Scheduler   *scheduler.Scheduler
	Telemetry   *telemetry.Provider

	outboxDB *db.DB
}

// ConfigureLogging installs the global logger described by cfg. Entries go to
// out unless a log file is configured.
func ConfigureLogging(cfg *config.Config, out io.Writer) {
	logging.Configure(logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		Out:        out,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}

// Open builds the application over cfg.DataDir.
func Open(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.DB, err = db.Open(cfg.DataDir, "opsync.db", db.SchemaApp)
	if err != nil {
		return nil, err
	}
	a.Queue = queue.New(a.DB.DB, queue.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
		Retention:   cfg.Agent.Retention,
		Clock:       opts.Clock,
	})

	boot := store.New(a.DB.DB, a.Queue, store.Config{Clock: opts.Clock})
	a.DeviceID, err = device.New(a.DB.DB, boot, nil, "", opts.Clock).EnsureDeviceID(ctx, cfg.Device.ID)
	if err != nil {
		return nil, err
	}
	a.Store = store.New(a.DB.DB, a.Queue, store.Config{DeviceID: a.DeviceID, Clock: opts.Clock})

	a.Auth, a.Session, err = openSession(ctx, cfg, a.DB, a.DeviceID, opts)
	if err != nil {
		return nil, err
	}

	a.Resolver = conflict.New(a.DB.DB, a.Store, a.Queue, a.Session, conflict.Config{
		Strategy: models.Resolution(cfg.Sync.Strategy),
		DeviceID: a.DeviceID,
		Clock:    opts.Clock,
	})
	a.Devices = device.New(a.DB.DB, a.Store, a.Session, a.DeviceID, opts.Clock)

	a.Outbox, a.outboxDB, err = agent.OpenOutbox(cfg.DataDir, opts.Clock)
	if err != nil {
		return nil, err
	}
	if a.Spool, err = agent.NewSpool(cfg.NotifyDir()); err != nil {
		return nil, err
	}

	a.Telemetry = telemetry.Setup(telemetry.Options{Enabled: cfg.Tracing.Enabled, Service: cfg.Tracing.Service})

	a.Coordinator = syncpkg.New(a.DB.DB, a.Store, a.Queue, a.Resolver, a.Session, syncpkg.Config{
		DeviceID:       a.DeviceID,
		Role:           models.Role(cfg.Device.Role),
		BatchSize:      cfg.Sync.BatchSize,
		LockPath:       cfg.LockPath(),
		Clock:          opts.Clock,
		TracerProvider: a.Telemetry.TracerProvider(),
		Outbox:         a.Outbox,
		Devices:        a.Devices,
	})

	a.Listener = agent.NewListener(a.Spool, a.Store, a.Queue)
	a.Listener.OnNotice = func(n agent.Notice) {
		// A conflict the agent hit is settled by a foreground cycle.
		if n.Outcome == agent.OutcomeConflict {
			a.Coordinator.Trigger(syncpkg.ReasonAgent)
		}
	}

	a.Scheduler = scheduler.NewScheduler(a.Coordinator, a.Queue, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.Interval,
		QueueInterval: cfg.Sync.QueueInterval,
	})
	return a, nil
}

// API builds the local API server. Connectivity reports go through the
// scheduler so that regaining the network starts a cycle.
func (a *App) API() *api.Server {
	return api.New(a.Coordinator, a.Store, a.Resolver, api.Config{
		Addr:           a.Config.API.Addr,
		AllowedOrigins: a.Config.API.AllowedOrigins,
		OnConnectivity: a.Scheduler.SetOnlineStatus,
	})
}

// Close releases everything Open acquired.
func (a *App) Close() error {
	var errs []error
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Coordinator != nil {
		a.Coordinator.Wait()
	}
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(context.Background()))
	}
	if a.outboxDB != nil {
		errs = append(errs, a.outboxDB.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// Agent holds the wired retry agent.
type Agent struct {
	Agent  *agent.Agent
	Outbox *agent.Outbox

	dbs []*db.DB
}

// OpenAgent builds the background retry agent over cfg.DataDir. It reads the
// shared session from the app database and never touches records or the queue.
func OpenAgent(ctx context.Context, cfg *config.Config, opts Options) (ag *Agent, err error) {
	ag = &Agent{}
	defer func() {
		if err != nil {
			ag.Close()
			ag = nil
		}
	}()

	appDB, err := db.Open(cfg.DataDir, "opsync.db", db.SchemaApp)
	if err != nil {
		return nil, err
	}
	ag.dbs = append(ag.dbs, appDB)

	q := queue.New(appDB.DB, queue.Config{Clock: opts.Clock})
	boot := store.New(appDB.DB, q, store.Config{Clock: opts.Clock})
	deviceID, err := device.New(appDB.DB, boot, nil, "", opts.Clock).EnsureDeviceID(ctx, cfg.Device.ID)
	if err != nil {
		return nil, err
	}
	_, session, err := openSession(ctx, cfg, appDB, deviceID, opts)
	if err != nil {
		return nil, err
	}

	outbox, outboxDB, err := agent.OpenOutbox(cfg.DataDir, opts.Clock)
	if err != nil {
		return nil, err
	}
	ag.dbs = append(ag.dbs, outboxDB)
	ag.Outbox = outbox

	spool, err := agent.NewSpool(cfg.NotifyDir())
	if err != nil {
		return nil, err
	}
	ag.Agent = agent.New(outbox, session, spool, agent.Config{
		Retention:   cfg.Agent.Retention,
		MinInterval: cfg.Agent.MinInterval,
		MaxInterval: cfg.Agent.MaxInterval,
		LockPath:    cfg.AgentLockPath(),
		Clock:       opts.Clock,
	})
	return ag, nil
}

// Close releases the agent's databases.
func (ag *Agent) Close() error {
	var errs []error
	for i := len(ag.dbs) - 1; i >= 0; i-- {
		errs = append(errs, ag.dbs[i].Close())
	}
	return errors.Join(errs...)
}

func openSession(ctx context.Context, cfg *config.Config, d *db.DB, deviceID string, opts Options) (*auth.Manager, *remote.Session, error) {
	secret, err := crypto.LoadOrCreateSecret(cfg.SecretPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load device secret: %w", err)
	}
	sealer, err := crypto.NewSealer(secret, deviceID)
	if err != nil {
		return nil, nil, err
	}

	rc := remote.Config{BaseURL: cfg.Remote.BaseURL, Timeout: cfg.RemoteTimeout()}
	if opts.Remote != nil {
		rc = *opts.Remote
	}
	client := remote.New(rc)

	mgr := auth.NewManager(client, auth.NewSQLiteStore(d.DB, sealer), auth.Config{Skew: cfg.Auth.Skew, Clock: opts.Clock})
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, client.WithAuth(mgr), nil
}
