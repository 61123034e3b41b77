// Package agent is the Background Retry Agent.
//
// The application hands mutations that failed on the network to the agent's
// outbox. The agent runs as its own process, replays them in submission order
// and reports every final outcome through a spool of JSON notices that the
// application reconciles by idempotency key.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/flock"

	"github.com/kimhsiao/opsync/internal/clock"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/remote"
)

// Pusher delivers mutations. *remote.Session implements it.
type Pusher interface {
	Push(ctx context.Context, req *remote.PushRequest) (*remote.PushResponse, error)
}

// Config tunes the agent.
type Config struct {
	// Retention drops entries older than this, reporting them as expired.
	Retention   time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	// LockPath is the file locked for the agent's lifetime. Empty skips locking.
	LockPath string
	Clock    clock.Clock
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		Retention:   7 * 24 * time.Hour,
		MinInterval: 30 * time.Second,
		MaxInterval: 30 * time.Minute,
	}
}

// SweepResult counts what one pass over the outbox did.
type SweepResult struct {
	Delivered int `json:"delivered"`
	Conflicts int `json:"conflicts"`
	Rejected  int `json:"rejected"`
	Expired   int `json:"expired"`
	Remaining int `json:"remaining"`
}

// Agent replays outbox entries until each one reaches a final outcome.
type Agent struct {
	outbox *Outbox
	pusher Pusher
	spool  *Spool
	cfg    Config
	clock  clock.Clock
	log    *logging.Logger
}

// New creates an Agent.
func New(outbox *Outbox, pusher Pusher, spool *Spool, cfg Config) *Agent {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = max(def.MaxInterval, cfg.MinInterval)
	}
	return &Agent{
		outbox: outbox,
		pusher: pusher,
		spool:  spool,
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		log:    logging.WithComponent("agent"),
	}
}

// Run sweeps the outbox until ctx is done. Sweeps that stop on a transient
// failure are spaced by exponential backoff; a clean sweep resets it. A new
// submission in this process wakes the loop early.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.LockPath != "" {
		lock := flock.New(a.cfg.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire agent lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another agent is running for %s", a.cfg.LockPath)
		}
		defer lock.Unlock()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.MinInterval
	b.MaxInterval = a.cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.1

	a.log.Info("Retry agent started", map[string]interface{}{
		"retention":    a.cfg.Retention.String(),
		"min_interval": a.cfg.MinInterval.String(),
	})

	for {
		wait := a.cfg.MinInterval
		res, err := a.Sweep(ctx)
		switch {
		case ctx.Err() != nil:
			a.log.Info("Retry agent stopped", nil)
			return nil
		case err != nil:
			wait = b.NextBackOff()
			a.log.Warn("Sweep stopped early", map[string]interface{}{
				"error":     err.Error(),
				"remaining": res.Remaining,
				"next":      wait.String(),
			})
		default:
			b.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.log.Info("Retry agent stopped", nil)
			return nil
		case <-a.outbox.Signal():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Sweep makes one ordered pass over the outbox. It stops at the first failure
// that is not final for its entry and leaves the rest for the next sweep.
func (a *Agent) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	entries, err := a.outbox.List(ctx)
	if err != nil {
		return res, err
	}

	now := a.clock.Now()
	for i, e := range entries {
		if now.Sub(e.SubmittedAt) >= a.cfg.Retention {
			reason := "retention horizon exceeded"
			if e.LastError != "" {
				reason += ": " + e.LastError
			}
			if err := a.finish(ctx, e, OutcomeExpired, 0, reason); err != nil {
				res.Remaining = len(entries) - i
				return res, err
			}
			res.Expired++
			continue
		}

		resp, err := a.pusher.Push(ctx, &remote.PushRequest{DeviceID: e.DeviceID, Changes: []remote.Change{e.Change}})
		if err != nil {
			if apperrors.IsValidation(err) {
				if ferr := a.finish(ctx, e, OutcomeRejected, 0, err.Error()); ferr != nil {
					res.Remaining = len(entries) - i
					return res, ferr
				}
				res.Rejected++
				continue
			}
			if rerr := a.outbox.recordAttempt(context.WithoutCancel(ctx), e.ID, err); rerr != nil {
				a.log.Error("Failed to record attempt", rerr, nil)
			}
			res.Remaining = len(entries) - i
			return res, err
		}

		r := resp.Results[0]
		version := r.Version
		if r.Conflict != nil {
			version = r.Conflict.Version
		}
		if err := a.finish(ctx, e, outcome(r.Status), version, r.Error); err != nil {
			res.Remaining = len(entries) - i
			return res, err
		}
		switch r.Status {
		case remote.StatusApplied:
			res.Delivered++
		case remote.StatusConflict:
			res.Conflicts++
		default:
			res.Rejected++
		}
	}

	if res.Delivered+res.Conflicts+res.Rejected+res.Expired > 0 {
		a.log.Info("Sweep completed", map[string]interface{}{
			"delivered": res.Delivered,
			"conflicts": res.Conflicts,
			"rejected":  res.Rejected,
			"expired":   res.Expired,
		})
	}
	return res, nil
}

// finish reports an entry's outcome and drops it. The notice is written first:
// a crash in between replays the entry, and the server answers by key.
func (a *Agent) finish(ctx context.Context, e *Entry, out Outcome, version int64, reason string) error {
	n := Notice{
		IdempotencyKey: e.Change.IdempotencyKey,
		EntityType:     e.Change.EntityType,
		EntityID:       e.Change.EntityID,
		Outcome:        out,
		Version:        version,
		Error:          reason,
		At:             a.clock.Now(),
	}
	if err := a.spool.Write(n); err != nil {
		return err
	}
	if out != OutcomeApplied {
		a.log.Warn("Background delivery ended without applying", map[string]interface{}{
			"entity_type": n.EntityType,
			"entity_id":   n.EntityID,
			"outcome":     out,
			"error":       reason,
		})
	}
	return a.outbox.Remove(context.WithoutCancel(ctx), e.ID)
}
