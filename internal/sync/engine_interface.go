// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/opsync/internal/agent"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
)

// Remote is the part of the remote authority the coordinator drives.
// *remote.Session implements it.
type Remote interface {
	Push(ctx context.Context, req *remote.PushRequest) (*remote.PushResponse, error)
	Pull(ctx context.Context, req *remote.PullRequest) (*remote.PullResponse, error)
}

// Outbox accepts mutations for background delivery. *agent.Outbox implements it.
type Outbox interface {
	Submit(ctx context.Context, req agent.Request) error
}

// DeviceTracker records successful cycles against the local device row.
// *device.Service implements it.
type DeviceTracker interface {
	MarkSynced(ctx context.Context, at time.Time) error
}

// Engine is what the scheduler and the local API need from a coordinator.
// This interface allows for mocking in tests.
type Engine interface {
	// Sync runs one cycle and waits for it.
	Sync(ctx context.Context, reason Reason) (*models.SyncEvent, error)

	// Trigger requests a cycle without waiting. It reports false when the
	// request was coalesced into an active cycle.
	Trigger(reason Reason) bool

	// SetOnline records connectivity. Going offline cancels the active cycle.
	SetOnline(online bool)

	// Status returns a snapshot of sync state.
	Status(ctx context.Context) (Status, error)

	// Subscribe registers fn for coordinator events and returns a function that removes it.
	Subscribe(fn func(Event)) func()
}
