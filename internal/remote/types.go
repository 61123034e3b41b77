package remote

import (
	"time"

	"github.com/kimhsiao/opsync/internal/models"
)

// Change is one mutation in a push request.
type Change struct {
	EntityType     models.EntityType `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	Action         models.Action     `json:"action"`
	Data           models.Data       `json:"data"`
	Version        int64             `json:"version"`
	Timestamp      time.Time         `json:"timestamp"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// ChangeFromMutation builds the wire form of a queued mutation.
func ChangeFromMutation(m *models.Mutation) Change {
	return Change{
		EntityType:     m.TableName,
		EntityID:       m.RecordID,
		Action:         m.Action,
		Data:           m.Data,
		Version:        m.BaseVersion,
		Timestamp:      m.EnqueuedAt,
		IdempotencyKey: m.IdempotencyKey,
	}
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	DeviceID string   `json:"device_id"`
	Changes  []Change `json:"changes"`
}

// ResultStatus is the per-mutation outcome of a push.
type ResultStatus string

const (
	StatusApplied  ResultStatus = "applied"
	StatusConflict ResultStatus = "conflict"
	StatusRejected ResultStatus = "rejected"
)

// ServerState is the server's current copy of a record, returned with a conflict.
type ServerState struct {
	ConflictID  string      `json:"conflict_id,omitempty"`
	Version     int64       `json:"version"`
	Data        models.Data `json:"data"`
	Timestamp   time.Time   `json:"timestamp"`
	IsFinancial bool        `json:"is_financial"`
}

// PushResult is the outcome for one change, in request order.
type PushResult struct {
	EntityID       string       `json:"entity_id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Status         ResultStatus `json:"status"`
	Version        int64        `json:"version"`
	Conflict       *ServerState `json:"conflict,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PullRequest selects the changes to pull.
type PullRequest struct {
	DeviceID    string
	Since       time.Time
	EntityTypes []models.EntityType
}

// RemoteChange is a server-side record state delivered by pull.
type RemoteChange struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Version    int64             `json:"version"`
	Data       models.Data       `json:"data"`
	Deleted    bool              `json:"deleted,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ConflictRecord is a server-held conflict awaiting a decision.
type ConflictRecord struct {
	ID             string            `json:"id"`
	EntityType     models.EntityType `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	ClientVersion  int64             `json:"client_version"`
	ClientData     models.Data       `json:"client_data"`
	ServerVersion  int64             `json:"server_version"`
	ServerData     models.Data       `json:"server_data"`
	ClientDeviceID string            `json:"client_device_id"`
	IsFinancial    bool              `json:"is_financial"`
	Resolution     models.Resolution `json:"resolution"`
	CreatedAt      time.Time         `json:"created_at"`
}

// PullResponse is the body returned by GET /sync/pull.
type PullResponse struct {
	Changes         []RemoteChange   `json:"changes"`
	Conflicts       []ConflictRecord `json:"conflicts"`
	ServerTimestamp time.Time        `json:"server_timestamp"`
}

// ResolveRequest is the body of PATCH /sync/conflicts/{id}.
type ResolveRequest struct {
	Resolution models.Resolution `json:"resolution"`
	MergedData models.Data       `json:"merged_data,omitempty"`
}

// ResolveResponse reports the record state after a resolution.
type ResolveResponse struct {
	ID         string            `json:"id"`
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Resolution models.Resolution `json:"resolution"`
	Version    int64             `json:"version"`
	Data       models.Data       `json:"data"`
}

// DeviceRequest is the body of POST /sync/devices.
type DeviceRequest struct {
	DeviceID   string `json:"device_id" validate:"required,max=128"`
	DeviceName string `json:"device_name" validate:"required,max=255"`
	DeviceType string `json:"device_type" validate:"required,oneof=desktop mobile tablet browser"`
	OSVersion  string `json:"os_version,omitempty" validate:"omitempty,max=100"`
	AppVersion string `json:"app_version,omitempty" validate:"omitempty,max=50"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPair is the body returned by POST /auth/refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is in seconds; zero means read the expiry from the token.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// ErrorBody is the error shape returned by the remote authority.
type ErrorBody struct {
	Detail string `json:"detail"`
}
