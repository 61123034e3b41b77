// Package device keeps the identity of this installation and its registration
// with the remote authority.
package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kimhsiao/opsync/internal/clock"
	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/ids"
	"github.com/kimhsiao/opsync/internal/logging"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
	"github.com/kimhsiao/opsync/internal/store"
)

// Remote is the device part of the remote authority. *remote.Session implements it.
type Remote interface {
	RegisterDevice(ctx context.Context, req *remote.DeviceRequest) (*models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// Service registers and tracks this device.
type Service struct {
	db       *sql.DB
	store    *store.Store
	remote   Remote
	clock    clock.Clock
	validate *validator.Validate
	log      *logging.Logger
	deviceID string
}

// New creates a Service. deviceID may be empty until EnsureDeviceID runs.
func New(sqlDB *sql.DB, st *store.Store, rem Remote, deviceID string, clk clock.Clock) *Service {
	return &Service{
		db:       sqlDB,
		store:    st,
		remote:   rem,
		clock:    clock.OrReal(clk),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.WithComponent("device"),
		deviceID: deviceID,
	}
}

// EnsureDeviceID returns the persisted device id. A configured id wins and is
// persisted; otherwise one is generated on first run.
func (s *Service) EnsureDeviceID(ctx context.Context, configured string) (string, error) {
	stored, err := s.store.State(ctx, store.StateDeviceID)
	if err != nil {
		return "", err
	}
	id := stored
	switch {
	case configured != "":
		if err := ids.Check("device id", configured); err != nil {
			return "", err
		}
		id = configured
	case id == "":
		id = ids.New()
	}
	if id != stored {
		if err := s.store.SetState(ctx, store.StateDeviceID, id); err != nil {
			return "", err
		}
		s.log.Info("Device id assigned", map[string]interface{}{"device_id": id})
	}
	s.deviceID = id
	return id, nil
}

// ID returns the device id known to the service.
func (s *Service) ID() string { return s.deviceID }

// Register validates req, registers it remotely and keeps a local copy.
// An empty DeviceID is filled with this device's id.
func (s *Service) Register(ctx context.Context, req remote.DeviceRequest) (*models.Device, error) {
	if req.DeviceID == "" {
		req.DeviceID = s.deviceID
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	d, err := s.remote.RegisterDevice(ctx, &req)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("Device registered", map[string]interface{}{
		"device_id":   d.DeviceID,
		"device_type": d.DeviceType,
	})
	return d, nil
}

// List returns the user's active devices from the remote authority.
func (s *Service) List(ctx context.Context) ([]models.Device, error) {
	return s.remote.ListDevices(ctx)
}

// Local returns the locally stored row for this device.
func (s *Service) Local(ctx context.Context) (*models.Device, error) {
	var (
		d              models.Device
		active         int
		synced, revoke int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT device_id, user_id, device_name, device_type, os_version,
		app_version, is_active, last_sync_at, revoked_at FROM devices WHERE device_id = ?`, s.deviceID).
		Scan(&d.DeviceID, &d.UserID, &d.DeviceName, &d.DeviceType, &d.OSVersion, &d.AppVersion, &active, &synced, &revoke)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "device %s is not registered", s.deviceID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load device", err)
	}
	d.IsActive = active == 1
	if synced > 0 {
		d.LastSyncAt = db.FromMillis(synced)
	}
	if revoke > 0 {
		d.RevokedAt = db.FromMillis(revoke)
	}
	return &d, nil
}

// MarkSynced records a successful cycle for this device.
func (s *Service) MarkSynced(ctx context.Context, at time.Time) error {
	if s.deviceID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO devices (device_id, last_sync_at) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_sync_at = excluded.last_sync_at`,
		s.deviceID, db.Millis(at))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark device synced", err)
	}
	return nil
}

func (s *Service) save(ctx context.Context, d *models.Device) error {
	active := 0
	if d.IsActive {
		active = 1
	}
	var synced int64
	if !d.LastSyncAt.IsZero() {
		synced = db.Millis(d.LastSyncAt)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO devices
		(device_id, user_id, device_name, device_type, os_version, app_version, is_active, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			user_id = excluded.user_id,
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			os_version = excluded.os_version,
			app_version = excluded.app_version,
			is_active = excluded.is_active,
			last_sync_at = MAX(devices.last_sync_at, excluded.last_sync_at)`,
		d.DeviceID, d.UserID, d.DeviceName, d.DeviceType, d.OSVersion, d.AppVersion, active, synced)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "save device", err)
	}
	return nil
}

// validationError flattens validator output into one message naming each field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid device", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return apperrors.New(apperrors.ErrValidation, "invalid device: "+strings.Join(parts, "; "))
}
