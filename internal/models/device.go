package models

import "time"

// Device is a registered installation of the client.
type Device struct {
	DeviceID   string    `db:"device_id" json:"device_id"`
	UserID     string    `db:"user_id" json:"user_id,omitempty"`
	DeviceName string    `db:"device_name" json:"device_name"`
	DeviceType string    `db:"device_type" json:"device_type"`
	OSVersion  string    `db:"os_version" json:"os_version,omitempty"`
	AppVersion string    `db:"app_version" json:"app_version,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	LastSyncAt time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	RevokedAt  time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// TableName returns the table name for Device.
func (Device) TableName() string {
	return "devices"
}
