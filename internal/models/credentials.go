package models

import "time"

// Credentials holds the session token pair.
// RefreshTokenEncrypted is what is persisted; the plain refresh token never leaves memory.
type Credentials struct {
	UserID                string    `db:"user_id" json:"user_id,omitempty"`
	AccessToken           string    `db:"access_token" json:"-"`
	RefreshToken          string    `db:"-" json:"-"`
	RefreshTokenEncrypted string    `db:"refresh_token_encrypted" json:"-"`
	ExpiresAt             time.Time `db:"expires_at" json:"expires_at,omitempty"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Credentials.
func (Credentials) TableName() string {
	return "credentials"
}

// Empty reports whether no session is held.
func (c *Credentials) Empty() bool {
	return c == nil || c.AccessToken == ""
}
