package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/kimhsiao/opsync/internal/crypto"
	"github.com/kimhsiao/opsync/internal/db"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/models"
)

// CredentialStore persists the session between runs.
type CredentialStore interface {
	Load(ctx context.Context) (*models.Credentials, error)
	Save(ctx context.Context, c *models.Credentials) error
	Clear(ctx context.Context) error
}

// SQLiteStore keeps credentials in the single-row credentials table with the
// refresh token sealed.
type SQLiteStore struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

// NewSQLiteStore creates a SQLiteStore.
func NewSQLiteStore(sqlDB *sql.DB, sealer *crypto.Sealer) *SQLiteStore {
	return &SQLiteStore{db: sqlDB, sealer: sealer}
}

// Load returns the stored credentials, or nil when signed out.
func (s *SQLiteStore) Load(ctx context.Context) (*models.Credentials, error) {
	var (
		c                models.Credentials
		expires, updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, access_token, refresh_token_encrypted, expires_at, updated_at
		FROM credentials WHERE id = 1`).Scan(&c.UserID, &c.AccessToken, &c.RefreshTokenEncrypted, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load credentials", err)
	}
	c.ExpiresAt = db.FromMillis(expires)
	c.UpdatedAt = db.FromMillis(updated)
	c.RefreshToken, err = s.sealer.Open(c.RefreshTokenEncrypted)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "open refresh token", err)
	}
	return &c, nil
}

// Save replaces the stored credentials.
func (s *SQLiteStore) Save(ctx context.Context, c *models.Credentials) error {
	sealed, err := s.sealer.Seal(c.RefreshToken)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCryptoFailed, "seal refresh token", err)
	}
	c.RefreshTokenEncrypted = sealed
	_, err = s.db.ExecContext(ctx, `INSERT INTO credentials (id, user_id, access_token, refresh_token_encrypted, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, access_token = excluded.access_token,
			refresh_token_encrypted = excluded.refresh_token_encrypted, expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.UserID, c.AccessToken, sealed, db.Millis(c.ExpiresAt), db.Millis(c.UpdatedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "save credentials", err)
	}
	return nil
}

// Clear removes the stored credentials.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear credentials", err)
	}
	return nil
}

// MemoryStore is a CredentialStore that keeps nothing on disk.
type MemoryStore struct {
	mu sync.Mutex
	c  *models.Credentials
}

func (m *MemoryStore) Load(context.Context) (*models.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil, nil
	}
	cp := *m.c
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, c *models.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.c = &cp
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c = nil
	return nil
}
