package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationFS embed.FS

// Schema selects a migration set.
type Schema string

const (
	// SchemaApp is the foreground database: entity tables, mutation queue, conflicts.
	SchemaApp Schema = "app"
	// SchemaOutbox is the retry agent's database.
	SchemaOutbox Schema = "outbox"
)

// Migrate applies every pending up migration of schema to db.
// The migrate instance is intentionally not closed: closing it would close db.
func Migrate(db *sql.DB, schema Schema) error {
	source, err := iofs.New(migrationFS, "migrations/"+string(schema))
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", schema, err)
	}
	return nil
}

// Version reports the applied migration version of db.
func Version(db *sql.DB) (uint, bool, error) {
	var version uint
	var dirty bool
	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return version, dirty, err
}
