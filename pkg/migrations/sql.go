package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"postal/internal/constants"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var sqlFiles embed.FS

// UpSQL applies the embedded schema for store ("postgres" or "sqlite").
func UpSQL(db *sql.DB, store string) error {
	m, err := newSQLMigrate(db, store)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run %s migrations: %w", store, err)
	}
	return nil
}

// DownSQL rolls the schema all the way back. Used by tests.
func DownSQL(db *sql.DB, store string) error {
	m, err := newSQLMigrate(db, store)
	if err != nil {
		return err
	}

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back %s migrations: %w", store, err)
	}
	return nil
}

func newSQLMigrate(db *sql.DB, store string) (*migrate.Migrate, error) {
	var (
		driver database.Driver
		dir    string
		err    error
	)
	switch store {
	case constants.StorePostgres:
		dir = "sql/postgres"
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case constants.StoreSQLite:
		dir = "sql/sqlite"
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	default:
		return nil, fmt.Errorf("no migrations for store %q", store)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migration driver: %w", store, err)
	}

	source, err := iofs.New(sqlFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, store, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}
