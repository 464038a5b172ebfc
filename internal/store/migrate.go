package store

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/datify-sh/datify/internal/apperr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending migrations to db. Exit code contract: a
// migration failure is the daemon's "2" exit code (cmd/datifyd), distinct
// from a generic bootstrap failure.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "open embedded migrations", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "init migration driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", dbDriver)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "init migrator", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperr.Wrap(apperr.CodeStoreError, "apply migrations", err)
	}
	return nil
}
