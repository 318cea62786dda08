package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Supported dialects. Each has its own directory of migrations.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

//go:embed postgres/*.sql sqlite/*.sql
var MigrationFiles embed.FS

// RunMigrations executes all pending migrations for dialect against db.
// If autoMigrate is false, it only logs the current version.
func RunMigrations(db *sql.DB, dialect string, autoMigrate bool) error {
	sourceDriver, err := iofs.New(MigrationFiles, dialect)
	if err != nil {
		return fmt.Errorf("failed to create migration source for %s: %w", dialect, err)
	}

	dbDriver, err := databaseDriver(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dialect, dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty {
		slog.Warn("Database is in dirty state - migration was interrupted",
			"version", version,
			"action", "attempting automatic recovery",
		)

		// The baseline migration is idempotent (IF NOT EXISTS), so forcing the version is safe.
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to recover dirty migration state at version %d: %w", version, err)
		}
		slog.Info("Recovered dirty migration state", "version", version)
	}

	if !autoMigrate {
		slog.Info("Auto-migration disabled, skipping migrations",
			"dialect", dialect,
			"current_version", version,
			"dirty", dirty,
		)
		return nil
	}

	slog.Info("Running database migrations", "dialect", dialect, "current_version", version)

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("Database schema is up to date", "version", version)
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get updated migration version: %w", err)
	}

	slog.Info("Database migrations completed successfully",
		"dialect", dialect,
		"from_version", version,
		"to_version", newVersion,
	)
	return nil
}

func databaseDriver(db *sql.DB, dialect string) (database.Driver, error) {
	switch dialect {
	case DialectPostgres:
		return pgmigrate.WithInstance(db, &pgmigrate.Config{})
	case DialectSQLite:
		return sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}
