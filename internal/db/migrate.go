package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// MigrationStatus reports the applied schema version.
type MigrationStatus struct {
	Version uint
	Dirty   bool
}

// RunMigrations applies every pending Postgres migration.
func RunMigrations(pool *pgxpool.Pool, logger zerolog.Logger) error {
	m, closeFn, err := newPostgresMigrate(pool)
	if err != nil {
		return err
	}
	defer closeFn()
	return up(m, "postgres", logger)
}

// RollbackMigrations reverts every Postgres migration.
func RollbackMigrations(pool *pgxpool.Pool, logger zerolog.Logger) error {
	m, closeFn, err := newPostgresMigrate(pool)
	if err != nil {
		return err
	}
	defer closeFn()
	return down(m, "postgres", logger)
}

// PostgresStatus returns the applied Postgres schema version.
func PostgresStatus(pool *pgxpool.Pool) (MigrationStatus, error) {
	m, closeFn, err := newPostgresMigrate(pool)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer closeFn()
	return status(m)
}

// RunSQLiteMigrations applies every pending SQLite migration. The database
// stays open; the sqlite migrate driver would close it.
func RunSQLiteMigrations(conn *sql.DB, logger zerolog.Logger) error {
	m, err := newSQLiteMigrate(conn)
	if err != nil {
		return err
	}
	return up(m, "sqlite", logger)
}

// RollbackSQLiteMigrations reverts every SQLite migration.
func RollbackSQLiteMigrations(conn *sql.DB, logger zerolog.Logger) error {
	m, err := newSQLiteMigrate(conn)
	if err != nil {
		return err
	}
	return down(m, "sqlite", logger)
}

// SQLiteStatus returns the applied SQLite schema version.
func SQLiteStatus(conn *sql.DB) (MigrationStatus, error) {
	m, err := newSQLiteMigrate(conn)
	if err != nil {
		return MigrationStatus{}, err
	}
	return status(m)
}

func newPostgresMigrate(pool *pgxpool.Pool) (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationFS, "migrations/postgres")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	// The wrapper borrows connections from pool; closing it leaves pool open.
	sqlDB := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, func() { m.Close() }, nil
}

func newSQLiteMigrate(conn *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations/sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

func up(m *migrate.Migrate, driver string, logger zerolog.Logger) error {
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug().Str("driver", driver).Msg("schema already up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if st, err := status(m); err == nil {
		logger.Info().Str("driver", driver).Uint("version", st.Version).Msg("applied migrations")
	}
	return nil
}

func down(m *migrate.Migrate, driver string, logger zerolog.Logger) error {
	if err := m.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	logger.Info().Str("driver", driver).Msg("reverted migrations")
	return nil
}

func status(m *migrate.Migrate) (MigrationStatus, error) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{}, nil
		}
		return MigrationStatus{}, fmt.Errorf("failed to read migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}
