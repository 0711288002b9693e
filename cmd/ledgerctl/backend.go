package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rpattn/medledger/internal/db"
	"github.com/rpattn/medledger/internal/store"
	"github.com/rpattn/medledger/internal/store/postgres"
	"github.com/rpattn/medledger/internal/store/sqlite"
)

// migrator runs schema migrations for the configured driver.
type migrator struct {
	up     func() error
	down   func() error
	status func() (db.MigrationStatus, error)
	close  func()
}

func openMigrator(ctx context.Context, cfg db.Config, log zerolog.Logger) (*migrator, error) {
	switch cfg.Driver {
	case db.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqliteMigrator(conn, log), nil
	case db.DriverPostgres:
		conn, err := db.NewConnection(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return postgresMigrator(conn.Pool, log), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func sqliteMigrator(conn *sql.DB, log zerolog.Logger) *migrator {
	return &migrator{
		up:     func() error { return db.RunSQLiteMigrations(conn, log) },
		down:   func() error { return db.RollbackSQLiteMigrations(conn, log) },
		status: func() (db.MigrationStatus, error) { return db.SQLiteStatus(conn) },
		close:  func() { _ = conn.Close() },
	}
}

func postgresMigrator(pool *pgxpool.Pool, log zerolog.Logger) *migrator {
	return &migrator{
		up:     func() error { return db.RunMigrations(pool, log) },
		down:   func() error { return db.RollbackMigrations(pool, log) },
		status: func() (db.MigrationStatus, error) { return db.PostgresStatus(pool) },
		close:  pool.Close,
	}
}

// openBackend opens the store for the configured driver. SQLite databases are
// migrated on open; Postgres expects `ledgerctl migrate up` to have run.
func openBackend(ctx context.Context, cfg db.Config, log zerolog.Logger) (store.Backend, error) {
	switch cfg.Driver {
	case db.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath, log)
	case db.DriverPostgres:
		conn, err := db.NewConnection(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return postgres.NewOwned(conn.Pool), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
