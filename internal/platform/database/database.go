// Package database opens PostgreSQL connections and applies embedded schema
// migrations for the Entity Store and Time-Series Writer.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var entityMigrations embed.FS

//go:embed tsmigrations/*.sql
var timeseriesMigrations embed.FS

// Config tunes a pool's connection limits.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open establishes a PostgreSQL connection pool and verifies connectivity.
// The returned *sql.DB must be closed by the caller.
func Open(ctx context.Context, dsn string, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// MigrateEntityStore applies the Entity Store's embedded migrations.
func MigrateEntityStore(dsn string) error {
	return applyMigrations(entityMigrations, "migrations", dsn)
}

// MigrateTimeseries applies the Time-Series Writer's embedded migrations.
func MigrateTimeseries(dsn string) error {
	return applyMigrations(timeseriesMigrations, "tsmigrations", dsn)
}

func applyMigrations(fsys embed.FS, dir, dsn string) error {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance(dir, source, wrapDSN(dsn))
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// wrapDSN adapts a libpq-style DSN to the postgres:// URL golang-migrate expects.
func wrapDSN(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dsn
	}
	return "postgres://" + strings.TrimPrefix(dsn, "postgres:")
}
