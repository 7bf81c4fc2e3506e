package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"watchlist-analyzer/internal/config"
)

// Backend is what the application needs from a storage driver.
type Backend interface {
	AnalysisStore
	SessionStore
	JobRunStore
	Migrate(ctx context.Context) error
	Close()
}

// Open connects the configured driver and, when enabled, applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Backend, error) {
	var backend Backend
	switch cfg.Driver {
	case "sqlite":
		store, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		backend = store
	case "postgres", "":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		backend = NewStore(pool)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if cfg.AutoMigrate {
		if err := backend.Migrate(ctx); err != nil {
			backend.Close()
			return nil, err
		}
	}
	return backend, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
