// Package database opens the configured durable store.
package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/repository"
	"github.com/prn-tf/bastion/internal/repository/postgres"
	"github.com/prn-tf/bastion/internal/repository/sqlite"
)

// Store is an open durable store.
type Store interface {
	repository.DatabaseHealth
	repository.Migrator
	Repositories() *repository.Repositories
}

var (
	_ Store = (*sqlite.DB)(nil)
	_ Store = (*postgres.DB)(nil)
)

// Open connects to the driver named in cfg. Migrations are applied when
// cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Store, error) {
	store, err := Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return store, nil
}

// Connect connects to the driver named in cfg without migrating.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "database").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case "sqlite":
		sc := sqlite.DefaultConfig(cfg.Path)
		if cfg.JournalMode != "" {
			sc.JournalMode = cfg.JournalMode
		}
		if cfg.BusyTimeout > 0 {
			sc.BusyTimeout = cfg.BusyTimeout
		}
		if cfg.CacheSize != 0 {
			sc.CacheSize = cfg.CacheSize
		}
		if cfg.SynchronousMode != "" {
			sc.SynchronousMode = cfg.SynchronousMode
		}
		if cfg.ConnMaxLifetime > 0 {
			sc.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		db, err := sqlite.NewDB(ctx, sc, logger)
		if err != nil {
			return nil, err
		}
		return db, nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return db, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
