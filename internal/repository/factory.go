package repository

import (
	"context"
)

// Repositories holds all repository instances.
type Repositories struct {
	Identity   IdentityRepository
	Punishment PunishmentRepository
}

// DatabaseHealth is an interface for database health checks and shutdown.
// This interface satisfies handler.HealthChecker for health endpoints.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

// Migrator applies embedded schema migrations and reports the current version.
type Migrator interface {
	Migrate(ctx context.Context) error
	Version(ctx context.Context) (int, error)
}
