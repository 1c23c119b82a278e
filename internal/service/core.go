package service

import (
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/directory"
	"github.com/prn-tf/bastion/internal/events"
	"github.com/prn-tf/bastion/internal/lock"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/repository"
	"github.com/prn-tf/bastion/internal/session"
)

// Dependencies are the collaborators the core services are built on.
type Dependencies struct {
	Repositories *repository.Repositories
	Directory    directory.Client
	Registry     *session.Registry

	// Publisher defaults to events.Noop.
	Publisher events.Publisher

	// Locker defaults to a no-op locker.
	Locker lock.Locker

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Core wires the identity and punishment services of one process.
type Core struct {
	IdentityCache   *IdentityCache
	PunishmentCache *PunishmentCache
	Resolver        *IdentityResolver
	Lifecycle       *PunishmentLifecycle
	Sessions        *SessionService
	Sweeper         *ExpirySweeper
	WriteBack       *WriteBack
}

// NewCore builds the services from configuration. The caches are process-scoped
// and released by Close.
func NewCore(cfg *config.Config, deps Dependencies) *Core {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	writeBack := NewWriteBack(cfg.Punishment.WriteBackTimeout, deps.Metrics, deps.Logger)

	identityCache := NewIdentityCache(IdentityCacheConfig{
		TTL:             cfg.Cache.IdentityTTL,
		Capacity:        cfg.Cache.IdentityCapacity,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Clock:           clk,
	}, deps.Registry)
	identityCache.RegisterMetrics(deps.Metrics)

	punishmentCache := NewPunishmentCache(deps.Repositories.Punishment, PunishmentCacheConfig{
		TTL:             cfg.Cache.PunishmentTTL,
		Capacity:        cfg.Cache.PunishmentCapacity,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Clock:           clk,
	}, deps.Registry)
	punishmentCache.RegisterMetrics(deps.Metrics)

	resolver := NewIdentityResolver(
		deps.Repositories.Identity,
		identityCache,
		deps.Directory,
		clk,
		ResolverConfig{RefreshAfter: cfg.Directory.RefreshAfter},
		deps.Metrics,
		deps.Logger,
	)

	lifecycle := NewPunishmentLifecycle(
		deps.Repositories.Punishment,
		punishmentCache,
		deps.Registry,
		deps.Publisher,
		writeBack,
		clk,
		deps.Metrics,
		deps.Logger,
	)

	sessions := NewSessionService(resolver, lifecycle, punishmentCache, deps.Registry, writeBack, clk, deps.Logger)

	sweeper := NewExpirySweeper(
		deps.Repositories.Punishment,
		deps.Locker,
		clk,
		deps.Metrics,
		deps.Logger,
		SweepConfig{
			Enabled:  cfg.Punishment.SweepEnabled,
			Interval: cfg.Punishment.SweepInterval,
			LockTTL:  cfg.Punishment.SweepLockTTL,
		},
	)

	return &Core{
		IdentityCache:   identityCache,
		PunishmentCache: punishmentCache,
		Resolver:        resolver,
		Lifecycle:       lifecycle,
		Sessions:        sessions,
		Sweeper:         sweeper,
		WriteBack:       writeBack,
	}
}

// Close stops the sweeper, drains pending write-backs and stops the caches.
func (c *Core) Close() {
	c.Sweeper.Stop()
	c.WriteBack.Wait()
	c.IdentityCache.Stop()
	c.PunishmentCache.Stop()
}
