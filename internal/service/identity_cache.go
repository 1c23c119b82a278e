package service

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/bastion/internal/cache/memory"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/pkg/clock"
)

// OnlinePlayers answers whether a player has a session on this server.
// session.Registry implements it.
type OnlinePlayers interface {
	IsOnlineUUID(id uuid.UUID) bool
	IsOnlineUsername(name string) bool
}

// IdentityCacheConfig configures an IdentityCache.
type IdentityCacheConfig struct {
	// TTL is the write TTL of both maps.
	TTL time.Duration

	// Capacity bounds each map.
	Capacity int

	// CleanupInterval is how often expired entries are swept. 0 disables the sweep.
	CleanupInterval time.Duration

	Clock clock.Clock
}

// DefaultIdentityCacheConfig returns the defaults used by the server.
func DefaultIdentityCacheConfig() IdentityCacheConfig {
	return IdentityCacheConfig{
		TTL:             2 * time.Minute,
		Capacity:        memory.DefaultCapacity,
		CleanupInterval: 30 * time.Second,
	}
}

// IdentityCache holds recently resolved players in two maps: stable id to
// player, and lowercase username to stable id.
//
// Entries of players with a session are kept past their TTL while the map has
// room. Stickiness is evaluated against the live session registry, so it ends
// by itself when the session does.
type IdentityCache struct {
	byID       *memory.Cache[uuid.UUID, *domain.PlayerIdentity]
	byUsername *memory.Cache[string, uuid.UUID]
}

// NewIdentityCache creates the cache. online may be nil, which disables retention.
func NewIdentityCache(cfg IdentityCacheConfig, online OnlinePlayers) *IdentityCache {
	idOpts := memory.Options[uuid.UUID, *domain.PlayerIdentity]{
		Capacity:        cfg.Capacity,
		TTL:             cfg.TTL,
		CleanupInterval: cfg.CleanupInterval,
		KeyString:       uuid.UUID.String,
		Clock:           cfg.Clock,
	}
	nameOpts := memory.Options[string, uuid.UUID]{
		Capacity:        cfg.Capacity,
		TTL:             cfg.TTL,
		CleanupInterval: cfg.CleanupInterval,
		Clock:           cfg.Clock,
	}
	if online != nil {
		idOpts.Retain = func(id uuid.UUID, _ *domain.PlayerIdentity) bool {
			return online.IsOnlineUUID(id)
		}
		nameOpts.Retain = func(name string, _ uuid.UUID) bool {
			return online.IsOnlineUsername(name)
		}
	}

	return &IdentityCache{
		byID:       memory.New(idOpts),
		byUsername: memory.New(nameOpts),
	}
}

// Put stores p in both maps. Repeated puts of the same player are harmless.
func (c *IdentityCache) Put(p *domain.PlayerIdentity) {
	if p == nil || p.UUID == uuid.Nil {
		return
	}
	c.byID.Set(p.UUID, p)
	c.byUsername.Set(strings.ToLower(p.Username), p.UUID)
}

// ByUUID returns the cached player with stable id.
func (c *IdentityCache) ByUUID(id uuid.UUID) (*domain.PlayerIdentity, bool) {
	return c.byID.Get(id)
}

// ByUsername returns the cached player currently named name.
// A name whose player has been renamed since is a miss.
func (c *IdentityCache) ByUsername(name string) (*domain.PlayerIdentity, bool) {
	key := strings.ToLower(name)
	id, ok := c.byUsername.Get(key)
	if !ok {
		return nil, false
	}
	p, ok := c.byID.Get(id)
	if !ok {
		return nil, false
	}
	if !strings.EqualFold(p.Username, name) {
		c.byUsername.Delete(key)
		return nil, false
	}
	return p, true
}

// Lookup returns the cached player for a username or stable id identifier.
func (c *IdentityCache) Lookup(id domain.Identifier) (*domain.PlayerIdentity, bool) {
	switch id.Kind {
	case domain.IdentifierUsername:
		return c.ByUsername(id.Username)
	case domain.IdentifierStableID:
		return c.ByUUID(id.UUID)
	default:
		return nil, false
	}
}

// Forget removes p from both maps regardless of sessions.
func (c *IdentityCache) Forget(p *domain.PlayerIdentity) {
	c.byID.Delete(p.UUID)
	c.byUsername.Delete(strings.ToLower(p.Username))
}

// Len returns the number of players in the id map.
func (c *IdentityCache) Len() int {
	return c.byID.Len()
}

// RegisterMetrics exposes both maps on m.
func (c *IdentityCache) RegisterMetrics(m *metrics.Metrics) {
	m.RegisterCache("identity_by_id", cacheStats(c.byID))
	m.RegisterCache("identity_by_username", cacheStats(c.byUsername))
}

// Stop ends the cleanup goroutines.
func (c *IdentityCache) Stop() {
	c.byID.Stop()
	c.byUsername.Stop()
}

type statsSource interface {
	Stats() memory.Stats
	Len() int
}

func cacheStats(c statsSource) metrics.CacheStats {
	return func() (uint64, uint64, uint64, uint64, int) {
		s := c.Stats()
		return s.Hits, s.Misses, s.Evictions, s.Retained, c.Len()
	}
}
