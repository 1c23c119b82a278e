package service

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/prn-tf/bastion/internal/cache/memory"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/repository"
)

// OnlineTargets answers whether a store identity has a session on this server.
// session.Registry implements it.
type OnlineTargets interface {
	IsOnline(identityID int64) bool
}

// PunishmentCacheConfig configures a PunishmentCache.
type PunishmentCacheConfig struct {
	// TTL is restarted on every read.
	TTL time.Duration

	// Capacity bounds the number of cached targets.
	Capacity int

	// CleanupInterval is how often expired entries are swept. 0 disables the sweep.
	CleanupInterval time.Duration

	Clock clock.Clock
}

// DefaultPunishmentCacheConfig returns the defaults used by the server.
func DefaultPunishmentCacheConfig() PunishmentCacheConfig {
	return PunishmentCacheConfig{
		TTL:             5 * time.Minute,
		Capacity:        memory.DefaultCapacity,
		CleanupInterval: 30 * time.Second,
	}
}

// punishmentList is the cached history of one target, ascending by creation time.
type punishmentList struct {
	mu    sync.RWMutex
	items []*domain.Punishment
}

func (l *punishmentList) snapshot() []*domain.Punishment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

// insert keeps the list ordered; equal creation times keep insertion order.
func (l *punishmentList) insert(p *domain.Punishment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.items {
		if existing.ID == p.ID {
			return
		}
	}
	i := len(l.items)
	for i > 0 && l.items[i-1].CreatedAt > p.CreatedAt {
		i--
	}
	l.items = slices.Insert(l.items, i, p)
}

func (l *punishmentList) find(id int64) (*domain.Punishment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.items {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// maxReloads bounds how often a load restarts after concurrent invalidations.
const maxReloads = 3

// pendingLoad tracks changes to a target made while its list is being read.
type pendingLoad struct {
	added       []*domain.Punishment
	invalidated bool
}

// PunishmentCache holds the punishment history of recently queried targets.
// Lists of targets with a session stay resident past their TTL while there is room.
//
// A list read from the store is stored under mu, the same lock Add and
// Invalidate take, so a punishment created while the read was in flight is
// merged into the list instead of being lost.
type PunishmentCache struct {
	repo  repository.PunishmentRepository
	lists *memory.Cache[int64, *punishmentList]
	group singleflight.Group

	mu      sync.Mutex
	loading map[int64]*pendingLoad
}

// NewPunishmentCache creates the cache. online may be nil, which disables retention.
func NewPunishmentCache(repo repository.PunishmentRepository, cfg PunishmentCacheConfig, online OnlineTargets) *PunishmentCache {
	opts := memory.Options[int64, *punishmentList]{
		Capacity:        cfg.Capacity,
		TTL:             cfg.TTL,
		RefreshOnAccess: true,
		CleanupInterval: cfg.CleanupInterval,
		KeyString:       func(id int64) string { return strconv.FormatInt(id, 10) },
		Clock:           cfg.Clock,
	}
	if online != nil {
		opts.Retain = func(targetID int64, _ *punishmentList) bool {
			return online.IsOnline(targetID)
		}
	}
	return &PunishmentCache{
		repo:    repo,
		lists:   memory.New(opts),
		loading: make(map[int64]*pendingLoad),
	}
}

// Get returns the history of targetID, loading it from the store on a miss.
// Concurrent misses of the same target share one load.
// The returned slice is a copy; the punishments are shared with the cache.
func (c *PunishmentCache) Get(ctx context.Context, targetID int64) ([]*domain.Punishment, error) {
	if list, ok := c.lists.Get(targetID); ok {
		return list.snapshot(), nil
	}

	res, err, _ := c.group.Do(strconv.FormatInt(targetID, 10), func() (any, error) {
		return c.load(ctx, targetID)
	})
	if err != nil {
		return nil, storeError(err, nil)
	}
	return res.(*punishmentList).snapshot(), nil
}

func (c *PunishmentCache) load(ctx context.Context, targetID int64) (*punishmentList, error) {
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		if list, ok := c.lists.Peek(targetID); ok {
			c.mu.Unlock()
			return list, nil
		}
		pending := &pendingLoad{}
		c.loading[targetID] = pending
		c.mu.Unlock()

		items, err := c.repo.ListByTarget(ctx, targetID)

		c.mu.Lock()
		delete(c.loading, targetID)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if pending.invalidated && attempt < maxReloads {
			c.mu.Unlock()
			continue
		}

		slices.SortStableFunc(items, func(a, b *domain.Punishment) int {
			return cmp.Compare(a.CreatedAt, b.CreatedAt)
		})
		list := &punishmentList{items: items}
		for _, p := range pending.added {
			list.insert(p)
		}
		if !pending.invalidated {
			c.lists.Set(targetID, list)
		}
		c.mu.Unlock()
		return list, nil
	}
}

// Add inserts a newly created punishment into its target's list if the list
// is resident or being loaded. Otherwise the next Get reads it from the store.
func (c *PunishmentCache) Add(p *domain.Punishment) {
	targetID := p.Target.StoreID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if pending, ok := c.loading[targetID]; ok {
		pending.added = append(pending.added, p)
	}
	if list, ok := c.lists.Peek(targetID); ok {
		list.insert(p)
	}
}

// Find returns the resident instance of a punishment, so that lift state
// observed through the cache is shared.
func (c *PunishmentCache) Find(targetID, id int64) (*domain.Punishment, bool) {
	list, ok := c.lists.Peek(targetID)
	if !ok {
		return nil, false
	}
	return list.find(id)
}

// Invalidate drops the list of targetID regardless of sessions. A load in
// flight for the target is read again.
func (c *PunishmentCache) Invalidate(targetID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending, ok := c.loading[targetID]; ok {
		pending.invalidated = true
	}
	c.lists.Delete(targetID)
}

// Purge drops every list.
func (c *PunishmentCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pending := range c.loading {
		pending.invalidated = true
	}
	c.lists.Purge()
}

// Resident reports whether the list of targetID is cached.
func (c *PunishmentCache) Resident(targetID int64) bool {
	_, ok := c.lists.Peek(targetID)
	return ok
}

// RegisterMetrics exposes the cache on m.
func (c *PunishmentCache) RegisterMetrics(m *metrics.Metrics) {
	m.RegisterCache("punishments", cacheStats(c.lists))
}

// Stop ends the cleanup goroutine.
func (c *PunishmentCache) Stop() {
	c.lists.Stop()
}
