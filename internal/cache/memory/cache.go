// Package memory provides in-process caches.
// This is suitable for single-node state; entries are never shared between servers.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/prn-tf/bastion/internal/pkg/clock"
)

// DefaultCapacity is used when Options.Capacity is not positive.
const DefaultCapacity = 512

// EvictionCause tells an eviction listener why an entry left the cache.
type EvictionCause int

const (
	// EvictedExpired means the entry outlived its TTL.
	EvictedExpired EvictionCause = iota
	// EvictedCapacity means the entry was the least recently used one when the cache was full.
	EvictedCapacity
	// EvictedExplicit means the entry was deleted or purged by a caller.
	EvictedExplicit
)

// String returns the cause name used in logs and metrics.
func (c EvictionCause) String() string {
	switch c {
	case EvictedExpired:
		return "expired"
	case EvictedCapacity:
		return "capacity"
	case EvictedExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// Options configures a Cache.
type Options[K comparable, V any] struct {
	// Capacity bounds the number of entries.
	Capacity int

	// TTL is the lifetime of an entry. 0 keeps entries until they are evicted for capacity.
	TTL time.Duration

	// RefreshOnAccess restarts the TTL on every read instead of only on writes.
	RefreshOnAccess bool

	// CleanupInterval is how often expired entries are swept. 0 disables the sweep;
	// expired entries are then only dropped when they are read.
	CleanupInterval time.Duration

	// Retain is consulted for entries that expire or are pushed out for capacity.
	// Returning true re-inserts the entry with a fresh TTL, provided the cache has room.
	// It runs under the cache lock and must not call back into the cache.
	Retain func(key K, value V) bool

	// OnEvict is called after an entry has been dropped, outside the cache lock.
	OnEvict func(key K, value V, cause EvictionCause)

	// KeyString renders keys for load deduplication. Defaults to fmt.Sprint.
	KeyString func(K) string

	Clock clock.Clock
}

// Stats holds cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Retained  uint64
}

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (i *item[V]) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

type removal[K comparable, V any] struct {
	key   K
	value V
	cause EvictionCause
}

// Cache is a concurrency-safe LRU cache with TTL expiry and sticky retention.
type Cache[K comparable, V any] struct {
	opts Options[K, V]

	mu      sync.Mutex
	lru     *simplelru.LRU[K, *item[V]]
	cause   EvictionCause
	removed []removal[K, V]


	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	retained  atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a cache and starts its cleanup goroutine when configured.
func New[K comparable, V any](opts Options[K, V]) *Cache[K, V] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.KeyString == nil {
		opts.KeyString = func(k K) string { return fmt.Sprint(k) }
	}

	c := &Cache[K, V]{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	lru, err := simplelru.NewLRU[K, *item[V]](opts.Capacity, c.onRemove)
	if err != nil {
		// Only returned for a non-positive size, which was ruled out above.
		panic(err)
	}
	c.lru = lru

	if opts.CleanupInterval > 0 {
		go c.cleanupLoop()
	} else {
		close(c.doneCh)
	}

	return c
}

// onRemove is the simplelru eviction hook. It only records; settle decides.
func (c *Cache[K, V]) onRemove(key K, it *item[V]) {
	c.removed = append(c.removed, removal[K, V]{key: key, value: it.value, cause: c.cause})
}

// settle re-inserts retained entries and returns the ones that are really gone.
// Must be called with c.mu held.
func (c *Cache[K, V]) settle() []removal[K, V] {
	if len(c.removed) == 0 {
		return nil
	}
	pending := c.removed
	c.removed = nil

	var dropped []removal[K, V]
	for _, r := range pending {
		if r.cause != EvictedExplicit &&
			c.opts.Retain != nil &&
			c.lru.Len() < c.opts.Capacity &&
			!c.lru.Contains(r.key) &&
			c.opts.Retain(r.key, r.value) {
			c.lru.Add(r.key, c.newItem(r.value, c.opts.TTL))
			c.retained.Add(1)
			continue
		}
		dropped = append(dropped, r)
	}
	c.evictions.Add(uint64(len(dropped)))
	return dropped
}

func (c *Cache[K, V]) notify(dropped []removal[K, V]) {
	if c.opts.OnEvict == nil {
		return
	}
	for _, r := range dropped {
		c.opts.OnEvict(r.key, r.value, r.cause)
	}
}

func (c *Cache[K, V]) newItem(v V, ttl time.Duration) *item[V] {
	it := &item[V]{value: v}
	if ttl > 0 {
		it.expiresAt = c.opts.Clock.Now().Add(ttl)
	}
	return it
}

// Get returns the value for key, refreshing its recency and, in access mode, its TTL.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	v, ok := c.getLocked(key)
	dropped := c.settle()
	if !ok {
		// An expired entry may have been retained by settle.
		if it, found := c.lru.Peek(key); found {
			v, ok = it.value, true
		}
	}
	c.mu.Unlock()

	c.notify(dropped)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Cache[K, V]) getLocked(key K) (V, bool) {
	var zero V
	it, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	now := c.opts.Clock.Now()
	if it.expired(now) {
		c.cause = EvictedExpired
		c.lru.Remove(key)
		return zero, false
	}
	if c.opts.RefreshOnAccess && c.opts.TTL > 0 {
		it.expiresAt = now.Add(c.opts.TTL)
	}
	return it.value, true
}

// Peek returns the value for key without touching recency, TTL or counters.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	it, ok := c.lru.Peek(key)
	if !ok || it.expired(c.opts.Clock.Now()) {
		return zero, false
	}
	return it.value, true
}

// Set stores value under key with the cache's TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.opts.TTL)
}

// SetWithTTL stores value under key with an explicit TTL. A ttl of 0 never expires.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	c.cause = EvictedCapacity
	c.lru.Add(key, c.newItem(value, ttl))
	dropped := c.settle()
	c.mu.Unlock()

	c.notify(dropped)
}

// Delete removes key regardless of retention. It reports whether the key was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	c.cause = EvictedExplicit
	present := c.lru.Remove(key)
	dropped := c.settle()
	c.mu.Unlock()

	c.notify(dropped)
	return present
}

// Purge removes every entry regardless of retention.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	c.cause = EvictedExplicit
	c.lru.Purge()
	dropped := c.settle()
	c.mu.Unlock()

	c.notify(dropped)
}

// EvictExpired drops every expired entry, subject to retention.
func (c *Cache[K, V]) EvictExpired() {
	c.mu.Lock()
	now := c.opts.Clock.Now()
	c.cause = EvictedExpired
	for _, key := range c.lru.Keys() {
		if it, ok := c.lru.Peek(key); ok && it.expired(now) {
			c.lru.Remove(key)
		}
	}
	dropped := c.settle()
	c.mu.Unlock()

	c.notify(dropped)
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the configured entry bound.
func (c *Cache[K, V]) Capacity() int {
	return c.opts.Capacity
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Retained:  c.retained.Load(),
	}
}

// cleanupLoop periodically removes expired items.
func (c *Cache[K, V]) cleanupLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}

// Stop stops the cleanup goroutine and waits for it to exit.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}
