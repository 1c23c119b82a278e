package memory

import (
	"context"
	"time"

	"github.com/prn-tf/bastion/internal/repository"
)

// ByteCache implements repository.Cache in process memory.
// It stands in for Redis on single-server deployments.
type ByteCache struct {
	c *Cache[string, []byte]
}

// NewByteCache creates a byte cache bounded to capacity entries.
func NewByteCache(capacity int, cleanupInterval time.Duration) *ByteCache {
	return &ByteCache{
		c: New(Options[string, []byte]{
			Capacity:        capacity,
			CleanupInterval: cleanupInterval,
		}),
	}
}

// Get retrieves a value by key.
func (b *ByteCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := b.c.Get(key)
	if !ok {
		return nil, repository.ErrCacheMiss
	}

	// Return a copy to prevent mutation.
	result := make([]byte, len(v))
	copy(result, v)
	return result, nil
}

// Set stores a value with an optional TTL.
func (b *ByteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	b.c.SetWithTTL(key, valueCopy, ttl)
	return nil
}

// Delete removes a value by key.
func (b *ByteCache) Delete(ctx context.Context, key string) error {
	b.c.Delete(key)
	return nil
}

// Stop stops the cleanup goroutine.
func (b *ByteCache) Stop() {
	b.c.Stop()
}

// Ensure ByteCache implements repository.Cache.
var _ repository.Cache = (*ByteCache)(nil)
