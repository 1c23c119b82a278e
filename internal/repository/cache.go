package repository

import (
	"context"
	"strings"
	"time"
)

// =============================================================================
// Shared Cache Interface (Redis)
// =============================================================================

// Cache is a byte cache shared between servers of the network.
type Cache interface {
	// Get retrieves a value by key.
	// Returns ErrCacheMiss if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL.
	// If ttl is 0, the value doesn't expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// Common Cache Keys
// =============================================================================

// CacheKeys generates shared cache keys.
var CacheKeys = cacheKeys{}

type cacheKeys struct{}

// DirectoryProfile returns the key of a cached directory lookup.
// Usernames are folded to lowercase so both spellings share an entry.
func (cacheKeys) DirectoryProfile(identifier string) string {
	return "bastion:directory:" + strings.ToLower(identifier)
}
