package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/repository"
)

// Caching keeps successful lookups in a shared cache so servers of one network
// do not ask the directory for the same player twice. Failures are never cached.
type Caching struct {
	next   Client
	cache  repository.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCaching wraps next with cache.
func NewCaching(next Client, cache repository.Cache, ttl time.Duration, logger zerolog.Logger) *Caching {
	return &Caching{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "directory_cache").Logger(),
	}
}

// Lookup serves key from the cache or the wrapped client.
// A broken cache degrades to direct lookups.
func (c *Caching) Lookup(ctx context.Context, key string) (*Profile, error) {
	cacheKey := repository.CacheKeys.DirectoryProfile(key)

	raw, err := c.cache.Get(ctx, cacheKey)
	switch {
	case err == nil:
		var profile Profile
		if jsonErr := json.Unmarshal(raw, &profile); jsonErr == nil {
			return &profile, nil
		}
		c.logger.Warn().Str("key", key).Msg("dropping undecodable cached profile")
		_ = c.cache.Delete(ctx, cacheKey)
	case !errors.Is(err, repository.ErrCacheMiss):
		c.logger.Debug().Err(err).Msg("shared cache read failed")
	}

	profile, err := c.next.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(profile); err == nil {
		if err := c.cache.Set(ctx, cacheKey, raw, c.ttl); err != nil {
			c.logger.Debug().Err(err).Msg("shared cache write failed")
		}
	}
	return profile, nil
}

var _ Client = (*Caching)(nil)
