// Package lock coordinates maintenance work between servers.
// A lone server uses MemoryLocker; servers sharing a database use the redis
// lock from internal/cache/redis, which satisfies Locker as is.
package lock

import (
	"context"
	"time"
)

// Locker grants named, expiring locks.
type Locker interface {
	// Acquire takes key for ttl. It reports false if someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives key up. It reports false if this locker did not hold it.
	Release(ctx context.Context, key string) (bool, error)

	// Extend moves the expiry of a held key to ttl from now.
	// It reports false if the key expired or passed to someone else.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Keys provides lock key generation for common scenarios.
var Keys = lockKeys{}

type lockKeys struct{}

// ExpirySweep returns the lock key of the punishment expiration sweep.
// Only one server of a network sweeps at a time.
func (lockKeys) ExpirySweep() string {
	return "bastion:lock:sweep:expiry"
}
