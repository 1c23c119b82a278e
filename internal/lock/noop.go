package lock

import (
	"context"
	"time"
)

// NoOpLocker grants every lock. The admin CLI uses it when no redis is
// configured, since an operator-triggered sweep has nobody to coordinate with.
type NoOpLocker struct{}

// NewNoOpLocker creates a locker that never refuses.
func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

func (NoOpLocker) Acquire(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	return ctx.Err() == nil, ctx.Err()
}

func (NoOpLocker) Release(ctx context.Context, _ string) (bool, error) {
	return ctx.Err() == nil, ctx.Err()
}

func (NoOpLocker) Extend(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	return ctx.Err() == nil, ctx.Err()
}

var _ Locker = (*NoOpLocker)(nil)
