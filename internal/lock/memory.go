package lock

import (
	"context"
	"sync"
	"time"

	"github.com/prn-tf/bastion/internal/pkg/clock"
)

// MemoryLocker grants locks within one process. Servers sharing a database
// need the redis lock instead.
type MemoryLocker struct {
	clock clock.Clock

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryLocker creates a process-local locker. clk may be nil.
func NewMemoryLocker(clk clock.Clock) *MemoryLocker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryLocker{
		clock:   clk,
		expires: make(map[string]time.Time),
	}
}

// Acquire takes key unless an unexpired holder has it.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.liveLocked(key, now) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

// Release drops key. It reports false if key had already expired.
func (m *MemoryLocker) Release(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.liveLocked(key, m.clock.Now())
	delete(m.expires, key)
	return live, nil
}

// Extend renews an unexpired key.
func (m *MemoryLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !m.liveLocked(key, now) {
		delete(m.expires, key)
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

// liveLocked must be called with m.mu held.
func (m *MemoryLocker) liveLocked(key string, now time.Time) bool {
	exp, ok := m.expires[key]
	return ok && now.Before(exp)
}

var _ Locker = (*MemoryLocker)(nil)
