package lock

import (
	"context"
	"sync"
	"time"
)

// Lease holds a lock for the length of one task. The lock is taken with a
// short TTL and renewed in the background, so a crashed holder frees it
// quickly while a slow task keeps it.
type Lease struct {
	locker Locker
	key    string
	ttl    time.Duration

	mu   sync.Mutex
	held bool
	stop chan struct{}
	done chan struct{}
}

// NewLease creates an unheld lease on key. ttl must be positive.
func NewLease(locker Locker, key string, ttl time.Duration) *Lease {
	return &Lease{locker: locker, key: key, ttl: ttl}
}

// Acquire takes the lock and starts renewing it. It reports false if
// someone else holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.locker.Acquire(ctx, l.key, l.ttl)
	if err != nil || !ok {
		return false, err
	}

	l.mu.Lock()
	l.held = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stop, l.done
	l.mu.Unlock()

	go l.renew(context.WithoutCancel(ctx), stop, done)
	return true, nil
}

func (l *Lease) renew(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	every := l.ttl / 3
	if every <= 0 {
		every = l.ttl
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := l.locker.Extend(ctx, l.key, l.ttl)
			if err != nil {
				// Retried on the next tick, which is still inside the TTL.
				continue
			}
			if !ok {
				l.mu.Lock()
				l.held = false
				l.mu.Unlock()
				return
			}
		}
	}
}

// Held reports whether the lock is still ours. It turns false once a
// renewal finds the lock expired or taken over.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release stops renewing and gives the lock up if it is still held.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done

	l.mu.Lock()
	held := l.held
	l.held = false
	l.mu.Unlock()
	if !held {
		return nil
	}
	_, err := l.locker.Release(ctx, l.key)
	return err
}
