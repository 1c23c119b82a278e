package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/lock"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/repository"
)

// ExpirySweeper periodically marks elapsed punishments lifted in the store.
// Lazy expiry on read stays the primary mechanism; the sweep only catches
// records nobody reads.
type ExpirySweeper struct {
	repo    repository.PunishmentRepository
	locker  lock.Locker
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
	config  SweepConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// SweepConfig contains expiration sweep configuration.
type SweepConfig struct {
	// Enabled determines if the sweep runs automatically.
	Enabled bool

	// Interval is how often to sweep.
	Interval time.Duration

	// LockTTL is the lease on the sweep lock, renewed while a sweep runs.
	LockTTL time.Duration
}

// DefaultSweepConfig returns sensible defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Enabled:  true,
		Interval: 15 * time.Minute,
		LockTTL:  30 * time.Second,
	}
}

// NewExpirySweeper creates a new expiration sweeper.
func NewExpirySweeper(
	repo repository.PunishmentRepository,
	locker lock.Locker,
	clk clock.Clock,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config SweepConfig,
) *ExpirySweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	if locker == nil {
		locker = lock.NewNoOpLocker()
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultSweepConfig().LockTTL
	}
	return &ExpirySweeper{
		repo:     repo,
		locker:   locker,
		clock:    clk,
		metrics:  m,
		logger:   logger.With().Str("service", "sweeper").Logger(),
		config:   config,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the sweep scheduler.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	if s.running || !s.config.Enabled {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Msg("Starting expiration sweeper")

	go s.runLoop()
}

// Stop stops the sweep scheduler.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	<-s.doneChan

	s.logger.Info().Msg("Expiration sweeper stopped")
}

// runLoop is the main sweep loop.
func (s *ExpirySweeper) runLoop() {
	defer close(s.doneChan)

	// Run immediately on start
	s.RunOnce(context.Background())

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// SweepResult contains the result of a sweep run.
type SweepResult struct {
	// Expired is the number of punishments marked lifted.
	Expired int64

	// Skipped is true when another server held the sweep lock.
	Skipped bool

	// Err is the failure that ended the run, if any.
	Err error

	// Duration is how long the run took.
	Duration time.Duration
}

// RunOnce executes a single sweep. It can be called manually or by the scheduler.
func (s *ExpirySweeper) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	result := SweepResult{}

	// Only one server of a network sweeps at a time.
	lease := lock.NewLease(s.locker, lock.Keys.ExpirySweep(), s.config.LockTTL)
	acquired, err := lease.Acquire(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to acquire sweep lock")
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}
	if !acquired {
		s.logger.Debug().Msg("Sweep lock held by another process, skipping run")
		result.Skipped = true
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if !lease.Held() {
			s.logger.Warn().Msg("Sweep lock was lost during the run")
		}
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error().Err(err).Msg("Failed to release sweep lock")
		}
	}()

	n, err := s.repo.ExpireElapsed(ctx, s.clock.Now().UnixMilli())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to expire punishments")
		result.Err = storeError(err, nil)
		result.Duration = time.Since(start)
		return result
	}

	result.Expired = n
	result.Duration = time.Since(start)
	s.metrics.Swept(n)

	if n > 0 {
		s.logger.Info().
			Int64("expired", n).
			Dur("duration", result.Duration).
			Msg("Expiration sweep completed")
	}
	return result
}
