package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/metrics"
)

// WriteBack runs store writes that callers do not wait for.
//
// A write scheduled here is eventually persisted, not yet durable: if the process
// dies before it finishes, the write is lost. Every value written this way can be
// derived again from the directory or from the clock, so the loss is tolerated.
type WriteBack struct {
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	wg sync.WaitGroup
}

// NewWriteBack creates a runner whose writes are bounded by timeout.
func NewWriteBack(timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *WriteBack {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WriteBack{
		timeout: timeout,
		metrics: m,
		logger:  logger.With().Str("service", "writeback").Logger(),
	}
}

// Go runs fn in the background. The write outlives ctx: cancelling the caller
// does not abort it, only the runner timeout does.
func (w *WriteBack) Go(ctx context.Context, op string, fn func(ctx context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()

		err := fn(wctx)
		w.metrics.WriteBack(op, err)
		if err != nil {
			w.logger.Warn().Err(err).Str("op", op).Msg("write-back failed")
			return
		}
		w.logger.Debug().Str("op", op).Msg("write-back completed")
	}()
}

// Wait blocks until every scheduled write has finished.
func (w *WriteBack) Wait() {
	w.wg.Wait()
}
