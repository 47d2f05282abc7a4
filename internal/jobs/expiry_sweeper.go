// Package jobs holds the server's periodic background work. Each job runs an initial pass
// on Start, then repeats on its interval until Stop is called or the context ends.
// Validation expires licenses lazily, so a stopped job delays notifications but never
// grants access past expiry.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sitelicense/license-server/internal/telemetry"
)

const (
	defaultSweepInterval = 15 * time.Minute
	sweepBatchSize       = 200
)

// Expirer moves licenses whose expiry has passed to expired
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// ExpirySweeper periodically expires due trials and subscriptions through the engine so
// their expiry notifications go out without waiting for the next validation.
type ExpirySweeper struct {
	engine   Expirer
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewExpirySweeper creates a sweeper. A non-positive interval defaults to 15 minutes.
func NewExpirySweeper(engine Expirer, interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &ExpirySweeper{
		engine:   engine,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep loop and blocks until Stop is called or ctx is cancelled
func (s *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("expiry sweeper started", "interval", s.interval)

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			slog.Info("expiry sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("expiry sweeper context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (s *ExpirySweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// sweep drains due licenses in batches. A batch smaller than the limit means nothing is left.
func (s *ExpirySweeper) sweep(ctx context.Context) int {
	now := s.now()
	total := 0
	for {
		n, err := s.engine.ExpireDue(ctx, now, sweepBatchSize)
		total += n
		telemetry.LicensesExpiredTotal.Add(float64(n))
		if err != nil {
			slog.Error("expiry sweep failed", "expired", total, "error", err)
			return total
		}
		if n < sweepBatchSize {
			break
		}
	}
	if total > 0 {
		slog.Info("expiry sweep completed", "expired", total)
	}
	return total
}
