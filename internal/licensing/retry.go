package licensing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sitelicense/license-server/internal/db/repositories"
	"github.com/sitelicense/license-server/internal/telemetry"
)

// withRetry runs fn, retrying transient storage faults with exponential backoff.
// Any other error is returned immediately.
func withRetry[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	attempts := e.cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if e.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = e.cfg.RetryInitialInterval
	}
	b.MaxInterval = time.Second

	tries := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		tries++
		if tries > 1 {
			telemetry.StoreRetriesTotal.WithLabelValues(op).Inc()
		}
		v, err := fn()
		if err != nil && !repositories.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			slog.Warn("transient storage fault", "operation", op, "attempt", tries, "error", err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}
