package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tinytelemetry/otter/internal/model"
)

// Backoff is the linear connect schedule: attempt n (counting from zero)
// first waits n*Unit, so the waits run 0, 1, 2, ... units. After
// MaxAttempts failures it gives up.
type Backoff struct {
	Unit        time.Duration
	MaxAttempts int
	Clock       clockwork.Clock
}

// DefaultBackoff returns the standard schedule of 20 attempts one second
// apart in increments.
func DefaultBackoff() Backoff {
	return Backoff{
		Unit:        model.DefaultRetryUnit,
		MaxAttempts: model.DefaultConnectRetries,
		Clock:       clockwork.NewRealClock(),
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = model.DefaultConnectRetries
	}
	if b.Unit < 0 {
		b.Unit = 0
	}
	if b.Clock == nil {
		b.Clock = clockwork.NewRealClock()
	}
	return b
}

// Retry calls attempt until it succeeds, ctx is done, or the schedule is
// exhausted, in which case the error wraps ErrConnectExhausted and the
// last attempt's error.
func (b Backoff) Retry(ctx context.Context, logger *slog.Logger, name string, attempt func(ctx context.Context) error) error {
	b = b.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var last error
	for n := 0; n < b.MaxAttempts; n++ {
		select {
		case <-b.Clock.After(time.Duration(n) * b.Unit):
		case <-ctx.Done():
			return ctx.Err()
		}
		if n > 0 {
			logger.Info(fmt.Sprintf("Retrying connection, attempt %d", n+1), "transport", name)
		}

		if last = attempt(ctx); last == nil {
			logger.Info("Connected", "transport", name, "attempts", n+1)
			return nil
		}
		logger.Debug("connect attempt failed", "transport", name, "attempt", n+1, "err", last)
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectExhausted, name, b.MaxAttempts, last)
}
