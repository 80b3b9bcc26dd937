// Package retry wraps event publishers with bounded, error-only retries.
package retry

import (
	"context"
	"errors"

	"github.com/Gurpartap/runguard/guard"
)

// Config controls retry behavior for wrapped publishers.
type Config struct {
	MaxAttempts int
	ShouldRetry func(error) bool
}

// WrapPublisher retries failed publishes without delay. Publishers run while
// the guard holds an execution's event lock, so attempts are never spaced out.
func WrapPublisher(publisher guard.Publisher, cfg Config) guard.Publisher {
	if publisher == nil {
		return nil
	}
	return &publisherWrapper{
		next: publisher,
		cfg:  cfg,
	}
}

type publisherWrapper struct {
	next guard.Publisher
	cfg  Config
}

func (w *publisherWrapper) Publish(ctx context.Context, event guard.Event) error {
	if ctx == nil {
		return guard.ErrContextNil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	attempts := normalizedAttempts(w.cfg.MaxAttempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := w.next.Publish(ctx, guard.CloneEvent(event))
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts || !shouldRetry(ctx, w.cfg, err) {
			break
		}
	}
	return lastErr
}

func normalizedAttempts(maxAttempts int) int {
	if maxAttempts < 1 {
		return 1
	}
	return maxAttempts
}

func shouldRetry(ctx context.Context, cfg Config, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if cfg.ShouldRetry == nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		// Invalid events fail the same way on every attempt.
		return !errors.Is(err, guard.ErrEventInvalid)
	}
	return cfg.ShouldRetry(err)
}
