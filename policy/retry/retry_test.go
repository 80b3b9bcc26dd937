package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Gurpartap/runguard/guard"
	"github.com/Gurpartap/runguard/policy/limits"
)

func startedEvent() guard.Event {
	return guard.Event{
		ExecutionID: "exec-1",
		Seq:         1,
		Kind:        guard.EventKindStarted,
		Policy:      &limits.Policy{MaxSteps: limits.Count(3)},
	}
}

func TestWrapPublisher_FailTwiceThenSucceed(t *testing.T) {
	t.Parallel()

	attempts := 0
	publisher := guard.PublisherFunc(func(_ context.Context, event guard.Event) error {
		attempts++
		if *event.Policy.MaxSteps != 3 {
			t.Fatalf("attempt %d received mutated policy: %d", attempts, *event.Policy.MaxSteps)
		}
		*event.Policy.MaxSteps = int64(100 + attempts)
		if attempts < 3 {
			return fmt.Errorf("attempt %d failed", attempts)
		}
		return nil
	})

	initial := startedEvent()
	wrapped := WrapPublisher(publisher, Config{MaxAttempts: 3})
	if err := wrapped.Publish(context.Background(), initial); err != nil {
		t.Fatalf("publish returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("unexpected attempts: %d", attempts)
	}
	if *initial.Policy.MaxSteps != 3 {
		t.Fatalf("wrapper should preserve input event, got %d", *initial.Policy.MaxSteps)
	}
}

func TestWrapPublisher_AlwaysFailReturnsLastError(t *testing.T) {
	t.Parallel()

	attempts := 0
	var lastErr error
	publisher := guard.PublisherFunc(func(context.Context, guard.Event) error {
		attempts++
		lastErr = fmt.Errorf("attempt %d failed", attempts)
		return lastErr
	})

	wrapped := WrapPublisher(publisher, Config{MaxAttempts: 4})
	err := wrapped.Publish(context.Background(), startedEvent())
	if !errors.Is(err, lastErr) {
		t.Fatalf("expected last error %v, got %v", lastErr, err)
	}
	if attempts != 4 {
		t.Fatalf("unexpected attempts: %d", attempts)
	}
}

func TestWrapPublisher_ShouldRetryFalseStopsAfterFirstError(t *testing.T) {
	t.Parallel()

	attempts := 0
	publisher := guard.PublisherFunc(func(context.Context, guard.Event) error {
		attempts++
		return errors.New("retryable")
	})

	wrapped := WrapPublisher(publisher, Config{
		MaxAttempts: 5,
		ShouldRetry: func(error) bool {
			return false
		},
	})
	if err := wrapped.Publish(context.Background(), startedEvent()); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("unexpected attempts: %d", attempts)
	}
}

func TestWrapPublisher_PermanentErrorsDoNotRetryByDefault(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
	}{
		{name: "canceled", err: context.Canceled},
		{name: "deadline_exceeded", err: context.DeadlineExceeded},
		{name: "invalid_event", err: fmt.Errorf("%w: kind missing", guard.ErrEventInvalid)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			attempts := 0
			publisher := guard.PublisherFunc(func(context.Context, guard.Event) error {
				attempts++
				return tc.err
			})
			wrapped := WrapPublisher(publisher, Config{MaxAttempts: 5})

			if err := wrapped.Publish(context.Background(), startedEvent()); !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if attempts != 1 {
				t.Fatalf("unexpected attempts: %d", attempts)
			}
		})
	}
}

func TestWrapPublisher_ContextDoneStopsWithoutAttempt(t *testing.T) {
	t.Parallel()

	attempts := 0
	publisher := guard.PublisherFunc(func(context.Context, guard.Event) error {
		attempts++
		return errors.New("unexpected call")
	})
	wrapped := WrapPublisher(publisher, Config{MaxAttempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := wrapped.Publish(ctx, startedEvent()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := wrapped.Publish(nil, startedEvent()); !errors.Is(err, guard.ErrContextNil) {
		t.Fatalf("expected ErrContextNil, got %v", err)
	}
	if attempts != 0 {
		t.Fatalf("unexpected attempts: %d", attempts)
	}
}

func TestWrapPublisher_NilPublisher(t *testing.T) {
	t.Parallel()

	if WrapPublisher(nil, Config{}) != nil {
		t.Fatal("expected nil wrapper for nil publisher")
	}
}
