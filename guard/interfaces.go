package guard

import "context"

// Publisher receives lifecycle events. Implementations must not block for
// long: the guard publishes while holding the execution's event lock.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error {
	return nil
}

// IDGenerator mints execution ids for callers that do not bring their own.
type IDGenerator interface {
	NewExecutionID(ctx context.Context) (ExecutionID, error)
}
