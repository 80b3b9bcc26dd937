// Package bus fans guard events out to live subscribers.
//
// Delivery is push based with a bounded queue per subscriber. Publish never
// blocks: a subscriber whose queue is full is dropped and observes
// ErrSubscriberOverflow. There is no replay; late subscribers only see events
// published after Subscribe returns.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Gurpartap/runguard/guard"
)

const DefaultQueueSize = 64

var (
	ErrSubscriberOverflow = errors.New("subscriber queue overflow")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrBusClosed          = errors.New("event bus closed")
)

// Filter selects events for a subscriber. Zero fields match everything.
type Filter struct {
	ExecutionID guard.ExecutionID
	Kinds       []guard.EventKind
}

func (f Filter) Match(event guard.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != event.ExecutionID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	return true
}

// OverflowHandler is notified after a subscriber has been dropped. event is the
// event that did not fit.
type OverflowHandler func(filter Filter, event guard.Event)

type Option func(*Bus)

func WithQueueSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithOverflowHandler(handler OverflowHandler) Option {
	return func(b *Bus) {
		b.onOverflow = handler
	}
}

type Bus struct {
	queueSize  int
	logger     *slog.Logger
	onOverflow OverflowHandler
	dropped    atomic.Int64

	// mu serializes publication so every subscriber sees events in publish
	// order. Subscriber channels are only sent on and closed while it is held.
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]*Subscription
	closed      bool
}

var _ guard.Publisher = (*Bus)(nil)

func New(opts ...Option) *Bus {
	b := &Bus{
		queueSize:   DefaultQueueSize,
		logger:      slog.New(slog.DiscardHandler),
		subscribers: make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber. Subscribing to a closed bus returns a
// subscription that is already closed with ErrBusClosed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	filter.Kinds = slices.Clone(filter.Kinds)
	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan guard.Event, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.err = ErrBusClosed
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subscribers[sub.id] = sub
	return sub
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, event guard.Event) error {
	if ctx == nil {
		return guard.ErrContextNil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err := guard.ValidateEvent(event); err != nil {
		return err
	}

	type overflow struct {
		filter Filter
		queued int
	}
	var overflows []overflow

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	for id, sub := range b.subscribers {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- guard.CloneEvent(event):
		default:
			overflows = append(overflows, overflow{filter: sub.filter, queued: len(sub.ch)})
			delete(b.subscribers, id)
			sub.err = fmt.Errorf("%w: queue_size=%d execution_id=%q", ErrSubscriberOverflow, b.queueSize, event.ExecutionID)
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	for _, dropped := range overflows {
		b.dropped.Add(1)
		b.logger.Warn(
			"event subscriber dropped",
			slog.String("execution_id", string(event.ExecutionID)),
			slog.String("kind", string(event.Kind)),
			slog.String("filter_execution_id", string(dropped.filter.ExecutionID)),
			slog.Int("queued", dropped.queued),
		)
		if b.onOverflow != nil {
			b.onOverflow(dropped.filter, guard.CloneEvent(event))
		}
	}
	return nil
}

// Dropped returns how many subscribers have been dropped for overflow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscription with ErrBusClosed. Later publishes fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		sub.err = ErrBusClosed
		close(sub.ch)
	}
	return nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.ch)
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter Filter
	ch     chan guard.Event

	// err is guarded by bus.mu.
	err error
}

// Events returns the delivery channel. It is closed when the subscription
// ends; Err reports why.
func (s *Subscription) Events() <-chan guard.Event {
	return s.ch
}

// Next blocks until an event arrives, ctx is done or the subscription ends.
func (s *Subscription) Next(ctx context.Context) (guard.Event, error) {
	if ctx == nil {
		return guard.Event{}, guard.ErrContextNil
	}
	select {
	case <-ctx.Done():
		return guard.Event{}, ctx.Err()
	case event, ok := <-s.ch:
		if !ok {
			if err := s.Err(); err != nil {
				return guard.Event{}, err
			}
			return guard.Event{}, ErrSubscriptionClosed
		}
		return event, nil
	}
}

// Close unsubscribes. It is idempotent and leaves Err untouched.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Err returns ErrSubscriberOverflow or ErrBusClosed once the bus has ended the
// subscription, and nil otherwise.
func (s *Subscription) Err() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.err
}

func (s *Subscription) Filter() Filter {
	out := s.filter
	out.Kinds = slices.Clone(s.filter.Kinds)
	return out
}
