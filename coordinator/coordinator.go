// Package coordinator composes the guard, the live event bus and the replay
// stream behind one owned registry.
//
// Every event the guard publishes goes to the stream first and then to the bus,
// so a subscriber that reacts to a live event can always replay it. Extra sinks
// receive the same events behind bounded retries.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Gurpartap/runguard/adapters/inmem"
	"github.com/Gurpartap/runguard/eventing/bus"
	"github.com/Gurpartap/runguard/guard"
	"github.com/Gurpartap/runguard/policy/limits"
	"github.com/Gurpartap/runguard/policy/retry"
	"github.com/Gurpartap/runguard/stream"
)

const defaultSinkAttempts = 3

type Config struct {
	TickInterval time.Duration
	Retention    stream.Retention
	BusQueueSize int
	OnOverflow   bus.OverflowHandler
	// Sinks receive every event after the stream and the bus.
	Sinks       []guard.Publisher
	SinkRetry   retry.Config
	IDGenerator guard.IDGenerator
	Logger      *slog.Logger
	Now         func() time.Time
}

type Coordinator struct {
	guard  *guard.Guard
	bus    *bus.Bus
	stream *stream.Stream
	ids    guard.IDGenerator
	logger *slog.Logger

	mu          sync.Mutex
	sweeping    bool
	closed      bool
	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = inmem.UUIDGenerator{}
	}
	if cfg.SinkRetry.MaxAttempts == 0 {
		cfg.SinkRetry.MaxAttempts = defaultSinkAttempts
	}
	if cfg.BusQueueSize < 0 {
		return nil, fmt.Errorf("new coordinator: %w", &limits.ConfigurationError{
			Field:  "bus_queue_size",
			Reason: fmt.Sprintf("negative value=%d", cfg.BusQueueSize),
		})
	}

	c := &Coordinator{
		ids:    cfg.IDGenerator,
		logger: cfg.Logger,
	}

	streamOpts := []stream.Option{
		stream.WithLogger(cfg.Logger),
		stream.WithEvictHandler(c.evicted),
	}
	if cfg.Now != nil {
		streamOpts = append(streamOpts, stream.WithClock(cfg.Now))
	}
	history, err := stream.New(cfg.Retention, streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("new coordinator: %w", err)
	}
	c.stream = history

	c.bus = bus.New(
		bus.WithQueueSize(cfg.BusQueueSize),
		bus.WithLogger(cfg.Logger),
		bus.WithOverflowHandler(cfg.OnOverflow),
	)

	sinks := []guard.Publisher{c.stream, c.bus}
	for _, sink := range cfg.Sinks {
		if wrapped := retry.WrapPublisher(sink, cfg.SinkRetry); wrapped != nil {
			sinks = append(sinks, wrapped)
		}
	}

	g, err := guard.New(guard.Config{
		TickInterval: cfg.TickInterval,
		Publisher:    newFanoutPublisher(sinks...),
		Logger:       cfg.Logger,
		Now:          cfg.Now,
		OnUnregister: c.stream.Evict,
	})
	if err != nil {
		return nil, fmt.Errorf("new coordinator: %w", err)
	}
	c.guard = g
	return c, nil
}

// Start registers a new execution. An empty id is replaced with a generated
// one. The retention sweeper starts with the first registration.
func (c *Coordinator) Start(ctx context.Context, id guard.ExecutionID, policy limits.Policy) (*guard.Handle, error) {
	if ctx == nil {
		return nil, guard.ErrContextNil
	}
	if id == "" {
		generated, err := c.ids.NewExecutionID(ctx)
		if err != nil {
			return nil, err
		}
		id = generated
	}
	if err := c.startSweeper(); err != nil {
		return nil, err
	}
	return c.guard.Register(ctx, id, policy)
}

func (c *Coordinator) Lookup(id guard.ExecutionID) (*guard.Handle, error) {
	return c.guard.Lookup(id)
}

// Executions returns the registered execution ids in lexical order.
func (c *Coordinator) Executions() []guard.ExecutionID {
	return c.guard.Executions()
}

func (c *Coordinator) Subscribe(filter bus.Filter) *bus.Subscription {
	return c.bus.Subscribe(filter)
}

func (c *Coordinator) Replay(id guard.ExecutionID) []guard.Event {
	return c.stream.Replay(id)
}

func (c *Coordinator) EventsAfter(id guard.ExecutionID, cursor int64) ([]stream.Entry, error) {
	return c.stream.EventsAfter(id, cursor)
}

// Dispose unregisters id and drops its history. Unknown ids are ignored.
func (c *Coordinator) Dispose(id guard.ExecutionID) {
	c.guard.Unregister(id)
	c.stream.Evict(id)
}

func (c *Coordinator) TickInterval() time.Duration {
	return c.guard.TickInterval()
}

func (c *Coordinator) Retention() stream.Retention {
	return c.stream.Retention()
}

// Close stops the sweeper, unregisters every execution and ends every
// subscription.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop, done := c.stopSweeper, c.sweeperDone
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return errors.Join(c.guard.Close(), c.bus.Close())
}

func (c *Coordinator) startSweeper() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return guard.ErrGuardClosed
	}
	if c.sweeping {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.sweeping = true
	c.stopSweeper = cancel
	c.sweeperDone = make(chan struct{})
	go func() {
		defer close(c.sweeperDone)
		c.stream.Run(ctx)
	}()
	c.logger.Debug(
		"retention sweeper started",
		slog.Duration("interval", c.stream.Retention().SweepInterval),
	)
	return nil
}

func (c *Coordinator) evicted(id guard.ExecutionID) {
	c.guard.Unregister(id)
}

type fanoutPublisher struct {
	sinks []guard.Publisher
}

func newFanoutPublisher(sinks ...guard.Publisher) fanoutPublisher {
	filtered := make([]guard.Publisher, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return fanoutPublisher{sinks: filtered}
}

func (p fanoutPublisher) Publish(ctx context.Context, event guard.Event) error {
	var result error
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}
