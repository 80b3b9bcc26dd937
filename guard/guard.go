// Package guard enforces step, wall-clock, token and cost limits on running
// executions.
//
// Every registered execution gets a Handle. The runtime reports usage through
// the handle and receives a Decision synchronously; a monitor goroutine per
// execution re-evaluates the limits on a fixed tick so that wall-clock breaches
// are caught without further usage reports. Termination is cooperative: the
// handle's decision cell, Done channel and Context all flip exactly once and the
// runtime honors them at its next checkpoint.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Gurpartap/runguard/policy/limits"
	"github.com/Gurpartap/runguard/policy/rules"
)

// DefaultTickInterval is the monitor period used when Config leaves it unset.
const DefaultTickInterval = time.Second

// Config wires a Guard.
type Config struct {
	TickInterval time.Duration
	Publisher    Publisher
	Logger       *slog.Logger
	// Now overrides the wall clock used for elapsed time.
	Now func() time.Time
	// OnUnregister runs once per execution after it leaves the registry,
	// through Handle.Unregister, Guard.Unregister or Close.
	OnUnregister func(ExecutionID)
}

// Guard owns the registry of active executions.
type Guard struct {
	tick      time.Duration
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	onRelease func(ExecutionID)

	mu         sync.Mutex
	executions map[ExecutionID]*Handle
	closed     bool
	monitors   sync.WaitGroup
}

func New(cfg Config) (*Guard, error) {
	if cfg.TickInterval < 0 {
		return nil, fmt.Errorf("new guard: %w", &limits.ConfigurationError{
			Field:  "tick_interval",
			Reason: fmt.Sprintf("negative value=%s", cfg.TickInterval),
		})
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{
		tick:       cfg.TickInterval,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		now:        cfg.Now,
		onRelease:  cfg.OnUnregister,
		executions: make(map[ExecutionID]*Handle),
	}, nil
}

// TickInterval returns the monitor period.
func (g *Guard) TickInterval() time.Duration {
	return g.tick
}

// Register starts guarding a new execution. The policy is validated and
// copied; an invalid policy or a duplicate id leaves the registry untouched.
//
// A failure to publish the started event is reported as ErrInfrastructure
// together with a valid handle: monitoring problems never prevent the
// execution from running.
func (g *Guard) Register(ctx context.Context, id ExecutionID, policy limits.Policy) (*Handle, error) {
	if ctx == nil {
		return nil, ErrContextNil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: field=execution_id reason=empty", ErrInvalidExecutionID)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("register %q: %w", id, err)
	}
	ruleSet, err := rules.Compile(policy.Rules)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", id, &limits.ConfigurationError{
			Field:  "rules",
			Reason: "compile",
			Err:    err,
		})
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGuardClosed
	}
	if _, exists := g.executions[id]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: execution_id=%q", ErrDuplicateExecution, id)
	}
	h := newHandle(g, id, policy.Clone(), ruleSet, g.now())
	// Hold the event lock until started is published so no other event for this
	// execution can be published first.
	h.mu.Lock()
	g.executions[id] = h
	g.monitors.Add(1)
	g.mu.Unlock()

	started := h.nextEventLocked(EventKindStarted)
	startedPolicy := h.policy.Clone()
	started.Policy = &startedPolicy
	publishErr := h.publishLocked(started)
	h.mu.Unlock()

	go h.monitor(g.tick)

	g.logger.Debug(
		"execution registered",
		slog.String("execution_id", string(id)),
		slog.Bool("unbounded", policy.Unbounded()),
	)
	return h, publishErr
}

// Lookup returns the handle of a registered execution.
func (g *Guard) Lookup(id ExecutionID) (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution_id=%q", ErrExecutionNotFound, id)
	}
	return h, nil
}

// Executions returns the registered execution ids in lexical order.
func (g *Guard) Executions() []ExecutionID {
	g.mu.Lock()
	out := make([]ExecutionID, 0, len(g.executions))
	for id := range g.executions {
		out = append(out, id)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Terminate terminates a registered execution. See Handle.Terminate.
func (g *Guard) Terminate(id ExecutionID, reason string) (Decision, error) {
	h, err := g.Lookup(id)
	if err != nil {
		return Decision{}, err
	}
	return h.Terminate(reason)
}

// Unregister stops monitoring id and drops it from the registry. Unknown ids
// are ignored.
func (g *Guard) Unregister(id ExecutionID) {
	g.mu.Lock()
	h, ok := g.executions[id]
	if ok {
		delete(g.executions, id)
	}
	g.mu.Unlock()

	if ok {
		h.release()
	}
}

// Close unregisters every execution and waits for all monitors to exit.
func (g *Guard) Close() error {
	g.mu.Lock()
	g.closed = true
	handles := make([]*Handle, 0, len(g.executions))
	for id, h := range g.executions {
		handles = append(handles, h)
		delete(g.executions, id)
	}
	g.mu.Unlock()

	for _, h := range handles {
		h.release()
	}
	g.monitors.Wait()
	return nil
}

func (g *Guard) forget(h *Handle) {
	g.mu.Lock()
	if current, ok := g.executions[h.id]; ok && current == h {
		delete(g.executions, h.id)
	}
	g.mu.Unlock()
}

func (g *Guard) publish(event Event) error {
	if err := g.publisher.Publish(context.Background(), CloneEvent(event)); err != nil {
		err = infrastructureError(fmt.Errorf(
			"publish kind=%s execution_id=%s seq=%d: %w",
			event.Kind,
			event.ExecutionID,
			event.Seq,
			err,
		))
		g.logger.Error(
			"event publish failed",
			slog.String("execution_id", string(event.ExecutionID)),
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (g *Guard) reportInfrastructure(id ExecutionID, err error) {
	if err == nil || errors.Is(err, ErrExecutionClosed) {
		return
	}
	g.logger.Warn(
		"guard evaluation error",
		slog.String("execution_id", string(id)),
		slog.Any("error", err),
	)
}
