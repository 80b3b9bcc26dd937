package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/policy/limits"
	"github.com/Gurpartap/runguard/policy/rules"
)

// Handle is the runtime's view of one guarded execution. All methods are safe
// for concurrent use.
type Handle struct {
	id       ExecutionID
	policy   limits.Policy
	rules    *rules.Set
	guard    *Guard
	counters *Counters

	status   atomic.Int32
	closed   atomic.Bool
	decision atomic.Pointer[Decision]

	// mu serializes usage updates and event publication for this execution:
	// sequence numbers, warnings and the terminal commit.
	mu     sync.Mutex
	seq    int64
	warned map[string]struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

func newHandle(g *Guard, id ExecutionID, policy limits.Policy, ruleSet *rules.Set, startedAt time.Time) *Handle {
	ctx, cancel := context.WithCancelCause(context.Background())
	h := &Handle{
		id:       id,
		policy:   policy,
		rules:    ruleSet,
		guard:    g,
		counters: NewCounters(startedAt),
		warned:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	h.status.Store(StatusRunning.code())
	initial := Continue()
	h.decision.Store(&initial)
	return h
}

func (h *Handle) ID() ExecutionID {
	return h.id
}

// Policy returns a copy of the registered policy.
func (h *Handle) Policy() limits.Policy {
	return h.policy.Clone()
}

func (h *Handle) Status() Status {
	return statusFromCode(h.status.Load())
}

// Decision returns the current value of the decision cell. It is Continue
// until the execution terminates and the terminal decision afterwards.
func (h *Handle) Decision() Decision {
	return cloneDecision(*h.decision.Load())
}

// Done is closed when the execution terminates or completes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Context is cancelled when the execution terminates, completes or is
// unregistered. After a termination context.Cause returns a *TerminatedError.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Stats returns a snapshot of counters, policy and decision.
func (h *Handle) Stats() Stats {
	return Stats{
		ExecutionID: h.id,
		Status:      h.Status(),
		Closed:      h.closed.Load(),
		StartedAt:   h.counters.StartedAt(),
		Usage:       h.counters.Snapshot(h.guard.now()),
		Policy:      h.policy.Clone(),
		Decision:    h.Decision(),
	}
}

// RecordStep counts one completed step and evaluates the policy.
func (h *Handle) RecordStep() (Decision, error) {
	return h.record(func() error {
		h.counters.AddStep()
		return nil
	})
}

// RecordTokens adds n consumed tokens and evaluates the policy.
func (h *Handle) RecordTokens(n int64) (Decision, error) {
	return h.record(func() error {
		_, err := h.counters.AddTokens(n)
		return err
	})
}

// RecordCost adds a billed amount and evaluates the policy.
func (h *Handle) RecordCost(amount decimal.Decimal) (Decision, error) {
	return h.record(func() error {
		_, err := h.counters.AddCost(amount)
		return err
	})
}

// UsageDelta is the usage of one unit of work reported in a single call.
type UsageDelta struct {
	Steps  int64
	Tokens int64
	Cost   decimal.Decimal
}

// RecordUsage applies every counter in delta and evaluates the policy once, so
// a breach sees the whole unit of work. A negative field rejects the whole
// delta.
func (h *Handle) RecordUsage(delta UsageDelta) (Decision, error) {
	return h.record(func() error {
		switch {
		case delta.Steps < 0:
			return fmt.Errorf("%w: steps=%d", ErrNegativeUsage, delta.Steps)
		case delta.Tokens < 0:
			return fmt.Errorf("%w: tokens=%d", ErrNegativeUsage, delta.Tokens)
		case delta.Cost.IsNegative():
			return fmt.Errorf("%w: cost=%s", ErrNegativeUsage, delta.Cost)
		}
		if _, err := h.counters.AddSteps(delta.Steps); err != nil {
			return err
		}
		if _, err := h.counters.AddTokens(delta.Tokens); err != nil {
			return err
		}
		_, err := h.counters.AddCost(delta.Cost)
		return err
	})
}

// Check evaluates the policy without changing any counter.
func (h *Handle) Check() (Decision, error) {
	return h.record(func() error { return nil })
}

// record applies a usage update and evaluates synchronously. Once terminated,
// the sticky terminal decision is returned and counters are left untouched.
// The update runs under the event lock so it cannot land after a terminal
// commit.
func (h *Handle) record(apply func() error) (Decision, error) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: execution_id=%q", ErrExecutionClosed, h.id)
	}
	switch h.Status() {
	case StatusTerminated:
		h.mu.Unlock()
		return h.Decision(), nil
	case StatusCompleted:
		h.mu.Unlock()
		return h.Decision(), fmt.Errorf("%w: execution_id=%q", ErrExecutionCompleted, h.id)
	}
	err := apply()
	h.mu.Unlock()
	if err != nil {
		return h.Decision(), err
	}
	return h.evaluate()
}

func (h *Handle) evaluate() (Decision, error) {
	usage := h.counters.Snapshot(h.guard.now())
	if breach := limits.Evaluate(h.policy, usage); breach != nil {
		return h.commitTermination(terminateForBreach(*breach))
	}
	if err := h.publishWarnings(usage); err != nil {
		return h.Decision(), err
	}
	return h.Decision(), nil
}

// Terminate ends the execution with reason. It is idempotent: only the first
// terminal transition publishes an event, and every caller receives the same
// terminal decision.
func (h *Handle) Terminate(reason string) (Decision, error) {
	if h.closed.Load() {
		return Decision{}, fmt.Errorf("%w: execution_id=%q", ErrExecutionClosed, h.id)
	}
	return h.commitTermination(terminateForCaller(reason))
}

// commitTermination snapshots the counters under the event lock, so the
// terminated event carries the final usage. A breach keeps the values that
// triggered it.
func (h *Handle) commitTermination(decision Decision) (Decision, error) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: execution_id=%q", ErrExecutionClosed, h.id)
	}
	from, ok := h.transition(StatusTerminated)
	if !ok {
		current := h.Decision()
		h.mu.Unlock()
		if from == StatusCompleted {
			return current, fmt.Errorf("%w: execution_id=%q", ErrExecutionCompleted, h.id)
		}
		return current, nil
	}

	usage := h.counters.Snapshot(h.guard.now())
	committed := cloneDecision(decision)
	h.decision.Store(&committed)
	event := h.nextEventLocked(EventKindTerminated)
	event.Decision = &committed
	event.Usage = &usage
	if committed.Breach != nil {
		event.Description = committed.Breach.String()
	} else {
		event.Description = committed.Reason
	}
	publishErr := h.publishLocked(event)
	h.mu.Unlock()

	h.cancel(&TerminatedError{ExecutionID: h.id, Decision: cloneDecision(committed)})
	close(h.done)
	h.stopMonitor()

	attrs := []slog.Attr{
		slog.String("execution_id", string(h.id)),
		slog.String("reason", committed.Reason),
	}
	if committed.Breach != nil {
		attrs = append(attrs,
			slog.String("dimension", string(committed.Breach.Dimension)),
			slog.String("observed", committed.Breach.Observed.String()),
			slog.String("limit", committed.Breach.Limit.String()),
		)
	}
	h.guard.logger.LogAttrs(context.Background(), slog.LevelWarn, "execution terminated", attrs...)

	return cloneDecision(committed), publishErr
}

// Complete marks a successful finish. Completing a terminated execution
// returns the terminal decision and ErrExecutionTerminated; completing twice is
// a no-op.
func (h *Handle) Complete() (Decision, error) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: execution_id=%q", ErrExecutionClosed, h.id)
	}
	from, ok := h.transition(StatusCompleted)
	if !ok {
		current := h.Decision()
		h.mu.Unlock()
		if from == StatusTerminated {
			return current, fmt.Errorf("%w: execution_id=%q reason=%s", ErrExecutionTerminated, h.id, current.Reason)
		}
		return current, nil
	}

	usage := h.counters.Snapshot(h.guard.now())
	event := h.nextEventLocked(EventKindCompleted)
	event.Usage = &usage
	event.Description = "execution completed within limits"
	publishErr := h.publishLocked(event)
	h.mu.Unlock()

	h.cancel(ErrExecutionCompleted)
	close(h.done)
	h.stopMonitor()

	h.guard.logger.Debug("execution completed", slog.String("execution_id", string(h.id)))
	return h.Decision(), publishErr
}

// Unregister stops the monitor and removes the execution from the guard.
// In-flight evaluations either finish against the last counters or observe the
// closed handle and return ErrExecutionClosed without publishing.
func (h *Handle) Unregister() {
	h.guard.forget(h)
	h.release()
}

func (h *Handle) release() {
	h.mu.Lock()
	alreadyClosed := h.closed.Swap(true)
	h.mu.Unlock()
	if alreadyClosed {
		return
	}
	h.stopMonitor()
	h.cancel(ErrExecutionClosed)
	if h.guard.onRelease != nil {
		h.guard.onRelease(h.id)
	}
}

// transition moves the status forward with a single compare-and-set and
// reports the status it started from.
func (h *Handle) transition(to Status) (Status, bool) {
	for {
		from := h.Status()
		if from == to || validateStatusTransition(from, to) != nil {
			return from, false
		}
		if h.status.CompareAndSwap(from.code(), to.code()) {
			return from, true
		}
	}
}

func (h *Handle) publishWarnings(usage limits.Usage) error {
	dimensions := limits.Approaching(h.policy, usage)
	matched, ruleErr := h.rules.Evaluate(usage.Vars())
	ruleErr = infrastructureError(ruleErr)
	if len(dimensions) == 0 && len(matched) == 0 {
		return ruleErr
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() || h.Status() != StatusRunning {
		return ruleErr
	}

	var publishErr error
	for _, d := range dimensions {
		key := "dimension:" + string(d)
		if _, done := h.warned[key]; done {
			continue
		}
		h.warned[key] = struct{}{}
		limit, _ := h.policy.Limit(d)
		event := h.nextEventLocked(EventKindWarning)
		event.Warning = &Warning{
			Dimension: d,
			Observed:  usage.Observed(d),
			Limit:     limit,
			Message:   fmt.Sprintf("%s usage reached %g of limit", d, h.policy.WarningRatio),
		}
		event.Usage = &usage
		publishErr = errors.Join(publishErr, h.publishLocked(event))
	}
	for _, rule := range matched {
		key := "rule:" + rule.Name
		if _, done := h.warned[key]; done {
			continue
		}
		h.warned[key] = struct{}{}
		message := rule.Message
		if message == "" {
			message = rule.When
		}
		event := h.nextEventLocked(EventKindWarning)
		event.Warning = &Warning{Rule: rule.Name, Message: message}
		event.Usage = &usage
		publishErr = errors.Join(publishErr, h.publishLocked(event))
	}
	return errors.Join(ruleErr, publishErr)
}

func (h *Handle) nextEventLocked(kind EventKind) Event {
	h.seq++
	return Event{
		ExecutionID: h.id,
		Seq:         h.seq,
		Kind:        kind,
		Time:        h.guard.now(),
	}
}

func (h *Handle) publishLocked(event Event) error {
	return h.guard.publish(event)
}

func (h *Handle) stopMonitor() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Handle) monitor(interval time.Duration) {
	defer h.guard.monitors.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if h.closed.Load() || isTerminalStatus(h.Status()) {
				return
			}
			decision, err := h.evaluate()
			h.guard.reportInfrastructure(h.id, err)
			if decision.ShouldTerminate() {
				return
			}
		}
	}
}
