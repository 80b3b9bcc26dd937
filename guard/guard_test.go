package guard_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/guard"
	"github.com/Gurpartap/runguard/policy/limits"
	"github.com/Gurpartap/runguard/policy/rules"
)

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Hour})

	if _, err := g.Register(context.Background(), "", limits.Policy{}); !errors.Is(err, guard.ErrInvalidExecutionID) {
		t.Fatalf("expected ErrInvalidExecutionID, got %v", err)
	}

	_, err := g.Register(context.Background(), "exec-bad", limits.Policy{MaxSteps: limits.Count(-1)})
	if !errors.Is(err, limits.ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
	}

	_, err = g.Register(context.Background(), "exec-rule", limits.Policy{
		Rules: []rules.Rule{{Name: "broken", When: "tokens >"}},
	})
	if !errors.Is(err, limits.ErrConfigurationInvalid) || !errors.Is(err, rules.ErrRuleCompile) {
		t.Fatalf("expected configuration error wrapping ErrRuleCompile, got %v", err)
	}

	first, err := g.Register(context.Background(), "exec-1", limits.Policy{MaxSteps: limits.Count(5)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := g.Register(context.Background(), "exec-1", limits.Policy{}); !errors.Is(err, guard.ErrDuplicateExecution) {
		t.Fatalf("expected ErrDuplicateExecution, got %v", err)
	}
	if first.Status() != guard.StatusRunning {
		t.Fatalf("duplicate register changed existing execution: %s", first.Status())
	}
	if got := g.Executions(); len(got) != 1 || got[0] != "exec-1" {
		t.Fatalf("unexpected registry: %v", got)
	}
	if !equalKinds(events.Kinds(), []guard.EventKind{guard.EventKindStarted}) {
		t.Fatalf("unexpected events: %v", events.Kinds())
	}
}

func TestRegister_CancelledContext(t *testing.T) {
	t.Parallel()

	g := newTestGuard(t, guard.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Register(ctx, "exec-1", limits.Policy{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(g.Executions()) != 0 {
		t.Fatalf("cancelled register left state behind")
	}
}

func TestNew_RejectsNegativeTick(t *testing.T) {
	t.Parallel()

	_, err := guard.New(guard.Config{TickInterval: -time.Second})
	if !errors.Is(err, limits.ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
	}
}

func TestRecordStep_TerminatesAfterMaxSteps(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-steps", limits.Policy{MaxSteps: limits.Count(3)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 1; i <= 3; i++ {
		decision, err := h.RecordStep()
		if err != nil {
			t.Fatalf("record step %d: %v", i, err)
		}
		if decision.ShouldTerminate() {
			t.Fatalf("step %d terminated early: %+v", i, decision)
		}
	}

	decision, err := h.RecordStep()
	if err != nil {
		t.Fatalf("record step 4: %v", err)
	}
	if !decision.ShouldTerminate() {
		t.Fatalf("expected terminate on step 4, got %+v", decision)
	}
	if decision.Reason != limits.ReasonStepLimitExceeded {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
	if decision.Breach == nil || decision.Breach.Dimension != limits.DimensionSteps {
		t.Fatalf("unexpected breach: %+v", decision.Breach)
	}
	if !decision.Breach.Observed.Equal(decimal.NewFromInt(4)) || !decision.Breach.Limit.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected breach values: %s", decision.Breach)
	}

	want := []guard.EventKind{guard.EventKindStarted, guard.EventKindTerminated}
	if !equalKinds(events.Kinds(), want) {
		t.Fatalf("unexpected events: got=%v want=%v", events.Kinds(), want)
	}

	select {
	case <-h.Done():
	default:
		t.Fatalf("done channel not closed after termination")
	}
	if h.Decision().Reason != limits.ReasonStepLimitExceeded {
		t.Fatalf("decision cell not updated: %+v", h.Decision())
	}
}

func TestRecordCost_TerminatesWhenCostExceeded(t *testing.T) {
	t.Parallel()

	g := newTestGuard(t, guard.Config{TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-cost", limits.Policy{
		MaxCost: limits.Cost(decimal.RequireFromString("10.00")),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := h.RecordCost(decimal.RequireFromString("6.00"))
	if err != nil || first.ShouldTerminate() {
		t.Fatalf("unexpected first decision: %+v err=%v", first, err)
	}
	second, err := h.RecordCost(decimal.RequireFromString("5.00"))
	if err != nil {
		t.Fatalf("record cost: %v", err)
	}
	if !second.ShouldTerminate() || second.Breach == nil || second.Breach.Dimension != limits.DimensionCost {
		t.Fatalf("expected cost termination, got %+v", second)
	}
	if !second.Breach.Observed.Equal(decimal.RequireFromString("11.00")) {
		t.Fatalf("unexpected observed: %s", second.Breach.Observed)
	}
	if !second.Breach.Limit.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("unexpected limit: %s", second.Breach.Limit)
	}
}

func TestRecordTokens_TerminatesOnBurst(t *testing.T) {
	t.Parallel()

	g := newTestGuard(t, guard.Config{TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-tokens", limits.Policy{MaxTokens: limits.Count(100)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	decision, err := h.RecordTokens(99)
	if err != nil || decision.ShouldTerminate() {
		t.Fatalf("unexpected decision: %+v err=%v", decision, err)
	}
	decision, err = h.RecordTokens(2)
	if err != nil {
		t.Fatalf("record tokens: %v", err)
	}
	if decision.Reason != limits.ReasonTokenLimitExceeded {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
}

func TestMonitor_TerminatesOnWallClockWithoutUsage(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: 100 * time.Millisecond})
	h, err := g.Register(context.Background(), "exec-time", limits.Policy{MaxDuration: limits.Duration(time.Second)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	waitDone(t, h, 5*time.Second)

	decision := h.Decision()
	if decision.Breach == nil || decision.Breach.Dimension != limits.DimensionTime {
		t.Fatalf("expected time breach, got %+v", decision)
	}
	if decision.Breach.Observed.LessThanOrEqual(decimal.NewFromInt(1)) {
		t.Fatalf("observed elapsed must exceed limit: %s", decision.Breach.Observed)
	}
	if events.Count(guard.EventKindTerminated) != 1 {
		t.Fatalf("unexpected terminated count: %d", events.Count(guard.EventKindTerminated))
	}

	var cause *guard.TerminatedError
	if !errors.As(context.Cause(h.Context()), &cause) {
		t.Fatalf("unexpected context cause: %v", context.Cause(h.Context()))
	}
	if !errors.Is(context.Cause(h.Context()), guard.ErrExecutionTerminated) {
		t.Fatalf("cause must match ErrExecutionTerminated")
	}
}

func TestCheck_UsesInjectedClock(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	g := newTestGuard(t, guard.Config{TickInterval: time.Hour, Now: clock.Now})
	h, err := g.Register(context.Background(), "exec-clock", limits.Policy{MaxDuration: limits.Duration(time.Second)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	clock.Advance(time.Second)
	if decision, _ := h.Check(); decision.ShouldTerminate() {
		t.Fatalf("elapsed equal to limit must not terminate: %+v", decision)
	}
	clock.Advance(100 * time.Millisecond)
	decision, err := h.Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Breach == nil || !decision.Breach.Observed.Equal(decimal.RequireFromString("1.1")) {
		t.Fatalf("unexpected breach: %+v", decision.Breach)
	}
}

func TestCheck_SubMillisecondTimeBreachReportsExactElapsed(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	g := newTestGuard(t, guard.Config{TickInterval: time.Hour, Now: clock.Now})
	h, err := g.Register(context.Background(), "exec-micro", limits.Policy{MaxDuration: limits.Duration(time.Second)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	clock.Advance(time.Second + 400*time.Microsecond)
	decision, err := h.Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Breach == nil || decision.Breach.Dimension != limits.DimensionTime {
		t.Fatalf("expected time breach, got %+v", decision)
	}
	if !decision.Breach.Observed.GreaterThan(decision.Breach.Limit) {
		t.Fatalf("observed must exceed limit: observed=%s limit=%s", decision.Breach.Observed, decision.Breach.Limit)
	}
	if want := decimal.RequireFromString("1.0004"); !decision.Breach.Observed.Equal(want) {
		t.Fatalf("observed mismatch: got=%s want=%s", decision.Breach.Observed, want)
	}
}

func TestTerminate_ConcurrentCallsPublishOnce(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-concurrent", limits.Policy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	const callers = 64
	decisions := make([]guard.Decision, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			decision, err := h.Terminate("operator stop")
			if err != nil {
				t.Errorf("terminate: %v", err)
			}
			decisions[i] = decision
		}()
	}
	close(start)
	wg.Wait()

	if got := events.Count(guard.EventKindTerminated); got != 1 {
		t.Fatalf("unexpected terminated events: %d", got)
	}
	for i, decision := range decisions {
		if !decision.ShouldTerminate() || decision.Reason != "operator stop" {
			t.Fatalf("caller %d observed %+v", i, decision)
		}
	}

	again, err := g.Terminate("exec-concurrent", "second reason")
	if err != nil {
		t.Fatalf("terminate again: %v", err)
	}
	if again.Reason != "operator stop" {
		t.Fatalf("second terminate changed reason: %s", again.Reason)
	}
}

func TestRecord_NoIncrementsAfterTerminalCommit(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-late-usage", limits.Policy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 500 {
				if _, err := h.RecordTokens(1); err != nil {
					t.Errorf("record tokens: %v", err)
					return
				}
				if _, err := h.RecordCost(decimal.RequireFromString("0.01")); err != nil {
					t.Errorf("record cost: %v", err)
					return
				}
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	if _, err := h.Terminate("operator"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	wg.Wait()

	var terminated *guard.Event
	for _, event := range events.Events() {
		if event.Kind == guard.EventKindTerminated {
			event := event
			terminated = &event
		}
	}
	if terminated == nil || terminated.Usage == nil {
		t.Fatalf("missing terminated event with usage: %+v", events.Kinds())
	}

	final := h.Stats().Usage
	if final.Tokens != terminated.Usage.Tokens {
		t.Fatalf("tokens moved after termination: got=%d want=%d", final.Tokens, terminated.Usage.Tokens)
	}
	if !final.Cost.Equal(terminated.Usage.Cost) {
		t.Fatalf("cost moved after termination: got=%s want=%s", final.Cost, terminated.Usage.Cost)
	}
}

func TestSyncAndMonitorRace_SingleTermination(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Millisecond})
	h, err := g.Register(context.Background(), "exec-race", limits.Policy{
		MaxTokens:   limits.Count(500),
		MaxDuration: limits.Duration(50 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				decision, err := h.RecordTokens(1)
				if err != nil {
					t.Errorf("record tokens: %v", err)
					return
				}
				if decision.ShouldTerminate() {
					return
				}
			}
		}()
	}
	wg.Wait()
	waitDone(t, h, time.Second)

	if got := events.Count(guard.EventKindTerminated); got != 1 {
		t.Fatalf("unexpected terminated events: %d", got)
	}
	final := h.Decision()
	if final.Breach == nil {
		t.Fatalf("missing breach: %+v", final)
	}
	if final.Breach.Dimension != limits.DimensionTokens && final.Breach.Dimension != limits.DimensionTime {
		t.Fatalf("unexpected dimension: %s", final.Breach.Dimension)
	}

	all := events.Events()
	if all[len(all)-1].Kind != guard.EventKindTerminated {
		t.Fatalf("terminated must be the last event, got %v", events.Kinds())
	}
	for i := range all {
		if all[i].Seq != int64(i+1) {
			t.Fatalf("unexpected seq at %d: %d", i, all[i].Seq)
		}
	}
}

func TestWithinLimits_NeverTerminates(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: 5 * time.Millisecond})
	h, err := g.Register(context.Background(), "exec-ok", limits.Policy{
		MaxSteps:    limits.Count(10),
		MaxDuration: limits.Duration(time.Hour),
		MaxTokens:   limits.Count(1000),
		MaxCost:     limits.Cost(decimal.NewFromInt(10)),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for range 10 {
		if decision, err := h.RecordStep(); err != nil || decision.ShouldTerminate() {
			t.Fatalf("unexpected step decision: %+v err=%v", decision, err)
		}
		if decision, err := h.RecordTokens(100); err != nil || decision.ShouldTerminate() {
			t.Fatalf("unexpected token decision: %+v err=%v", decision, err)
		}
		if decision, err := h.RecordCost(decimal.NewFromInt(1)); err != nil || decision.ShouldTerminate() {
			t.Fatalf("unexpected cost decision: %+v err=%v", decision, err)
		}
	}
	time.Sleep(30 * time.Millisecond)

	if events.Count(guard.EventKindTerminated) != 0 {
		t.Fatalf("unexpected termination: %v", events.Kinds())
	}
	stats := h.Stats()
	if stats.Usage.Steps != 10 || stats.Usage.Tokens != 1000 || !stats.Usage.Cost.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected stats: %+v", stats.Usage)
	}
	if stats.Decision.Reason != limits.ReasonWithinLimits {
		t.Fatalf("unexpected decision: %+v", stats.Decision)
	}
}

func TestRecord_RejectsNegativeUsage(t *testing.T) {
	t.Parallel()

	g := newTestGuard(t, guard.Config{TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-neg", limits.Policy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := h.RecordTokens(-1); !errors.Is(err, guard.ErrNegativeUsage) {
		t.Fatalf("expected ErrNegativeUsage for tokens, got %v", err)
	}
	if _, err := h.RecordCost(decimal.RequireFromString("-0.5")); !errors.Is(err, guard.ErrNegativeUsage) {
		t.Fatalf("expected ErrNegativeUsage for cost, got %v", err)
	}
	usage := h.Stats().Usage
	if usage.Tokens != 0 || !usage.Cost.IsZero() {
		t.Fatalf("rejected usage changed counters: %+v", usage)
	}
}

func TestRecordUsage_AppliesDeltaBeforeEvaluating(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-delta", limits.Policy{
		MaxSteps:  limits.Count(1),
		MaxTokens: limits.Count(50),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := h.RecordUsage(guard.UsageDelta{Steps: 1, Tokens: -1, Cost: decimal.NewFromInt(1)}); !errors.Is(err, guard.ErrNegativeUsage) {
		t.Fatalf("expected ErrNegativeUsage, got %v", err)
	}
	if usage := h.Stats().Usage; usage.Steps != 0 || usage.Tokens != 0 || !usage.Cost.IsZero() {
		t.Fatalf("rejected delta must not change counters: %+v", usage)
	}

	if decision, err := h.RecordUsage(guard.UsageDelta{Steps: 1, Tokens: 20}); err != nil || decision.ShouldTerminate() {
		t.Fatalf("unexpected first decision: %+v err=%v", decision, err)
	}
	decision, err := h.RecordUsage(guard.UsageDelta{Steps: 1, Tokens: 40, Cost: decimal.RequireFromString("0.25")})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if decision.Breach == nil || decision.Breach.Dimension != limits.DimensionSteps {
		t.Fatalf("simultaneous breach must report steps first: %+v", decision)
	}

	usage := h.Stats().Usage
	if usage.Steps != 2 || usage.Tokens != 60 || !usage.Cost.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected usage after breach: %+v", usage)
	}
	if events.Count(guard.EventKindTerminated) != 1 {
		t.Fatalf("unexpected terminated count: %d", events.Count(guard.EventKindTerminated))
	}
}

func TestComplete_PublishesOnceAndBlocksTermination(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-done", limits.Policy{MaxSteps: limits.Count(1)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := h.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := h.Complete(); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if _, err := h.Terminate("late"); !errors.Is(err, guard.ErrExecutionCompleted) {
		t.Fatalf("expected ErrExecutionCompleted, got %v", err)
	}
	if _, err := h.RecordStep(); !errors.Is(err, guard.ErrExecutionCompleted) {
		t.Fatalf("expected ErrExecutionCompleted, got %v", err)
	}

	want := []guard.EventKind{guard.EventKindStarted, guard.EventKindCompleted}
	if !equalKinds(events.Kinds(), want) {
		t.Fatalf("unexpected events: got=%v want=%v", events.Kinds(), want)
	}
	if h.Context().Err() == nil {
		t.Fatalf("context must be cancelled after completion")
	}
}

func TestComplete_AfterTermination(t *testing.T) {
	t.Parallel()

	g := newTestGuard(t, guard.Config{TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-term", limits.Policy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.Terminate(""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	decision, err := h.Complete()
	if !errors.Is(err, guard.ErrExecutionTerminated) {
		t.Fatalf("expected ErrExecutionTerminated, got %v", err)
	}
	if decision.Reason != guard.ReasonTerminatedByCaller {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestUnregister_ConcurrentWithEvaluation(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Millisecond})
	h, err := g.Register(context.Background(), "exec-unreg", limits.Policy{MaxTokens: limits.Count(1 << 40)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := h.RecordTokens(1)
				if errors.Is(err, guard.ErrExecutionClosed) {
					return
				}
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	h.Unregister()
	wg.Wait()

	if _, err := g.Lookup("exec-unreg"); !errors.Is(err, guard.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
	if _, err := h.Terminate("after"); !errors.Is(err, guard.ErrExecutionClosed) {
		t.Fatalf("expected ErrExecutionClosed, got %v", err)
	}
	if events.Count(guard.EventKindTerminated) != 0 {
		t.Fatalf("unregister must not publish termination")
	}
	h.Unregister()
	g.Unregister("exec-unreg")

	if _, err := g.Register(context.Background(), "exec-unreg", limits.Policy{}); err != nil {
		t.Fatalf("id must be reusable after unregister: %v", err)
	}
}

func TestOnUnregister_RunsOncePerExecution(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	released := map[guard.ExecutionID]int{}
	g, err := guard.New(guard.Config{
		TickInterval: time.Hour,
		OnUnregister: func(id guard.ExecutionID) {
			mu.Lock()
			released[id]++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	a, err := g.Register(context.Background(), "exec-a", limits.Policy{})
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	if _, err := g.Register(context.Background(), "exec-b", limits.Policy{}); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if _, err := g.Register(context.Background(), "exec-c", limits.Policy{}); err != nil {
		t.Fatalf("register c: %v", err)
	}

	a.Unregister()
	a.Unregister()
	g.Unregister("exec-b")
	g.Unregister("exec-b")
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []guard.ExecutionID{"exec-a", "exec-b", "exec-c"} {
		if released[id] != 1 {
			t.Fatalf("release count mismatch for %s: got=%d want=1", id, released[id])
		}
	}
}

func TestWarnings_RatioAndRulesFireOnce(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-warn", limits.Policy{
		MaxTokens:    limits.Count(100),
		WarningRatio: 0.5,
		Rules: []rules.Rule{
			{Name: "early-burst", When: "tokens >= 60 && steps == 0", Message: "burst before first step"},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for range 7 {
		if _, err := h.RecordTokens(10); err != nil {
			t.Fatalf("record tokens: %v", err)
		}
	}

	var warnings []guard.Event
	for _, event := range events.Events() {
		if event.Kind == guard.EventKindWarning {
			warnings = append(warnings, event)
		}
	}
	if len(warnings) != 2 {
		t.Fatalf("unexpected warning count: %d (%v)", len(warnings), events.Kinds())
	}
	if warnings[0].Warning.Dimension != limits.DimensionTokens {
		t.Fatalf("unexpected first warning: %+v", warnings[0].Warning)
	}
	if !warnings[0].Warning.Observed.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected warning observed: %s", warnings[0].Warning.Observed)
	}
	if warnings[1].Warning.Rule != "early-burst" || warnings[1].Warning.Message != "burst before first step" {
		t.Fatalf("unexpected rule warning: %+v", warnings[1].Warning)
	}
}

func TestPublishFailure_FailsOpen(t *testing.T) {
	t.Parallel()

	events := &recordingPublisher{err: errors.New("sink offline")}
	g := newTestGuard(t, guard.Config{Publisher: events, TickInterval: time.Hour})
	h, err := g.Register(context.Background(), "exec-infra", limits.Policy{MaxSteps: limits.Count(1)})
	if !errors.Is(err, guard.ErrInfrastructure) {
		t.Fatalf("expected ErrInfrastructure, got %v", err)
	}
	if h == nil {
		t.Fatalf("handle must be returned alongside infrastructure errors")
	}

	decision, err := h.RecordStep()
	if err != nil || decision.ShouldTerminate() {
		t.Fatalf("infrastructure failure must not terminate: %+v err=%v", decision, err)
	}

	decision, err = h.RecordStep()
	if !errors.Is(err, guard.ErrInfrastructure) {
		t.Fatalf("expected ErrInfrastructure on terminated publish, got %v", err)
	}
	if !decision.ShouldTerminate() {
		t.Fatalf("breach must still terminate: %+v", decision)
	}
}

func TestClose_StopsEverything(t *testing.T) {
	t.Parallel()

	g, err := guard.New(guard.Config{TickInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	h, err := g.Register(context.Background(), "exec-close", limits.Policy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.Context().Err() == nil {
		t.Fatalf("handle context must be cancelled on close")
	}
	if _, err := g.Register(context.Background(), "exec-late", limits.Policy{}); !errors.Is(err, guard.ErrGuardClosed) {
		t.Fatalf("expected ErrGuardClosed, got %v", err)
	}
}
