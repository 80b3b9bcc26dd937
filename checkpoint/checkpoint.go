// Package checkpoint drives a runtime's foreground work one step at a time
// and honors guard decisions between steps.
//
// Termination is cooperative. A running step is never interrupted by Run; it
// receives a context that is cancelled once the guard terminates the
// execution and is expected to return promptly.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/guard"
)

var ErrStepNil = errors.New("step function is nil")

// StepResult is the usage one step consumed.
type StepResult struct {
	Tokens int64
	Cost   decimal.Decimal
	Done   bool
}

// Step performs the n-th unit of work, starting at 1.
type Step func(ctx context.Context, n int64) (StepResult, error)

type Outcome struct {
	Status   guard.Status
	Steps    int64
	Decision guard.Decision
}

// Run executes step until it reports Done, the guard terminates the execution
// or ctx is done. Monitoring failures never stop the loop.
func Run(ctx context.Context, h *guard.Handle, step Step) (Outcome, error) {
	if ctx == nil {
		return Outcome{}, guard.ErrContextNil
	}
	if step == nil {
		return Outcome{}, ErrStepNil
	}

	var steps int64
	for {
		if out, stop := finished(h, steps); stop {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome(h, steps), ctxErr
		}

		n := steps + 1
		result, stepErr := runStep(ctx, h, step, n)
		steps = n
		if stepErr != nil {
			if h.Decision().ShouldTerminate() {
				return outcome(h, steps), nil
			}
			return outcome(h, steps), fmt.Errorf("step %d: %w", n, stepErr)
		}

		if err := record(h, result); err != nil {
			return outcome(h, steps), err
		}
		if h.Decision().ShouldTerminate() {
			return outcome(h, steps), nil
		}
		if result.Done {
			if _, err := h.Complete(); err != nil && !isInfrastructure(err) {
				if errors.Is(err, guard.ErrExecutionTerminated) {
					return outcome(h, steps), nil
				}
				return outcome(h, steps), err
			}
			return outcome(h, steps), nil
		}
	}
}

func runStep(ctx context.Context, h *guard.Handle, step Step, n int64) (StepResult, error) {
	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(h.Context(), func() {
		cancel(context.Cause(h.Context()))
	})
	defer stop()

	return step(stepCtx, n)
}

// record reports the step together with its tokens and cost so a step that
// breaches a limit is still counted in full.
func record(h *guard.Handle, result StepResult) error {
	_, err := h.RecordUsage(guard.UsageDelta{
		Steps:  1,
		Tokens: result.Tokens,
		Cost:   result.Cost,
	})
	if err != nil && !isInfrastructure(err) {
		return err
	}
	return nil
}

func finished(h *guard.Handle, steps int64) (Outcome, bool) {
	switch h.Status() {
	case guard.StatusTerminated, guard.StatusCompleted:
		return outcome(h, steps), true
	}
	return Outcome{}, false
}

func outcome(h *guard.Handle, steps int64) Outcome {
	return Outcome{
		Status:   h.Status(),
		Steps:    steps,
		Decision: h.Decision(),
	}
}

func isInfrastructure(err error) bool {
	return errors.Is(err, guard.ErrInfrastructure)
}
