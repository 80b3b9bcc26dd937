package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateExecution is returned when an execution id is already registered.
	ErrDuplicateExecution = errors.New("execution already registered")
	// ErrInvalidExecutionID is returned for empty execution ids.
	ErrInvalidExecutionID = errors.New("invalid execution id")
	// ErrExecutionNotFound is returned by lookups for unknown execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionClosed is returned once a handle has been unregistered.
	ErrExecutionClosed = errors.New("execution unregistered")
	// ErrExecutionTerminated is the cancellation cause of a terminated execution.
	ErrExecutionTerminated = errors.New("execution terminated")
	// ErrExecutionCompleted is returned for usage reported after completion.
	ErrExecutionCompleted = errors.New("execution already completed")
	// ErrNegativeUsage is returned for usage deltas below zero.
	ErrNegativeUsage = errors.New("usage delta must be non-negative")
	// ErrInfrastructure marks monitoring failures that never terminate an execution.
	ErrInfrastructure = errors.New("guard infrastructure error")
	// ErrEventInvalid is returned when an event violates payload invariants.
	ErrEventInvalid = errors.New("event is invalid")
	// ErrGuardClosed is returned by Register after Close.
	ErrGuardClosed = errors.New("guard closed")
	ErrContextNil  = errors.New("context is nil")
)

// TerminatedError is the context cancellation cause for a terminated execution.
type TerminatedError struct {
	ExecutionID ExecutionID
	Decision    Decision
}

func (e *TerminatedError) Error() string {
	if e.Decision.Breach != nil {
		return fmt.Sprintf("execution %q terminated: reason=%s %s", e.ExecutionID, e.Decision.Reason, e.Decision.Breach)
	}
	return fmt.Sprintf("execution %q terminated: reason=%s", e.ExecutionID, e.Decision.Reason)
}

func (e *TerminatedError) Is(target error) bool {
	return target == ErrExecutionTerminated
}

func infrastructureError(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrInfrastructure, err)
}
