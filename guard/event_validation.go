package guard

import "fmt"

// ValidateEvent checks event payload invariants before publish boundaries.
func ValidateEvent(event Event) error {
	if event.Kind == "" {
		return fmt.Errorf("%w: field=kind reason=empty", ErrEventInvalid)
	}
	if event.ExecutionID == "" {
		return fmt.Errorf("%w: field=execution_id reason=empty kind=%s", ErrEventInvalid, event.Kind)
	}
	if event.Seq < 1 {
		return fmt.Errorf(
			"%w: field=seq reason=non_positive value=%d kind=%s execution_id=%q",
			ErrEventInvalid,
			event.Seq,
			event.Kind,
			event.ExecutionID,
		)
	}

	switch event.Kind {
	case EventKindStarted:
		if event.Policy == nil {
			return fmt.Errorf(
				"%w: field=policy reason=nil kind=%s execution_id=%q",
				ErrEventInvalid,
				event.Kind,
				event.ExecutionID,
			)
		}
	case EventKindWarning:
		if event.Warning == nil {
			return fmt.Errorf(
				"%w: field=warning reason=nil kind=%s execution_id=%q",
				ErrEventInvalid,
				event.Kind,
				event.ExecutionID,
			)
		}
		if event.Warning.Dimension == "" && event.Warning.Rule == "" {
			return fmt.Errorf(
				"%w: field=warning reason=no_source kind=%s execution_id=%q",
				ErrEventInvalid,
				event.Kind,
				event.ExecutionID,
			)
		}
	case EventKindTerminated:
		if event.Decision == nil || !event.Decision.ShouldTerminate() {
			return fmt.Errorf(
				"%w: field=decision reason=not_terminal kind=%s execution_id=%q",
				ErrEventInvalid,
				event.Kind,
				event.ExecutionID,
			)
		}
	case EventKindCompleted:
	default:
		return fmt.Errorf(
			"%w: field=kind reason=unknown value=%s execution_id=%q",
			ErrEventInvalid,
			event.Kind,
			event.ExecutionID,
		)
	}
	return nil
}
