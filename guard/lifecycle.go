package guard

import "fmt"

func isTerminalStatus(status Status) bool {
	switch status {
	case StatusTerminated, StatusCompleted:
		return true
	default:
		return false
	}
}

func validateStatusTransition(from, to Status) error {
	if from == to {
		return nil
	}
	allowed, ok := allowedStatusTransitions[from]
	if !ok {
		return fmt.Errorf("invalid status transition: unknown source status %q", from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("invalid status transition: %s -> %s", from, to)
	}
	return nil
}

var allowedStatusTransitions = map[Status]map[Status]struct{}{
	StatusRunning: {
		StatusTerminated: {},
		StatusCompleted:  {},
	},
	StatusTerminated: {},
	StatusCompleted:  {},
}

// Status values are stored as int32 codes so the terminal transition can be a
// single compare-and-set.
const (
	codeRunning int32 = iota + 1
	codeTerminated
	codeCompleted
)

func (s Status) code() int32 {
	switch s {
	case StatusRunning:
		return codeRunning
	case StatusTerminated:
		return codeTerminated
	case StatusCompleted:
		return codeCompleted
	default:
		return 0
	}
}

func statusFromCode(code int32) Status {
	switch code {
	case codeRunning:
		return StatusRunning
	case codeTerminated:
		return StatusTerminated
	case codeCompleted:
		return StatusCompleted
	default:
		return ""
	}
}
