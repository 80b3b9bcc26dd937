package guard

import (
	"time"

	"github.com/Gurpartap/runguard/policy/limits"
)

// ExecutionID is the stable identifier for one guarded execution.
type ExecutionID string

// Status captures the coarse lifecycle state of an execution.
type Status string

const (
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
	StatusCompleted  Status = "completed"
)

// Verdict is the outcome of one guard evaluation.
type Verdict string

const (
	VerdictContinue  Verdict = "continue"
	VerdictTerminate Verdict = "terminate"
)

// ReasonTerminatedByCaller is used when Terminate is called without a reason.
const ReasonTerminatedByCaller = "terminated_by_caller"

// Decision is produced fresh by every evaluation. Breach is set only when a
// limit caused the termination.
type Decision struct {
	Verdict Verdict        `json:"verdict"`
	Reason  string         `json:"reason"`
	Breach  *limits.Breach `json:"breach,omitempty"`
}

// Continue is the decision for usage within every limit.
func Continue() Decision {
	return Decision{Verdict: VerdictContinue, Reason: limits.ReasonWithinLimits}
}

func terminateForBreach(breach limits.Breach) Decision {
	return Decision{
		Verdict: VerdictTerminate,
		Reason:  breach.Reason(),
		Breach:  &breach,
	}
}

func terminateForCaller(reason string) Decision {
	if reason == "" {
		reason = ReasonTerminatedByCaller
	}
	return Decision{Verdict: VerdictTerminate, Reason: reason}
}

// ShouldTerminate reports whether the runtime must stop at its next checkpoint.
func (d Decision) ShouldTerminate() bool {
	return d.Verdict == VerdictTerminate
}

func cloneDecision(in Decision) Decision {
	out := in
	if in.Breach != nil {
		breach := *in.Breach
		out.Breach = &breach
	}
	return out
}

// Stats is a point-in-time snapshot of an execution.
type Stats struct {
	ExecutionID ExecutionID   `json:"execution_id"`
	Status      Status        `json:"status"`
	Closed      bool          `json:"closed"`
	StartedAt   time.Time     `json:"started_at"`
	Usage       limits.Usage  `json:"usage"`
	Policy      limits.Policy `json:"policy"`
	Decision    Decision      `json:"decision"`
}
