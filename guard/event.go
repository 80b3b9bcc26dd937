package guard

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/policy/limits"
)

// EventKind classifies lifecycle events published for an execution.
type EventKind string

const (
	EventKindStarted    EventKind = "started"
	EventKindWarning    EventKind = "warning"
	EventKindTerminated EventKind = "terminated"
	EventKindCompleted  EventKind = "completed"
)

// Terminal reports whether no further events follow k for the same execution.
func (k EventKind) Terminal() bool {
	return k == EventKindTerminated || k == EventKindCompleted
}

// Event is immutable once published. Seq increases by one per execution,
// starting at 1 for the started event.
type Event struct {
	ExecutionID ExecutionID    `json:"execution_id"`
	Seq         int64          `json:"seq"`
	Kind        EventKind      `json:"kind"`
	Time        time.Time      `json:"time"`
	Policy      *limits.Policy `json:"policy,omitempty"`
	Warning     *Warning       `json:"warning,omitempty"`
	Decision    *Decision      `json:"decision,omitempty"`
	Usage       *limits.Usage  `json:"usage,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Warning is the payload of a warning event. Exactly one of Dimension or Rule
// is set.
type Warning struct {
	Dimension limits.Dimension `json:"dimension,omitempty"`
	Rule      string           `json:"rule,omitempty"`
	Observed  decimal.Decimal  `json:"observed"`
	Limit     decimal.Decimal  `json:"limit"`
	Message   string           `json:"message,omitempty"`
}

// CloneEvent returns a deep copy safe to hand to another consumer.
func CloneEvent(in Event) Event {
	out := in
	if in.Policy != nil {
		policy := in.Policy.Clone()
		out.Policy = &policy
	}
	if in.Warning != nil {
		warning := *in.Warning
		out.Warning = &warning
	}
	if in.Decision != nil {
		decision := cloneDecision(*in.Decision)
		out.Decision = &decision
	}
	if in.Usage != nil {
		usage := *in.Usage
		out.Usage = &usage
	}
	return out
}
