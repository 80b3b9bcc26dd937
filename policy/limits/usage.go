package limits

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/policy/rules"
)

// Usage is a consistent point-in-time view of one execution's counters.
type Usage struct {
	Steps   int64           `json:"steps"`
	Elapsed time.Duration   `json:"elapsed"`
	Tokens  int64           `json:"tokens"`
	Cost    decimal.Decimal `json:"cost"`
}

// Observed returns the usage value for d in breach units.
func (u Usage) Observed(d Dimension) decimal.Decimal {
	switch d {
	case DimensionSteps:
		return decimal.NewFromInt(u.Steps)
	case DimensionTime:
		return Seconds(u.Elapsed)
	case DimensionTokens:
		return decimal.NewFromInt(u.Tokens)
	case DimensionCost:
		return u.Cost
	default:
		return decimal.Zero
	}
}

// Vars exposes the usage to warning rule expressions.
func (u Usage) Vars() rules.Vars {
	return rules.Vars{
		Steps:     u.Steps,
		ElapsedMs: u.Elapsed.Milliseconds(),
		Tokens:    u.Tokens,
		Cost:      u.Cost.InexactFloat64(),
	}
}

// Seconds converts d to exact decimal seconds. Time breaches compare raw
// durations, so the reported value keeps full nanosecond precision.
func Seconds(d time.Duration) decimal.Decimal {
	return decimal.New(d.Nanoseconds(), -9)
}
