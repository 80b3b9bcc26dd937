package limits

// Dimension names one guarded usage counter.
type Dimension string

const (
	DimensionSteps  Dimension = "steps"
	DimensionTime   Dimension = "time"
	DimensionTokens Dimension = "tokens"
	DimensionCost   Dimension = "cost"
)

// Dimensions lists every dimension in evaluation order. When several dimensions
// are breached at once the first one in this order is reported.
var Dimensions = []Dimension{
	DimensionSteps,
	DimensionTime,
	DimensionTokens,
	DimensionCost,
}

const (
	ReasonWithinLimits       = "within_limits"
	ReasonStepLimitExceeded  = "step_limit_exceeded"
	ReasonTimeLimitExceeded  = "time_limit_exceeded"
	ReasonTokenLimitExceeded = "token_limit_exceeded"
	ReasonCostLimitExceeded  = "cost_limit_exceeded"
)

// Reason returns the termination reason code for a breach of d.
func (d Dimension) Reason() string {
	switch d {
	case DimensionSteps:
		return ReasonStepLimitExceeded
	case DimensionTime:
		return ReasonTimeLimitExceeded
	case DimensionTokens:
		return ReasonTokenLimitExceeded
	case DimensionCost:
		return ReasonCostLimitExceeded
	default:
		return "unknown_limit_exceeded"
	}
}

func (d Dimension) Valid() bool {
	switch d {
	case DimensionSteps, DimensionTime, DimensionTokens, DimensionCost:
		return true
	default:
		return false
	}
}
