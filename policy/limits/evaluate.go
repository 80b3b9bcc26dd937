package limits

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Breach reports a dimension whose observed usage exceeds its limit.
type Breach struct {
	Dimension Dimension       `json:"dimension"`
	Observed  decimal.Decimal `json:"observed"`
	Limit     decimal.Decimal `json:"limit"`
}

func (b Breach) Reason() string {
	return b.Dimension.Reason()
}

func (b Breach) String() string {
	return fmt.Sprintf("%s observed=%s limit=%s", b.Dimension, b.Observed, b.Limit)
}

// Evaluate checks every dimension in [Dimensions] order and returns the first
// breach, or nil when usage is within all limits. A dimension is breached only
// when its observed value is strictly greater than the limit.
func Evaluate(p Policy, u Usage) *Breach {
	for _, d := range Dimensions {
		if breached(p, u, d) {
			limit, _ := p.Limit(d)
			return &Breach{
				Dimension: d,
				Observed:  u.Observed(d),
				Limit:     limit,
			}
		}
	}
	return nil
}

func breached(p Policy, u Usage, d Dimension) bool {
	switch d {
	case DimensionSteps:
		return p.MaxSteps != nil && u.Steps > *p.MaxSteps
	case DimensionTime:
		return p.MaxDuration != nil && u.Elapsed > *p.MaxDuration
	case DimensionTokens:
		return p.MaxTokens != nil && u.Tokens > *p.MaxTokens
	case DimensionCost:
		return p.MaxCost != nil && u.Cost.GreaterThan(*p.MaxCost)
	default:
		return false
	}
}

// Approaching returns, in evaluation order, the dimensions whose usage has
// reached WarningRatio of the limit. It returns nil when ratio warnings are
// disabled.
func Approaching(p Policy, u Usage) []Dimension {
	if p.WarningRatio <= 0 {
		return nil
	}
	ratio := decimal.NewFromFloat(p.WarningRatio)
	var out []Dimension
	for _, d := range Dimensions {
		limit, ok := p.Limit(d)
		if !ok {
			continue
		}
		observed := u.Observed(d)
		if !observed.IsPositive() {
			continue
		}
		if observed.GreaterThanOrEqual(limit.Mul(ratio)) {
			out = append(out, d)
		}
	}
	return out
}
