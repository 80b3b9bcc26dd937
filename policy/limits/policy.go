package limits

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/policy/rules"
)

// Policy holds the thresholds for one execution. A nil limit leaves that
// dimension unbounded.
type Policy struct {
	MaxSteps    *int64           `json:"max_steps,omitempty"`
	MaxDuration *time.Duration   `json:"max_duration,omitempty"`
	MaxTokens   *int64           `json:"max_tokens,omitempty"`
	MaxCost     *decimal.Decimal `json:"max_cost,omitempty"`

	// WarningRatio publishes one warning per dimension once usage reaches this
	// fraction of the limit. Zero disables ratio warnings.
	WarningRatio float64 `json:"warning_ratio,omitempty"`

	// Rules are custom warning conditions evaluated alongside the limits.
	Rules []rules.Rule `json:"rules,omitempty"`
}

// Count returns a policy limit value for MaxSteps or MaxTokens.
func Count(n int64) *int64 {
	return &n
}

// Duration returns a policy limit value for MaxDuration.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// Cost returns a policy limit value for MaxCost.
func Cost(amount decimal.Decimal) *decimal.Decimal {
	return &amount
}

// Validate rejects negative limits and malformed warning settings.
func (p Policy) Validate() error {
	if p.MaxSteps != nil && *p.MaxSteps < 0 {
		return &ConfigurationError{Field: "max_steps", Reason: fmt.Sprintf("negative value=%d", *p.MaxSteps)}
	}
	if p.MaxDuration != nil && *p.MaxDuration < 0 {
		return &ConfigurationError{Field: "max_duration", Reason: fmt.Sprintf("negative value=%s", *p.MaxDuration)}
	}
	if p.MaxTokens != nil && *p.MaxTokens < 0 {
		return &ConfigurationError{Field: "max_tokens", Reason: fmt.Sprintf("negative value=%d", *p.MaxTokens)}
	}
	if p.MaxCost != nil && p.MaxCost.IsNegative() {
		return &ConfigurationError{Field: "max_cost", Reason: "negative value=" + p.MaxCost.String()}
	}
	if p.WarningRatio < 0 || p.WarningRatio >= 1 {
		return &ConfigurationError{
			Field:  "warning_ratio",
			Reason: fmt.Sprintf("value=%g must be within [0, 1)", p.WarningRatio),
		}
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, rule := range p.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if rule.Name == "" {
			return &ConfigurationError{Field: field + ".name", Reason: "empty"}
		}
		if _, dup := seen[rule.Name]; dup {
			return &ConfigurationError{Field: field + ".name", Reason: "duplicate name=" + rule.Name}
		}
		seen[rule.Name] = struct{}{}
		if rule.When == "" {
			return &ConfigurationError{Field: field + ".when", Reason: "empty"}
		}
	}
	return nil
}

// Unbounded reports whether no dimension carries a limit.
func (p Policy) Unbounded() bool {
	return p.MaxSteps == nil && p.MaxDuration == nil && p.MaxTokens == nil && p.MaxCost == nil
}

// Clone returns a deep copy so callers cannot mutate a registered policy.
func (p Policy) Clone() Policy {
	out := Policy{WarningRatio: p.WarningRatio}
	if p.MaxSteps != nil {
		out.MaxSteps = Count(*p.MaxSteps)
	}
	if p.MaxDuration != nil {
		out.MaxDuration = Duration(*p.MaxDuration)
	}
	if p.MaxTokens != nil {
		out.MaxTokens = Count(*p.MaxTokens)
	}
	if p.MaxCost != nil {
		out.MaxCost = Cost(*p.MaxCost)
	}
	if len(p.Rules) > 0 {
		out.Rules = make([]rules.Rule, len(p.Rules))
		copy(out.Rules, p.Rules)
	}
	return out
}

// Limit returns the configured limit for d in breach units.
func (p Policy) Limit(d Dimension) (decimal.Decimal, bool) {
	switch d {
	case DimensionSteps:
		if p.MaxSteps != nil {
			return decimal.NewFromInt(*p.MaxSteps), true
		}
	case DimensionTime:
		if p.MaxDuration != nil {
			return Seconds(*p.MaxDuration), true
		}
	case DimensionTokens:
		if p.MaxTokens != nil {
			return decimal.NewFromInt(*p.MaxTokens), true
		}
	case DimensionCost:
		if p.MaxCost != nil {
			return *p.MaxCost, true
		}
	}
	return decimal.Decimal{}, false
}
