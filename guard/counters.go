package guard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/policy/limits"
)

// Counters tracks usage for one execution. Every counter only grows.
type Counters struct {
	startedAt time.Time
	steps     atomic.Int64
	tokens    atomic.Int64

	mu      sync.Mutex
	cost    decimal.Decimal
	elapsed time.Duration
}

func NewCounters(startedAt time.Time) *Counters {
	return &Counters{startedAt: startedAt}
}

func (c *Counters) StartedAt() time.Time {
	return c.startedAt
}

// AddStep increments the step counter and returns the new value.
func (c *Counters) AddStep() int64 {
	return c.steps.Add(1)
}

// AddSteps adds n completed steps and returns the new total.
func (c *Counters) AddSteps(n int64) (int64, error) {
	if n < 0 {
		return c.steps.Load(), fmt.Errorf("%w: steps=%d", ErrNegativeUsage, n)
	}
	return c.steps.Add(n), nil
}

// AddTokens adds n tokens and returns the new total.
func (c *Counters) AddTokens(n int64) (int64, error) {
	if n < 0 {
		return c.tokens.Load(), fmt.Errorf("%w: tokens=%d", ErrNegativeUsage, n)
	}
	return c.tokens.Add(n), nil
}

// AddCost adds amount and returns the new total.
func (c *Counters) AddCost(amount decimal.Decimal) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if amount.IsNegative() {
		return c.cost, fmt.Errorf("%w: cost=%s", ErrNegativeUsage, amount)
	}
	c.cost = c.cost.Add(amount)
	return c.cost, nil
}

// Snapshot recomputes elapsed time against now and returns every counter.
// Elapsed never moves backwards even if now does.
func (c *Counters) Snapshot(now time.Time) limits.Usage {
	c.mu.Lock()
	if elapsed := now.Sub(c.startedAt); elapsed > c.elapsed {
		c.elapsed = elapsed
	}
	usage := limits.Usage{
		Elapsed: c.elapsed,
		Cost:    c.cost,
	}
	c.mu.Unlock()

	usage.Steps = c.steps.Load()
	usage.Tokens = c.tokens.Load()
	return usage
}
