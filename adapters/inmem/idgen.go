package inmem

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Gurpartap/runguard/guard"
)

var (
	_ guard.IDGenerator = (*CounterIDGenerator)(nil)
	_ guard.IDGenerator = UUIDGenerator{}
)

// CounterIDGenerator provides deterministic in-process execution IDs.
type CounterIDGenerator struct {
	prefix  string
	counter atomic.Uint64
}

func NewCounterIDGenerator(prefix string) *CounterIDGenerator {
	if prefix == "" {
		prefix = "exec"
	}
	return &CounterIDGenerator{
		prefix: prefix,
	}
}

func (g *CounterIDGenerator) NewExecutionID(ctx context.Context) (guard.ExecutionID, error) {
	if ctx == nil {
		return "", guard.ErrContextNil
	}
	next := g.counter.Add(1)
	return guard.ExecutionID(fmt.Sprintf("%s-%06d", g.prefix, next)), nil
}

// UUIDGenerator issues random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewExecutionID(ctx context.Context) (guard.ExecutionID, error) {
	if ctx == nil {
		return "", guard.ErrContextNil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate execution id: %w", err)
	}
	return guard.ExecutionID(id.String()), nil
}
