package inmem

import (
	"context"
	"sync"

	"github.com/Gurpartap/runguard/guard"
)

// Sink captures guard events in memory and exposes deterministic snapshots.
type Sink struct {
	mu     sync.RWMutex
	events []guard.Event
}

var _ guard.Publisher = (*Sink)(nil)

func New() *Sink {
	return &Sink{events: make([]guard.Event, 0)}
}

func (s *Sink) Publish(ctx context.Context, event guard.Event) error {
	if ctx == nil {
		return guard.ErrContextNil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err := guard.ValidateEvent(event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, guard.CloneEvent(event))
	return nil
}

func (s *Sink) Events() []guard.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]guard.Event, len(s.events))
	for i := range s.events {
		out[i] = guard.CloneEvent(s.events[i])
	}
	return out
}

// EventsFor returns the captured events of one execution in publish order.
func (s *Sink) EventsFor(id guard.ExecutionID) []guard.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []guard.Event
	for i := range s.events {
		if s.events[i].ExecutionID == id {
			out = append(out, guard.CloneEvent(s.events[i]))
		}
	}
	return out
}
