package guard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gurpartap/runguard/guard"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []guard.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event guard.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, guard.CloneEvent(event))
	return p.err
}

func (p *recordingPublisher) Events() []guard.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]guard.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordingPublisher) Kinds() []guard.EventKind {
	events := p.Events()
	out := make([]guard.EventKind, len(events))
	for i := range events {
		out[i] = events[i].Kind
	}
	return out
}

func (p *recordingPublisher) Count(kind guard.EventKind) int {
	n := 0
	for _, event := range p.Events() {
		if event.Kind == kind {
			n++
		}
	}
	return n
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGuard(t *testing.T, cfg guard.Config) *guard.Guard {
	t.Helper()

	g, err := guard.New(cfg)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	t.Cleanup(func() {
		_ = g.Close()
	})
	return g
}

func waitDone(t *testing.T, h *guard.Handle, timeout time.Duration) {
	t.Helper()

	select {
	case <-h.Done():
	case <-time.After(timeout):
		t.Fatalf("execution %s not finished after %s", h.ID(), timeout)
	}
}

func equalKinds(got, want []guard.EventKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
