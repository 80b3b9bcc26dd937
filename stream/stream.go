// Package stream keeps a bounded, replayable history of guard events per
// execution.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Gurpartap/runguard/guard"
	"github.com/Gurpartap/runguard/policy/limits"
)

const (
	DefaultMaxEventsPerExecution = 256
	DefaultGraceAfterTerminal    = 30 * time.Second
	DefaultSweepInterval         = time.Second
)

var (
	ErrCursorInvalid = errors.New("stream cursor is invalid")
	ErrCursorExpired = errors.New("stream cursor expired")
)

// Retention bounds how much history the stream keeps. Zero values select the
// defaults; a zero MaxAge keeps events until the execution is evicted.
type Retention struct {
	MaxEventsPerExecution int
	MaxAge                time.Duration
	GraceAfterTerminal    time.Duration
	SweepInterval         time.Duration
}

func (r Retention) Validate() error {
	switch {
	case r.MaxEventsPerExecution < 0:
		return &limits.ConfigurationError{Field: "retention.max_events", Reason: "negative"}
	case r.MaxAge < 0:
		return &limits.ConfigurationError{Field: "retention.max_age", Reason: "negative"}
	case r.GraceAfterTerminal < 0:
		return &limits.ConfigurationError{Field: "retention.grace_after_terminal", Reason: "negative"}
	case r.SweepInterval < 0:
		return &limits.ConfigurationError{Field: "retention.sweep_interval", Reason: "negative"}
	}
	return nil
}

func (r Retention) withDefaults() Retention {
	if r.MaxEventsPerExecution == 0 {
		r.MaxEventsPerExecution = DefaultMaxEventsPerExecution
	}
	if r.GraceAfterTerminal == 0 {
		r.GraceAfterTerminal = DefaultGraceAfterTerminal
	}
	if r.SweepInterval == 0 {
		r.SweepInterval = DefaultSweepInterval
	}
	return r
}

// Entry is a stored event with its stream cursor id.
type Entry struct {
	ID    int64       `json:"id"`
	Event guard.Event `json:"event"`
}

type Option func(*Stream)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Stream) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEvictHandler registers fn to run for every execution removed by Sweep.
// Explicit Evict calls do not trigger it.
func WithEvictHandler(fn func(guard.ExecutionID)) Option {
	return func(s *Stream) {
		s.onEvict = fn
	}
}

type Stream struct {
	retention Retention
	logger    *slog.Logger
	now       func() time.Time
	onEvict   func(guard.ExecutionID)

	mu         sync.RWMutex
	executions map[guard.ExecutionID]*history
}

type history struct {
	nextID     int64
	records    []record
	terminalAt time.Time
}

type record struct {
	entry Entry
	at    time.Time
}

func (h *history) terminal() bool {
	return !h.terminalAt.IsZero()
}

var _ guard.Publisher = (*Stream)(nil)

func New(retention Retention, opts ...Option) (*Stream, error) {
	if err := retention.Validate(); err != nil {
		return nil, fmt.Errorf("new stream: %w", err)
	}
	s := &Stream{
		retention:  retention.withDefaults(),
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
		executions: make(map[guard.ExecutionID]*history),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Stream) Retention() Retention {
	return s.retention
}

func (s *Stream) Publish(ctx context.Context, event guard.Event) error {
	if ctx == nil {
		return guard.ErrContextNil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	_, err := s.Append(event)
	return err
}

// Append stores event and returns its cursor id. The oldest events of the
// execution are dropped once MaxEventsPerExecution is exceeded.
func (s *Stream) Append(event guard.Event) (int64, error) {
	if err := guard.ValidateEvent(event); err != nil {
		return 0, err
	}
	at := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.executions[event.ExecutionID]
	if !ok {
		h = &history{
			nextID:  1,
			records: make([]record, 0, min(s.retention.MaxEventsPerExecution, 16)),
		}
		s.executions[event.ExecutionID] = h
	}
	next := record{
		entry: Entry{ID: h.nextID, Event: guard.CloneEvent(event)},
		at:    at,
	}
	h.nextID++
	h.records = append(h.records, next)
	if len(h.records) > s.retention.MaxEventsPerExecution {
		drop := len(h.records) - s.retention.MaxEventsPerExecution
		clear(h.records[:drop])
		h.records = h.records[drop:]
	}
	if event.Kind.Terminal() && !h.terminal() {
		h.terminalAt = at
	}
	return next.entry.ID, nil
}

// Replay returns the retained events of id in order. Unknown and evicted ids
// yield an empty slice.
func (s *Stream) Replay(id guard.ExecutionID) []guard.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.executions[id]
	if !ok {
		return []guard.Event{}
	}
	out := make([]guard.Event, len(h.records))
	for i := range h.records {
		out[i] = guard.CloneEvent(h.records[i].entry.Event)
	}
	return out
}

// EventsAfter returns the entries with an id greater than cursor. Cursor 0
// starts at the oldest retained entry.
func (s *Stream) EventsAfter(id guard.ExecutionID, cursor int64) ([]Entry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: execution_id is required", guard.ErrInvalidExecutionID)
	}
	if cursor < 0 {
		return nil, fmt.Errorf("%w: cursor must be non-negative", ErrCursorInvalid)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.executions[id]
	if !ok {
		if cursor == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: no events for execution %q", ErrCursorInvalid, id)
	}

	if cursor >= h.nextID {
		return nil, fmt.Errorf(
			"%w: cursor=%d is beyond latest id=%d",
			ErrCursorInvalid,
			cursor,
			h.nextID-1,
		)
	}

	if len(h.records) > 0 {
		oldestAvailable := h.records[0].entry.ID - 1
		if cursor < oldestAvailable && cursor != 0 {
			return nil, fmt.Errorf(
				"%w: cursor=%d oldest_available=%d",
				ErrCursorExpired,
				cursor,
				oldestAvailable,
			)
		}
	}

	start := 0
	for start < len(h.records) && h.records[start].entry.ID <= cursor {
		start++
	}

	out := make([]Entry, len(h.records)-start)
	for i := start; i < len(h.records); i++ {
		out[i-start] = Entry{ID: h.records[i].entry.ID, Event: guard.CloneEvent(h.records[i].entry.Event)}
	}
	return out, nil
}

// Evict drops every event of id. Evicting an unknown id is a no-op.
func (s *Stream) Evict(id guard.ExecutionID) {
	s.mu.Lock()
	delete(s.executions, id)
	s.mu.Unlock()
}

// Executions returns the ids with retained history in lexical order.
func (s *Stream) Executions() []guard.ExecutionID {
	s.mu.RLock()
	out := make([]guard.ExecutionID, 0, len(s.executions))
	for id := range s.executions {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sweep applies age based retention as of now and returns the evicted
// executions. Events older than MaxAge are dropped. Executions whose terminal
// event is older than GraceAfterTerminal, or that are terminal and left with no
// events, are evicted.
func (s *Stream) Sweep(now time.Time) []guard.ExecutionID {
	var evicted []guard.ExecutionID

	s.mu.Lock()
	for id, h := range s.executions {
		if s.retention.MaxAge > 0 {
			cutoff := now.Add(-s.retention.MaxAge)
			drop := 0
			for drop < len(h.records) && h.records[drop].at.Before(cutoff) {
				drop++
			}
			if drop > 0 {
				clear(h.records[:drop])
				h.records = h.records[drop:]
			}
		}
		if !h.terminal() {
			continue
		}
		if len(h.records) == 0 || now.Sub(h.terminalAt) >= s.retention.GraceAfterTerminal {
			delete(s.executions, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	for _, id := range evicted {
		s.logger.Debug("execution history evicted", slog.String("execution_id", string(id)))
		if s.onEvict != nil {
			s.onEvict(id)
		}
	}
	return evicted
}

// Run sweeps every SweepInterval until ctx is done.
func (s *Stream) Run(ctx context.Context) {
	ticker := time.NewTicker(s.retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}
