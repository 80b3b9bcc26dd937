package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gurpartap/runguard/eventing/bus"
	"github.com/Gurpartap/runguard/guard"
	"github.com/Gurpartap/runguard/stream"
)

const streamPollInterval = 25 * time.Millisecond

// handleExecutionEvents replays the retained history after cursor and follows
// new events until the terminal event has been written or the client leaves.
func (h *handlers) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	if !h.ensureCoordinator(w) {
		return
	}

	id, err := pathExecutionID(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	cursor, err := parseCursor(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	buffered, err := h.coordinator.EventsAfter(id, cursor)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if len(buffered) == 0 {
		if _, err := h.coordinator.Lookup(id); err != nil {
			writeMappedError(w, err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorCodeRuntime, "streaming is unsupported by response writer")
		return
	}

	startNDJSON(w, flusher)
	encoder := json.NewEncoder(w)

	for _, entry := range buffered {
		if err := writeNDJSON(encoder, flusher, entry); err != nil {
			return
		}
		cursor = entry.ID
		if entry.Event.Kind.Terminal() {
			return
		}
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			next, err := h.coordinator.EventsAfter(id, cursor)
			if err != nil {
				return
			}
			for _, entry := range next {
				if err := writeNDJSON(encoder, flusher, entry); err != nil {
					return
				}
				cursor = entry.ID
				if entry.Event.Kind.Terminal() {
					return
				}
			}
		}
	}
}

// handleLiveEvents streams bus events matching the query filter. There is no
// replay: only events published after the response headers are sent appear.
func (h *handlers) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	if !h.ensureCoordinator(w) {
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorCodeRuntime, "streaming is unsupported by response writer")
		return
	}

	sub := h.coordinator.Subscribe(filter)
	defer sub.Close()

	startNDJSON(w, flusher)
	encoder := json.NewEncoder(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeNDJSON(encoder, flusher, event); err != nil {
				return
			}
		}
	}
}

func startNDJSON(w http.ResponseWriter, flusher http.Flusher) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

func parseCursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return 0, nil
	}

	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("%w: cursor must be a non-negative integer", stream.ErrCursorInvalid)
	}
	return cursor, nil
}

func parseFilter(r *http.Request) (bus.Filter, error) {
	query := r.URL.Query()
	filter := bus.Filter{
		ExecutionID: guard.ExecutionID(strings.TrimSpace(query.Get("execution_id"))),
	}
	for _, raw := range query["kind"] {
		for _, part := range strings.Split(raw, ",") {
			kind := guard.EventKind(strings.TrimSpace(part))
			switch kind {
			case guard.EventKindStarted, guard.EventKindWarning, guard.EventKindTerminated, guard.EventKindCompleted:
				filter.Kinds = append(filter.Kinds, kind)
			case "":
			default:
				return bus.Filter{}, invalidRequestError(fmt.Sprintf("unsupported kind %q", kind))
			}
		}
	}
	return filter, nil
}

func writeNDJSON(encoder *json.Encoder, flusher http.Flusher, payload any) error {
	if err := encoder.Encode(payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
