package app

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Gurpartap/runguard/internal/httpapi"
)

const executionsPathPrefix = "/v1/executions/"

// requestLoggingMiddleware logs one line per request. Requests on a single
// execution are tagged with its id, and responses that report a guard
// decision add the verdict and breached dimension.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusCapturingWriter{ResponseWriter: w}

			next.ServeHTTP(recorder, r)

			status := recorder.statusCode()
			attrs := make([]slog.Attr, 0, 8)
			attrs = append(attrs,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", recorder.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
			if id := executionIDFromPath(r.URL.Path); id != "" {
				attrs = append(attrs, slog.String("execution_id", id))
			}
			if verdict := recorder.Header().Get(httpapi.HeaderVerdict); verdict != "" {
				attrs = append(attrs, slog.String("verdict", verdict))
			}
			if dimension := recorder.Header().Get(httpapi.HeaderBreachDimension); dimension != "" {
				attrs = append(attrs, slog.String("dimension", dimension))
			}

			logger.LogAttrs(r.Context(), requestLogLevel(status), "http request", attrs...)
		})
	}
}

func requestLogLevel(status int) slog.Level {
	switch {
	case status == http.StatusServiceUnavailable, status == http.StatusRequestEntityTooLarge:
		return slog.LevelWarn
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// statusCapturingWriter records the status and body size. It forwards Flush so
// NDJSON event streams keep working behind the middleware.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *statusCapturingWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusCapturingWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// executionIDFromPath returns the {execution_id} segment of
// /v1/executions/{execution_id}[/...].
func executionIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, executionsPathPrefix)
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
