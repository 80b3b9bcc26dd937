package httpapi

import (
	"net/http"

	"github.com/Gurpartap/runguard/coordinator"
	"github.com/Gurpartap/runguard/policy/limits"
)

const DefaultMaxRequestBodyBytes = 1 << 20

type Config struct {
	// DefaultPolicy fills limits the register request leaves out.
	DefaultPolicy       limits.Policy
	MaxRequestBodyBytes int64
}

func normalizeConfig(input Config) Config {
	if input.MaxRequestBodyBytes <= 0 {
		input.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	input.DefaultPolicy = input.DefaultPolicy.Clone()
	return input
}

type handlers struct {
	coordinator *coordinator.Coordinator
	cfg         Config
}

func NewRouter(c *coordinator.Coordinator, cfg ...Config) http.Handler {
	normalized := normalizeConfig(Config{})
	if len(cfg) > 0 {
		normalized = normalizeConfig(cfg[0])
	}

	h := &handlers{
		coordinator: c,
		cfg:         normalized,
	}

	limitBody := bodyLimitMiddleware(normalized.MaxRequestBodyBytes)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/executions", limitBody(http.HandlerFunc(h.handleRegister)))
	mux.HandleFunc("GET /v1/executions", h.handleList)
	mux.HandleFunc("GET /v1/executions/{execution_id}", h.handleStats)
	mux.HandleFunc("DELETE /v1/executions/{execution_id}", h.handleDispose)
	mux.Handle("POST /v1/executions/{execution_id}/steps", limitBody(http.HandlerFunc(h.handleRecordStep)))
	mux.Handle("POST /v1/executions/{execution_id}/tokens", limitBody(http.HandlerFunc(h.handleRecordTokens)))
	mux.Handle("POST /v1/executions/{execution_id}/cost", limitBody(http.HandlerFunc(h.handleRecordCost)))
	mux.Handle("POST /v1/executions/{execution_id}/terminate", limitBody(http.HandlerFunc(h.handleTerminate)))
	mux.Handle("POST /v1/executions/{execution_id}/complete", limitBody(http.HandlerFunc(h.handleComplete)))
	mux.HandleFunc("GET /v1/executions/{execution_id}/events", h.handleExecutionEvents)
	mux.HandleFunc("GET /v1/events", h.handleLiveEvents)
	return mux
}

func bodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
