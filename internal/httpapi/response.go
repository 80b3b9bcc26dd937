package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/guard"
	"github.com/Gurpartap/runguard/policy/limits"
	"github.com/Gurpartap/runguard/policy/rules"
	"github.com/Gurpartap/runguard/stream"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeTooLarge       = "request_too_large"
	errorCodeNotFound       = "not_found"
	errorCodeConflict       = "conflict"
	errorCodeUnavailable    = "unavailable"
	errorCodeRuntime        = "runtime_error"
)

// Execution responses carry the current verdict, and the breached dimension
// once a limit was exceeded, so clients and request logs can act on them
// without decoding the body.
const (
	HeaderVerdict         = "Runguard-Verdict"
	HeaderBreachDimension = "Runguard-Breach-Dimension"
)

var (
	errInvalidRequest  = errors.New("invalid request")
	errRequestTooLarge = errors.New("request body too large")
	errEmptyBody       = errors.New("request body is required")
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type policyResponse struct {
	MaxSteps     *int64           `json:"max_steps,omitempty"`
	MaxDuration  string           `json:"max_duration,omitempty"`
	MaxTokens    *int64           `json:"max_tokens,omitempty"`
	MaxCost      *decimal.Decimal `json:"max_cost,omitempty"`
	WarningRatio float64          `json:"warning_ratio,omitempty"`
	Rules        []rules.Rule     `json:"rules,omitempty"`
}

type usageResponse struct {
	Steps     int64           `json:"steps"`
	ElapsedMs int64           `json:"elapsed_ms"`
	Tokens    int64           `json:"tokens"`
	Cost      decimal.Decimal `json:"cost"`
}

type executionResponse struct {
	ExecutionID string         `json:"execution_id"`
	Status      guard.Status   `json:"status"`
	Closed      bool           `json:"closed,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Usage       usageResponse  `json:"usage"`
	Policy      policyResponse `json:"policy"`
	Decision    guard.Decision `json:"decision"`
	// InfrastructureError reports a monitoring failure that did not affect the
	// decision.
	InfrastructureError string `json:"infrastructure_error,omitempty"`
}

type executionListResponse struct {
	Executions []string `json:"executions"`
}

func toPolicyResponse(p limits.Policy) policyResponse {
	out := policyResponse{
		MaxSteps:     p.MaxSteps,
		MaxTokens:    p.MaxTokens,
		MaxCost:      p.MaxCost,
		WarningRatio: p.WarningRatio,
		Rules:        p.Rules,
	}
	if p.MaxDuration != nil {
		out.MaxDuration = p.MaxDuration.String()
	}
	return out
}

func toUsageResponse(u limits.Usage) usageResponse {
	return usageResponse{
		Steps:     u.Steps,
		ElapsedMs: u.Elapsed.Milliseconds(),
		Tokens:    u.Tokens,
		Cost:      u.Cost,
	}
}

func writeExecution(w http.ResponseWriter, status int, stats guard.Stats, infraErr error) {
	response := executionResponse{
		ExecutionID: string(stats.ExecutionID),
		Status:      stats.Status,
		Closed:      stats.Closed,
		StartedAt:   stats.StartedAt,
		Usage:       toUsageResponse(stats.Usage),
		Policy:      toPolicyResponse(stats.Policy),
		Decision:    stats.Decision,
	}
	if infraErr != nil {
		response.InfrastructureError = infraErr.Error()
	}
	w.Header().Set(HeaderVerdict, string(stats.Decision.Verdict))
	if stats.Decision.Breach != nil {
		w.Header().Set(HeaderBreachDimension, string(stats.Decision.Breach.Dimension))
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapGuardError(err)
	writeError(w, status, code, err.Error())
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	writeMappedError(w, invalidRequestError(message))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: %w", errInvalidRequest, errEmptyBody)
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("%w: request body exceeds %d bytes", errRequestTooLarge, maxBytesErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %w", errInvalidRequest, errEmptyBody)
		}
		return invalidRequestError(fmt.Sprintf("invalid JSON body: %v", err))
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return invalidRequestError("request body must contain exactly one JSON object")
	}

	return nil
}

// decodeOptionalJSONBody accepts an empty body and leaves dst untouched.
func decodeOptionalJSONBody(r *http.Request, dst any) error {
	if err := decodeJSONBody(r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

func mapGuardError(err error) (int, string) {
	switch {
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge, errorCodeTooLarge
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, guard.ErrInvalidExecutionID),
		errors.Is(err, guard.ErrNegativeUsage),
		errors.Is(err, guard.ErrContextNil),
		errors.Is(err, limits.ErrConfigurationInvalid):
		return http.StatusBadRequest, errorCodeInvalidRequest
	case errors.Is(err, guard.ErrExecutionNotFound):
		return http.StatusNotFound, errorCodeNotFound
	case errors.Is(err, guard.ErrDuplicateExecution),
		errors.Is(err, guard.ErrExecutionTerminated),
		errors.Is(err, guard.ErrExecutionCompleted),
		errors.Is(err, guard.ErrExecutionClosed):
		return http.StatusConflict, errorCodeConflict
	case errors.Is(err, stream.ErrCursorInvalid), errors.Is(err, stream.ErrCursorExpired):
		return http.StatusConflict, errorCodeConflict
	case errors.Is(err, guard.ErrGuardClosed):
		return http.StatusServiceUnavailable, errorCodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, errorCodeRuntime
	default:
		return http.StatusInternalServerError, errorCodeRuntime
	}
}

func invalidRequestError(message string) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, message)
}
