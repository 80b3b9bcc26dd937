package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/guard"
	"github.com/Gurpartap/runguard/policy/limits"
	"github.com/Gurpartap/runguard/policy/rules"
)

type registerRequest struct {
	ExecutionID  string         `json:"execution_id"`
	Limits       *limitsRequest `json:"limits"`
	WarningRatio *float64       `json:"warning_ratio"`
	Rules        []rules.Rule   `json:"rules"`
}

type limitsRequest struct {
	MaxSteps    *int64           `json:"max_steps"`
	MaxDuration *string          `json:"max_duration"`
	MaxTokens   *int64           `json:"max_tokens"`
	MaxCost     *decimal.Decimal `json:"max_cost"`
}

type tokensRequest struct {
	Tokens *int64 `json:"tokens"`
}

type costRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.ensureCoordinator(w) {
		return
	}

	var request registerRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeMappedError(w, err)
		return
	}
	if request.ExecutionID != "" && strings.TrimSpace(request.ExecutionID) == "" {
		writeInvalidRequest(w, "execution_id must not be blank")
		return
	}

	policy, err := h.policyFor(request)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	handle, err := h.coordinator.Start(r.Context(), guard.ExecutionID(strings.TrimSpace(request.ExecutionID)), policy)
	if handle == nil {
		writeMappedError(w, err)
		return
	}

	writeExecution(w, http.StatusCreated, handle.Stats(), err)
}

// policyFor overlays the request on the configured default policy. Limits the
// request omits keep their default.
func (h *handlers) policyFor(request registerRequest) (limits.Policy, error) {
	policy := h.cfg.DefaultPolicy.Clone()
	if request.Limits != nil {
		if request.Limits.MaxSteps != nil {
			policy.MaxSteps = limits.Count(*request.Limits.MaxSteps)
		}
		if request.Limits.MaxDuration != nil {
			parsed, err := time.ParseDuration(strings.TrimSpace(*request.Limits.MaxDuration))
			if err != nil {
				return limits.Policy{}, invalidRequestError("limits.max_duration must be a duration such as \"30s\"")
			}
			policy.MaxDuration = limits.Duration(parsed)
		}
		if request.Limits.MaxTokens != nil {
			policy.MaxTokens = limits.Count(*request.Limits.MaxTokens)
		}
		if request.Limits.MaxCost != nil {
			policy.MaxCost = limits.Cost(*request.Limits.MaxCost)
		}
	}
	if request.WarningRatio != nil {
		policy.WarningRatio = *request.WarningRatio
	}
	if len(request.Rules) > 0 {
		policy.Rules = append(policy.Rules, request.Rules...)
	}
	return policy, nil
}

func (h *handlers) handleList(w http.ResponseWriter, _ *http.Request) {
	if !h.ensureCoordinator(w) {
		return
	}

	ids := h.coordinator.Executions()
	response := executionListResponse{Executions: make([]string, len(ids))}
	for i, id := range ids {
		response.Executions[i] = string(id)
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeExecution(w, http.StatusOK, handle.Stats(), nil)
}

func (h *handlers) handleDispose(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.coordinator.Dispose(handle.ID())
	writeExecution(w, http.StatusOK, handle.Stats(), nil)
}

func (h *handlers) handleRecordStep(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}
	_, err := handle.RecordStep()
	h.writeRecorded(w, handle, err)
}

func (h *handlers) handleRecordTokens(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var request tokensRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeMappedError(w, err)
		return
	}
	if request.Tokens == nil {
		writeInvalidRequest(w, "tokens is required")
		return
	}

	_, err := handle.RecordTokens(*request.Tokens)
	h.writeRecorded(w, handle, err)
}

func (h *handlers) handleRecordCost(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var request costRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeMappedError(w, err)
		return
	}
	if request.Amount == nil {
		writeInvalidRequest(w, "amount is required")
		return
	}

	_, err := handle.RecordCost(*request.Amount)
	h.writeRecorded(w, handle, err)
}

func (h *handlers) handleTerminate(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var request terminateRequest
	if err := decodeOptionalJSONBody(r, &request); err != nil {
		writeMappedError(w, err)
		return
	}

	_, err := handle.Terminate(strings.TrimSpace(request.Reason))
	h.writeRecorded(w, handle, err)
}

func (h *handlers) handleComplete(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}
	_, err := handle.Complete()
	h.writeRecorded(w, handle, err)
}

// writeRecorded reports the execution after a usage update. Infrastructure
// failures are surfaced next to the decision instead of failing the request.
func (h *handlers) writeRecorded(w http.ResponseWriter, handle *guard.Handle, err error) {
	if err != nil && !errors.Is(err, guard.ErrInfrastructure) {
		writeMappedError(w, err)
		return
	}
	writeExecution(w, http.StatusOK, handle.Stats(), err)
}

func (h *handlers) lookup(w http.ResponseWriter, r *http.Request) (*guard.Handle, bool) {
	if !h.ensureCoordinator(w) {
		return nil, false
	}

	id, err := pathExecutionID(r)
	if err != nil {
		writeMappedError(w, err)
		return nil, false
	}
	handle, err := h.coordinator.Lookup(id)
	if err != nil {
		writeMappedError(w, err)
		return nil, false
	}
	return handle, true
}

func (h *handlers) ensureCoordinator(w http.ResponseWriter) bool {
	if h.coordinator == nil {
		writeError(w, http.StatusInternalServerError, errorCodeRuntime, "coordinator is not initialized")
		return false
	}
	return true
}

func pathExecutionID(r *http.Request) (guard.ExecutionID, error) {
	id := strings.TrimSpace(r.PathValue("execution_id"))
	if id == "" {
		return "", guard.ErrInvalidExecutionID
	}
	return guard.ExecutionID(id), nil
}
