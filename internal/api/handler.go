// Package api provides the HTTP handlers and routing for the workflow
// service: the execution surface, the provider-facing completion webhook,
// and the health probes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
	"docpipe/internal/health"
	"docpipe/internal/listener"
	"docpipe/internal/workflow"
)

// maxRequestBodySize limits request bodies to 1MB to prevent memory
// exhaustion.
const maxRequestBodySize = 1 << 20

// Handler contains the HTTP handlers for the workflow API.
type Handler struct {
	engine   *workflow.Engine
	listener *listener.Listener
	health   *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(engine *workflow.Engine, l *listener.Listener, healthChecker *health.Checker) *Handler {
	return &Handler{
		engine:   engine,
		listener: l,
		health:   healthChecker,
	}
}

// StartExecution handles POST /v1/executions. With ?wait=1 the response is
// held until the execution reaches a terminal state or the request context
// expires, whichever comes first.
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req workflow.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	exec, err := h.engine.Start(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if r.URL.Query().Get("wait") == "1" {
		finished, err := h.engine.Await(r.Context(), exec.ID)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		status := http.StatusOK
		if !finished.State.IsTerminal() {
			// The wait expired first; the execution carries on.
			status = http.StatusAccepted
		}
		h.writeJSON(w, status, finished)
		return
	}

	h.writeJSON(w, http.StatusAccepted, exec)
}

// GetExecution handles GET /v1/executions/{executionId}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("executionId")
	if executionID == "" {
		h.writeError(w, http.StatusBadRequest, "execution ID is required")
		return
	}

	exec, err := h.engine.Get(executionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, exec)
}

// HandleCompletion handles POST /v1/completions, the webhook providers
// deliver job completions to. Well-formed notifications are always
// acknowledged with 2xx, matched or not: duplicates, late arrivals, and
// unknown job IDs would not change outcome on redelivery, so asking the
// provider to retry them is pure waste. Malformed payloads get 400 and
// store outages 5xx, which providers do redeliver.
func (h *Handler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var n analysis.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid notification body: "+err.Error())
		return
	}

	if err := h.listener.HandleCompletion(r.Context(), n); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Livez handles GET /livez. Returns 200 if the process is alive without
// checking dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz. Returns 200 when the store and provider are
// reachable and 503 otherwise, including during shutdown.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors onto HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
