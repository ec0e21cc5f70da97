package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/joshcassell4/docorcpty/internal/orchestrator"
	"github.com/joshcassell4/docorcpty/internal/terminal"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// retryAfterSeconds is advertised when session capacity is exhausted.
const retryAfterSeconds = 5

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

type sessionErrorResponse struct {
	Detail    string `json:"detail"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
	Retriable bool   `json:"retriable"`
}

// writeSessionError reports a terminal package error with its reason code
// so clients can tell "try again" from "give up".
func writeSessionError(w http.ResponseWriter, err error) {
	code := terminal.ReasonCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "capacity_exceeded":
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	case "not_found":
		status = http.StatusNotFound
	case "container_unavailable", "session_busy":
		status = http.StatusConflict
	case "channel_closed":
		status = http.StatusGone
	case "timeout":
		status = http.StatusGatewayTimeout
	case "invalid_argument":
		status = http.StatusBadRequest
	}
	writeJSON(w, status, sessionErrorResponse{
		Detail:    err.Error(),
		Reason:    code,
		SessionID: terminal.SessionIDOf(err),
		Retriable: terminal.Retriable(err),
	})
}

// writeOrchestratorError maps container backend errors to HTTP statuses.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "Container not found")
	case errors.Is(err, orchestrator.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if q := r.URL.Query().Get(key); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// requireOrchestrator returns the active backend or writes a 503.
func requireOrchestrator(w http.ResponseWriter) orchestrator.ContainerOrchestrator {
	orch := orchestrator.Get()
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "No orchestrator available")
	}
	return orch
}
