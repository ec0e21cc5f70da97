package handlers

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joshcassell4/docorcpty/internal/database"
	"github.com/joshcassell4/docorcpty/internal/logutil"
	"github.com/joshcassell4/docorcpty/internal/terminal"
	"github.com/joshcassell4/docorcpty/internal/templates"
)

// SessionMgr and Templates are set from main.go during init.
var (
	SessionMgr *terminal.Manager
	Templates  *templates.Registry
)

// maxOutputWait bounds how long GET /sessions/{id}/output may block.
const maxOutputWait = 30 * time.Second

type createSessionRequest struct {
	ContainerID string `json:"container_id"`
	Mode        string `json:"mode"`
	// UseAutomation is shorthand for mode "automation".
	UseAutomation bool   `json:"use_automation"`
	Command       string `json:"command"`
	// Template selects the shell from a container template when Command
	// is empty.
	Template string `json:"template"`
	Rows     uint16 `json:"rows"`
	Cols     uint16 `json:"cols"`
}

func requireSessionMgr(w http.ResponseWriter) bool {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return false
	}
	return true
}

// CreateSession opens a terminal session in a running container.
// POST /api/v1/sessions
func CreateSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessionMgr(w) {
		return
	}
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContainerID == "" {
		writeError(w, http.StatusBadRequest, "container_id is required")
		return
	}
	mode, err := terminal.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UseAutomation {
		mode = terminal.ModeAutomation
	}

	cmd := strings.Fields(req.Command)
	if len(cmd) == 0 && req.Template != "" {
		if Templates == nil {
			writeError(w, http.StatusNotFound, "Template not found")
			return
		}
		tmpl, ok := Templates.Container(req.Template)
		if !ok {
			writeError(w, http.StatusNotFound, "Template not found")
			return
		}
		if tmpl.Shell != "" {
			cmd = []string{tmpl.Shell}
		}
	}

	s, err := SessionMgr.CreateSessionCommand(r.Context(), req.ContainerID, mode, req.Rows, req.Cols, cmd)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Summary(time.Now()))
}

// ListSessions returns live sessions, oldest first.
// GET /api/v1/sessions
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if !requireSessionMgr(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": SessionMgr.ListSessions(),
		"count":    SessionMgr.Count(),
		"capacity": SessionMgr.Capacity(),
	})
}

func lookupSession(w http.ResponseWriter, r *http.Request) *terminal.Session {
	if !requireSessionMgr(w) {
		return nil
	}
	s, err := SessionMgr.GetSession(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeSessionError(w, err)
		return nil
	}
	return s
}

// GetSession returns one live session.
// GET /api/v1/sessions/{sessionId}
func GetSession(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.Summary(time.Now()))
}

// DeleteSession closes a session.
// DELETE /api/v1/sessions/{sessionId}
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessionMgr(w) {
		return
	}
	id := chi.URLParam(r, "sessionId")
	err := SessionMgr.CloseSession(id, terminal.ReasonManual)
	if errors.Is(err, terminal.ErrNotFound) {
		writeSessionError(w, err)
		return
	}
	if err != nil {
		// the session is unregistered even when releasing the terminal fails
		log.Printf("[sessions] close %s: %v", logRef(id), err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "session_id": id})
}

type sessionInputRequest struct {
	Data string `json:"data"`
}

// SessionInput writes raw input to a session.
// POST /api/v1/sessions/{sessionId}/input
func SessionInput(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	var req sessionInputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Data) > terminal.MaxInputMessageSize {
		writeError(w, http.StatusRequestEntityTooLarge, "Input too large")
		return
	}
	release, err := s.Claim("http-input")
	if err != nil {
		writeSessionError(w, err)
		return
	}
	defer release()

	n, err := s.Write([]byte(req.Data))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "bytes": n})
}

type resizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// ResizeSession changes a session's terminal geometry.
// POST /api/v1/sessions/{sessionId}/resize
func ResizeSession(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}
	var req resizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Resize(req.Rows, req.Cols); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "rows": req.Rows, "cols": req.Cols})
}

// SessionOutput returns recent output.
// GET /api/v1/sessions/{sessionId}/output
//
// By default the scrollback is returned without consuming anything,
// trimmed to the last ?lines= lines when given. With ?consume=true, output
// not yet read is consumed instead, waiting up to ?wait_ms= for some to
// arrive.
func SessionOutput(w http.ResponseWriter, r *http.Request) {
	s := lookupSession(w, r)
	if s == nil {
		return
	}

	if r.URL.Query().Get("consume") != "true" {
		out := s.Scrollback()
		if lines := queryInt(r, "lines", 0); lines > 0 {
			out = lastLines(out, lines)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": s.ID,
			"output":     string(out),
		})
		return
	}

	release, err := s.Claim("http-output")
	if err != nil {
		writeSessionError(w, err)
		return
	}
	defer release()

	wait := time.Duration(queryInt(r, "wait_ms", 0)) * time.Millisecond
	if wait > maxOutputWait {
		wait = maxOutputWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxOutputWait+time.Second)
	defer cancel()

	data, err := s.Read(ctx, queryInt(r, "max_bytes", 64*1024), time.Now().Add(wait))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": s.ID,
		"output":     string(data),
	})
}

// lastLines returns the final n newline-terminated lines of b.
func lastLines(b []byte, n int) []byte {
	trimmed := bytes.TrimRight(b, "\r\n")
	idx := len(trimmed)
	for i := 0; i < n; i++ {
		j := bytes.LastIndexByte(trimmed[:idx], '\n')
		if j < 0 {
			return b
		}
		idx = j
	}
	return b[idx+1:]
}

// ListSessionHistory returns audit rows for past and present sessions.
// GET /api/v1/sessions/history
func ListSessionHistory(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Database not initialized")
		return
	}
	records, err := database.ListSessionRecords(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}

func logRef(ref string) string {
	return logutil.SanitizeForLog(ref)
}
