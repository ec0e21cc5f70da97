package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joshcassell4/docorcpty/internal/automation"
	"github.com/joshcassell4/docorcpty/internal/config"
	"github.com/joshcassell4/docorcpty/internal/database"
	"github.com/joshcassell4/docorcpty/internal/logutil"
	"github.com/joshcassell4/docorcpty/internal/terminal"
	"gorm.io/gorm"
)

const defaultAutomationTimeout = 30 * time.Second

type stepRequest struct {
	Send    string   `json:"send"`
	Expect  []string `json:"expect"`
	Regex   bool     `json:"regex"`
	Timeout float64  `json:"timeout"`
}

type runOptionsRequest struct {
	// Timeout bounds the whole run, in seconds.
	Timeout float64 `json:"timeout"`
	// StepTimeout applies to steps without their own timeout, in seconds.
	StepTimeout       float64 `json:"step_timeout"`
	ContinueOnTimeout bool    `json:"continue_on_timeout"`
	StripANSI         bool    `json:"strip_ansi"`
}

type executeRequest struct {
	SessionID string        `json:"session_id"`
	Steps     []stepRequest `json:"steps"`
	// Commands with optional per-command prompts is shorthand for steps
	// that send a line and wait for the prompt.
	Commands      []string `json:"commands"`
	ExpectPrompts []string `json:"expect_prompts"`
	runOptionsRequest
}

type expectRequest struct {
	SessionID string   `json:"session_id"`
	Patterns  []string `json:"patterns"`
	Regex     bool     `json:"regex"`
	Timeout   float64  `json:"timeout"`
	StripANSI bool     `json:"strip_ansi"`
}

type templateExecuteRequest struct {
	SessionID string            `json:"session_id"`
	Variables map[string]string `json:"variables"`
	Prompt    string            `json:"prompt"`
	runOptionsRequest
}

type runResponse struct {
	RunID     uint   `json:"run_id,omitempty"`
	SessionID string `json:"session_id"`
	Template  string `json:"template,omitempty"`
	*automation.Result
}

func seconds(f float64) time.Duration {
	if f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// options turns request options into engine options, bounding the run
// by the configured maximum.
func (o runOptionsRequest) options() automation.Options {
	timeout := seconds(o.Timeout)
	if timeout == 0 {
		timeout = defaultAutomationTimeout
	}
	if max := config.Cfg.AutomationMaxTimeout; max > 0 && timeout > max {
		timeout = max
	}
	return automation.Options{
		Timeout:           timeout,
		StepTimeout:       seconds(o.StepTimeout),
		ContinueOnTimeout: o.ContinueOnTimeout,
		StripANSI:         o.StripANSI,
	}
}

// claimAutomation looks up and claims a session for a run.
func claimAutomation(w http.ResponseWriter, sessionID string) (*terminal.Session, func(), bool) {
	if !requireSessionMgr(w) {
		return nil, nil, false
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return nil, nil, false
	}
	s, err := SessionMgr.GetSession(sessionID)
	if err != nil {
		writeSessionError(w, err)
		return nil, nil, false
	}
	release, err := s.Claim("automation")
	if err != nil {
		writeSessionError(w, err)
		return nil, nil, false
	}
	return s, release, true
}

// runAndRecord executes steps on s, stores the run and writes the response.
func runAndRecord(ctx context.Context, w http.ResponseWriter, s *terminal.Session, template string, steps []automation.Step, opts automation.Options) {
	started := time.Now()
	res, err := automation.Run(ctx, s, steps, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := runResponse{SessionID: s.ID, Template: template, Result: res}
	if database.DB != nil {
		payload, _ := json.Marshal(res)
		run := &database.AutomationRun{
			SessionID:  s.ID,
			Template:   template,
			Success:    res.Success,
			StopReason: res.StopReason,
			StepCount:  len(res.Steps),
			ResultJSON: string(payload),
			DurationMS: res.Elapsed.Milliseconds(),
			StartedAt:  started,
		}
		if err := database.SaveAutomationRun(run); err != nil {
			log.Printf("[automation] save run for session %s: %v", s.ID, err)
		} else {
			resp.RunID = run.ID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func toSteps(reqs []stepRequest) []automation.Step {
	steps := make([]automation.Step, 0, len(reqs))
	for _, r := range reqs {
		steps = append(steps, automation.Step{
			Send:    r.Send,
			Expect:  r.Expect,
			Regex:   r.Regex,
			Timeout: seconds(r.Timeout),
		})
	}
	return steps
}

// ExecuteAutomation runs send/expect steps on a session.
// POST /api/v1/automation/execute
func ExecuteAutomation(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	steps := toSteps(req.Steps)
	if len(req.Commands) > 0 {
		steps = append(steps, automation.CommandSteps(req.Commands, req.ExpectPrompts, 0)...)
	}
	if err := automation.ValidateSteps(steps); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, release, ok := claimAutomation(w, req.SessionID)
	if !ok {
		return
	}
	defer release()
	runAndRecord(r.Context(), w, s, "", steps, req.options())
}

// ExpectPattern waits for one of several patterns without sending input.
// POST /api/v1/automation/expect
func ExpectPattern(w http.ResponseWriter, r *http.Request) {
	var req expectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Patterns) == 0 {
		writeError(w, http.StatusBadRequest, "patterns are required")
		return
	}
	timeout := seconds(req.Timeout)
	if timeout == 0 {
		timeout = defaultAutomationTimeout
	}
	if max := config.Cfg.AutomationMaxTimeout; max > 0 && timeout > max {
		timeout = max
	}

	s, release, ok := claimAutomation(w, req.SessionID)
	if !ok {
		return
	}
	defer release()

	sr, err := automation.Expect(r.Context(), s, req.Patterns, req.Regex, timeout, automation.Options{StripANSI: req.StripANSI})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sr.Status == automation.StepFailed {
		writeSessionError(w, &terminal.SessionError{SessionID: s.ID, Op: "expect", Err: terminal.ErrChannelClosed})
		return
	}
	resp := map[string]interface{}{
		"session_id":    s.ID,
		"matched":       sr.Success(),
		"pattern_index": sr.PatternIndex,
		"pattern":       nil,
		"output":        sr.Output,
		"status":        sr.Status,
	}
	if sr.Success() {
		resp["pattern"] = sr.Pattern
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAutomationTemplates returns the available automation templates.
// GET /api/v1/automation/templates
func ListAutomationTemplates(w http.ResponseWriter, r *http.Request) {
	list := automation.Builtins()
	if Templates != nil {
		list = Templates.AutomationTemplates()
	}
	writeJSON(w, http.StatusOK, list)
}

// ExecuteAutomationTemplate expands a template with variables and runs it.
// POST /api/v1/automation/templates/{name}/execute
func ExecuteAutomationTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tmpl, ok := lookupAutomationTemplate(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Template not found")
		return
	}

	var req templateExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.URL.Query().Get("session_id")
	}
	steps, err := tmpl.Steps(req.Variables, req.Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, release, ok := claimAutomation(w, req.SessionID)
	if !ok {
		return
	}
	defer release()
	log.Printf("[automation] running template %s on session %s", logutil.SanitizeForLog(name), s.ID)
	runAndRecord(r.Context(), w, s, tmpl.Name, steps, req.options())
}

func lookupAutomationTemplate(name string) (automation.Template, bool) {
	if Templates != nil {
		return Templates.Automation(name)
	}
	for _, t := range automation.Builtins() {
		if t.Name == name {
			return t, true
		}
	}
	return automation.Template{}, false
}

// ListAutomationRuns returns stored runs, newest first.
// GET /api/v1/automation/runs
func ListAutomationRuns(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Database not initialized")
		return
	}
	runs, err := database.ListAutomationRuns(r.URL.Query().Get("session_id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetAutomationRun returns one stored run with its full result.
// GET /api/v1/automation/runs/{runId}
func GetAutomationRun(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Database not initialized")
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "runId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run ID")
		return
	}
	run, err := database.GetAutomationRun(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load run")
		return
	}
	var result json.RawMessage
	if run.ResultJSON != "" {
		result = json.RawMessage(run.ResultJSON)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run, "result": result})
}
