package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joshcassell4/docorcpty/internal/config"
	"github.com/joshcassell4/docorcpty/internal/database"
	"github.com/joshcassell4/docorcpty/internal/orchestrator"
	"github.com/joshcassell4/docorcpty/internal/terminal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates a fresh in-memory SQLite database for each test.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	database.DB = db
	if err := db.AutoMigrate(&database.Setting{}, &database.SessionRecord{}, &database.AutomationRun{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB.Close()
		database.DB = nil
	})
}

// setupSessions installs a fake backend with the given running containers
// and a session manager with room for max sessions.
func setupSessions(t *testing.T, max int, running ...string) *orchestrator.FakeOrchestrator {
	t.Helper()
	config.Cfg = config.Settings{AutomationMaxTimeout: time.Minute}
	fake := orchestrator.NewFakeOrchestrator(running...)
	orchestrator.SetForTest(fake)
	var rec terminal.Recorder
	if database.DB != nil {
		rec = database.SessionAudit{}
	}
	SessionMgr = terminal.NewManager(fake, terminal.ManagerConfig{MaxSessions: max, Recorder: rec})
	t.Cleanup(func() {
		SessionMgr.CloseAll(terminal.ReasonShutdown)
		SessionMgr = nil
		Templates = nil
		orchestrator.ResetForTest()
	})
	return fake
}

func newTestRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	RegisterAPI(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func createTestSession(t *testing.T, h http.Handler, body map[string]interface{}) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)["id"].(string)
}

func TestWriteSessionErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		reason     string
		retriable  bool
		retryAfter bool
	}{
		{terminal.ErrCapacityExceeded, http.StatusServiceUnavailable, "capacity_exceeded", true, true},
		{&terminal.SessionError{SessionID: "s1", Op: "get", Err: terminal.ErrNotFound}, http.StatusNotFound, "not_found", false, false},
		{terminal.ErrContainerUnavailable, http.StatusConflict, "container_unavailable", false, false},
		{&terminal.SessionError{SessionID: "s1", Op: "read", Err: terminal.ErrChannelClosed}, http.StatusGone, "channel_closed", false, false},
		{terminal.ErrTimeout, http.StatusGatewayTimeout, "timeout", true, false},
		{terminal.ErrSessionBusy, http.StatusConflict, "session_busy", true, false},
		{terminal.ErrInvalidGeometry, http.StatusBadRequest, "invalid_argument", false, false},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeSessionError(rec, tt.err)
		if rec.Code != tt.status {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.status, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["reason"] != tt.reason || body["retriable"] != tt.retriable {
			t.Errorf("%v: unexpected body %v", tt.err, body)
		}
		if (rec.Header().Get("Retry-After") != "") != tt.retryAfter {
			t.Errorf("%v: unexpected Retry-After %q", tt.err, rec.Header().Get("Retry-After"))
		}
	}

	rec := httptest.NewRecorder()
	writeSessionError(rec, &terminal.SessionError{SessionID: "abc", Op: "write", Err: terminal.ErrChannelClosed})
	if decodeBody(t, rec)["session_id"] != "abc" {
		t.Error("expected session id in error body")
	}
}

func TestHealthCheck(t *testing.T) {
	setupTestDB(t)
	setupSessions(t, 7, "web")
	h := newTestRouter()

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	body := decodeBody(t, rec)
	if body["status"] != "healthy" || body["orchestrator_backend"] != "fake" {
		t.Errorf("unexpected health %v", body)
	}
	if body["session_capacity"] != float64(7) {
		t.Errorf("expected capacity 7, got %v", body["session_capacity"])
	}
}

func TestCreateAndGetSession(t *testing.T) {
	setupTestDB(t)
	fake := setupSessions(t, 5, "web")
	h := newTestRouter()

	id := createTestSession(t, h, map[string]interface{}{"container_id": "web", "rows": 30, "cols": 100})
	if rows, cols := fake.PTYs()[0].Size(); rows != 30 || cols != 100 {
		t.Errorf("expected 30x100, got %dx%d", rows, cols)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["container_ref"] != "web" || body["mode"] != "interactive" || body["status"] != "active" {
		t.Errorf("unexpected session %v", body)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/sessions", nil)
	list := decodeBody(t, rec)
	if list["count"] != float64(1) || list["capacity"] != float64(5) {
		t.Errorf("unexpected list %v", list)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/sessions/history", nil)
	if !strings.Contains(rec.Body.String(), id) {
		t.Errorf("audit history should include the session, got %s", rec.Body.String())
	}
}

func TestCreateSessionWithCommand(t *testing.T) {
	fake := setupSessions(t, 5, "web")
	h := newTestRouter()

	createTestSession(t, h, map[string]interface{}{"container_id": "web", "command": "/bin/bash -l", "use_automation": true})
	if cmd := fake.PTYs()[0].Cmd; strings.Join(cmd, " ") != "/bin/bash -l" {
		t.Errorf("unexpected command %v", cmd)
	}
	if SessionMgr.ListSessions()[0].Mode != terminal.ModeAutomation {
		t.Error("use_automation should select automation mode")
	}
}

func TestCreateSessionErrors(t *testing.T) {
	setupSessions(t, 1, "web")
	h := newTestRouter()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]interface{}{"container_id": "stopped"})
	if rec.Code != http.StatusConflict || decodeBody(t, rec)["reason"] != "container_unavailable" {
		t.Errorf("expected 409 container_unavailable, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing container, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]interface{}{"container_id": "web", "mode": "batch"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown mode, got %d", rec.Code)
	}

	createTestSession(t, h, map[string]interface{}{"container_id": "web"})
	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]interface{}{"container_id": "web"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at capacity, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	body := decodeBody(t, rec)
	if body["reason"] != "capacity_exceeded" || body["retriable"] != true {
		t.Errorf("unexpected body %v", body)
	}
}

func TestSessionNotFound(t *testing.T) {
	setupSessions(t, 1, "web")
	h := newTestRouter()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/sessions/missing"},
		{http.MethodDelete, "/api/v1/sessions/missing"},
		{http.MethodPost, "/api/v1/sessions/missing/input"},
		{http.MethodGet, "/api/v1/sessions/missing/output"},
	} {
		rec := doJSON(t, h, tc.method, tc.path, map[string]string{"data": "x"})
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestSessionInputOutputAndResize(t *testing.T) {
	fake := setupSessions(t, 2, "web")
	h := newTestRouter()
	id := createTestSession(t, h, map[string]interface{}{"container_id": "web"})
	pty := fake.PTYs()[0]

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/input", map[string]string{"data": "echo hi\n"})
	if rec.Code != http.StatusOK {
		t.Fatalf("input: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !pty.WaitInput("echo hi\n", time.Second) {
		t.Fatalf("input not delivered, got %q", pty.Input())
	}

	go pty.Emit("line one\r\nline two\r\n")
	rec = doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+id+"/output?consume=true&wait_ms=1000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("output: expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["output"]; got != "line one\r\nline two\r\n" {
		t.Errorf("unexpected consumed output %q", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+id+"/output?lines=1", nil)
	if got := decodeBody(t, rec)["output"]; got != "line two\r\n" {
		t.Errorf("unexpected scrollback tail %q", got)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/resize", map[string]int{"rows": 40, "cols": 120})
	if rec.Code != http.StatusOK {
		t.Fatalf("resize: expected 200, got %d", rec.Code)
	}
	if rows, cols := pty.Size(); rows != 40 || cols != 120 {
		t.Errorf("expected 40x120, got %dx%d", rows, cols)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/resize", map[string]int{"rows": 0, "cols": 120})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid geometry, got %d", rec.Code)
	}
}

func TestSessionInputBusy(t *testing.T) {
	setupSessions(t, 2, "web")
	h := newTestRouter()
	id := createTestSession(t, h, map[string]interface{}{"container_id": "web"})

	s, _ := SessionMgr.GetSession(id)
	release, err := s.Claim("websocket")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer release()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/input", map[string]string{"data": "ls\n"})
	if rec.Code != http.StatusConflict || decodeBody(t, rec)["reason"] != "session_busy" {
		t.Errorf("expected 409 session_busy, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteSession(t *testing.T) {
	setupTestDB(t)
	fake := setupSessions(t, 2, "web")
	h := newTestRouter()
	id := createTestSession(t, h, map[string]interface{}{"container_id": "web"})

	rec := doJSON(t, h, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	if fake.OpenCount() != 0 {
		t.Error("attachment should be released")
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}

	record, err := database.GetSessionRecord(id)
	if err != nil {
		t.Fatalf("audit record: %v", err)
	}
	if record.Status != "closed" || record.CloseReason != "manual" {
		t.Errorf("unexpected audit record %+v", record)
	}
}

func TestServerLogsWithoutFile(t *testing.T) {
	h := newTestRouter()
	rec := doJSON(t, h, http.MethodGet, "/api/v1/server-logs?lines=10", nil)
	if rec.Code != http.StatusOK && rec.Code != http.StatusInternalServerError {
		t.Errorf("unexpected status %d", rec.Code)
	}
}
