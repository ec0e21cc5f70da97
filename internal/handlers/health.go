package handlers

import (
	"net/http"

	"github.com/joshcassell4/docorcpty/internal/database"
	"github.com/joshcassell4/docorcpty/internal/orchestrator"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	orchStatus := "disconnected"
	orchBackend := "none"
	if orch := orchestrator.Get(); orch != nil {
		orchStatus = "connected"
		orchBackend = orch.BackendName()
	}

	sessions, capacity := 0, 0
	if SessionMgr != nil {
		sessions = SessionMgr.Count()
		capacity = SessionMgr.Capacity()
	}

	status := "healthy"
	if dbStatus != "connected" || orchStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               status,
		"orchestrator":         orchStatus,
		"orchestrator_backend": orchBackend,
		"database":             dbStatus,
		"sessions":             sessions,
		"session_capacity":     capacity,
	})
}
