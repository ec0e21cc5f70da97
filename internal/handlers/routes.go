package handlers

import "github.com/go-chi/chi/v5"

// RegisterAPI mounts the /api/v1 routes on r.
func RegisterAPI(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// Sessions
		r.Post("/sessions", CreateSession)
		r.Get("/sessions", ListSessions)
		r.Get("/sessions/history", ListSessionHistory)
		r.Get("/sessions/{sessionId}", GetSession)
		r.Delete("/sessions/{sessionId}", DeleteSession)
		r.Post("/sessions/{sessionId}/input", SessionInput)
		r.Post("/sessions/{sessionId}/resize", ResizeSession)
		r.Get("/sessions/{sessionId}/output", SessionOutput)
		r.Get("/sessions/{sessionId}/terminal", TerminalWS)

		// Automation
		r.Post("/automation/execute", ExecuteAutomation)
		r.Post("/automation/expect", ExpectPattern)
		r.Get("/automation/templates", ListAutomationTemplates)
		r.Post("/automation/templates/{name}/execute", ExecuteAutomationTemplate)
		r.Get("/automation/runs", ListAutomationRuns)
		r.Get("/automation/runs/{runId}", GetAutomationRun)

		// Containers
		r.Get("/containers", ListContainers)
		r.Post("/containers", CreateContainer)
		r.Get("/containers/{containerId}", GetContainer)
		r.Post("/containers/{containerId}/action", ContainerAction)
		r.Get("/containers/{containerId}/stats", GetContainerStats)
		r.Get("/containers/{containerId}/logs", GetContainerLogs)
		r.Get("/templates", ListContainerTemplates)

		// Server logs
		r.Get("/server-logs", GetServerLogs)
		r.Delete("/server-logs", ClearServerLogs)
	})
}
