package handlers

import (
	"log"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/joshcassell4/docorcpty/internal/logutil"
	"github.com/joshcassell4/docorcpty/internal/templates"
)

var containerNameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

type createContainerRequest struct {
	Template    string            `json:"template"`
	Name        string            `json:"name"`
	Environment map[string]string `json:"environment"`
}

type containerActionRequest struct {
	Action string `json:"action"`
}

// ListContainers returns containers managed by this service.
// GET /api/v1/containers
func ListContainers(w http.ResponseWriter, r *http.Request) {
	orch := requireOrchestrator(w)
	if orch == nil {
		return
	}
	list, err := orch.ListContainers(r.Context(), r.URL.Query().Get("all") == "true")
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containers": list})
}

// CreateContainer creates and starts a container from a template.
// POST /api/v1/containers
func CreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !containerNameRegex.MatchString(req.Name) {
		writeError(w, http.StatusBadRequest, "name must be 1-63 lowercase letters, digits or hyphens")
		return
	}
	if Templates == nil {
		writeError(w, http.StatusNotFound, "Template not found")
		return
	}
	tmpl, ok := Templates.Container(req.Template)
	if !ok {
		writeError(w, http.StatusNotFound, "Template not found")
		return
	}
	orch := requireOrchestrator(w)
	if orch == nil {
		return
	}

	id, err := orch.CreateContainer(r.Context(), tmpl.CreateParams(req.Name, req.Environment))
	if err != nil {
		log.Printf("[containers] create %s from %s: %v", req.Name, logutil.SanitizeForLog(req.Template), err)
		writeOrchestratorError(w, err)
		return
	}
	log.Printf("[containers] created %s (%s) from template %s", req.Name, id, tmpl.Name)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       id,
		"name":     req.Name,
		"template": tmpl.Name,
	})
}

// GetContainer returns details of one container.
// GET /api/v1/containers/{containerId}
func GetContainer(w http.ResponseWriter, r *http.Request) {
	orch := requireOrchestrator(w)
	if orch == nil {
		return
	}
	info, err := orch.InspectContainer(r.Context(), chi.URLParam(r, "containerId"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ContainerAction starts, stops, restarts or removes a container.
// POST /api/v1/containers/{containerId}/action
func ContainerAction(w http.ResponseWriter, r *http.Request) {
	var req containerActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orch := requireOrchestrator(w)
	if orch == nil {
		return
	}
	ref := chi.URLParam(r, "containerId")

	var err error
	switch req.Action {
	case "start":
		err = orch.StartContainer(r.Context(), ref)
	case "stop":
		err = orch.StopContainer(r.Context(), ref)
	case "restart":
		err = orch.RestartContainer(r.Context(), ref)
	case "remove":
		err = orch.RemoveContainer(r.Context(), ref)
	default:
		writeError(w, http.StatusBadRequest, "action must be one of start, stop, restart, remove")
		return
	}
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	log.Printf("[containers] %s %s", req.Action, logutil.SanitizeForLog(ref))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "action": req.Action, "container_id": ref})
}

// GetContainerStats returns resource usage for a container.
// GET /api/v1/containers/{containerId}/stats
func GetContainerStats(w http.ResponseWriter, r *http.Request) {
	orch := requireOrchestrator(w)
	if orch == nil {
		return
	}
	stats, err := orch.ContainerStats(r.Context(), chi.URLParam(r, "containerId"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetContainerLogs returns the tail of a container's logs.
// GET /api/v1/containers/{containerId}/logs
func GetContainerLogs(w http.ResponseWriter, r *http.Request) {
	orch := requireOrchestrator(w)
	if orch == nil {
		return
	}
	tail := queryInt(r, "tail", 100)
	logs, err := orch.ContainerLogs(r.Context(), chi.URLParam(r, "containerId"), tail, r.URL.Query().Get("timestamps") == "true")
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// ListContainerTemplates returns the loaded container templates.
// GET /api/v1/templates
func ListContainerTemplates(w http.ResponseWriter, r *http.Request) {
	list := []templates.ContainerTemplate{}
	if Templates != nil {
		list = Templates.Containers()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": list})
}
