package webui

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"conductor/pkg/backlog"
	"conductor/pkg/engine"
	"conductor/pkg/persistence"
	"conductor/pkg/utils"
)

type createProjectRequest struct {
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	BranchingMode string  `json:"branching_mode"`
	WorkBranch    *string `json:"work_branch"`
	AutoCommit    *bool   `json:"auto_commit"`
	AutoPush      *bool   `json:"auto_push"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// featureDetail is a feature with its tasks inlined, used by the project
// detail response.
type featureDetail struct {
	*persistence.Feature
	Tasks []*persistence.Task `json:"tasks"`
}

type projectDetail struct {
	*persistence.Project
	Features []featureDetail `json:"features"`
}

// handleProjects implements GET and POST /api/projects.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listProjects(w)
	case http.MethodPost:
		s.createProject(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) listProjects(w http.ResponseWriter) {
	projects, err := s.store.ListProjects()
	if err != nil {
		s.logger.Error("Failed to list projects: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}
	if projects == nil {
		projects = []*persistence.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}

	mode := req.BranchingMode
	if mode == "" {
		mode = persistence.ModeBranching
	}
	if !persistence.IsValidBranchingMode(mode) {
		writeError(w, http.StatusBadRequest, "invalid branching_mode")
		return
	}

	workBranch := req.WorkBranch
	if mode == persistence.ModeSingleBranch && workBranch == nil {
		current, err := s.branches.CurrentBranch(r.Context(), req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to get current branch from project path")
			return
		}
		workBranch = &current
	}

	// Disabled mode never commits or pushes; otherwise both default to on.
	autoCommit := mode != persistence.ModeDisabled && (req.AutoCommit == nil || *req.AutoCommit)
	autoPush := mode != persistence.ModeDisabled && (req.AutoPush == nil || *req.AutoPush)

	project := &persistence.Project{
		ID:            persistence.GenerateID(),
		Name:          req.Name,
		Path:          req.Path,
		Status:        persistence.ProjectStatusIdle,
		BranchingMode: mode,
		WorkBranch:    workBranch,
		AutoCommit:    autoCommit,
		AutoPush:      autoPush,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateProject(project); err != nil {
		s.logger.Error("Failed to create project: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}
	s.logger.Info("Created project %s (%s, %s mode)", project.Name, project.ID, mode)
	writeJSON(w, http.StatusCreated, project)
}

// handleProjectRouter dispatches /api/projects/{id} and its sub-actions.
func (s *Server) handleProjectRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "Project not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getProject(w, id)
		case http.MethodDelete:
			s.deleteProject(w, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case "scan":
		s.postOnly(w, r, func() { s.scanProject(w, r, id) })
	case "start":
		s.postOnly(w, r, func() { s.startProject(w, r, id) })
	case "stop":
		s.postOnly(w, r, func() { s.stopProject(w, r, id) })
	default:
		writeError(w, http.StatusNotFound, "Unknown action")
	}
}

func (s *Server) postOnly(w http.ResponseWriter, r *http.Request, handler func()) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	handler()
}

func (s *Server) getProject(w http.ResponseWriter, id string) {
	project, err := s.store.GetProject(id)
	if err != nil {
		s.writeStoreError(w, err, "Project not found")
		return
	}

	features, err := s.store.ListFeatures(id)
	if err != nil {
		s.logger.Error("Failed to list features: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to load project")
		return
	}

	detail := projectDetail{Project: project, Features: []featureDetail{}}
	for _, feature := range features {
		tasks, err := s.store.ListTasks(feature.ID)
		if err != nil {
			s.logger.Error("Failed to list tasks: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to load project")
			return
		}
		if tasks == nil {
			tasks = []*persistence.Task{}
		}
		detail.Features = append(detail.Features, featureDetail{Feature: feature, Tasks: tasks})
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteProject(w http.ResponseWriter, id string) {
	if err := s.store.DeleteProject(id); err != nil {
		s.writeStoreError(w, err, "Project not found")
		return
	}
	s.logger.Info("Deleted project %s", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": id})
}

func (s *Server) scanProject(w http.ResponseWriter, r *http.Request, id string) {
	project, err := s.store.GetProject(id)
	if err != nil {
		s.writeStoreError(w, err, "Project not found")
		return
	}
	if project.Status == persistence.ProjectStatusRunning {
		writeError(w, http.StatusConflict, "Cannot scan while project is running")
		return
	}

	stats, err := s.orchestrator.Scan(r.Context(), id)
	if err != nil {
		if errors.Is(err, backlog.ErrBacklogNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Scan failed for project %s: %v", id, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) startProject(w http.ResponseWriter, r *http.Request, id string) {
	if missing := s.verifyTools(); len(missing) > 0 {
		s.logger.Error("Cannot start project: %s", utils.FormatToolVerificationError(missing))
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Missing required tools",
			"missing": missing,
			"details": utils.FormatToolVerificationError(missing),
		})
		return
	}

	result, err := s.orchestrator.Start(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			writeError(w, http.StatusNotFound, "Project not found")
		case errors.Is(err, engine.ErrAlreadyRunning):
			writeError(w, http.StatusBadRequest, "Project is already running")
		case errors.Is(err, engine.ErrNoPendingWork):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("Failed to start project %s: %v", id, err)
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"message":         "Project started",
		"current_feature": result.Feature,
		"current_task":    result.Task,
	})
}

func (s *Server) stopProject(w http.ResponseWriter, r *http.Request, id string) {
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	status, err := s.orchestrator.Stop(r.Context(), id, req.Reason)
	if err != nil {
		s.writeStoreError(w, err, "Project not found")
		return
	}

	message := "Project stopped"
	if status == persistence.ProjectStatusRateLimited {
		message = "Project stopped due to rate limit"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"status":  status,
	})
}

// handleTaskRouter dispatches POST /api/tasks/{id}/complete.
func (s *Server) handleTaskRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "complete" {
		writeError(w, http.StatusNotFound, "Unknown action")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var payload engine.CompletionPayload
	_ = json.NewDecoder(r.Body).Decode(&payload)

	result, err := s.orchestrator.Complete(r.Context(), id, payload)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("Failed to complete task %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to process completion")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFoundMessage string) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFoundMessage)
		return
	}
	s.logger.Error("Store operation failed: %v", err)
	writeError(w, http.StatusInternalServerError, "Internal error")
}
