package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/engine"
	"conductor/pkg/persistence"
	"conductor/pkg/reconcile"
)

type stubOrchestrator struct {
	startResult  *engine.StartResult
	startErr     error
	stopStatus   string
	stopErr      error
	completion   *engine.CompletionResult
	completeErr  error
	scanStats    *reconcile.Stats
	scanErr      error
	lastTaskID   string
	lastPayload  engine.CompletionPayload
	scannedID    string
	stoppedID    string
	stoppedCause string
}

func (o *stubOrchestrator) Start(_ context.Context, _ string) (*engine.StartResult, error) {
	return o.startResult, o.startErr
}

func (o *stubOrchestrator) Stop(_ context.Context, projectID, reason string) (string, error) {
	o.stoppedID = projectID
	o.stoppedCause = reason
	return o.stopStatus, o.stopErr
}

func (o *stubOrchestrator) Complete(_ context.Context, taskID string, payload engine.CompletionPayload) (*engine.CompletionResult, error) {
	o.lastTaskID = taskID
	o.lastPayload = payload
	return o.completion, o.completeErr
}

func (o *stubOrchestrator) Scan(_ context.Context, projectID string) (*reconcile.Stats, error) {
	o.scannedID = projectID
	return o.scanStats, o.scanErr
}

type stubBranchResolver struct {
	branch string
	err    error
}

func (r *stubBranchResolver) CurrentBranch(_ context.Context, _ string) (string, error) {
	return r.branch, r.err
}

type serverEnv struct {
	server       *httptest.Server
	api          *Server
	store        *persistence.Store
	orchestrator *stubOrchestrator
	branches     *stubBranchResolver
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(db)
	orchestrator := &stubOrchestrator{}
	branches := &stubBranchResolver{branch: "main"}

	apiServer := NewServer(store, orchestrator, branches)
	apiServer.verifyTools = func() []string { return nil }

	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &serverEnv{server: server, api: apiServer, store: store, orchestrator: orchestrator, branches: branches}
}

func (env *serverEnv) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, env.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (env *serverEnv) seedProject(t *testing.T, status string) *persistence.Project {
	t.Helper()
	project := &persistence.Project{
		ID:            persistence.GenerateID(),
		Name:          "demo",
		Path:          "/tmp/demo",
		Status:        status,
		BranchingMode: persistence.ModeBranching,
		AutoCommit:    true,
		AutoPush:      true,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, env.store.CreateProject(project))
	return project
}

func TestCreateProjectDefaults(t *testing.T) {
	env := newServerEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/projects",
		map[string]any{"name": "demo", "path": "/tmp/demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Equal(t, "branching", body["branching_mode"])
	assert.Equal(t, true, body["auto_commit"])
	assert.Equal(t, true, body["auto_push"])
	assert.Equal(t, "idle", body["status"])
	assert.NotEmpty(t, body["id"])
}

func TestCreateProjectValidation(t *testing.T) {
	env := newServerEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/api/projects", map[string]any{"name": "demo"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/projects",
		map[string]any{"name": "demo", "path": "/tmp/demo", "branching_mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateProjectSingleBranchResolvesWorkBranch(t *testing.T) {
	env := newServerEnv(t)
	env.branches.branch = "develop"

	resp, body := env.request(t, http.MethodPost, "/api/projects",
		map[string]any{"name": "demo", "path": "/tmp/demo", "branching_mode": "single-branch"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "develop", body["work_branch"])

	env.branches.err = fmt.Errorf("not a git repository")
	resp, _ = env.request(t, http.MethodPost, "/api/projects",
		map[string]any{"name": "demo2", "path": "/tmp/demo2", "branching_mode": "single-branch"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateProjectDisabledModeForcesGitOff(t *testing.T) {
	env := newServerEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/projects",
		map[string]any{"name": "demo", "path": "/tmp/demo", "branching_mode": "disabled",
			"auto_commit": true, "auto_push": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, false, body["auto_commit"])
	assert.Equal(t, false, body["auto_push"])
}

func TestGetProjectDetail(t *testing.T) {
	env := newServerEnv(t)
	project := env.seedProject(t, persistence.ProjectStatusIdle)

	feature := &persistence.Feature{
		ID:         persistence.GenerateID(),
		ProjectID:  project.ID,
		Number:     1,
		Name:       "auth",
		FolderName: "01_tasks_auth",
		Status:     persistence.StatusPending,
	}
	require.NoError(t, env.store.InsertFeature(feature))
	task := &persistence.Task{
		ID:        persistence.GenerateID(),
		ProjectID: project.ID,
		FeatureID: feature.ID,
		Number:    1,
		Title:     "login",
		Filename:  "01-login.md",
		Status:    persistence.StatusPending,
	}
	require.NoError(t, env.store.InsertTask(task))

	resp, body := env.request(t, http.MethodGet, "/api/projects/"+project.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	features := body["features"].([]any)
	require.Len(t, features, 1)
	tasks := features[0].(map[string]any)["tasks"].([]any)
	require.Len(t, tasks, 1)
	assert.Equal(t, "login", tasks[0].(map[string]any)["title"])
}

func TestGetProjectNotFound(t *testing.T) {
	env := newServerEnv(t)
	resp, _ := env.request(t, http.MethodGet, "/api/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteProject(t *testing.T) {
	env := newServerEnv(t)
	project := env.seedProject(t, persistence.ProjectStatusIdle)

	resp, body := env.request(t, http.MethodDelete, "/api/projects/"+project.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, project.ID, body["deleted"])

	resp, _ = env.request(t, http.MethodDelete, "/api/projects/"+project.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScanRejectedWhileRunning(t *testing.T) {
	env := newServerEnv(t)
	project := env.seedProject(t, persistence.ProjectStatusRunning)

	resp, _ := env.request(t, http.MethodPost, "/api/projects/"+project.ID+"/scan", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, env.orchestrator.scannedID)
}

func TestScanReturnsStats(t *testing.T) {
	env := newServerEnv(t)
	project := env.seedProject(t, persistence.ProjectStatusIdle)
	env.orchestrator.scanStats = &reconcile.Stats{FeaturesAdded: 2, TasksAdded: 5}

	resp, body := env.request(t, http.MethodPost, "/api/projects/"+project.ID+"/scan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["features_added"])
	assert.Equal(t, float64(5), body["tasks_added"])
	assert.Equal(t, project.ID, env.orchestrator.scannedID)
}

func TestStartProjectErrorMapping(t *testing.T) {
	env := newServerEnv(t)
	project := env.seedProject(t, persistence.ProjectStatusIdle)

	env.orchestrator.startErr = engine.ErrAlreadyRunning
	resp, _ := env.request(t, http.MethodPost, "/api/projects/"+project.ID+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.orchestrator.startErr = fmt.Errorf("no pending features: %w", engine.ErrNoPendingWork)
	resp, _ = env.request(t, http.MethodPost, "/api/projects/"+project.ID+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.orchestrator.startErr = fmt.Errorf("project missing: %w", persistence.ErrNotFound)
	resp, _ = env.request(t, http.MethodPost, "/api/projects/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartProjectMissingTools(t *testing.T) {
	env := newServerEnv(t)
	project := env.seedProject(t, persistence.ProjectStatusIdle)
	env.api.verifyTools = func() []string { return []string{"claude"} }

	resp, body := env.request(t, http.MethodPost, "/api/projects/"+project.ID+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing required tools", body["error"])
}

func TestStopProjectWithReason(t *testing.T) {
	env := newServerEnv(t)
	project := env.seedProject(t, persistence.ProjectStatusRunning)
	env.orchestrator.stopStatus = persistence.ProjectStatusRateLimited

	resp, body := env.request(t, http.MethodPost, "/api/projects/"+project.ID+"/stop",
		map[string]any{"reason": "rate_limit"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rate_limit", env.orchestrator.stoppedCause)
	assert.Equal(t, "Project stopped due to rate limit", body["message"])
	assert.Equal(t, "rate_limited", body["status"])
}

func TestCompleteTask(t *testing.T) {
	env := newServerEnv(t)
	env.orchestrator.completion = &engine.CompletionResult{
		FeatureComplete: true,
		ProjectComplete: true,
		ProjectStatus:   persistence.ProjectStatusDone,
	}

	resp, body := env.request(t, http.MethodPost, "/api/tasks/task-1/complete",
		map[string]any{"rate_limited": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "task-1", env.orchestrator.lastTaskID)
	assert.Equal(t, true, body["project_complete"])

	env.orchestrator.completeErr = fmt.Errorf("task missing: %w", persistence.ErrNotFound)
	resp, _ = env.request(t, http.MethodPost, "/api/tasks/missing/complete", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteTaskRoutesPayload(t *testing.T) {
	env := newServerEnv(t)
	env.orchestrator.completion = &engine.CompletionResult{ProjectStatus: persistence.ProjectStatusRateLimited}

	_, _ = env.request(t, http.MethodPost, "/api/tasks/task-9/complete",
		map[string]any{"rate_limited": true})
	assert.True(t, env.orchestrator.lastPayload.RateLimited)
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t)
	resp, body := env.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
