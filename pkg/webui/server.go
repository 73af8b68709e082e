// Package webui exposes the orchestration pipeline over a JSON HTTP API.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/engine"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/reconcile"
	"conductor/pkg/utils"
	"conductor/pkg/version"
)

// Orchestrator is the engine surface the API server drives.
type Orchestrator interface {
	Start(ctx context.Context, projectID string) (*engine.StartResult, error)
	Stop(ctx context.Context, projectID, reason string) (string, error)
	Complete(ctx context.Context, taskID string, payload engine.CompletionPayload) (*engine.CompletionResult, error)
	Scan(ctx context.Context, projectID string) (*reconcile.Stats, error)
}

var _ Orchestrator = (*engine.Engine)(nil)

// BranchResolver reads the currently checked-out branch of a working
// directory. Used when creating single-branch projects without an explicit
// work branch.
type BranchResolver interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
}

// Server is the conductor HTTP API server.
type Server struct {
	store        *persistence.Store
	orchestrator Orchestrator
	branches     BranchResolver
	logger       *logx.Logger
	verifyTools  func() []string
}

// NewServer creates an API server over the given store and orchestrator.
func NewServer(store *persistence.Store, orchestrator Orchestrator, branches BranchResolver) *Server {
	return &Server{
		store:        store,
		orchestrator: orchestrator,
		branches:     branches,
		logger:       logx.NewLogger("webui"),
		verifyTools:  utils.VerifyRequiredTools,
	}
}

// RegisterRoutes attaches all API routes to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectRouter)
	mux.HandleFunc("/api/tasks/", s.handleTaskRouter)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// Serve runs the HTTP server on the given port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening on port %d", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
