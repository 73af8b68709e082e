// Package watch keeps persisted backlogs in sync with the filesystem by
// watching each project's task root and triggering a reconcile scan when
// files change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"conductor/pkg/backlog"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/reconcile"
)

// DefaultDebounce coalesces bursts of filesystem events into one scan.
const DefaultDebounce = 500 * time.Millisecond

// Scanner triggers a backlog reconcile for one project.
type Scanner interface {
	Scan(ctx context.Context, projectID string) (*reconcile.Stats, error)
}

// Watcher observes project task roots and schedules debounced scans.
// Running projects are skipped; their backlog is reconciled once they stop.
type Watcher struct {
	store    *persistence.Store
	scanner  Scanner
	logger   *logx.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	roots  map[string]string // task root dir -> project id
	timers map[string]*time.Timer

	stop chan struct{}
}

// NewWatcher creates a Watcher over the given store and scanner.
func NewWatcher(store *persistence.Store, scanner Scanner) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:    store,
		scanner:  scanner,
		logger:   logx.NewLogger("watch"),
		watcher:  fsw,
		debounce: DefaultDebounce,
		roots:    map[string]string{},
		timers:   map[string]*time.Timer{},
		stop:     make(chan struct{}),
	}, nil
}

// Start registers all persisted projects and begins processing events in a
// background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	projects, err := w.store.ListProjects()
	if err != nil {
		return err
	}
	for _, project := range projects {
		w.AddProject(project)
	}

	go w.processEvents(ctx)
	return nil
}

// AddProject starts watching a project's task root and its feature folders.
// Projects without a task root on disk are skipped silently; they pick up a
// watch the next time the watcher is started.
func (w *Watcher) AddProject(project *persistence.Project) {
	tasksDir := filepath.Join(project.Path, backlog.TaskRootDir)
	info, err := os.Stat(tasksDir)
	if err != nil || !info.IsDir() {
		w.logger.Debug("No task root for project %s, not watching", project.Name)
		return
	}

	if err := w.watcher.Add(tasksDir); err != nil {
		w.logger.Warn("Failed to watch %s: %v", tasksDir, err)
		return
	}
	w.mu.Lock()
	w.roots[tasksDir] = project.ID
	w.mu.Unlock()

	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = w.watcher.Add(filepath.Join(tasksDir, entry.Name()))
		}
	}
	w.logger.Info("Watching backlog of project %s", project.Name)
}

// Stop halts event processing and releases the filesystem watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, timer := range w.timers {
		timer.Stop()
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	projectID, root := w.projectFor(event.Name)
	if projectID == "" {
		return
	}

	// New feature folders need their own watch for task file events.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && filepath.Dir(event.Name) == root {
			_ = w.watcher.Add(event.Name)
		}
	}

	w.scheduleScan(projectID)
}

// projectFor resolves the watched project owning a changed path.
func (w *Watcher) projectFor(path string) (projectID, root string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, id := range w.roots {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return id, dir
		}
	}
	return "", ""
}

// scheduleScan arms (or re-arms) the debounce timer for a project.
func (w *Watcher) scheduleScan(projectID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[projectID]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[projectID] = time.AfterFunc(w.debounce, func() {
		w.runScan(projectID)
	})
}

func (w *Watcher) runScan(projectID string) {
	w.mu.Lock()
	delete(w.timers, projectID)
	w.mu.Unlock()

	project, err := w.store.GetProject(projectID)
	if err != nil {
		w.logger.Warn("Skipping scan, project lookup failed: %v", err)
		return
	}
	if project.Status == persistence.ProjectStatusRunning {
		w.logger.Debug("Project %s is running, deferring backlog scan", project.Name)
		return
	}

	stats, err := w.scanner.Scan(context.Background(), projectID)
	if err != nil {
		w.logger.Warn("Backlog scan failed for project %s: %v", project.Name, err)
		return
	}
	if stats.FeaturesAdded+stats.FeaturesRemoved+stats.TasksAdded+stats.TasksRemoved > 0 {
		w.logger.Info("Backlog of %s reconciled: +%d/-%d features, +%d/-%d tasks",
			project.Name, stats.FeaturesAdded, stats.FeaturesRemoved, stats.TasksAdded, stats.TasksRemoved)
	}
}
