// Package reconcile merges freshly scanned backlog definitions into persisted
// state while preserving terminal-state history.
package reconcile

import (
	"fmt"

	"conductor/pkg/backlog"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
)

// Stats aggregates the outcome of one reconciliation pass.
type Stats struct {
	FeaturesAdded     int `json:"features_added"`
	FeaturesPreserved int `json:"features_preserved"`
	FeaturesRemoved   int `json:"features_removed"`
	TasksAdded        int `json:"tasks_added"`
	TasksPreserved    int `json:"tasks_preserved"`
	TasksRemoved      int `json:"tasks_removed"`
}

// Reconciler applies scanned backlog state to the persisted feature/task set.
type Reconciler struct {
	store  *persistence.Store
	logger *logx.Logger
}

// New creates a Reconciler backed by the given store.
func New(store *persistence.Store) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logx.NewLogger("reconcile"),
	}
}

// Reconcile performs a three-way merge between the scanned backlog and the
// persisted features/tasks of a project:
//
//   - terminal (done/failed) features are preserved untouched, tasks included
//   - non-terminal features whose folder disappeared are deleted with their tasks
//   - non-terminal features still present get a context refresh plus task-level
//     add/remove (terminal tasks always preserved)
//   - scanned features with no persisted counterpart are inserted as pending
//
// It is idempotent: a second pass over an unchanged backlog adds and removes
// nothing.
func (r *Reconciler) Reconcile(project *persistence.Project, scanned []backlog.Feature) (*Stats, error) {
	stats := &Stats{}

	existing, err := r.store.ListFeatures(project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted features: %w", err)
	}

	scannedByFolder := make(map[string]*backlog.Feature, len(scanned))
	for i := range scanned {
		scannedByFolder[scanned[i].FolderName] = &scanned[i]
	}

	existingFolders := make(map[string]bool, len(existing))
	for _, f := range existing {
		existingFolders[f.FolderName] = true
	}

	for _, feature := range existing {
		if persistence.IsTerminal(feature.Status) {
			tasks, err := r.store.ListTasks(feature.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load tasks of feature %s: %w", feature.ID, err)
			}
			stats.FeaturesPreserved++
			stats.TasksPreserved += len(tasks)
			continue
		}

		scannedFeature, present := scannedByFolder[feature.FolderName]
		if !present {
			tasks, err := r.store.ListTasks(feature.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load tasks of feature %s: %w", feature.ID, err)
			}
			if err := r.store.DeleteFeature(feature.ID); err != nil {
				return nil, err
			}
			stats.FeaturesRemoved++
			stats.TasksRemoved += len(tasks)
			r.logger.Info("Removed feature %s (folder %s gone)", feature.Name, feature.FolderName)
			continue
		}

		if !equalContext(feature.Context, scannedFeature.Context) {
			if err := r.store.UpdateFeatureContext(feature.ID, scannedFeature.Context); err != nil {
				return nil, err
			}
		}

		if err := r.reconcileTasks(project, feature, scannedFeature, stats); err != nil {
			return nil, err
		}
		stats.FeaturesPreserved++
	}

	for i := range scanned {
		scannedFeature := &scanned[i]
		if existingFolders[scannedFeature.FolderName] {
			continue
		}
		if err := r.insertFeature(project, scannedFeature, stats); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

// reconcileTasks applies task-level add/remove/preserve within one persisted feature.
func (r *Reconciler) reconcileTasks(project *persistence.Project, feature *persistence.Feature, scanned *backlog.Feature, stats *Stats) error {
	existingTasks, err := r.store.ListTasks(feature.ID)
	if err != nil {
		return fmt.Errorf("failed to load tasks of feature %s: %w", feature.ID, err)
	}

	scannedFilenames := make(map[string]bool, len(scanned.Tasks))
	for _, t := range scanned.Tasks {
		scannedFilenames[t.Filename] = true
	}

	existingFilenames := make(map[string]bool, len(existingTasks))
	for _, task := range existingTasks {
		existingFilenames[task.Filename] = true

		if persistence.IsTerminal(task.Status) {
			stats.TasksPreserved++
			continue
		}
		if !scannedFilenames[task.Filename] {
			if err := r.store.DeleteTask(task.ID); err != nil {
				return err
			}
			stats.TasksRemoved++
			continue
		}
		stats.TasksPreserved++
	}

	for _, scannedTask := range scanned.Tasks {
		if existingFilenames[scannedTask.Filename] {
			continue
		}
		task := &persistence.Task{
			ID:        persistence.GenerateID(),
			ProjectID: project.ID,
			FeatureID: feature.ID,
			Number:    scannedTask.Number,
			Title:     scannedTask.Title,
			Filename:  scannedTask.Filename,
			Status:    persistence.StatusPending,
		}
		if err := r.store.InsertTask(task); err != nil {
			return err
		}
		stats.TasksAdded++
	}

	return nil
}

// insertFeature adds a freshly scanned feature and all of its tasks as pending.
func (r *Reconciler) insertFeature(project *persistence.Project, scanned *backlog.Feature, stats *Stats) error {
	var branchName *string
	if project.BranchingMode != persistence.ModeSingleBranch {
		name := backlog.FeatureBranchName(scanned.Name)
		branchName = &name
	}

	feature := &persistence.Feature{
		ID:         persistence.GenerateID(),
		ProjectID:  project.ID,
		Number:     scanned.Number,
		Name:       scanned.Name,
		FolderName: scanned.FolderName,
		Context:    scanned.Context,
		Status:     persistence.StatusPending,
		BranchName: branchName,
	}
	if err := r.store.InsertFeature(feature); err != nil {
		return err
	}
	stats.FeaturesAdded++

	for _, scannedTask := range scanned.Tasks {
		task := &persistence.Task{
			ID:        persistence.GenerateID(),
			ProjectID: project.ID,
			FeatureID: feature.ID,
			Number:    scannedTask.Number,
			Title:     scannedTask.Title,
			Filename:  scannedTask.Filename,
			Status:    persistence.StatusPending,
		}
		if err := r.store.InsertTask(task); err != nil {
			return err
		}
		stats.TasksAdded++
	}

	return nil
}

func equalContext(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
