// Package engine drives the per-project orchestration pipeline: starting
// features and tasks in ascending order, reacting to completion signals from
// the external agent, and advancing or halting the project state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"conductor/pkg/backlog"
	"conductor/pkg/hooks"
	"conductor/pkg/launch"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/reconcile"
)

// Precondition errors reported to callers without mutating any state.
var (
	ErrNoPendingWork  = errors.New("no pending work")
	ErrAlreadyRunning = errors.New("project is already running")
)

// StopReasonRateLimit marks a stop caused by agent capacity exhaustion.
const StopReasonRateLimit = "rate_limit"

// GitManager is the branch lifecycle surface the engine depends on.
type GitManager interface {
	CreateFeatureBranch(ctx context.Context, dir, featureBranch string) error
	CreateTaskBranchFromFeature(ctx context.Context, dir, featureBranch, taskBranch string) error
	CompleteTaskBranch(ctx context.Context, dir, taskBranch, featureBranch, taskTitle string, autoPush bool) error
	CompleteFeatureBranch(ctx context.Context, dir, featureBranch, featureName string, autoPush bool) error
	SetupWorkBranch(ctx context.Context, dir, workBranch string) error
	CompleteWorkBranch(ctx context.Context, dir, workBranch string, autoPush bool) error
	CommitAndPush(ctx context.Context, dir, message string, autoPush bool) error
}

// HookInstaller manages the completion hook in a project's settings file.
type HookInstaller interface {
	Install(projectPath, taskID string) error
	Remove(projectPath string) error
}

var _ HookInstaller = (*hooks.Installer)(nil)

// CompletionPayload is the body of a task completion signal. A nil Success
// defaults to successful completion.
type CompletionPayload struct {
	Success     *bool `json:"success,omitempty"`
	RateLimited bool  `json:"rate_limited,omitempty"`
}

// CompletionResult describes the pipeline's next step after a completion
// signal has been processed.
type CompletionResult struct {
	CompletedTask    *persistence.Task    `json:"completed_task,omitempty"`
	CompletedFeature *persistence.Feature `json:"completed_feature,omitempty"`
	NextTask         *persistence.Task    `json:"next_task,omitempty"`
	NextFeature      *persistence.Feature `json:"next_feature,omitempty"`
	FeatureComplete  bool                 `json:"feature_complete"`
	ProjectComplete  bool                 `json:"project_complete"`
	RateLimited      bool                 `json:"rate_limited,omitempty"`
	ProjectStatus    string               `json:"project_status"`
}

// StartResult reports the feature and task activated by Start.
type StartResult struct {
	Feature *persistence.Feature `json:"current_feature"`
	Task    *persistence.Task    `json:"current_task"`
}

// Engine coordinates the project state machine. All mutating operations on
// the same project id are serialized through a per-project mutex; operations
// on different projects proceed independently.
type Engine struct {
	store      *persistence.Store
	git        GitManager
	hooks      HookInstaller
	launcher   launch.Launcher
	recorder   *metrics.Recorder
	logger     *logx.Logger
	reconciler *reconcile.Reconciler

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates an Engine. The recorder may be nil.
func New(store *persistence.Store, git GitManager, hookInstaller HookInstaller, launcher launch.Launcher, recorder *metrics.Recorder) *Engine {
	return &Engine{
		store:      store,
		git:        git,
		hooks:      hookInstaller,
		launcher:   launcher,
		recorder:   recorder,
		logger:     logx.NewLogger("engine"),
		reconciler: reconcile.New(store),
		locks:      map[string]*sync.Mutex{},
		now:        time.Now,
	}
}

// lockProject acquires the mutex serializing operations for one project id.
// The returned function releases it.
func (e *Engine) lockProject(projectID string) func() {
	e.mu.Lock()
	lock, ok := e.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[projectID] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Start activates the lowest-numbered pending feature and its lowest-numbered
// pending task, transitions the project to running, and launches the agent.
func (e *Engine) Start(ctx context.Context, projectID string) (*StartResult, error) {
	defer e.lockProject(projectID)()

	project, err := e.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Status == persistence.ProjectStatusRunning {
		return nil, ErrAlreadyRunning
	}
	if _, err := os.Stat(project.Path); err != nil {
		return nil, fmt.Errorf("project path not found: %s", project.Path)
	}

	feature, err := e.store.NextPendingFeature(projectID)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, fmt.Errorf("no pending features: %w", ErrNoPendingWork)
	}
	task, err := e.store.NextPendingTask(feature.ID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("no pending tasks in feature %s: %w", feature.Name, ErrNoPendingWork)
	}

	if err := e.startFeatureAndTask(ctx, project, feature, task, true); err != nil {
		return nil, err
	}
	if err := e.store.UpdateProjectState(projectID, persistence.ProjectStatusRunning, &feature.ID, &task.ID); err != nil {
		return nil, err
	}
	e.recorder.ProjectStarted()
	e.logger.Info("Project %s started: feature %s, task %s", project.Name, feature.Name, task.Title)

	return &StartResult{Feature: feature, Task: task}, nil
}

// startFeatureAndTask prepares branches for a feature entering execution,
// marks it running, and starts its first task. Branch setup failures are
// logged and do not block the pipeline.
func (e *Engine) startFeatureAndTask(ctx context.Context, project *persistence.Project, feature *persistence.Feature, task *persistence.Task, firstFeature bool) error {
	if project.AutoCommit {
		switch {
		case project.BranchingMode == persistence.ModeBranching && feature.BranchName != nil:
			err := e.git.CreateFeatureBranch(ctx, project.Path, *feature.BranchName)
			e.recorder.ObserveGitOperation("create_feature_branch", err)
			if err != nil {
				e.logger.Error("Failed to create feature branch %s: %v", *feature.BranchName, err)
			}
		case project.BranchingMode == persistence.ModeSingleBranch && project.WorkBranch != nil && firstFeature:
			err := e.git.SetupWorkBranch(ctx, project.Path, *project.WorkBranch)
			e.recorder.ObserveGitOperation("setup_work_branch", err)
			if err != nil {
				e.logger.Error("Failed to setup work branch %s: %v", *project.WorkBranch, err)
			}
		}
	}

	if err := e.store.MarkFeatureRunning(feature.ID, e.now()); err != nil {
		return err
	}
	return e.startTask(ctx, project, feature, task)
}

// startTask creates the task branch when branching applies, marks the task
// running, installs the completion hook, and launches the agent. Launching is
// fire-and-forget; the engine never waits on the agent process.
func (e *Engine) startTask(ctx context.Context, project *persistence.Project, feature *persistence.Feature, task *persistence.Task) error {
	var branchName *string
	if project.AutoCommit && project.BranchingMode == persistence.ModeBranching && feature.BranchName != nil {
		name := backlog.TaskBranchName(feature.Number, task.Number, task.Title)
		err := e.git.CreateTaskBranchFromFeature(ctx, project.Path, *feature.BranchName, name)
		e.recorder.ObserveGitOperation("create_task_branch", err)
		if err != nil {
			e.logger.Error("Failed to create task branch %s: %v", name, err)
		}
		branchName = &name
	}

	if err := e.store.MarkTaskRunning(task.ID, e.now(), branchName); err != nil {
		return err
	}

	if err := e.hooks.Install(project.Path, task.ID); err != nil {
		e.logger.Error("Failed to install completion hook for task %s: %v", task.ID, err)
	}

	spec := launch.Spec{
		ProjectPath:   project.Path,
		FeatureFolder: feature.FolderName,
		TaskFile:      task.Filename,
		HasContext:    feature.Context != nil,
	}
	if err := e.launcher.Launch(spec); err != nil {
		e.logger.Error("Failed to launch agent for task %s: %v", task.Title, err)
	}
	return nil
}

// Complete processes a completion signal for a task: records its terminal
// state, runs advisory git operations, and advances the pipeline to the next
// task, next feature, or project completion. Git failures are logged and
// never block bookkeeping.
func (e *Engine) Complete(ctx context.Context, taskID string, payload CompletionPayload) (*CompletionResult, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	defer e.lockProject(task.ProjectID)()

	feature, err := e.store.GetFeature(task.FeatureID)
	if err != nil {
		return nil, err
	}
	project, err := e.store.GetProject(task.ProjectID)
	if err != nil {
		return nil, err
	}

	if payload.RateLimited {
		return e.completeRateLimited(project, feature, task)
	}

	now := e.now()
	var durationMS *int64
	if task.StartedAt != nil {
		d := now.Sub(*task.StartedAt).Milliseconds()
		durationMS = &d
	}

	status := persistence.StatusDone
	if payload.Success != nil && !*payload.Success {
		status = persistence.StatusFailed
	}
	if err := e.store.MarkTaskFinished(task.ID, status, now, durationMS); err != nil {
		return nil, err
	}
	e.observeTaskCompletion(project.ID, status, durationMS)

	task.Status = status
	task.CompletedAt = &now
	task.DurationMS = durationMS

	if status == persistence.StatusDone && project.AutoCommit {
		e.finishTaskBranch(ctx, project, feature, task)
	}

	nextTask, err := e.store.NextPendingTask(feature.ID)
	if err != nil {
		return nil, err
	}
	if nextTask != nil {
		if err := e.startTask(ctx, project, feature, nextTask); err != nil {
			return nil, err
		}
		if err := e.store.UpdateProjectState(project.ID, persistence.ProjectStatusRunning, &feature.ID, &nextTask.ID); err != nil {
			return nil, err
		}
		return &CompletionResult{
			CompletedTask: task,
			NextTask:      nextTask,
			ProjectStatus: persistence.ProjectStatusRunning,
		}, nil
	}

	// Feature exhausted: close it out and look for the next one.
	featureNow := e.now()
	var featureDurationMS *int64
	if feature.StartedAt != nil {
		d := featureNow.Sub(*feature.StartedAt).Milliseconds()
		featureDurationMS = &d
	}
	if err := e.store.MarkFeatureFinished(feature.ID, persistence.StatusDone, featureNow, featureDurationMS); err != nil {
		return nil, err
	}
	feature.Status = persistence.StatusDone
	feature.CompletedAt = &featureNow
	feature.DurationMS = featureDurationMS

	if project.AutoCommit && project.BranchingMode == persistence.ModeBranching && feature.BranchName != nil {
		err := e.git.CompleteFeatureBranch(ctx, project.Path, *feature.BranchName, feature.Name, project.AutoPush)
		e.recorder.ObserveGitOperation("complete_feature_branch", err)
		if err != nil {
			e.logger.Error("Feature branch merge failed for %s: %v", feature.Name, err)
		}
	}

	nextFeature, err := e.store.NextPendingFeature(project.ID)
	if err != nil {
		return nil, err
	}
	if nextFeature != nil {
		firstTask, err := e.store.NextPendingTask(nextFeature.ID)
		if err != nil {
			return nil, err
		}
		if firstTask != nil {
			if err := e.startFeatureAndTask(ctx, project, nextFeature, firstTask, false); err != nil {
				return nil, err
			}
			if err := e.store.UpdateProjectState(project.ID, persistence.ProjectStatusRunning, &nextFeature.ID, &firstTask.ID); err != nil {
				return nil, err
			}
			return &CompletionResult{
				CompletedTask:    task,
				CompletedFeature: feature,
				NextFeature:      nextFeature,
				NextTask:         firstTask,
				FeatureComplete:  true,
				ProjectStatus:    persistence.ProjectStatusRunning,
			}, nil
		}
	}

	// No eligible work remains: the project is complete.
	if project.AutoCommit && project.BranchingMode == persistence.ModeSingleBranch && project.WorkBranch != nil {
		err := e.git.CompleteWorkBranch(ctx, project.Path, *project.WorkBranch, project.AutoPush)
		e.recorder.ObserveGitOperation("complete_work_branch", err)
		if err != nil {
			e.logger.Error("Work branch merge failed for %s: %v", *project.WorkBranch, err)
		}
	}

	if err := e.hooks.Remove(project.Path); err != nil {
		e.logger.Warn("Failed to remove completion hook: %v", err)
	}
	if err := e.store.UpdateProjectState(project.ID, persistence.ProjectStatusDone, nil, nil); err != nil {
		return nil, err
	}
	e.recorder.ProjectStopped()
	e.logger.Info("Project %s complete", project.Name)

	return &CompletionResult{
		CompletedTask:    task,
		CompletedFeature: feature,
		FeatureComplete:  true,
		ProjectComplete:  true,
		ProjectStatus:    persistence.ProjectStatusDone,
	}, nil
}

// completeRateLimited halts the whole project: the current task and feature
// fail, the hook is removed, and the project parks in rate_limited until
// manually restarted.
func (e *Engine) completeRateLimited(project *persistence.Project, feature *persistence.Feature, task *persistence.Task) (*CompletionResult, error) {
	e.logger.Warn("Rate limit detected, stopping project %s", project.Name)

	now := e.now()
	if err := e.store.MarkTaskFinished(task.ID, persistence.StatusFailed, now, nil); err != nil {
		return nil, err
	}
	if err := e.store.MarkFeatureFinished(feature.ID, persistence.StatusFailed, now, nil); err != nil {
		return nil, err
	}
	if err := e.hooks.Remove(project.Path); err != nil {
		e.logger.Warn("Failed to remove completion hook: %v", err)
	}
	if err := e.store.UpdateProjectState(project.ID, persistence.ProjectStatusRateLimited, nil, nil); err != nil {
		return nil, err
	}
	e.observeTaskCompletion(project.ID, persistence.StatusFailed, nil)
	e.recorder.ProjectStopped()

	task.Status = persistence.StatusFailed
	task.CompletedAt = &now
	return &CompletionResult{
		CompletedTask: task,
		RateLimited:   true,
		ProjectStatus: persistence.ProjectStatusRateLimited,
	}, nil
}

// finishTaskBranch runs the advisory git work for a successfully completed
// task. Errors are logged only; the pipeline continues regardless.
func (e *Engine) finishTaskBranch(ctx context.Context, project *persistence.Project, feature *persistence.Feature, task *persistence.Task) {
	switch {
	case project.BranchingMode == persistence.ModeBranching && task.BranchName != nil && feature.BranchName != nil:
		err := e.git.CompleteTaskBranch(ctx, project.Path, *task.BranchName, *feature.BranchName, task.Title, project.AutoPush)
		e.recorder.ObserveGitOperation("complete_task_branch", err)
		if err != nil {
			e.logger.Error("Git operations failed for task %s: %v", task.Title, err)
		}
	case project.BranchingMode == persistence.ModeSingleBranch:
		err := e.git.CommitAndPush(ctx, project.Path, fmt.Sprintf("feat: complete %s", task.Title), project.AutoPush)
		e.recorder.ObserveGitOperation("commit_and_push", err)
		if err != nil {
			e.logger.Error("Commit/push failed for task %s: %v", task.Title, err)
		}
	}
}

// Stop halts a project manually: the current task and feature fail, the hook
// is removed, and the project returns to idle (or rate_limited when the
// reason says so). Safe to call on an already-idle project.
func (e *Engine) Stop(_ context.Context, projectID, reason string) (string, error) {
	defer e.lockProject(projectID)()

	project, err := e.store.GetProject(projectID)
	if err != nil {
		return "", err
	}

	now := e.now()
	if project.CurrentTaskID != nil {
		if err := e.store.MarkTaskFinished(*project.CurrentTaskID, persistence.StatusFailed, now, nil); err != nil {
			return "", err
		}
	}
	if project.CurrentFeatureID != nil {
		if err := e.store.MarkFeatureFinished(*project.CurrentFeatureID, persistence.StatusFailed, now, nil); err != nil {
			return "", err
		}
	}
	if err := e.hooks.Remove(project.Path); err != nil {
		e.logger.Warn("Failed to remove completion hook: %v", err)
	}

	status := persistence.ProjectStatusIdle
	if reason == StopReasonRateLimit {
		status = persistence.ProjectStatusRateLimited
	}
	if err := e.store.UpdateProjectState(projectID, status, nil, nil); err != nil {
		return "", err
	}
	if project.Status == persistence.ProjectStatusRunning {
		e.recorder.ProjectStopped()
	}
	e.logger.Info("Project %s stopped (status: %s)", project.Name, status)
	return status, nil
}

// Scan re-reads the project's backlog from disk and reconciles it into the
// persisted feature/task set.
func (e *Engine) Scan(_ context.Context, projectID string) (*reconcile.Stats, error) {
	defer e.lockProject(projectID)()

	project, err := e.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(project.Path); err != nil {
		return nil, fmt.Errorf("project path not found: %s", project.Path)
	}

	scanned, err := backlog.Scan(project.Path)
	if err != nil {
		return nil, err
	}
	stats, err := e.reconciler.Reconcile(project, scanned)
	if err != nil {
		return nil, err
	}
	e.recorder.ObserveReconcile(stats.FeaturesAdded, stats.FeaturesRemoved, stats.TasksAdded, stats.TasksRemoved)
	return stats, nil
}

func (e *Engine) observeTaskCompletion(projectID, status string, durationMS *int64) {
	var d *time.Duration
	if durationMS != nil {
		dd := time.Duration(*durationMS) * time.Millisecond
		d = &dd
	}
	e.recorder.ObserveTask(projectID, status, d)
}
