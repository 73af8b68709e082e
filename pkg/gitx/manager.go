package gitx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/logx"
)

// Push retry policy: only authentication failures are retried.
const (
	MaxPushRetries = 3
	pushRetryDelay = 1 * time.Second
)

// authFailureMarkers identify the retryable class of push errors.
var authFailureMarkers = []string{
	"failed to authenticate",
	"authentication failed",
	"could not read username",
	"permission denied (publickey)",
}

// Manager exposes idempotent branch lifecycle primitives over a working
// directory. Checkout, branch-creation, and merge failures escalate to the
// caller; branch deletion and pulls of possibly-absent remote branches are
// best-effort and never block pipeline progress.
type Manager struct {
	runner     Runner
	logger     *logx.Logger
	mainBranch string
	sleep      func(time.Duration)
}

// NewManager creates a Manager that merges features into mainBranch.
func NewManager(runner Runner, mainBranch string) *Manager {
	return &Manager{
		runner:     runner,
		logger:     logx.NewLogger("gitx"),
		mainBranch: mainBranch,
		sleep:      time.Sleep,
	}
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return m.runner.Run(ctx, dir, args...)
}

// CurrentBranch returns the branch currently checked out in dir.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve current branch: %w", err)
	}
	return out, nil
}

// checkoutBranch switches to an existing branch. Failure escalates.
func (m *Manager) checkoutBranch(ctx context.Context, dir, branch string) error {
	if _, err := m.git(ctx, dir, "checkout", branch); err != nil {
		return fmt.Errorf("failed to checkout branch %s: %w", branch, err)
	}
	m.logger.Debug("Switched to branch: %s", branch)
	return nil
}

// checkoutMain switches to the configured main branch. Failure escalates.
func (m *Manager) checkoutMain(ctx context.Context, dir string) error {
	if _, err := m.git(ctx, dir, "checkout", m.mainBranch); err != nil {
		return fmt.Errorf("branch %s not found: %w", m.mainBranch, err)
	}
	return nil
}

// createBranch creates and switches to a branch, falling back to a plain
// checkout when the branch already exists. Failure of both escalates.
func (m *Manager) createBranch(ctx context.Context, dir, branch string) error {
	if _, err := m.git(ctx, dir, "checkout", "-b", branch); err == nil {
		m.logger.Info("Created and switched to branch: %s", branch)
		return nil
	}
	if _, err := m.git(ctx, dir, "checkout", branch); err != nil {
		return fmt.Errorf("failed to create or switch to branch %s: %w", branch, err)
	}
	m.logger.Info("Switched to existing branch: %s", branch)
	return nil
}

// pullMain pulls the main branch from origin. Best-effort.
func (m *Manager) pullMain(ctx context.Context, dir string) {
	if _, err := m.git(ctx, dir, "pull", "origin", m.mainBranch); err != nil {
		m.logger.Warn("Failed to pull origin/%s: %v", m.mainBranch, err)
		return
	}
	m.logger.Debug("Pulled latest changes from origin/%s", m.mainBranch)
}

// branchExistsRemote checks whether origin has the given branch.
func (m *Manager) branchExistsRemote(ctx context.Context, dir, branch string) bool {
	out, err := m.git(ctx, dir, "ls-remote", "--heads", "origin", branch)
	return err == nil && out != ""
}

// pullBranch pulls a branch from origin if it exists there. Best-effort.
func (m *Manager) pullBranch(ctx context.Context, dir, branch string) {
	if !m.branchExistsRemote(ctx, dir, branch) {
		m.logger.Debug("Branch %s does not exist on remote, skipping pull", branch)
		return
	}
	if _, err := m.git(ctx, dir, "pull", "origin", branch); err != nil {
		m.logger.Warn("Pull failed for %s, continuing anyway: %v", branch, err)
	}
}

// commitAll stages and commits all pending changes. An empty tree is not an
// error; the failure is swallowed.
func (m *Manager) commitAll(ctx context.Context, dir, message string) {
	if _, err := m.git(ctx, dir, "add", "-A"); err != nil {
		m.logger.Warn("git add failed: %v", err)
		return
	}
	if _, err := m.git(ctx, dir, "commit", "-m", message); err != nil {
		m.logger.Debug("Nothing to commit or commit failed: %v", err)
		return
	}
	m.logger.Info("Committed: %s", message)
}

// mergeBranch merges branch into the current branch with a no-fast-forward
// merge commit. Conflicts and other merge failures escalate.
func (m *Manager) mergeBranch(ctx context.Context, dir, branch, message string) error {
	if _, err := m.git(ctx, dir, "merge", "--no-ff", branch, "-m", message); err != nil {
		return fmt.Errorf("failed to merge branch %s: %w", branch, err)
	}
	m.logger.Info("Merged branch: %s", branch)
	return nil
}

// push pushes the current branch to origin, retrying authentication failures
// up to MaxPushRetries with a fixed delay. Any other failure, or retry
// exhaustion, is fatal for this push call.
func (m *Manager) push(ctx context.Context, dir string) error {
	var lastErr error
	for attempt := 1; attempt <= MaxPushRetries; attempt++ {
		_, err := m.git(ctx, dir, "push", "-u", "origin", "HEAD")
		if err == nil {
			m.logger.Debug("Push successful")
			return nil
		}
		lastErr = err

		if !isAuthFailure(err) {
			return fmt.Errorf("push failed: %w", err)
		}
		if attempt < MaxPushRetries {
			m.logger.Warn("Push failed (attempt %d/%d), retrying...", attempt, MaxPushRetries)
			m.sleep(pushRetryDelay)
		}
	}
	return fmt.Errorf("push failed after %d attempts: %w", MaxPushRetries, lastErr)
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range authFailureMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// deleteBranchLocal deletes a local branch, falling back from a safe delete
// to a forced delete. Best-effort.
func (m *Manager) deleteBranchLocal(ctx context.Context, dir, branch string) {
	if _, err := m.git(ctx, dir, "branch", "-d", branch); err == nil {
		m.logger.Info("Deleted local branch: %s", branch)
		return
	}
	if _, err := m.git(ctx, dir, "branch", "-D", branch); err == nil {
		m.logger.Info("Force deleted local branch: %s", branch)
		return
	}
	m.logger.Warn("Could not delete local branch: %s", branch)
}

// deleteBranchRemote deletes a branch on origin. Best-effort; the branch may
// already be absent.
func (m *Manager) deleteBranchRemote(ctx context.Context, dir, branch string) {
	if _, err := m.git(ctx, dir, "push", "origin", "--delete", branch); err != nil {
		m.logger.Debug("Could not delete remote branch %s (may not exist)", branch)
		return
	}
	m.logger.Info("Deleted remote branch: origin/%s", branch)
}

// deleteBranch removes a branch remotely and locally. Best-effort: git
// cleanup must never block pipeline progress.
func (m *Manager) deleteBranch(ctx context.Context, dir, branch string) {
	m.deleteBranchRemote(ctx, dir, branch)
	m.deleteBranchLocal(ctx, dir, branch)
}

// CreateFeatureBranch checks out main, pulls it, and branches off for a feature.
func (m *Manager) CreateFeatureBranch(ctx context.Context, dir, featureBranch string) error {
	if err := m.checkoutMain(ctx, dir); err != nil {
		return err
	}
	m.pullMain(ctx, dir)
	if err := m.createBranch(ctx, dir, featureBranch); err != nil {
		return err
	}
	m.logger.Info("Created feature branch: %s", featureBranch)
	return nil
}

// CreateTaskBranchFromFeature checks out the feature branch and branches off
// for a task.
func (m *Manager) CreateTaskBranchFromFeature(ctx context.Context, dir, featureBranch, taskBranch string) error {
	if err := m.checkoutBranch(ctx, dir, featureBranch); err != nil {
		return err
	}
	if err := m.createBranch(ctx, dir, taskBranch); err != nil {
		return err
	}
	m.logger.Info("Created task branch: %s from %s", taskBranch, featureBranch)
	return nil
}

// CompleteTaskBranch commits all pending work on the task branch, merges it
// into the feature branch with a no-fast-forward merge commit, pushes, and
// deletes the task branch locally and remotely.
//
// When the final push fails, the merge commit already exists locally, so
// branch deletion still runs before the push error is reported.
func (m *Manager) CompleteTaskBranch(ctx context.Context, dir, taskBranch, featureBranch, taskTitle string, autoPush bool) error {
	m.commitAll(ctx, dir, fmt.Sprintf("feat: complete %s", taskTitle))

	if autoPush {
		if err := m.push(ctx, dir); err != nil {
			return fmt.Errorf("failed to push task branch %s: %w", taskBranch, err)
		}
	}

	if err := m.checkoutBranch(ctx, dir, featureBranch); err != nil {
		return err
	}
	m.pullBranch(ctx, dir, featureBranch)

	message := fmt.Sprintf("Merge task '%s' into %s", taskTitle, featureBranch)
	if err := m.mergeBranch(ctx, dir, taskBranch, message); err != nil {
		return err
	}

	var pushErr error
	if autoPush {
		pushErr = m.push(ctx, dir)
	}

	m.deleteBranch(ctx, dir, taskBranch)

	if pushErr != nil {
		return fmt.Errorf("failed to push feature branch %s: %w", featureBranch, pushErr)
	}
	m.logger.Info("Task branch %s merged to %s and deleted", taskBranch, featureBranch)
	return nil
}

// CompleteFeatureBranch merges the feature branch into main, pushes, and
// deletes the feature branch. Deletion runs even when the push fails; see
// CompleteTaskBranch.
func (m *Manager) CompleteFeatureBranch(ctx context.Context, dir, featureBranch, featureName string, autoPush bool) error {
	if err := m.checkoutMain(ctx, dir); err != nil {
		return err
	}
	m.pullMain(ctx, dir)

	message := fmt.Sprintf("Merge feature '%s' into %s", featureName, m.mainBranch)
	if err := m.mergeBranch(ctx, dir, featureBranch, message); err != nil {
		return err
	}

	var pushErr error
	if autoPush {
		pushErr = m.push(ctx, dir)
	}

	m.deleteBranch(ctx, dir, featureBranch)

	if pushErr != nil {
		return fmt.Errorf("failed to push %s: %w", m.mainBranch, pushErr)
	}
	m.logger.Info("Feature branch %s merged to %s and deleted", featureBranch, m.mainBranch)
	return nil
}

// SetupWorkBranch prepares the long-lived work branch used in single-branch
// mode, creating it off a freshly pulled main if necessary.
func (m *Manager) SetupWorkBranch(ctx context.Context, dir, workBranch string) error {
	if err := m.checkoutMain(ctx, dir); err != nil {
		return err
	}
	m.pullMain(ctx, dir)
	if err := m.createBranch(ctx, dir, workBranch); err != nil {
		return err
	}
	m.logger.Info("Work branch %s ready (based on %s)", workBranch, m.mainBranch)
	return nil
}

// CompleteWorkBranch commits remaining work, merges the work branch into
// main, pushes, and deletes the work branch.
func (m *Manager) CompleteWorkBranch(ctx context.Context, dir, workBranch string, autoPush bool) error {
	m.commitAll(ctx, dir, "wip: final sync before merge")

	if autoPush {
		if err := m.push(ctx, dir); err != nil {
			return fmt.Errorf("failed to push work branch %s: %w", workBranch, err)
		}
	}

	if err := m.checkoutMain(ctx, dir); err != nil {
		return err
	}
	m.pullMain(ctx, dir)

	message := fmt.Sprintf("Merge work branch '%s' into %s", workBranch, m.mainBranch)
	if err := m.mergeBranch(ctx, dir, workBranch, message); err != nil {
		return err
	}

	var pushErr error
	if autoPush {
		pushErr = m.push(ctx, dir)
	}

	m.deleteBranch(ctx, dir, workBranch)

	if pushErr != nil {
		return fmt.Errorf("failed to push %s: %w", m.mainBranch, pushErr)
	}
	m.logger.Info("Work branch %s merged to %s and deleted", workBranch, m.mainBranch)
	return nil
}

// CommitAndPush commits all pending changes on the current branch and pushes.
// Used for single-branch incremental commits after each task.
func (m *Manager) CommitAndPush(ctx context.Context, dir, message string, autoPush bool) error {
	m.commitAll(ctx, dir, message)
	if autoPush {
		if err := m.push(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}
