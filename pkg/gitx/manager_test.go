package gitx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records every git invocation and delegates to a scriptable handler.
type fakeRunner struct {
	calls   [][]string
	handler func(args []string) (string, error)
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if f.handler != nil {
		return f.handler(args)
	}
	return "", nil
}

func (f *fakeRunner) commandLines() []string {
	lines := make([]string, len(f.calls))
	for i, call := range f.calls {
		lines[i] = strings.Join(call, " ")
	}
	return lines
}

func newTestManager(runner *fakeRunner) *Manager {
	m := NewManager(runner, "main")
	m.sleep = func(time.Duration) {} // no real delays in tests
	return m
}

func TestPushRetriesAuthFailureThenSucceeds(t *testing.T) {
	attempts := 0
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		if args[0] == "push" {
			attempts++
			if attempts < 3 {
				return "", errors.New("git push: Failed to authenticate")
			}
		}
		return "", nil
	}}
	m := newTestManager(runner)

	err := m.push(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPushExhaustsRetryBudget(t *testing.T) {
	attempts := 0
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		attempts++
		return "", errors.New("authentication failed for 'origin'")
	}}
	m := newTestManager(runner)

	err := m.push(context.Background(), "/repo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, MaxPushRetries, attempts)
}

func TestPushNonAuthErrorIsImmediatelyFatal(t *testing.T) {
	attempts := 0
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		attempts++
		return "", errors.New("remote: repository not found")
	}}
	m := newTestManager(runner)

	err := m.push(context.Background(), "/repo")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestCreateFeatureBranchSequence(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	err := m.CreateFeatureBranch(context.Background(), "/repo", "feature/auth")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"checkout main",
		"pull origin main",
		"checkout -b feature/auth",
	}, runner.commandLines())
}

func TestCreateBranchFallsBackToExisting(t *testing.T) {
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		if len(args) >= 2 && args[0] == "checkout" && args[1] == "-b" {
			return "", errors.New("fatal: a branch named 'feature/auth' already exists")
		}
		return "", nil
	}}
	m := newTestManager(runner)

	err := m.createBranch(context.Background(), "/repo", "feature/auth")
	require.NoError(t, err)
	assert.Equal(t, "checkout feature/auth", runner.commandLines()[1])
}

func TestCheckoutMainFailureEscalates(t *testing.T) {
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		return "", errors.New("pathspec 'main' did not match")
	}}
	m := newTestManager(runner)

	err := m.CreateFeatureBranch(context.Background(), "/repo", "feature/auth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main")
	assert.Len(t, runner.calls, 1)
}

func TestCompleteTaskBranchHappyPath(t *testing.T) {
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		if args[0] == "ls-remote" {
			return "", nil // feature branch not on remote, pull skipped
		}
		return "", nil
	}}
	m := newTestManager(runner)

	err := m.CompleteTaskBranch(context.Background(), "/repo",
		"task-01-01-login", "feature/auth", "login", true)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"add -A",
		"commit -m feat: complete login",
		"push -u origin HEAD",
		"checkout feature/auth",
		"ls-remote --heads origin feature/auth",
		"merge --no-ff task-01-01-login -m Merge task 'login' into feature/auth",
		"push -u origin HEAD",
		"push origin --delete task-01-01-login",
		"branch -d task-01-01-login",
	}, runner.commandLines())
}

func TestCompleteTaskBranchMergeConflictEscalates(t *testing.T) {
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		if args[0] == "merge" {
			return "", errors.New("CONFLICT (content): merge conflict in main.go")
		}
		return "", nil
	}}
	m := newTestManager(runner)

	err := m.CompleteTaskBranch(context.Background(), "/repo",
		"task-01-01-login", "feature/auth", "login", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge")

	// No deletion after an escalated merge failure.
	for _, line := range runner.commandLines() {
		assert.NotContains(t, line, "--delete")
		assert.NotContains(t, line, "branch -d")
	}
}

func TestCompleteTaskBranchDeletesEvenWhenFinalPushFails(t *testing.T) {
	pushes := 0
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		if args[0] == "push" && args[1] == "-u" {
			pushes++
			if pushes == 2 {
				return "", errors.New("remote: internal server error")
			}
		}
		return "", nil
	}}
	m := newTestManager(runner)

	err := m.CompleteTaskBranch(context.Background(), "/repo",
		"task-01-01-login", "feature/auth", "login", true)
	require.Error(t, err)

	lines := runner.commandLines()
	assert.Contains(t, lines, "push origin --delete task-01-01-login")
	assert.Contains(t, lines, "branch -d task-01-01-login")
}

func TestDeleteBranchLocalForceFallback(t *testing.T) {
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		if args[0] == "branch" && args[1] == "-d" {
			return "", errors.New("branch is not fully merged")
		}
		return "", nil
	}}
	m := newTestManager(runner)

	m.deleteBranchLocal(context.Background(), "/repo", "task-01-01-login")

	assert.Equal(t, []string{
		"branch -d task-01-01-login",
		"branch -D task-01-01-login",
	}, runner.commandLines())
}

func TestCompleteFeatureBranchSequence(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	err := m.CompleteFeatureBranch(context.Background(), "/repo", "feature/auth", "auth", true)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"checkout main",
		"pull origin main",
		"merge --no-ff feature/auth -m Merge feature 'auth' into main",
		"push -u origin HEAD",
		"push origin --delete feature/auth",
		"branch -d feature/auth",
	}, runner.commandLines())
}

func TestCommitAndPushWithoutAutoPush(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	err := m.CommitAndPush(context.Background(), "/repo", "feat: complete login", false)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"add -A",
		"commit -m feat: complete login",
	}, runner.commandLines())
}

func TestCommitFailureIsSwallowed(t *testing.T) {
	runner := &fakeRunner{handler: func(args []string) (string, error) {
		if args[0] == "commit" {
			return "", errors.New("nothing to commit, working tree clean")
		}
		return "", nil
	}}
	m := newTestManager(runner)

	err := m.CommitAndPush(context.Background(), "/repo", "wip", true)
	require.NoError(t, err)
}

func TestSetupWorkBranch(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	err := m.SetupWorkBranch(context.Background(), "/repo", "conductor-work")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"checkout main",
		"pull origin main",
		"checkout -b conductor-work",
	}, runner.commandLines())
}

func TestCompleteWorkBranchSequence(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	err := m.CompleteWorkBranch(context.Background(), "/repo", "conductor-work", true)
	require.NoError(t, err)

	lines := runner.commandLines()
	assert.Equal(t, "add -A", lines[0])
	assert.Contains(t, lines, "merge --no-ff conductor-work -m Merge work branch 'conductor-work' into main")
	assert.Contains(t, lines, "branch -d conductor-work")
}
