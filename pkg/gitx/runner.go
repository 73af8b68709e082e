// Package gitx executes git branch lifecycle operations against a working
// directory through the git command line.
package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner abstracts git command execution so lifecycle logic can be tested
// without a repository.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CLIRunner executes git commands directly on the local system.
type CLIRunner struct{}

// NewCLIRunner creates a new CLIRunner.
func NewCLIRunner() *CLIRunner {
	return &CLIRunner{}
}

// Run executes a git command in the given directory and returns trimmed
// stdout. A non-zero exit surfaces as an error carrying the command's stderr
// (or stdout when stderr is empty), which callers use to classify failures.
func (r *CLIRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir != "" {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return "", fmt.Errorf("working directory does not exist: %s", dir)
		}
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	stdout := strings.TrimSpace(stdoutBuf.String())

	if err != nil {
		msg := strings.TrimSpace(stderrBuf.String())
		if msg == "" {
			msg = stdout
		}
		if msg == "" {
			msg = err.Error()
		}
		return stdout, fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}

	return stdout, nil
}
