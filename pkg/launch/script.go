// Package launch starts the external coding agent for one task in a fresh
// terminal, fire-and-forget. A launch is described by a structured Spec and
// rendered into a platform-appropriate script.
package launch

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"conductor/pkg/backlog"
)

// Spec describes one agent launch: where to run and which task to execute.
type Spec struct {
	ProjectPath   string
	FeatureFolder string
	TaskFile      string
	HasContext    bool
}

// Directive composes the instruction handed to the coding agent.
func Directive(spec Spec) string {
	taskPath := fmt.Sprintf("%s/%s/%s", backlog.TaskRootDir, spec.FeatureFolder, spec.TaskFile)

	var b strings.Builder
	fmt.Fprintf(&b, "Read and execute the task in %s.", taskPath)
	if spec.HasContext {
		fmt.Fprintf(&b, " The feature context is in %s/%s/%s - read it first for context.",
			backlog.TaskRootDir, spec.FeatureFolder, backlog.ContextFilename)
	}
	b.WriteString(" Follow the project's CLAUDE.md if it exists. Stay focused on this single task only.")
	return b.String()
}

func agentCommand(spec Spec) string {
	return fmt.Sprintf("claude --dangerously-skip-permissions %q", Directive(spec))
}

// BuildScript renders the launch script for the current platform.
func BuildScript(spec Spec) string {
	return buildScriptFor(runtime.GOOS, spec)
}

func buildScriptFor(goos string, spec Spec) string {
	cmd := agentCommand(spec)
	if goos == "windows" {
		winPath := strings.ReplaceAll(spec.ProjectPath, "/", `\`)
		return fmt.Sprintf("@echo off\r\ncd /d \"%s\"\r\n%s\r\n", winPath, cmd)
	}
	return fmt.Sprintf("#!/usr/bin/env bash\ncd %q\n%s\n", spec.ProjectPath, cmd)
}

// WriteScript writes the launch script into tempDir and returns its path.
func WriteScript(tempDir, content string) (string, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory %s: %w", tempDir, err)
	}

	ext := "sh"
	if runtime.GOOS == "windows" {
		ext = "bat"
	}
	path := filepath.Join(tempDir, "run-task."+ext)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil { //nolint:gosec // script must be executable
		return "", fmt.Errorf("failed to write launch script: %w", err)
	}
	return path, nil
}
