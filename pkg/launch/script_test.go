package launch

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectiveWithoutContext(t *testing.T) {
	spec := Spec{
		ProjectPath:   "/home/dev/repo",
		FeatureFolder: "01_tasks_auth",
		TaskFile:      "01-login.md",
	}

	directive := Directive(spec)
	assert.Contains(t, directive, "tasks/01_tasks_auth/01-login.md")
	assert.NotContains(t, directive, "README.md")
	assert.Contains(t, directive, "Stay focused on this single task only.")
}

func TestDirectiveWithContext(t *testing.T) {
	spec := Spec{
		ProjectPath:   "/home/dev/repo",
		FeatureFolder: "01_tasks_auth",
		TaskFile:      "01-login.md",
		HasContext:    true,
	}

	directive := Directive(spec)
	assert.Contains(t, directive, "tasks/01_tasks_auth/README.md")
	assert.Contains(t, directive, "read it first")
}

func TestBuildScriptUnix(t *testing.T) {
	spec := Spec{ProjectPath: "/home/dev/repo", FeatureFolder: "01_tasks_auth", TaskFile: "01-login.md"}

	script := buildScriptFor("linux", spec)
	assert.True(t, strings.HasPrefix(script, "#!/usr/bin/env bash\n"))
	assert.Contains(t, script, `cd "/home/dev/repo"`)
	assert.Contains(t, script, "claude --dangerously-skip-permissions")
}

func TestBuildScriptWindows(t *testing.T) {
	spec := Spec{ProjectPath: "C:/work/repo", FeatureFolder: "01_tasks_auth", TaskFile: "01-login.md"}

	script := buildScriptFor("windows", spec)
	assert.True(t, strings.HasPrefix(script, "@echo off"))
	assert.Contains(t, script, `cd /d "C:\work\repo"`)
}

func TestWriteScript(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteScript(dir, "#!/usr/bin/env bash\necho hi\n")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "script should be executable")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "echo hi")
}
