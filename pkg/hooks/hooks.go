// Package hooks manages the agent's project-local stop hook: a settings entry
// that fires the conductor-hook handler when the coding agent process ends.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	settingsDir  = ".claude"
	settingsFile = "settings.json"
	stopHookKey  = "Stop"
)

// Installer writes and removes the completion hook in a project's settings
// file, preserving any unrelated configuration stored alongside it.
type Installer struct {
	// HandlerPath overrides the hook handler command. When empty, the
	// handler is resolved next to the running executable, falling back to
	// the bare name on PATH.
	HandlerPath string
	BaseURL     string
}

// NewInstaller creates an Installer that points hooks at the given base URL.
func NewInstaller(baseURL string) *Installer {
	return &Installer{BaseURL: baseURL}
}

// handlerCommand builds the hook command line for one task.
func (i *Installer) handlerCommand(taskID string) string {
	handler := i.HandlerPath
	if handler == "" {
		handler = "conductor-hook"
		if exe, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(exe), "conductor-hook")
			if _, err := os.Stat(sibling); err == nil {
				handler = sibling
			}
		}
	}
	return fmt.Sprintf("%s %s %s", handler, taskID, i.BaseURL)
}

// Install merges the stop hook for the given task into the project's settings
// file. Any other settings in the file survive untouched; a previous stop
// hook entry is replaced.
func (i *Installer) Install(projectPath, taskID string) error {
	dir := filepath.Join(projectPath, settingsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	path := filepath.Join(dir, settingsFile)
	settings := readSettings(path)

	hooksMap, _ := settings["hooks"].(map[string]any)
	if hooksMap == nil {
		hooksMap = map[string]any{}
	}
	hooksMap[stopHookKey] = []any{
		map[string]any{
			"matcher": "",
			"hooks": []any{
				map[string]any{
					"type":    "command",
					"command": i.handlerCommand(taskID),
				},
			},
		},
	}
	settings["hooks"] = hooksMap

	return writeSettings(path, settings)
}

// Remove strips the stop hook entry from the project's settings file,
// preserving everything else. A missing or unreadable file is not an error.
func (i *Installer) Remove(projectPath string) error {
	path := filepath.Join(projectPath, settingsDir, settingsFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	settings := readSettings(path)
	hooksMap, _ := settings["hooks"].(map[string]any)
	if hooksMap != nil {
		delete(hooksMap, stopHookKey)
		if len(hooksMap) == 0 {
			delete(settings, "hooks")
		} else {
			settings["hooks"] = hooksMap
		}
	}

	return writeSettings(path, settings)
}

func readSettings(path string) map[string]any {
	settings := map[string]any{}
	data, err := os.ReadFile(path)
	if err != nil {
		return settings
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		// Corrupt settings are replaced rather than escalated, matching the
		// best-effort contract of hook management.
		return map[string]any{}
	}
	return settings
}

func writeSettings(path string, settings map[string]any) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
