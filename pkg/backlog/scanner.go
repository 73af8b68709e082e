// Package backlog reads a repository's filesystem-defined backlog: feature
// folders named NN_tasks_slug containing ordered task files named NN-slug.md.
package backlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TaskRootDir is the directory under a project path that holds feature folders.
const TaskRootDir = "tasks"

// ContextFilename is the optional per-feature context document. It is not a task.
const ContextFilename = "README.md"

// ErrBacklogNotFound indicates the project has no task root directory.
var ErrBacklogNotFound = errors.New("backlog directory not found")

// Task describes one scanned task file.
type Task struct {
	Number   int
	Title    string
	Filename string
}

// Feature describes one scanned feature folder with its ordered tasks.
type Feature struct {
	Number     int
	Name       string
	FolderName string
	Context    *string
	Tasks      []Task
}

var (
	featureFolderRe = regexp.MustCompile(`^(\d+)_tasks_(.+)$`)
	taskFileRe      = regexp.MustCompile(`^(\d+)-(.+)\.md$`)
)

// Scan enumerates the backlog of the given project path. Features and their
// tasks come back sorted by parsed number. Entries whose names do not match
// the expected patterns are skipped silently.
func Scan(projectPath string) ([]Feature, error) {
	tasksDir := filepath.Join(projectPath, TaskRootDir)

	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBacklogNotFound, tasksDir)
		}
		return nil, fmt.Errorf("failed to read backlog directory %s: %w", tasksDir, err)
	}

	var features []Feature
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		number, name, ok := parseFeatureFolder(entry.Name())
		if !ok {
			continue
		}

		featurePath := filepath.Join(tasksDir, entry.Name())
		features = append(features, Feature{
			Number:     number,
			Name:       name,
			FolderName: entry.Name(),
			Context:    readContext(featurePath),
			Tasks:      scanTaskFiles(featurePath),
		})
	}

	sort.Slice(features, func(i, j int) bool {
		return features[i].Number < features[j].Number
	})
	return features, nil
}

// parseFeatureFolder parses a folder name of the form NN_tasks_slug.
// The slug's underscores become dashes in the display name.
func parseFeatureFolder(folderName string) (number int, name string, ok bool) {
	m := featureFolderRe.FindStringSubmatch(folderName)
	if m == nil {
		return 0, "", false
	}
	number, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return number, strings.ReplaceAll(m[2], "_", "-"), true
}

// parseTaskFile parses a task filename of the form NN-slug.md.
// The slug's dashes become spaces in the display title.
func parseTaskFile(filename string) (number int, title string, ok bool) {
	m := taskFileRe.FindStringSubmatch(filename)
	if m == nil {
		return 0, "", false
	}
	number, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return number, strings.ReplaceAll(m[2], "-", " "), true
}

func readContext(featurePath string) *string {
	data, err := os.ReadFile(filepath.Join(featurePath, ContextFilename))
	if err != nil {
		return nil
	}
	content := string(data)
	return &content
}

func scanTaskFiles(featurePath string) []Task {
	entries, err := os.ReadDir(featurePath)
	if err != nil {
		return nil
	}

	var tasks []Task
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ContextFilename {
			continue
		}
		number, title, ok := parseTaskFile(entry.Name())
		if !ok {
			continue
		}
		tasks = append(tasks, Task{Number: number, Title: title, Filename: entry.Name()})
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Number < tasks[j].Number
	})
	return tasks
}
