package backlog

import (
	"fmt"
	"strings"
)

// FeatureBranchName derives the git branch for a feature from its display name.
func FeatureBranchName(featureName string) string {
	return "feature/" + featureName
}

// TaskBranchName derives a deterministic git branch for a task from the
// feature number, task number, and slugified task title.
func TaskBranchName(featureNumber, taskNumber int, taskTitle string) string {
	slug := strings.ToLower(strings.Join(strings.Fields(taskTitle), "-"))
	return fmt.Sprintf("task-%02d-%02d-%s", featureNumber, taskNumber, slug)
}
