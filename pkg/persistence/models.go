package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Project status constants.
const (
	ProjectStatusIdle        = "idle"
	ProjectStatusRunning     = "running"
	ProjectStatusDone        = "done"
	ProjectStatusRateLimited = "rate_limited"
)

// Feature and task status constants.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Branching mode constants.
const (
	ModeBranching    = "branching"
	ModeSingleBranch = "single-branch"
	ModeDisabled     = "disabled"
)

// Project represents a managed repository with one orchestration pipeline.
//
//nolint:govet // struct alignment optimization not critical for this type
type Project struct {
	CreatedAt        time.Time `json:"created_at"`
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Path             string    `json:"path"`
	Status           string    `json:"status"`
	BranchingMode    string    `json:"branching_mode"`
	WorkBranch       *string   `json:"work_branch,omitempty"`
	AutoCommit       bool      `json:"auto_commit"`
	AutoPush         bool      `json:"auto_push"`
	CurrentFeatureID *string   `json:"current_feature_id,omitempty"`
	CurrentTaskID    *string   `json:"current_task_id,omitempty"`
}

// Feature is an ordered group of tasks derived from one backlog folder.
// FolderName is the durable identity key used during reconciliation.
//
//nolint:govet // struct alignment optimization not critical for this type
type Feature struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Number      int        `json:"number"`
	Name        string     `json:"name"`
	FolderName  string     `json:"folder_name"`
	Context     *string    `json:"context,omitempty"`
	Status      string     `json:"status"`
	BranchName  *string    `json:"branch_name,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

// Task is the atomic unit of agent-executed work, derived from one backlog
// file. Filename is the durable identity key used during reconciliation.
//
//nolint:govet // struct alignment optimization not critical for this type
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	FeatureID   string     `json:"feature_id"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Filename    string     `json:"filename"`
	Status      string     `json:"status"`
	BranchName  *string    `json:"branch_name,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

// TaskCounts aggregates task statuses for a project.
type TaskCounts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Features int `json:"features"`
}

// IsTerminal reports whether a feature or task status is terminal.
// Terminal entries are never resurrected, deleted, or mutated by
// reconciliation.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed
}

// ValidBranchingModes returns all valid branching modes.
func ValidBranchingModes() []string {
	return []string{ModeBranching, ModeSingleBranch, ModeDisabled}
}

// IsValidBranchingMode checks if a branching mode string is valid.
func IsValidBranchingMode(mode string) bool {
	for _, m := range ValidBranchingModes() {
		if mode == m {
			return true
		}
	}
	return false
}

// GenerateID generates a new UUID for a project, feature, or task.
func GenerateID() string {
	return uuid.New().String()
}
