package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store provides methods for database operations over projects, features, and tasks.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const projectColumns = `id, name, path, status, branching_mode, work_branch,
	auto_commit, auto_push, current_feature_id, current_task_id, created_at`

const featureColumns = `id, project_id, number, name, folder_name, context,
	status, branch_name, started_at, completed_at, duration_ms`

const taskColumns = `id, project_id, feature_id, number, title, filename,
	status, branch_name, started_at, completed_at, duration_ms`

// CreateProject inserts a new project record.
func (s *Store) CreateProject(p *Project) error {
	query := `
		INSERT INTO projects (
			id, name, path, status, branching_mode, work_branch,
			auto_commit, auto_push, current_feature_id, current_task_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		p.ID, p.Name, p.Path, p.Status, p.BranchingMode, p.WorkBranch,
		p.AutoCommit, p.AutoPush, p.CurrentFeatureID, p.CurrentTaskID, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM projects WHERE id = ?", projectColumns), id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.db.Query(
		fmt.Sprintf("SELECT %s FROM projects ORDER BY created_at", projectColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return projects, nil
}

// DeleteProject removes a project and, via cascade, its features and tasks.
func (s *Store) DeleteProject(id string) error {
	result, err := s.db.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateProjectState sets a project's status and current feature/task
// pointers atomically. Passing nil pointers clears them.
func (s *Store) UpdateProjectState(id, status string, featureID, taskID *string) error {
	query := `
		UPDATE projects
		SET status = ?, current_feature_id = ?, current_task_id = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(query, status, featureID, taskID, id)
	if err != nil {
		return fmt.Errorf("failed to update project %s state: %w", id, err)
	}
	return nil
}

// InsertFeature inserts a new feature record.
func (s *Store) InsertFeature(f *Feature) error {
	query := `
		INSERT INTO features (
			id, project_id, number, name, folder_name, context,
			status, branch_name, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		f.ID, f.ProjectID, f.Number, f.Name, f.FolderName, f.Context,
		f.Status, f.BranchName, f.StartedAt, f.CompletedAt, f.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert feature %s: %w", f.ID, err)
	}
	return nil
}

// GetFeature retrieves a feature by ID.
func (s *Store) GetFeature(id string) (*Feature, error) {
	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM features WHERE id = ?", featureColumns), id)
	f, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feature %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature %s: %w", id, err)
	}
	return f, nil
}

// ListFeatures returns all features of a project in ascending number order.
func (s *Store) ListFeatures(projectID string) ([]*Feature, error) {
	rows, err := s.db.Query(
		fmt.Sprintf("SELECT %s FROM features WHERE project_id = ? ORDER BY number", featureColumns),
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list features for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var features []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate features: %w", err)
	}
	return features, nil
}

// DeleteFeature removes a feature and, via cascade, its tasks.
func (s *Store) DeleteFeature(id string) error {
	if _, err := s.db.Exec("DELETE FROM features WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete feature %s: %w", id, err)
	}
	return nil
}

// UpdateFeatureContext refreshes the free-text context of a feature.
func (s *Store) UpdateFeatureContext(id string, context *string) error {
	if _, err := s.db.Exec("UPDATE features SET context = ? WHERE id = ?", context, id); err != nil {
		return fmt.Errorf("failed to update feature %s context: %w", id, err)
	}
	return nil
}

// MarkFeatureRunning transitions a feature to running with a start timestamp.
func (s *Store) MarkFeatureRunning(id string, startedAt time.Time) error {
	query := "UPDATE features SET status = ?, started_at = ? WHERE id = ?"
	if _, err := s.db.Exec(query, StatusRunning, startedAt, id); err != nil {
		return fmt.Errorf("failed to mark feature %s running: %w", id, err)
	}
	return nil
}

// MarkFeatureFinished transitions a feature to a terminal status with a
// completion timestamp and optional duration.
func (s *Store) MarkFeatureFinished(id, status string, completedAt time.Time, durationMS *int64) error {
	query := "UPDATE features SET status = ?, completed_at = ?, duration_ms = ? WHERE id = ?"
	if _, err := s.db.Exec(query, status, completedAt, durationMS, id); err != nil {
		return fmt.Errorf("failed to mark feature %s %s: %w", id, status, err)
	}
	return nil
}

// NextPendingFeature returns the lowest-numbered pending feature of a project,
// or nil if none exists.
func (s *Store) NextPendingFeature(projectID string) (*Feature, error) {
	row := s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM features
			WHERE project_id = ? AND status = ?
			ORDER BY number LIMIT 1`, featureColumns),
		projectID, StatusPending)
	f, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next pending feature for project %s: %w", projectID, err)
	}
	return f, nil
}

// InsertTask inserts a new task record.
func (s *Store) InsertTask(t *Task) error {
	query := `
		INSERT INTO tasks (
			id, project_id, feature_id, number, title, filename,
			status, branch_name, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		t.ID, t.ProjectID, t.FeatureID, t.Number, t.Title, t.Filename,
		t.Status, t.BranchName, t.StartedAt, t.CompletedAt, t.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", taskColumns), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns all tasks of a feature in ascending number order.
func (s *Store) ListTasks(featureID string) ([]*Task, error) {
	rows, err := s.db.Query(
		fmt.Sprintf("SELECT %s FROM tasks WHERE feature_id = ? ORDER BY number", taskColumns),
		featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for feature %s: %w", featureID, err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task record.
func (s *Store) DeleteTask(id string) error {
	if _, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// MarkTaskRunning transitions a task to running with a start timestamp and
// the branch it executes on (nil outside branching mode).
func (s *Store) MarkTaskRunning(id string, startedAt time.Time, branchName *string) error {
	query := "UPDATE tasks SET status = ?, started_at = ?, branch_name = ? WHERE id = ?"
	if _, err := s.db.Exec(query, StatusRunning, startedAt, branchName, id); err != nil {
		return fmt.Errorf("failed to mark task %s running: %w", id, err)
	}
	return nil
}

// MarkTaskFinished transitions a task to a terminal status with a completion
// timestamp and optional duration.
func (s *Store) MarkTaskFinished(id, status string, completedAt time.Time, durationMS *int64) error {
	query := "UPDATE tasks SET status = ?, completed_at = ?, duration_ms = ? WHERE id = ?"
	if _, err := s.db.Exec(query, status, completedAt, durationMS, id); err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", id, status, err)
	}
	return nil
}

// NextPendingTask returns the lowest-numbered pending task of a feature,
// or nil if none exists.
func (s *Store) NextPendingTask(featureID string) (*Task, error) {
	row := s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM tasks
			WHERE feature_id = ? AND status = ?
			ORDER BY number LIMIT 1`, taskColumns),
		featureID, StatusPending)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next pending task for feature %s: %w", featureID, err)
	}
	return t, nil
}

// GetTaskCounts aggregates task and feature counts for a project.
func (s *Store) GetTaskCounts(projectID string) (*TaskCounts, error) {
	query := `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM tasks WHERE project_id = ?
	`
	counts := &TaskCounts{}
	var pending, running, done, failed sql.NullInt64
	err := s.db.QueryRow(query, projectID).Scan(
		&counts.Total, &pending, &running, &done, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks for project %s: %w", projectID, err)
	}
	counts.Pending = int(pending.Int64)
	counts.Running = int(running.Int64)
	counts.Done = int(done.Int64)
	counts.Failed = int(failed.Int64)

	err = s.db.QueryRow("SELECT COUNT(*) FROM features WHERE project_id = ?", projectID).
		Scan(&counts.Features)
	if err != nil {
		return nil, fmt.Errorf("failed to count features for project %s: %w", projectID, err)
	}
	return counts, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	p := &Project{}
	var workBranch, featureID, taskID sql.NullString
	err := row.Scan(
		&p.ID, &p.Name, &p.Path, &p.Status, &p.BranchingMode, &workBranch,
		&p.AutoCommit, &p.AutoPush, &featureID, &taskID, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.WorkBranch = nullableString(workBranch)
	p.CurrentFeatureID = nullableString(featureID)
	p.CurrentTaskID = nullableString(taskID)
	return p, nil
}

func scanFeature(row rowScanner) (*Feature, error) {
	f := &Feature{}
	var context, branchName sql.NullString
	var startedAt, completedAt sql.NullTime
	var durationMS sql.NullInt64
	err := row.Scan(
		&f.ID, &f.ProjectID, &f.Number, &f.Name, &f.FolderName, &context,
		&f.Status, &branchName, &startedAt, &completedAt, &durationMS,
	)
	if err != nil {
		return nil, err
	}
	f.Context = nullableString(context)
	f.BranchName = nullableString(branchName)
	f.StartedAt = nullableTime(startedAt)
	f.CompletedAt = nullableTime(completedAt)
	f.DurationMS = nullableInt64(durationMS)
	return f, nil
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var branchName sql.NullString
	var startedAt, completedAt sql.NullTime
	var durationMS sql.NullInt64
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.FeatureID, &t.Number, &t.Title, &t.Filename,
		&t.Status, &branchName, &startedAt, &completedAt, &durationMS,
	)
	if err != nil {
		return nil, err
	}
	t.BranchName = nullableString(branchName)
	t.StartedAt = nullableTime(startedAt)
	t.CompletedAt = nullableTime(completedAt)
	t.DurationMS = nullableInt64(durationMS)
	return t, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func nullableInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
