package reconcile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/backlog"
	"conductor/pkg/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return persistence.NewStore(db)
}

func newProject(t *testing.T, store *persistence.Store, mode string) *persistence.Project {
	t.Helper()
	project := &persistence.Project{
		ID:            persistence.GenerateID(),
		Name:          "demo",
		Path:          "/tmp/demo",
		Status:        persistence.ProjectStatusIdle,
		BranchingMode: mode,
		AutoCommit:    true,
		AutoPush:      true,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateProject(project))
	return project
}

func strptr(s string) *string { return &s }

func scannedFixture() []backlog.Feature {
	return []backlog.Feature{
		{
			Number: 1, Name: "auth", FolderName: "01_tasks_auth",
			Context: strptr("auth context"),
			Tasks: []backlog.Task{
				{Number: 1, Title: "login", Filename: "01-login.md"},
				{Number: 2, Title: "logout", Filename: "02-logout.md"},
			},
		},
		{
			Number: 2, Name: "profiles", FolderName: "02_tasks_profiles",
			Tasks: []backlog.Task{
				{Number: 1, Title: "view", Filename: "01-view.md"},
			},
		},
	}
}

func TestFreshScanInsertsEverything(t *testing.T) {
	store := newTestStore(t)
	project := newProject(t, store, persistence.ModeBranching)

	stats, err := New(store).Reconcile(project, scannedFixture())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FeaturesAdded)
	assert.Equal(t, 3, stats.TasksAdded)
	assert.Equal(t, 0, stats.FeaturesRemoved)

	features, err := store.ListFeatures(project.ID)
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, persistence.StatusPending, features[0].Status)
	require.NotNil(t, features[0].BranchName)
	assert.Equal(t, "feature/auth", *features[0].BranchName)
	require.NotNil(t, features[0].Context)
	assert.Equal(t, "auth context", *features[0].Context)

	tasks, err := store.ListTasks(features[0].ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "01-login.md", tasks[0].Filename)
}

func TestSingleBranchModeSkipsBranchNames(t *testing.T) {
	store := newTestStore(t)
	project := newProject(t, store, persistence.ModeSingleBranch)

	_, err := New(store).Reconcile(project, scannedFixture())
	require.NoError(t, err)

	features, err := store.ListFeatures(project.ID)
	require.NoError(t, err)
	for _, f := range features {
		assert.Nil(t, f.BranchName)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	project := newProject(t, store, persistence.ModeBranching)
	r := New(store)

	_, err := r.Reconcile(project, scannedFixture())
	require.NoError(t, err)

	stats, err := r.Reconcile(project, scannedFixture())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.FeaturesAdded)
	assert.Equal(t, 0, stats.FeaturesRemoved)
	assert.Equal(t, 0, stats.TasksAdded)
	assert.Equal(t, 0, stats.TasksRemoved)
	assert.Equal(t, 2, stats.FeaturesPreserved)
	assert.Equal(t, 3, stats.TasksPreserved)
}

func TestTerminalFeaturePreservedWhenFolderGone(t *testing.T) {
	store := newTestStore(t)
	project := newProject(t, store, persistence.ModeBranching)
	r := New(store)

	_, err := r.Reconcile(project, scannedFixture())
	require.NoError(t, err)

	features, _ := store.ListFeatures(project.ID)
	auth := features[0]
	completedAt := time.Now().UTC().Truncate(time.Second)
	duration := int64(60000)
	require.NoError(t, store.MarkFeatureFinished(auth.ID, persistence.StatusDone, completedAt, &duration))
	tasks, _ := store.ListTasks(auth.ID)
	for _, task := range tasks {
		require.NoError(t, store.MarkTaskFinished(task.ID, persistence.StatusDone, completedAt, &duration))
	}

	// Backlog no longer contains the auth folder at all.
	stats, err := r.Reconcile(project, scannedFixture()[1:])
	require.NoError(t, err)

	assert.Equal(t, 0, stats.FeaturesRemoved)
	assert.Equal(t, 0, stats.TasksRemoved)
	assert.Equal(t, 2, stats.FeaturesPreserved)

	preserved, err := store.GetFeature(auth.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusDone, preserved.Status)
	require.NotNil(t, preserved.CompletedAt)
	assert.True(t, preserved.CompletedAt.Equal(completedAt))
	require.NotNil(t, preserved.DurationMS)
	assert.Equal(t, duration, *preserved.DurationMS)

	remainingTasks, err := store.ListTasks(auth.ID)
	require.NoError(t, err)
	assert.Len(t, remainingTasks, 2)
}

func TestNonTerminalFeatureRemovedWhenFolderGone(t *testing.T) {
	store := newTestStore(t)
	project := newProject(t, store, persistence.ModeBranching)
	r := New(store)

	_, err := r.Reconcile(project, scannedFixture())
	require.NoError(t, err)

	stats, err := r.Reconcile(project, scannedFixture()[1:])
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FeaturesRemoved)
	assert.Equal(t, 2, stats.TasksRemoved)

	features, err := store.ListFeatures(project.ID)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, "02_tasks_profiles", features[0].FolderName)
}

func TestTaskLevelDiffWithinFeature(t *testing.T) {
	store := newTestStore(t)
	project := newProject(t, store, persistence.ModeBranching)
	r := New(store)

	_, err := r.Reconcile(project, scannedFixture())
	require.NoError(t, err)

	features, _ := store.ListFeatures(project.ID)
	auth := features[0]
	tasks, _ := store.ListTasks(auth.ID)
	completedAt := time.Now().UTC()
	// login is done; logout stays pending.
	require.NoError(t, store.MarkTaskFinished(tasks[0].ID, persistence.StatusDone, completedAt, nil))

	// New scan: login file gone, logout gone, a new task appears, context changed.
	updated := scannedFixture()
	updated[0].Context = strptr("rewritten context")
	updated[0].Tasks = []backlog.Task{
		{Number: 3, Title: "mfa", Filename: "03-mfa.md"},
	}

	stats, err := r.Reconcile(project, updated)
	require.NoError(t, err)

	// Terminal login preserved despite missing file; pending logout removed; mfa added.
	assert.Equal(t, 1, stats.TasksAdded)
	assert.Equal(t, 1, stats.TasksRemoved)

	refreshed, err := store.GetFeature(auth.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.Context)
	assert.Equal(t, "rewritten context", *refreshed.Context)

	remaining, err := store.ListTasks(auth.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "01-login.md", remaining[0].Filename)
	assert.Equal(t, persistence.StatusDone, remaining[0].Status)
	assert.Equal(t, "03-mfa.md", remaining[1].Filename)
	assert.Equal(t, persistence.StatusPending, remaining[1].Status)
}
