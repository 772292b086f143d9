package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(nil)
	require.NoError(t, store.Open(":memory:"))
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_InitSchema(t *testing.T) {
	store := setupTestStore(t)

	for _, table := range []string{"runs", "task_runs", "outputs"} {
		rows, err := store.db.Query("SELECT 1 FROM " + table + " LIMIT 1")
		require.NoError(t, err, "table %s", table)
		_ = rows.Close()
	}

	version, err := store.GetMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	// running the migrations twice is a no-op
	require.NoError(t, store.InitSchema())
}

func TestSQLiteStore_NotOpened(t *testing.T) {
	store := NewSQLiteStore(nil)
	_, err := store.CreateRun("recipe", "dir")
	assert.ErrorContains(t, err, "database not opened")
	assert.ErrorContains(t, store.InitSchema(), "database not opened")
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.CreateRun("recipe_example", "/out/recipe_example_20240101_000000")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, core.RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "recipe_example", got.Recipe)
	assert.Equal(t, "/out/recipe_example_20240101_000000", got.SessionDir)
	assert.Equal(t, core.RunStatusRunning, got.Status)

	require.NoError(t, store.CompleteRun(run.ID, core.RunStatusFailed, "task failed"))
	got, err = store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, got.Status)
	assert.Equal(t, "task failed", got.Error)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorContains(t, store.CompleteRun("missing", core.RunStatusCompleted, ""), "run not found")
	_, err = store.GetRun("missing")
	assert.ErrorContains(t, err, "run not found")
}

func TestSQLiteStore_LatestAndList(t *testing.T) {
	store := setupTestStore(t)

	latest, err := store.GetLatestRun("recipe_a")
	require.NoError(t, err)
	assert.Nil(t, latest)

	first, err := store.CreateRun("recipe_a", "a1")
	require.NoError(t, err)
	_, err = store.CreateRun("recipe_b", "b1")
	require.NoError(t, err)
	second, err := store.CreateRun("recipe_a", "a2")
	require.NoError(t, err)

	latest, err = store.GetLatestRun("recipe_a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)

	runs, err := store.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)

	runs, err = store.ListRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestSQLiteStore_TaskRuns(t *testing.T) {
	store := setupTestStore(t)
	run, err := store.CreateRun("recipe", "dir")
	require.NoError(t, err)

	prep := &core.TaskRun{RunID: run.ID, TaskName: "diag/tas", Kind: "preprocessing", Priority: 0, Status: core.TaskRunStatusRunning}
	require.NoError(t, store.RecordTaskRun(prep))
	assert.NotEmpty(t, prep.ID)

	script := &core.TaskRun{RunID: run.ID, TaskName: "diag/script", Kind: "diagnostic", Priority: 1}
	require.NoError(t, store.RecordTaskRun(script))
	assert.Equal(t, core.TaskRunStatusPending, script.Status)

	require.NoError(t, store.UpdateTaskRun(prep.ID, core.TaskRunStatusSuccess, ""))
	require.NoError(t, store.UpdateTaskRun(script.ID, core.TaskRunStatusFailed, "exit status 1"))
	assert.ErrorContains(t, store.UpdateTaskRun("missing", core.TaskRunStatusSuccess, ""), "task run not found")

	taskRuns, err := store.GetTaskRunsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, taskRuns, 2)
	assert.Equal(t, "diag/tas", taskRuns[0].TaskName)
	assert.Equal(t, core.TaskRunStatusSuccess, taskRuns[0].Status)
	assert.NotNil(t, taskRuns[0].CompletedAt)
	assert.GreaterOrEqual(t, taskRuns[0].ExecutionMS, int64(0))
	assert.Equal(t, "diag/script", taskRuns[1].TaskName)
	assert.Equal(t, 1, taskRuns[1].Priority)
	assert.Equal(t, core.TaskRunStatusFailed, taskRuns[1].Status)
	assert.Equal(t, "exit status 1", taskRuns[1].Error)
}

func TestSQLiteStore_Outputs(t *testing.T) {
	store := setupTestStore(t)
	run, err := store.CreateRun("recipe", "dir")
	require.NoError(t, err)

	outputs := []core.OutputRecord{
		{TaskName: "diag/tas", Filename: "/preproc/diag/tas/CMIP6_A_tas.nc", Attributes: map[string]any{"short_name": "tas", "alias": "A"}},
		{TaskName: "diag/script", Filename: "/plots/diag/script/map.png"},
	}
	require.NoError(t, store.SaveOutputs(run.ID, outputs))

	got, err := store.GetOutputs(run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "diag/script", got[0].TaskName)
	assert.Empty(t, got[0].Attributes)
	assert.Equal(t, "diag/tas", got[1].TaskName)
	assert.Equal(t, "tas", got[1].Attributes["short_name"])

	// saving again replaces the manifest
	require.NoError(t, store.SaveOutputs(run.ID, outputs[:1]))
	got, err = store.GetOutputs(run.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteStore_FilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store := NewSQLiteStore(nil)
	require.NoError(t, store.Open(path))
	require.NoError(t, store.InitSchema())
	run, err := store.CreateRun("recipe", "dir")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := NewSQLiteStore(nil)
	require.NoError(t, reopened.Open(path))
	defer reopened.Close()
	require.NoError(t, reopened.InitSchema())

	got, err := reopened.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "recipe", got.Recipe)
}
