package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/esmflow/internal/cli/config"
	"github.com/leapstack-labs/esmflow/internal/cli/output"
	"github.com/leapstack-labs/esmflow/internal/state"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

const validRecipe = `
documentation:
  title: CLI test
datasets:
  - {dataset: A, project: CMIP6, exp: historical, ensemble: r1i1p1f1, grid: gn}
  - {dataset: B, project: CMIP6, exp: historical, ensemble: r1i1p1f1, grid: gn}
diagnostics:
  diag:
    variables:
      tas:
        mip: Amon
        timerange: 2000/2005
    scripts:
      plot:
        script: plot.py
`

// execute runs the root command with args in an isolated environment.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	config.ResetConfig()
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeRecipe(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipe_test.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := NewRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "plan", "tasks", "dag", "validate", "history", "version", "completion"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().ShorthandLookup("o"))
}

func TestCompletionCommand(t *testing.T) {
	out, err := execute(t, "completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, out, "esmflow")

	_, err = execute(t, "completion", "tcsh")
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	path := writeRecipe(t, validRecipe)

	out, err := execute(t, "validate", path, "-o", "json")
	require.NoError(t, err)

	var result output.ValidateOutput
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"diag"}, result.Diagnostics)
	assert.Equal(t, 2, result.Datasets)
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := writeRecipe(t, "datasets: []\n")

	out, err := execute(t, "validate", path, "-o", "markdown")
	require.Error(t, err)
	assert.Contains(t, out, "**Valid**: false")
}

func TestRunCommand_MissingRecipe(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = execute(t, "run")
	assert.ErrorContains(t, err, "accepts 1 arg")
}

func TestInvalidConfig(t *testing.T) {
	path := writeRecipe(t, validRecipe)
	_, err := execute(t, "validate", path, "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log_level")
}

func seedState(t *testing.T) (string, *core.Run) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store := state.NewSQLiteStore(nil)
	require.NoError(t, store.Open(path))
	defer store.Close()
	require.NoError(t, store.InitSchema())

	run, err := store.CreateRun("recipe_test", "/out/recipe_test_20240101_000000")
	require.NoError(t, err)
	tr := &core.TaskRun{RunID: run.ID, TaskName: "diag/plot", Kind: "diagnostic", Status: core.TaskRunStatusRunning}
	require.NoError(t, store.RecordTaskRun(tr))
	require.NoError(t, store.UpdateTaskRun(tr.ID, core.TaskRunStatusSuccess, ""))
	require.NoError(t, store.SaveOutputs(run.ID, []core.OutputRecord{{TaskName: "diag/plot", Filename: "/out/plots/map.png"}}))
	require.NoError(t, store.CompleteRun(run.ID, core.RunStatusCompleted, ""))
	return path, run
}

func TestHistoryCommand(t *testing.T) {
	statePath, run := seedState(t)

	out, err := execute(t, "history", "--state", statePath, "-o", "markdown")
	require.NoError(t, err)
	assert.Contains(t, out, run.ID)
	assert.Contains(t, out, "recipe_test")

	out, err = execute(t, "history", run.ID, "--state", statePath, "-o", "json")
	require.NoError(t, err)
	var detail output.RunOutput
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, "completed", detail.Status)
	require.Len(t, detail.Tasks, 1)
	assert.Equal(t, "success", detail.Tasks[0].Status)
	require.Len(t, detail.Outputs, 1)
	assert.Equal(t, "/out/plots/map.png", detail.Outputs[0].Filename)

	out, err = execute(t, "history", "--recipe", "recipe_test", "--state", statePath, "-o", "markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "/out/plots/map.png")

	_, err = execute(t, "history", "--recipe", "other", "--state", statePath)
	assert.ErrorContains(t, err, "no runs recorded")
}

func TestHistoryCommand_NoState(t *testing.T) {
	_, err := execute(t, "history", "--state", filepath.Join(t.TempDir(), "none.db"))
	assert.ErrorContains(t, err, "no state database")
}

func TestPrintError(t *testing.T) {
	buf := &bytes.Buffer{}
	printError(buf, core.NewAggregate([]error{core.FilesNotFoundf("no data for A")}))
	assert.Contains(t, buf.String(), "- no data for A")

	buf.Reset()
	printError(buf, assert.AnError)
	assert.Equal(t, "Error: "+assert.AnError.Error()+"\n", buf.String())
}
