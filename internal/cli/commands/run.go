package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/esmflow/internal/cli/output"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <recipe>",
		Short: "Run a recipe",
		Long: `Resolve a recipe into preprocessing and diagnostic tasks and run them.

A new session directory <output_dir>/<recipe>_<timestamp> receives the
preprocessed data, the diagnostic work files, plots and run logs. Remote
input files are downloaded first unless the session is offline. Runs are
recorded in the state database.

Output adapts to environment:
  - Terminal: Styled output with colors
  - Piped/Scripted: Markdown format (agent-friendly)`,
		Example: `  # Run a recipe
  esmflow run recipe_example.yml

  # Run only some diagnostics; their ancestors run too
  esmflow run recipe_example.yml --diagnostics 'diag_map/*'

  # Reuse the preprocessed data of an earlier run
  esmflow run recipe_example.yml --resume-from esmflow_output/recipe_example_20240101_120000

  # Search the remote index for missing data
  esmflow run recipe_example.yml --offline=false --search-index https://index.example.org`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0])
		},
	}

	addSessionFlags(cmd)
	cmd.Flags().StringSlice("resume-from", nil, "Output directories of earlier runs to reuse preprocessed data from")
	cmd.Flags().Bool("run-diagnostic", true, "Run the diagnostic scripts")
	cmd.Flags().Bool("remove-preproc-dir", true, "Remove the preprocessed data after a successful run")
	cmd.Flags().Int("max-parallel-tasks", 0, "Maximum number of tasks running at once (0: one per CPU)")

	return cmd
}

// addSessionFlags adds the flags that change how a recipe is resolved.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("diagnostics", nil, "Only run the tasks matching these patterns, e.g. 'diag/*'")
	cmd.Flags().Bool("offline", true, "Only use local data")
	cmd.Flags().String("search-index", "", "Base URL of the remote search index")
	cmd.Flags().Bool("download-latest", false, "Prefer the latest remote version over local data")
	cmd.Flags().Int("max-datasets", 0, "Maximum number of datasets per variable (0: all)")
	cmd.Flags().Bool("skip-nonexistent", false, "Skip datasets without data instead of failing")
}

func runRun(cmd *cobra.Command, recipePath string) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd, recipePath, true)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := cmdCtx.Cfg.ValidateDirectories(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := cmdCtx.Engine
	r := cmdCtx.Renderer
	start := time.Now()

	cmdCtx.Logger.Info("starting run", "recipe", eng.Recipe().Name, "session", eng.Session().Dir)
	run, runErr := eng.Run(ctx)
	if run == nil {
		return runErr
	}

	var taskRuns []*core.TaskRun
	if store := eng.Store(); store != nil && run.ID != "" {
		if taskRuns, err = store.GetTaskRunsForRun(run.ID); err != nil {
			cmdCtx.Logger.Warn("failed to read task runs", "error", err)
		}
	}
	outputs, _ := eng.Output()
	result := runOutput(run, taskRuns, outputFiles(outputs))

	switch r.EffectiveMode() {
	case output.ModeJSON:
		if err := r.JSON(result); err != nil {
			return err
		}
	case output.ModeMarkdown:
		runMarkdown(r, result)
	default:
		runText(r, result, time.Since(start))
	}

	if runErr != nil {
		return fmt.Errorf("run %s: %w", run.Status, runErr)
	}
	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// runText outputs a run summary in styled text format.
func runText(r *output.Renderer, run output.RunOutput, elapsed time.Duration) {
	styles := r.Styles()

	r.Header(1, fmt.Sprintf("Run %s", run.Recipe))
	r.Printf("%s %s\n", styles.Key.Render("Session:"), run.SessionDir)
	r.Printf("%s %s\n", styles.Key.Render("Status:"), styles.StatusStyle(run.Status).Render(run.Status))
	if len(run.Tasks) > 0 {
		r.Println("")
		r.Table([]string{"Task", "Kind", "Status", "Duration"}, taskRows(run.Tasks))
	}
	if len(run.Outputs) > 0 {
		r.Println("")
		r.Header(2, fmt.Sprintf("Outputs (%d)", len(run.Outputs)))
		for _, o := range run.Outputs {
			r.Printf("  %s %s\n", styles.TaskName.Render(o.Task), o.Filename)
		}
	}
	r.Println("")
	if run.Status == string(core.RunStatusCompleted) {
		r.Success(fmt.Sprintf("Completed in %s", elapsed.Round(time.Millisecond)))
	} else {
		r.Muted(fmt.Sprintf("Finished in %s", elapsed.Round(time.Millisecond)))
	}
}

// runMarkdown outputs a run summary in markdown format.
func runMarkdown(r *output.Renderer, run output.RunOutput) {
	r.Println(output.FormatHeader(1, "Run "+run.Recipe))
	r.Println("")
	r.Println(output.FormatKeyValue("Session", run.SessionDir))
	r.Println(output.FormatKeyValue("Status", run.Status))
	if run.Error != "" {
		r.Println(output.FormatKeyValue("Error", run.Error))
	}
	r.Println("")
	if len(run.Tasks) > 0 {
		r.Println(output.FormatHeader(2, "Tasks"))
		r.Println("")
		r.Table([]string{"Task", "Kind", "Status", "Duration"}, taskRows(run.Tasks))
		r.Println("")
	}
	if len(run.Outputs) > 0 {
		r.Println(output.FormatHeader(2, "Outputs"))
		r.Println("")
		for _, o := range run.Outputs {
			r.Printf("- %s: %s\n", o.Task, o.Filename)
		}
	}
}
