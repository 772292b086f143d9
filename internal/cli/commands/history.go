package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/esmflow/internal/cli/output"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// HistoryOptions holds options for the history command.
type HistoryOptions struct {
	Limit  int
	Recipe string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	opts := &HistoryOptions{}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show the runs recorded in the state database.

Without arguments the most recent runs are listed. Given a run ID, or
--recipe for the latest run of a recipe, the run is shown with its tasks
and output files.`,
		Example: `  # List recent runs
  esmflow history

  # Show one run
  esmflow history 3f6c2a1e-...

  # Show the latest run of a recipe
  esmflow history --recipe recipe_example`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return runHistory(cmd, runID, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.Flags().StringVar(&opts.Recipe, "recipe", "", "Show the latest run of this recipe")

	return cmd
}

func runHistory(cmd *cobra.Command, runID string, opts *HistoryOptions) error {
	cmdCtx := NewCommandContextWithoutEngine(cmd)
	store, err := openStore(cmdCtx.Cfg, cmdCtx.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	r := cmdCtx.Renderer

	var run *core.Run
	switch {
	case runID != "":
		if run, err = store.GetRun(runID); err != nil {
			return err
		}
	case opts.Recipe != "":
		if run, err = store.GetLatestRun(opts.Recipe); err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("no runs recorded for recipe %s", opts.Recipe)
		}
	default:
		runs, err := store.ListRuns(opts.Limit)
		if err != nil {
			return err
		}
		return historyList(r, runs)
	}

	taskRuns, err := store.GetTaskRunsForRun(run.ID)
	if err != nil {
		return err
	}
	records, err := store.GetOutputs(run.ID)
	if err != nil {
		return err
	}
	detail := runOutput(run, taskRuns, recordFiles(records))

	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(detail)
	case output.ModeMarkdown:
		runMarkdown(r, detail)
	default:
		elapsed := time.Duration(0)
		if run.CompletedAt != nil {
			elapsed = run.CompletedAt.Sub(run.StartedAt)
		}
		runText(r, detail, elapsed)
	}
	return nil
}

func historyList(r *output.Renderer, runs []*core.Run) error {
	if r.EffectiveMode() == output.ModeJSON {
		list := make([]output.RunOutput, 0, len(runs))
		for _, run := range runs {
			list = append(list, runOutput(run, nil, nil))
		}
		return r.JSON(list)
	}

	if len(runs) == 0 {
		r.Println("No runs recorded.")
		return nil
	}

	r.Header(1, fmt.Sprintf("Runs (%d)", len(runs)))
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		duration := "-"
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{
			run.ID,
			run.Recipe,
			string(run.Status),
			run.StartedAt.Local().Format(time.DateTime),
			duration,
		})
	}
	r.Table([]string{"ID", "Recipe", "Status", "Started", "Duration"}, rows)
	r.Println("")
	r.Muted("Total: " + strconv.Itoa(len(runs)) + " runs")
	return nil
}
