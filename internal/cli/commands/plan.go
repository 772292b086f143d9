package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/esmflow/internal/cli/output"
)

// PlanOptions holds options for the plan command.
type PlanOptions struct {
	Products bool
}

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	opts := &PlanOptions{}

	cmd := &cobra.Command{
		Use:   "plan <recipe>",
		Short: "Resolve a recipe into tasks without running them",
		Long: `Resolve a recipe into tasks and write the filled recipe, without running
anything.

Datasets are expanded and their input files located, so a plan shows
missing data before a run is started. The filled recipe, with every
wildcard and version resolved, is written to the run directory of a new
session.`,
		Example: `  # Show the tasks of a recipe
  esmflow plan recipe_example.yml

  # Include the preprocessed files each task will write
  esmflow plan recipe_example.yml --products

  # Output as JSON
  esmflow plan recipe_example.yml -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0], opts)
		},
	}

	addSessionFlags(cmd)
	cmd.Flags().BoolVar(&opts.Products, "products", false, "List the preprocessed files of every task")

	return cmd
}

func runPlan(cmd *cobra.Command, recipePath string, opts *PlanOptions) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd, recipePath, false)
	if err != nil {
		return err
	}
	defer cleanup()

	eng := cmdCtx.Engine
	r := cmdCtx.Renderer
	ctx := contextOf(cmd)

	if _, err := eng.Build(ctx); err != nil {
		return err
	}
	if err := eng.Session().Create(); err != nil {
		return err
	}
	filled, err := eng.WriteFilledRecipe(ctx)
	if err != nil {
		return err
	}

	plan := output.PlanOutput{
		Recipe:       eng.Recipe().Name,
		SessionDir:   eng.Session().Dir,
		FilledRecipe: filled,
		Tasks:        taskInfos(eng.Tasks()),
		Downloads:    len(eng.Downloads()),
	}

	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(plan)
	case output.ModeMarkdown:
		r.Println(output.FormatHeader(1, "Plan "+plan.Recipe))
		r.Println("")
		r.Println(output.FormatKeyValue("Session", plan.SessionDir))
		r.Println(output.FormatKeyValue("Filled recipe", plan.FilledRecipe))
		r.Println(output.FormatKeyValue("Files to download", strconv.Itoa(plan.Downloads)))
		r.Println("")
		r.Println(output.FormatHeader(2, fmt.Sprintf("Tasks (%d)", len(plan.Tasks))))
		r.Println("")
	default:
		styles := r.Styles()
		r.Header(1, fmt.Sprintf("Plan %s (%d tasks)", plan.Recipe, len(plan.Tasks)))
		r.Printf("%s %s\n", styles.Key.Render("Session:"), plan.SessionDir)
		r.Printf("%s %s\n", styles.Key.Render("Filled recipe:"), plan.FilledRecipe)
		if plan.Downloads > 0 {
			r.Printf("%s %d\n", styles.Key.Render("Files to download:"), plan.Downloads)
		}
		r.Println("")
	}

	r.Table([]string{"#", "Task", "Kind", "Ancestors", "Products / Script"}, planRows(plan.Tasks))
	if opts.Products {
		r.Println("")
		r.Table([]string{"Task", "Dataset", "File"}, productRows(eng.Tasks()))
	}
	return nil
}

func planRows(tasks []output.TaskInfo) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		detail := t.Script
		if t.Kind != "diagnostic" {
			detail = strconv.Itoa(t.Products)
		}
		rows = append(rows, []string{strconv.Itoa(t.Priority), t.Name, t.Kind, strings.Join(t.Ancestors, ", "), detail})
	}
	return rows
}

// NewTasksCommand creates the tasks command.
func NewTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <recipe>",
		Short: "Describe every task of a recipe",
		Long: `Resolve a recipe into tasks and describe each of them in full: the
preprocessing steps and settings of every product, and the settings of
every diagnostic script.`,
		Example: `  # Describe the tasks of a recipe
  esmflow tasks recipe_example.yml

  # Only the tasks of one diagnostic
  esmflow tasks recipe_example.yml --diagnostics 'diag_map/*'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, args[0])
		},
	}

	addSessionFlags(cmd)

	return cmd
}

func runTasks(cmd *cobra.Command, recipePath string) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd, recipePath, false)
	if err != nil {
		return err
	}
	defer cleanup()

	eng := cmdCtx.Engine
	r := cmdCtx.Renderer

	if _, err := eng.Build(contextOf(cmd)); err != nil {
		return err
	}

	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(taskInfos(eng.Tasks()))
	case output.ModeMarkdown:
		r.Println(output.FormatHeader(1, "Tasks of "+eng.Recipe().Name))
		r.Println("")
		r.Println("```")
		r.Println(eng.String())
		r.Println("```")
	default:
		r.Header(1, fmt.Sprintf("Tasks of %s", eng.Recipe().Name))
		r.Println(eng.String())
	}
	return nil
}
