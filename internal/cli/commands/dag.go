package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/esmflow/internal/cli/output"
)

// GraphQuerier provides read-only access to the task graph.
type GraphQuerier interface {
	Parents(string) []string
	Children(string) []string
	Len() int
}

// NewDAGCommand creates the dag command.
func NewDAGCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dag <recipe>",
		Short: "Show the task dependency graph",
		Long: `Display the dependency graph of the tasks of a recipe.

Tasks are grouped by execution level, showing which tasks can run
in parallel and their dependency relationships.

Output adapts to environment:
  - Terminal: Styled output with colors
  - Piped/Scripted: Markdown format (agent-friendly)`,
		Example: `  # Show the DAG
  esmflow dag recipe_example.yml

  # Output as JSON
  esmflow dag recipe_example.yml --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDAG(cmd, args[0])
		},
	}

	addSessionFlags(cmd)

	return cmd
}

func runDAG(cmd *cobra.Command, recipePath string) error {
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
	graph, err := eng.Tasks().Graph()
	if err != nil {
		return err
	}
	levels, err := graph.Levels()
	if err != nil {
		return fmt.Errorf("failed to get execution levels: %w", err)
	}

	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(dagOutput(graph, levels))
	case output.ModeMarkdown:
		dagMarkdown(r, graph, levels)
	default:
		dagText(r, graph, levels)
	}
	return nil
}

func edgeCount(graph GraphQuerier, levels [][]string) int {
	n := 0
	for _, level := range levels {
		for _, name := range level {
			n += len(graph.Parents(name))
		}
	}
	return n
}

// dagText outputs the graph in styled text format.
func dagText(r *output.Renderer, graph GraphQuerier, levels [][]string) {
	styles := r.Styles()

	r.Header(1, "Task Graph")

	for i, level := range levels {
		r.Println(styles.Header2.Render(fmt.Sprintf("Level %d:", i)))
		for _, name := range level {
			r.Printf("  %s\n", styles.TaskName.Render(name))
			if deps := graph.Parents(name); len(deps) > 0 {
				r.Printf("    %s %s\n", styles.Muted.Render("depends on:"), strings.Join(deps, ", "))
			}
			if children := graph.Children(name); len(children) > 0 {
				r.Printf("    %s %s\n", styles.Muted.Render("used by:"), strings.Join(children, ", "))
			}
		}
		r.Println("")
	}

	r.Muted(fmt.Sprintf("Total: %d tasks, %d dependencies", graph.Len(), edgeCount(graph, levels)))
}

// dagMarkdown outputs the graph in markdown format.
func dagMarkdown(r *output.Renderer, graph GraphQuerier, levels [][]string) {
	r.Println(output.FormatHeader(1, "Task Graph"))
	r.Println("")

	for i, level := range levels {
		r.Println(output.FormatHeader(2, fmt.Sprintf("Level %d", i)))
		for _, name := range level {
			r.Printf("- %s\n", name)
			if deps := graph.Parents(name); len(deps) > 0 {
				r.Printf("  - depends on: %s\n", strings.Join(deps, ", "))
			}
			if children := graph.Children(name); len(children) > 0 {
				r.Printf("  - used by: %s\n", strings.Join(children, ", "))
			}
		}
		r.Println("")
	}

	r.Println(output.FormatHeader(2, "Summary"))
	r.Println(output.FormatKeyValue("Total Tasks", fmt.Sprintf("%d", graph.Len())))
	r.Println(output.FormatKeyValue("Total Dependencies", fmt.Sprintf("%d", edgeCount(graph, levels))))
}

func dagOutput(graph GraphQuerier, levels [][]string) output.DAGOutput {
	out := output.DAGOutput{
		Levels:     make([]output.DAGLevel, 0, len(levels)),
		TotalTasks: graph.Len(),
		TotalEdges: edgeCount(graph, levels),
	}
	for i, level := range levels {
		l := output.DAGLevel{Level: i, Tasks: make([]output.DAGNode, 0, len(level))}
		for _, name := range level {
			l.Tasks = append(l.Tasks, output.DAGNode{
				Name:      name,
				DependsOn: graph.Parents(name),
				UsedBy:    graph.Children(name),
			})
		}
		out.Levels = append(out.Levels, l)
	}
	return out
}
