package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/leapstack-labs/esmflow/internal/cli/output"
	"github.com/leapstack-labs/esmflow/internal/preproc"
	"github.com/leapstack-labs/esmflow/internal/task"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// runOutput converts a run and its records to the output form.
func runOutput(run *core.Run, taskRuns []*core.TaskRun, outputs []output.OutputInfo) output.RunOutput {
	out := output.RunOutput{
		ID:          run.ID,
		Recipe:      run.Recipe,
		SessionDir:  run.SessionDir,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
		Outputs:     outputs,
	}
	for _, tr := range taskRuns {
		out.Tasks = append(out.Tasks, output.TaskRunInfo{
			Name:        tr.TaskName,
			Kind:        tr.Kind,
			Status:      string(tr.Status),
			ExecutionMS: tr.ExecutionMS,
			Error:       tr.Error,
		})
	}
	return out
}

// outputFiles flattens a task output manifest, sorted by task.
func outputFiles(outputs map[string][]task.Output) []output.OutputInfo {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var files []output.OutputInfo
	for _, name := range names {
		for _, o := range outputs[name] {
			files = append(files, output.OutputInfo{Task: name, Filename: o.Filename})
		}
	}
	return files
}

// recordFiles converts stored output records.
func recordFiles(records []core.OutputRecord) []output.OutputInfo {
	files := make([]output.OutputInfo, 0, len(records))
	for _, rec := range records {
		files = append(files, output.OutputInfo{Task: rec.TaskName, Filename: rec.Filename})
	}
	return files
}

func taskRows(tasks []output.TaskRunInfo) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{t.Name, t.Kind, t.Status, (time.Duration(t.ExecutionMS) * time.Millisecond).String()})
	}
	return rows
}

// taskInfo describes a task for listings.
func taskInfo(t task.Task) output.TaskInfo {
	info := output.TaskInfo{
		Name:     t.Name(),
		Kind:     string(t.Kind()),
		Priority: t.Priority(),
	}
	for _, a := range t.Ancestors() {
		info.Ancestors = append(info.Ancestors, a.Name())
	}
	switch t := t.(type) {
	case *task.PreprocessingTask:
		info.Products = len(t.Products)
	case *task.DiagnosticTask:
		info.Script = t.Script
	}
	return info
}

// taskInfos describes tasks ordered by priority.
func taskInfos(set *task.Set) []output.TaskInfo {
	infos := make([]output.TaskInfo, 0, set.Len())
	for _, t := range set.Tasks() {
		infos = append(infos, taskInfo(t))
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Priority < infos[j].Priority })
	return infos
}

// productRows lists the products of the preprocessing tasks.
func productRows(set *task.Set) [][]string {
	var rows [][]string
	for _, t := range set.Tasks() {
		pt, ok := t.(*task.PreprocessingTask)
		if !ok {
			continue
		}
		for _, p := range pt.Products {
			rows = append(rows, []string{pt.Name(), productAlias(p), p.Filename})
		}
	}
	return rows
}

func productAlias(p *preproc.Product) string {
	if alias, ok := p.Attributes["alias"]; ok {
		return fmt.Sprint(alias)
	}
	return fmt.Sprint(p.Attributes["dataset"])
}
