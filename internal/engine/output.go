package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/task"
)

// Output returns the output manifest: the files of every task with their
// attributes. Preprocessed files are left out when the preprocessor
// directory is removed after the run.
func (e *Engine) Output() (map[string][]task.Output, error) {
	if e.tasks == nil {
		return nil, fmt.Errorf("engine: tasks have not been built")
	}
	out := make(map[string][]task.Output, e.tasks.Len())
	for _, t := range e.tasks.Tasks() {
		if e.session.RemovePreprocDir && t.Kind() == task.KindPreprocessing {
			continue
		}
		outputs, err := t.Outputs()
		if err != nil {
			return nil, err
		}
		out[t.Name()] = outputs
	}
	return out, nil
}

// FilledRecipePath returns the path of the filled recipe of the session.
func (e *Engine) FilledRecipePath() string {
	return filepath.Join(e.session.RunDir, e.recipe.Name+"_filled.yml")
}

// WriteFilledRecipe writes a copy of the recipe to the run directory in
// which every dataset is listed explicitly, with the version resolved from
// its files.
func (e *Engine) WriteFilledRecipe(ctx context.Context) (string, error) {
	if e.tasks == nil {
		return "", fmt.Errorf("engine: tasks have not been built")
	}
	var datasets []*dataset.Dataset
	seen := make(map[*dataset.Dataset]bool)
	for _, t := range e.tasks.Tasks() {
		pt, ok := t.(*task.PreprocessingTask)
		if !ok {
			continue
		}
		for _, p := range pt.Products {
			ds := p.Dataset
			if ds == nil || seen[ds] || ds.Facet(dataset.VariableGroup) != groupOf(t.Name()) {
				continue
			}
			seen[ds] = true
			if err := ds.SetVersion(ctx); err != nil {
				return "", err
			}
			datasets = append(datasets, ds)
		}
	}

	path := e.FilledRecipePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := e.recipe.Filled(datasets).Write(path); err != nil {
		return "", err
	}
	e.logger.Info("wrote recipe with version numbers and wildcards to", "path", path)
	return path, nil
}

// groupOf returns the variable group of a preprocessing task name.
func groupOf(name string) string {
	_, group := task.SplitName(name)
	return group
}
