package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/ordered"
	"github.com/leapstack-labs/esmflow/internal/preproc"
	"github.com/leapstack-labs/esmflow/internal/recipe"
	"github.com/leapstack-labs/esmflow/internal/task"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Build creates the tasks of the recipe and returns the independent ones.
//
// Variable groups that cannot be turned into a task are collected and
// reported together in one core.ErrTaskConstruction error once every
// group has been attempted. Errors other than recipe errors abort at once.
func (e *Engine) Build(ctx context.Context) (*task.Set, error) {
	e.logger.Info("creating tasks from recipe", "recipe", e.recipe.Name)
	e.downloads.Reset()
	e.scriptAncestors = make(map[string][]string)

	if err := e.checkPatterns(); err != nil {
		e.logger.Error(core.Message(err))
		return nil, err
	}

	datasets, err := e.recipe.ToDatasets()
	if err != nil {
		e.logger.Error(core.Message(err))
		return nil, err
	}
	groups := ordered.New[[]*dataset.Dataset]()
	for _, ds := range datasets {
		ds.SetFinder(e.cfg.Finder)
		name := task.Name(ds.Facet(dataset.Diagnostic), ds.Facet(dataset.VariableGroup))
		list, _ := groups.Get(name)
		groups.Set(name, append(list, ds))
	}

	selected := e.tasksToRun()
	tasks := task.NewSet()
	priority := 0
	var failed []error
	var fatal error

	e.recipe.Diagnostics.Each(func(diag string, d *recipe.Diagnostic) bool {
		e.logger.Info("creating tasks for diagnostic", "diagnostic", diag)

		diagTasks := e.diagnosticTasks(diag, d, selected)
		for _, t := range diagTasks {
			t.SetPriority(priority)
			priority++
			tasks.Add(t)
		}

		for _, group := range d.Variables.Keys() {
			name := task.Name(diag, group)
			if len(selected) > 0 && len(diagTasks) == 0 && !matchAny(selected, name) {
				e.logger.Info("skipping task due to filter", "task", name)
				continue
			}
			members, _ := groups.Get(name)
			t, err := e.preprocessingTask(ctx, diag, group, members)
			if err != nil {
				var re *core.RecipeError
				if !errors.As(err, &re) {
					fatal = fmt.Errorf("task %s: %w", name, err)
					return false
				}
				failed = append(failed, err)
				continue
			}
			for _, sub := range task.NewSet(t).Flatten().Tasks() {
				sub.SetPriority(priority)
				priority++
			}
			tasks.Add(t)
		}
		return true
	})
	if fatal != nil {
		return nil, fatal
	}
	if len(failed) > 0 {
		agg := core.NewAggregate(failed)
		e.logRecipeErrors(agg)
		return nil, agg
	}

	if e.session.RunDiagnostic {
		if err := e.resolveAncestors(tasks); err != nil {
			e.logger.Error(core.Message(err))
			return nil, err
		}
	}
	if _, err := tasks.Graph(); err != nil {
		return nil, core.Configf("Invalid task dependencies: %v", err)
	}

	e.tasks = tasks.Flatten()
	e.independent = tasks.Independent()
	names := make([]string, 0, e.tasks.Len())
	for _, t := range e.tasks.Tasks() {
		names = append(names, t.Name())
	}
	e.logger.Info("these tasks will be executed", "tasks", strings.Join(names, ", "))
	return e.independent, nil
}

// tasksToRun returns the task name patterns selected in the session,
// extended with the ancestors of every selected diagnostic script until no
// pattern is added.
func (e *Engine) tasksToRun() []string {
	if len(e.session.Diagnostics) == 0 {
		return nil
	}
	selected := append([]string(nil), e.session.Diagnostics...)
	seen := make(map[string]bool, len(selected))
	for _, s := range selected {
		seen[s] = true
	}
	for {
		added := false
		e.recipe.Diagnostics.Each(func(diag string, d *recipe.Diagnostic) bool {
			for _, s := range d.ScriptList(diag) {
				if !matchAny(selected, task.Name(diag, s.Name)) {
					continue
				}
				for _, a := range s.Ancestors {
					if !seen[a] {
						seen[a] = true
						selected = append(selected, a)
						added = true
					}
				}
			}
			return true
		})
		if !added {
			return selected
		}
	}
}

// checkPatterns rejects malformed task name patterns given on the command
// line or as script ancestors.
func (e *Engine) checkPatterns() error {
	for _, p := range e.session.Diagnostics {
		if err := task.CheckPattern(p); err != nil {
			return core.Configf("Invalid task selection: %v", err)
		}
	}
	var err error
	e.recipe.Diagnostics.Each(func(diag string, d *recipe.Diagnostic) bool {
		for _, s := range d.ScriptList(diag) {
			for _, a := range s.Ancestors {
				if cerr := task.CheckPattern(a); cerr != nil {
					err = core.Configf("Invalid ancestors of %s: %v", task.Name(diag, s.Name), cerr)
					return false
				}
			}
		}
		return true
	})
	return err
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if task.MatchName(p, name) {
			return true
		}
	}
	return false
}

func (e *Engine) diagnosticTasks(diag string, d *recipe.Diagnostic, selected []string) []task.Task {
	if !e.session.RunDiagnostic {
		return nil
	}
	var tasks []task.Task
	for _, s := range d.ScriptList(diag) {
		name := task.Name(diag, s.Name)
		if len(selected) > 0 && !matchAny(selected, name) {
			e.logger.Info("skipping task due to filter", "task", name)
			continue
		}
		e.logger.Info("creating diagnostic task", "task", name)
		t := task.NewDiagnosticTask(name, e.scriptPath(s.Path), e.scriptSettings(diag, d, s))
		t.Runner = e.cfg.Runner
		t.Logger = e.logger
		e.scriptAncestors[name] = s.Ancestors
		tasks = append(tasks, t)
	}
	return tasks
}

// scriptPath resolves a relative script path against the recipe directory
// when the script exists there.
func (e *Engine) scriptPath(path string) string {
	if filepath.IsAbs(path) || e.recipe.Path == "" {
		return path
	}
	candidate := filepath.Join(filepath.Dir(e.recipe.Path), path)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}

func (e *Engine) scriptSettings(diag string, d *recipe.Diagnostic, s recipe.Script) map[string]any {
	settings := make(map[string]any, len(s.Settings)+10)
	for k, v := range s.Settings {
		settings[k] = v
	}
	settings["recipe"] = e.recipe.Name + ".yml"
	if e.recipe.Path != "" {
		settings["recipe"] = filepath.Base(e.recipe.Path)
	}
	settings["version"] = e.cfg.Version
	settings["script"] = s.Name
	settings[task.RunDir] = filepath.Join(e.session.RunDir, diag, s.Name)
	settings[task.WorkDir] = filepath.Join(e.session.WorkDir, diag, s.Name)
	settings[task.PlotDir] = filepath.Join(e.session.PlotDir, diag, s.Name)
	settings["output_file_type"] = e.session.OutputFileType
	settings["log_level"] = e.session.LogLevel
	settings["auxiliary_data_dir"] = e.session.AuxiliaryDataDir
	if len(d.Themes) > 0 {
		settings["themes"] = d.Themes
	}
	if len(d.Realms) > 0 {
		settings["realms"] = d.Realms
	}
	return settings
}

// preprocessingTask creates the task of one variable group. Preprocessed
// files of an earlier run are reused when the first resume directory that
// has them is found.
func (e *Engine) preprocessingTask(ctx context.Context, diag, group string, datasets []*dataset.Dataset) (task.Task, error) {
	name := task.Name(diag, group)
	for _, dir := range e.session.ResumeFrom {
		prev := filepath.Join(dir, "preproc", diag, group)
		if info, err := os.Stat(prev); err == nil && info.IsDir() {
			e.logger.Info("re-using preprocessed files", "dir", prev, "task", name)
			return task.NewResumeTask(name, prev, filepath.Join(e.session.PreprocDir, diag, group)), nil
		}
	}
	if len(datasets) == 0 {
		return nil, core.Configf("No datasets for variable %s in diagnostic %s", group, diag)
	}

	e.logger.Info("creating preprocessor task", "task", name)
	preprocessor := datasets[0].Facet(dataset.Preprocessor)
	profile, ok := e.recipe.Profile(preprocessor)
	if !ok {
		return nil, core.Configf("Unknown preprocessor %s in variable %s of diagnostic %s", preprocessor, group, diag)
	}
	e.logger.Info("creating preprocessor task for variable", "preprocessor", preprocessor, "variable_group", group)

	datasets, err := e.expandDatasets(ctx, datasets)
	if err != nil {
		return nil, err
	}
	datasets = e.resolver.LimitDatasets(datasets, profile)
	if len(datasets) == 0 {
		return nil, core.FilesNotFoundf("Did not find any input data for task %s", name)
	}
	for _, ds := range datasets {
		if err := ds.AugmentFacets(e.cfg.Tables, e.cfg.Projects); err != nil {
			return nil, err
		}
	}

	var deriveTasks []task.Task
	if datasets[0].Facets().Bool(dataset.Derive) {
		var deriveProfile *ordered.Map[any]
		deriveProfile, profile = preproc.SplitDeriveProfile(profile)
		inputs, err := e.resolver.DeriveInputs(ctx, datasets)
		if err != nil {
			return nil, err
		}
		for _, inputGroup := range inputs.Keys() {
			members, _ := inputs.Get(inputGroup)
			t, err := e.singleTask(ctx, task.Name(diag, inputGroup), members, deriveProfile.Clone(), nil)
			if err != nil {
				return nil, err
			}
			deriveTasks = append(deriveTasks, t)
		}
	}
	return e.singleTask(ctx, name, datasets, profile, deriveTasks)
}

// expandDatasets replaces datasets with wildcard facets by the datasets
// found in the available files and normalizes their timerange. When the
// expansion adds datasets, the group is renumbered and aliases are set
// again.
func (e *Engine) expandDatasets(ctx context.Context, datasets []*dataset.Dataset) ([]*dataset.Dataset, error) {
	out := make([]*dataset.Dataset, 0, len(datasets))
	for _, ds := range datasets {
		expanded, err := ds.FromFiles(ctx)
		if err != nil {
			return nil, err
		}
		for _, x := range expanded {
			if err := x.UpdateTimerange(ctx); err != nil {
				return nil, err
			}
			out = append(out, x)
		}
	}
	if len(out) != len(datasets) {
		for i, ds := range out {
			if err := ds.Set(dataset.RecipeDatasetIndex, i, false); err != nil {
				return nil, err
			}
		}
		recipe.SetAliases(out)
	}
	return out, nil
}

func (e *Engine) singleTask(ctx context.Context, name string, datasets []*dataset.Dataset, profile *ordered.Map[any], ancestors []task.Task) (*task.PreprocessingTask, error) {
	order := preproc.ExtractOrder(profile)
	var ancestorProducts []*preproc.Product
	for _, a := range ancestors {
		if pt, ok := a.(*task.PreprocessingTask); ok {
			ancestorProducts = append(ancestorProducts, pt.Products...)
		}
	}
	products, err := e.resolver.Products(ctx, preproc.Request{
		Name:             name,
		Datasets:         datasets,
		Profile:          profile,
		Order:            order,
		AncestorProducts: ancestorProducts,
	})
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, core.FilesNotFoundf("Did not find any input data for task %s", name)
	}

	t := task.NewPreprocessingTask(name, products, order, filepath.Join(e.session.PreprocDir, filepath.FromSlash(name)), ancestors)
	t.Executor = e.cfg.Executor
	t.Logger = e.logger
	e.logger.Info("preprocessing task created", "task", name, "products", len(products))
	return t, nil
}

// resolveAncestors links every diagnostic task to the tasks matching its
// ancestor patterns. A pattern without any match is fatal.
func (e *Engine) resolveAncestors(tasks *task.Set) error {
	index := make(task.Index, tasks.Len())
	for _, t := range tasks.Tasks() {
		index[t.Name()] = t
	}
	for _, t := range tasks.Tasks() {
		patterns, ok := e.scriptAncestors[t.Name()]
		if !ok || t.Kind() != task.KindDiagnostic {
			continue
		}
		e.logger.Debug("linking tasks", "task", t.Name())
		var ancestors []task.Task
		seen := make(map[string]bool)
		for _, pattern := range patterns {
			names := index.Match(pattern)
			if len(names) == 0 {
				return core.Configf("Could not find any ancestors matching %s", pattern)
			}
			e.logger.Debug("pattern matches", "pattern", pattern, "tasks", names)
			for _, n := range names {
				if !seen[n] {
					seen[n] = true
					ancestors = append(ancestors, index[n])
				}
			}
		}
		t.SetAncestors(ancestors)
	}
	return nil
}

// logRecipeErrors logs the failures of an aggregate error and, when some
// input data was missing while offline, adds guidance on how to get it.
func (e *Engine) logRecipeErrors(err *core.RecipeError) {
	e.logger.Error(err.Error())
	for _, f := range err.Failed {
		e.logger.Error(core.Message(f))
	}
	if !e.session.Offline || !err.OnlyFilesNotFound() {
		return
	}
	err.Guidance = append(err.Guidance,
		"If the files are available locally, check the rootpath and drs settings in your configuration file",
		fmt.Sprintf("To download the missing files to download_dir %s, set offline: false in your configuration file or run with --offline=false", e.session.DownloadDir),
	)
	e.logger.Error("not all input files required to run the recipe could be found")
	for _, g := range err.Guidance {
		e.logger.Error(g)
	}
}
