package task

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Directory settings every diagnostic script receives.
const (
	RunDir  = "run_dir"
	WorkDir = "work_dir"
	PlotDir = "plot_dir"
)

// DiagnosticTask runs a diagnostic script.
type DiagnosticTask struct {
	base
	Script string
	// Settings are written to settings.yml in the run directory. They hold
	// at least run_dir, work_dir and plot_dir.
	Settings map[string]any
	Runner   ScriptRunner
	Logger   *slog.Logger
}

// NewDiagnosticTask creates a diagnostic task.
func NewDiagnosticTask(name, script string, settings map[string]any) *DiagnosticTask {
	return &DiagnosticTask{
		base:     base{name: name},
		Script:   script,
		Settings: settings,
	}
}

// Kind implements Task.
func (t *DiagnosticTask) Kind() Kind { return KindDiagnostic }

func (t *DiagnosticTask) dir(key string) string {
	s, _ := t.Settings[key].(string)
	return s
}

// Run writes the settings file, including the input files, and runs the
// script. It returns the files the script wrote to its work and plot
// directories.
func (t *DiagnosticTask) Run(ctx context.Context, inputs []string) ([]string, error) {
	if t.Runner == nil {
		return nil, fmt.Errorf("task %s: no script runner configured", t.name)
	}
	for _, key := range []string{RunDir, WorkDir, PlotDir} {
		dir := t.dir(key)
		if dir == "" {
			return nil, fmt.Errorf("task %s: setting %s is missing", t.name, key)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.name, err)
		}
	}

	settings := make(map[string]any, len(t.Settings)+1)
	for k, v := range t.Settings {
		settings[k] = v
	}
	settings["input_files"] = inputs
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to encode settings: %w", t.name, err)
	}
	settingsFile := filepath.Join(t.dir(RunDir), "settings.yml")
	if err := os.WriteFile(settingsFile, data, 0o644); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.name, err)
	}

	if t.Logger != nil {
		t.Logger.Info("running diagnostic script", "task", t.name, "script", t.Script)
	}
	logFile := filepath.Join(t.dir(RunDir), "log.txt")
	if err := t.Runner.RunScript(ctx, t.Script, settingsFile, logFile); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.name, err)
	}

	outputs, err := t.Outputs()
	if err != nil {
		return nil, err
	}
	files := []string{t.dir(WorkDir)}
	for _, o := range outputs {
		files = append(files, o.Filename)
	}
	return files, nil
}

// Outputs lists the files in the work and plot directories.
func (t *DiagnosticTask) Outputs() ([]Output, error) {
	var out []Output
	for _, key := range []string{WorkDir, PlotDir} {
		root := t.dir(key)
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return fs.SkipDir
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			out = append(out, Output{
				Filename:   path,
				Attributes: map[string]any{"script": t.name, "kind": strings.TrimSuffix(key, "_dir")},
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("task %s: failed to list outputs: %w", t.name, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (t *DiagnosticTask) String() string {
	keys := make([]string, 0, len(t.Settings))
	for k := range t.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	fmt.Fprintf(&sb, "DiagnosticTask: %s\n", t.name)
	fmt.Fprintf(&sb, "script: %s\n", t.Script)
	sb.WriteString("settings:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %s: %v\n", k, t.Settings[k])
	}
	sb.WriteString(describeAncestors(&t.base))
	return sb.String()
}
