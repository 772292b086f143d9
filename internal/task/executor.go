package task

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/esmflow/internal/preproc"
)

// stepRequest is the document passed to an external preprocessor.
type stepRequest struct {
	Step     string           `yaml:"step"`
	Args     map[string]any   `yaml:"args"`
	Products []productRequest `yaml:"products"`
}

type productRequest struct {
	Filename    string         `yaml:"filename"`
	Attributes  map[string]any `yaml:"attributes"`
	InputFiles  []string       `yaml:"input_files,omitempty"`
	Ancillaries []string       `yaml:"ancillary_files,omitempty"`
}

// CommandExecutor runs every step through an external command. The command
// receives the path of a YAML document describing the step, its arguments
// and the products as its last argument.
type CommandExecutor struct {
	Command []string
	// WorkDir receives the request documents.
	WorkDir string
}

// Apply implements Executor.
func (e *CommandExecutor) Apply(ctx context.Context, step string, products []*preproc.Product, args map[string]any) error {
	if len(e.Command) == 0 {
		return fmt.Errorf("no preprocessor command configured")
	}
	req := stepRequest{Step: step, Args: requestArgs(args)}
	for _, p := range products {
		pr, err := newProductRequest(ctx, p)
		if err != nil {
			return err
		}
		req.Products = append(req.Products, pr)
	}
	data, err := yaml.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request for step %s: %w", step, err)
	}
	if err := os.MkdirAll(e.WorkDir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(e.WorkDir, step+"-*.yml")
	if err != nil {
		return fmt.Errorf("failed to create request file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write request file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	argv := append(append([]string(nil), e.Command[1:]...), f.Name())
	cmd := exec.CommandContext(ctx, e.Command[0], argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", e.Command[0], step, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// requestArgs replaces links to statistics products by their filenames.
func requestArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if links, ok := v.(preproc.OutputProducts); ok {
			files := make(map[string]map[string]string, len(links))
			for group, stats := range links {
				files[group] = make(map[string]string, len(stats))
				for stat, p := range stats {
					files[group][stat] = p.Filename
				}
			}
			out[k] = files
			continue
		}
		out[k] = v
	}
	return out
}

func newProductRequest(ctx context.Context, p *preproc.Product) (productRequest, error) {
	pr := productRequest{Filename: p.Filename, Attributes: p.Attributes}
	for _, a := range p.Ancestors {
		pr.InputFiles = append(pr.InputFiles, a.Filename)
	}
	if p.Dataset == nil {
		return pr, nil
	}
	files, err := p.Dataset.Files(ctx)
	if err != nil {
		return pr, err
	}
	for _, f := range files {
		pr.InputFiles = append(pr.InputFiles, f.Path)
	}
	for _, anc := range p.Dataset.Ancillaries {
		files, err := anc.Files(ctx)
		if err != nil {
			return pr, err
		}
		for _, f := range files {
			pr.Ancillaries = append(pr.Ancillaries, f.Path)
		}
	}
	return pr, nil
}

// ScriptRunner runs a diagnostic script with the path of its settings file.
type ScriptRunner interface {
	RunScript(ctx context.Context, script, settingsFile, logFile string) error
}

// interpreters maps script extensions to the program running them.
var interpreters = map[string]string{
	".py":  "python",
	".r":   "Rscript",
	".jl":  "julia",
	".ncl": "ncl",
}

// CommandRunner runs scripts with the interpreter matching their extension.
// Scripts with another extension must be executable.
type CommandRunner struct {
	// Interpreters overrides the default interpreter per extension, given
	// with or without the leading dot.
	Interpreters map[string]string
}

// RunScript implements ScriptRunner.
func (r CommandRunner) RunScript(ctx context.Context, script, settingsFile, logFile string) error {
	info, err := os.Stat(script)
	if err != nil {
		return fmt.Errorf("cannot execute script %s: %w", script, err)
	}
	ext := strings.ToLower(filepath.Ext(script))
	interpreter, ok := r.Interpreters[ext]
	if !ok {
		interpreter, ok = r.Interpreters[strings.TrimPrefix(ext, ".")]
	}
	if !ok {
		interpreter, ok = interpreters[ext]
	}
	var cmd *exec.Cmd
	switch {
	case ok:
		cmd = exec.CommandContext(ctx, interpreter, script, settingsFile)
	case info.Mode()&0o111 != 0:
		cmd = exec.CommandContext(ctx, script, settingsFile)
	default:
		return fmt.Errorf("cannot execute script %s: unknown extension and not executable", script)
	}

	log, err := os.Create(logFile)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer log.Close()
	cmd.Stdout = log
	cmd.Stderr = log
	cmd.Env = append(os.Environ(), "MPLBACKEND=Agg")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("script %s failed, see %s: %w", script, logFile, err)
	}
	return nil
}
