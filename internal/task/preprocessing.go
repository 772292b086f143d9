package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/esmflow/internal/preproc"
)

// MetadataFile is the file, written next to the preprocessed files, that
// lists the products of a preprocessing task with their attributes.
const MetadataFile = "metadata.yml"

// Executor applies preprocessing steps to products. Steps operating on a
// single dataset are applied once per product with that product's
// arguments; multi-dataset steps are applied once to all products that use
// them, with the arguments of the first.
type Executor interface {
	Apply(ctx context.Context, step string, products []*preproc.Product, args map[string]any) error
}

// PreprocessingTask computes the preprocessed files of one variable group.
type PreprocessingTask struct {
	base
	Products []*preproc.Product
	Order    []string
	// Dir is the directory the products and the metadata file are written to.
	Dir      string
	Executor Executor
	Logger   *slog.Logger
}

// NewPreprocessingTask creates a preprocessing task. Products are sorted by
// filename.
func NewPreprocessingTask(name string, products []*preproc.Product, order []string, dir string, ancestors []Task) *PreprocessingTask {
	preproc.SortProducts(products)
	return &PreprocessingTask{
		base:     base{name: name, ancestors: ancestors},
		Products: products,
		Order:    order,
		Dir:      dir,
	}
}

// Kind implements Task.
func (t *PreprocessingTask) Kind() Kind { return KindPreprocessing }

func (t *PreprocessingTask) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Logger
}

// Run applies the steps in order and writes the metadata file.
func (t *PreprocessingTask) Run(ctx context.Context, _ []string) ([]string, error) {
	if t.Executor == nil {
		return nil, fmt.Errorf("task %s: no preprocessing executor configured", t.name)
	}
	for _, step := range t.Order {
		var using []*preproc.Product
		for _, p := range t.Products {
			if p.Settings.Has(step) {
				using = append(using, p)
			}
		}
		if len(using) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.logger().Debug("applying preprocessor step", "task", t.name, "step", step, "products", len(using))
		if slices.Contains(preproc.MultiDatasetSteps, step) {
			if err := t.Executor.Apply(ctx, step, using, using[0].Settings[step]); err != nil {
				return nil, fmt.Errorf("task %s, step %s: %w", t.name, step, err)
			}
			continue
		}
		for _, p := range using {
			if err := t.Executor.Apply(ctx, step, []*preproc.Product{p}, p.Settings[step]); err != nil {
				return nil, fmt.Errorf("task %s, step %s, product %s: %w", t.name, step, p.Filename, err)
			}
		}
	}

	metadata, err := t.writeMetadata()
	if err != nil {
		return nil, err
	}
	return []string{metadata}, nil
}

func (t *PreprocessingTask) writeMetadata() (string, error) {
	outputs, err := t.Outputs()
	if err != nil {
		return "", err
	}
	doc := make(map[string]map[string]any, len(outputs))
	for _, o := range outputs {
		doc[o.Filename] = o.Attributes
	}
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", t.Dir, err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata of %s: %w", t.name, err)
	}
	path := filepath.Join(t.Dir, MetadataFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Outputs implements Task.
func (t *PreprocessingTask) Outputs() ([]Output, error) {
	out := make([]Output, len(t.Products))
	for i, p := range t.Products {
		attrs := make(map[string]any, len(p.Attributes)+1)
		for k, v := range p.Attributes {
			attrs[k] = v
		}
		attrs["filename"] = p.Filename
		out[i] = Output{Filename: p.Filename, Attributes: attrs}
	}
	return out, nil
}

func (t *PreprocessingTask) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "PreprocessingTask: %s\n", t.name)
	fmt.Fprintf(&sb, "order: [%s]\n", strings.Join(t.Order, ", "))
	for _, p := range t.Products {
		sb.WriteString(describeProduct(p))
		sb.WriteString("\n")
	}
	sb.WriteString(describeAncestors(&t.base))
	return sb.String()
}

func describeProduct(p *preproc.Product) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:\n", p.Filename)
	if p.Dataset != nil {
		fmt.Fprintf(&sb, "  input: %s\n", p.Dataset.Summary())
	}
	for _, a := range p.Ancestors {
		fmt.Fprintf(&sb, "  input: %s\n", a.Filename)
	}
	for _, step := range p.Settings.Steps(preproc.DefaultOrder) {
		fmt.Fprintf(&sb, "  %s: %s\n", step, describeArgs(p.Settings[step]))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func describeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := args[k]
		if links, ok := v.(preproc.OutputProducts); ok {
			v = links.Filenames()
		}
		parts[i] = fmt.Sprintf("%s: %v", k, v)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
