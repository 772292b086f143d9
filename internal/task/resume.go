package task

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ResumeTask copies the preprocessed files of an earlier run.
type ResumeTask struct {
	base
	PrevDir string
	Dir     string
}

// NewResumeTask creates a task reusing prevDir as the output of dir.
func NewResumeTask(name, prevDir, dir string) *ResumeTask {
	return &ResumeTask{base: base{name: name}, PrevDir: prevDir, Dir: dir}
}

// Kind implements Task.
func (t *ResumeTask) Kind() Kind { return KindResume }

// Run copies the previous directory and returns its metadata file, with
// the product filenames rewritten to the new location.
func (t *ResumeTask) Run(ctx context.Context, _ []string) ([]string, error) {
	err := filepath.WalkDir(t.PrevDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(t.PrevDir, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(t.Dir, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		return copyFile(path, dest)
	})
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to copy %s: %w", t.name, t.PrevDir, err)
	}

	outputs, err := t.Outputs()
	if err != nil {
		return nil, err
	}
	doc := make(map[string]map[string]any, len(outputs))
	for _, o := range outputs {
		doc[o.Filename] = o.Attributes
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	metadata := filepath.Join(t.Dir, MetadataFile)
	if err := os.WriteFile(metadata, data, 0o644); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.name, err)
	}
	return []string{metadata}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Outputs reads the metadata file of the previous run.
func (t *ResumeTask) Outputs() ([]Output, error) {
	data, err := os.ReadFile(filepath.Join(t.PrevDir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to read metadata: %w", t.name, err)
	}
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("task %s: invalid metadata: %w", t.name, err)
	}
	out := make([]Output, 0, len(doc))
	for filename, attrs := range doc {
		moved := filepath.Join(t.Dir, strings.TrimPrefix(filename, t.PrevDir))
		if attrs == nil {
			attrs = make(map[string]any)
		}
		attrs["filename"] = moved
		out = append(out, Output{Filename: moved, Attributes: attrs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (t *ResumeTask) String() string {
	return fmt.Sprintf("ResumeTask: %s\nresuming from: %s\n%s", t.name, t.PrevDir, describeAncestors(&t.base))
}
