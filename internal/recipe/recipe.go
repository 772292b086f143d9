// Package recipe reads recipe files and turns their dataset and variable
// declarations into dataset descriptors.
//
// A recipe declares preprocessor profiles, datasets and diagnostics. Every
// diagnostic holds variable groups, whose datasets are preprocessed, and
// scripts, which run on the preprocessed data. Declaration order matters
// throughout, so mappings are decoded into ordered maps.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/esmflow/internal/ordered"
)

// DefaultPreprocessor is the profile used by variables that name none. It
// is always defined and empty unless the recipe overrides it.
const DefaultPreprocessor = "default"

// Recipe is a parsed recipe file.
type Recipe struct {
	Documentation map[string]any                  `yaml:"documentation,omitempty"`
	Preprocessors *ordered.Map[*ordered.Map[any]] `yaml:"preprocessors,omitempty"`
	Datasets      []map[string]any                `yaml:"datasets,omitempty"`
	Diagnostics   *ordered.Map[*Diagnostic]       `yaml:"diagnostics"`

	// Name is the file name of the recipe without extension.
	Name string `yaml:"-"`
	// Path is the file the recipe was read from.
	Path string `yaml:"-"`
}

// Diagnostic is one entry of the diagnostics section.
type Diagnostic struct {
	Description        string                       `yaml:"description,omitempty"`
	Themes             []string                     `yaml:"themes,omitempty"`
	Realms             []string                     `yaml:"realms,omitempty"`
	AdditionalDatasets []map[string]any             `yaml:"additional_datasets,omitempty"`
	Variables          *ordered.Map[map[string]any] `yaml:"variables,omitempty"`
	Scripts            *ordered.Map[map[string]any] `yaml:"scripts,omitempty"`
}

// Variable keys that are not facets.
const (
	keyAdditionalDatasets = "additional_datasets"
	keyAncillaries        = "ancillary_variables"
	keyScript             = "script"
	keyAncestors          = "ancestors"

	// taskSeparator joins diagnostic and script names in ancestor patterns.
	taskSeparator = "/"
)

// Load reads, validates and checks a recipe file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.Path = path
	r.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return r, nil
}

// Parse validates data against the recipe schema, decodes it and checks
// the cross references the schema cannot express.
func Parse(data []byte) (*Recipe, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid recipe: %w", err)
	}
	if r.Preprocessors == nil {
		r.Preprocessors = ordered.New[*ordered.Map[any]]()
	}
	if !r.Preprocessors.Has(DefaultPreprocessor) {
		r.Preprocessors.Set(DefaultPreprocessor, ordered.New[any]())
	}
	if err := r.Check(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Profile returns a copy of a preprocessor profile.
func (r *Recipe) Profile(name string) (*ordered.Map[any], bool) {
	p, ok := r.Preprocessors.Get(name)
	if !ok {
		return nil, false
	}
	if p == nil {
		return ordered.New[any](), true
	}
	return p.Clone(), true
}

// Diagnostic returns a diagnostic by name.
func (r *Recipe) Diagnostic(name string) (*Diagnostic, bool) {
	d, ok := r.Diagnostics.Get(name)
	return d, ok && d != nil
}

// Script describes a script entry of a diagnostic.
type Script struct {
	Name string
	// Path is the script as written in the recipe.
	Path string
	// Ancestors are task name patterns; bare names are scoped to the
	// diagnostic. When a script declares none, it depends on all variable
	// groups of its diagnostic.
	Ancestors []string
	// Settings are the remaining keys of the script entry.
	Settings map[string]any
}

// ScriptList returns the scripts of the diagnostic called name in
// declaration order, with ancestor patterns scoped to the diagnostic.
func (d *Diagnostic) ScriptList(name string) []Script {
	groups := d.Variables.Keys()
	var scripts []Script
	d.Scripts.Each(func(scriptName string, raw map[string]any) bool {
		s := Script{Name: scriptName, Settings: make(map[string]any, len(raw))}
		for k, v := range raw {
			s.Settings[k] = v
		}
		s.Path, _ = s.Settings[keyScript].(string)
		delete(s.Settings, keyScript)

		patterns := groups
		if v, ok := s.Settings[keyAncestors]; ok {
			patterns = toStrings(v)
			delete(s.Settings, keyAncestors)
		}
		for _, p := range patterns {
			if !strings.Contains(p, taskSeparator) {
				p = name + taskSeparator + p
			}
			s.Ancestors = append(s.Ancestors, p)
		}
		scripts = append(scripts, s)
		return true
	})
	return scripts
}

func toStrings(v any) []string {
	switch v := v.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// Write encodes the recipe to path.
func (r *Recipe) Write(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode recipe: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
