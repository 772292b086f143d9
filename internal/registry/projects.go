package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Project holds the data reference syntax settings of one project.
type Project struct {
	Name string `koanf:"-"`
	// InputDir maps a DRS name (e.g. ESGF, BADC) to a directory template.
	InputDir map[string]string `koanf:"input_dir"`
	// InputFile holds one or more file name templates.
	InputFile []string `koanf:"input_file"`
	// OutputFile is the template of preprocessed file names.
	OutputFile string `koanf:"output_file"`
	// CMORType names the project whose CMOR tables describe this project.
	CMORType string `koanf:"cmor_type"`
	// Institutes maps dataset names to their institutes.
	Institutes map[string][]string `koanf:"institutes"`
	// Activities maps experiment names to their activity.
	Activities map[string]string `koanf:"activities"`
}

// InputDirTemplate returns the directory template for a DRS name,
// falling back to the default one.
func (p *Project) InputDirTemplate(drs string) string {
	if t, ok := p.InputDir[drs]; ok {
		return t
	}
	if t, ok := p.InputDir["default"]; ok {
		return t
	}
	return "/"
}

var tagRe = regexp.MustCompile(`\{([^}]*)\}`)

// ExpandTemplate replaces {tag} placeholders with facet values. List values
// produce one result per element. {tag.lower} and {tag.upper} change case.
// An unknown {version} becomes `*`; {latestversion} is kept for the finder.
func ExpandTemplate(template string, facets map[string]any) ([]string, error) {
	paths := []string{strings.Trim(template, "/")}
	for _, m := range tagRe.FindAllStringSubmatch(template, -1) {
		placeholder, tag := m[0], m[1]
		name, caps, _ := strings.Cut(tag, ".")
		if name == "latestversion" {
			continue
		}
		value, ok := facets[name]
		if !ok {
			if name != "version" {
				return nil, core.Configf("Dataset key '%s' must be specified for %v, check your recipe entry", name, facetsText(facets))
			}
			value = "*"
		}
		var values []string
		switch v := value.(type) {
		case []string:
			values = v
		default:
			values = []string{fmt.Sprint(v)}
		}
		var next []string
		for _, p := range paths {
			for _, v := range values {
				switch caps {
				case "lower":
					v = strings.ToLower(v)
				case "upper":
					v = strings.ToUpper(v)
				}
				next = append(next, strings.ReplaceAll(p, placeholder, v))
			}
		}
		paths = next
	}
	return dedupe(paths), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func facetsText(facets map[string]any) string {
	keys := make([]string, 0, len(facets))
	for k := range facets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, facets[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ProjectRegistry maps project names to their settings.
type ProjectRegistry struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewProjectRegistry creates an empty registry.
func NewProjectRegistry() *ProjectRegistry {
	return &ProjectRegistry{projects: make(map[string]*Project)}
}

// Register adds (or replaces) a project.
func (r *ProjectRegistry) Register(p *Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.Name] = p
}

// Project returns the settings of a project.
func (r *ProjectRegistry) Project(name string) (*Project, Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	if !ok {
		return nil, Unsupported
	}
	return p, Found
}

// Institutes returns the institutes of a dataset.
func (r *ProjectRegistry) Institutes(project, dataset string) ([]string, Status) {
	p, status := r.Project(project)
	if status != Found {
		return nil, status
	}
	inst, ok := p.Institutes[dataset]
	if !ok {
		return nil, NotFound
	}
	return append([]string(nil), inst...), Found
}

// Activity returns the activity an experiment belongs to.
func (r *ProjectRegistry) Activity(project, exp string) (string, Status) {
	p, status := r.Project(project)
	if status != Found {
		return "", status
	}
	activity, ok := p.Activities[exp]
	if !ok {
		return "", NotFound
	}
	return activity, Found
}

// Names returns the registered project names in sorted order.
func (r *ProjectRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultProjects returns the built-in project settings.
func DefaultProjects() *ProjectRegistry {
	r := NewProjectRegistry()
	r.Register(&Project{
		Name: "CMIP6",
		InputDir: map[string]string{
			"default": "/",
			"BADC":    "{activity}/{institute}/{dataset}/{exp}/{ensemble}/{mip}/{short_name}/{grid}/{version}",
			"DKRZ":    "{activity}/{institute}/{dataset}/{exp}/{ensemble}/{mip}/{short_name}/{grid}/{version}",
			"ESGF":    "{project}/{activity}/{institute}/{dataset}/{exp}/{ensemble}/{mip}/{short_name}/{grid}/{version}",
			"ETHZ":    "{exp}/{mip}/{short_name}/{dataset}/{ensemble}/{grid}/",
		},
		InputFile:  []string{"{short_name}_{mip}_{dataset}_{exp}_{ensemble}_{grid}*.nc"},
		OutputFile: "{project}_{dataset}_{mip}_{exp}_{ensemble}_{short_name}_{grid}",
		CMORType:   "CMIP6",
	})
	r.Register(&Project{
		Name: "CMIP5",
		InputDir: map[string]string{
			"default": "/",
			"BADC":    "{institute}/{dataset}/{exp}/{frequency}/{modeling_realm}/{mip}/{ensemble}/{version}/{short_name}",
			"ESGF":    "{project.lower}/{product}/{institute}/{dataset}/{exp}/{frequency}/{modeling_realm}/{mip}/{ensemble}/{version}",
		},
		InputFile:  []string{"{short_name}_{mip}_{dataset}_{exp}_{ensemble}*.nc"},
		OutputFile: "{project}_{dataset}_{mip}_{exp}_{ensemble}_{short_name}",
		CMORType:   "CMIP5",
	})
	for _, obs := range []struct{ name, cmor string }{{"OBS", "CMIP5"}, {"OBS6", "CMIP6"}} {
		r.Register(&Project{
			Name:       obs.name,
			InputDir:   map[string]string{"default": "Tier{tier}/{dataset}"},
			InputFile:  []string{"{project}_{dataset}_{type}_{version}_{mip}_{short_name}[_.]*nc"},
			OutputFile: "{project}_{dataset}_{type}_{version}_{mip}_{short_name}",
			CMORType:   obs.cmor,
		})
	}
	r.Register(&Project{
		Name:       "native6",
		InputDir:   map[string]string{"default": "Tier{tier}/{dataset}/{version}/{frequency}/{short_name}"},
		InputFile:  []string{"*.nc"},
		OutputFile: "{project}_{dataset}_{type}_{version}_{mip}_{short_name}",
		CMORType:   "CMIP6",
	})
	r.Register(&Project{
		Name:       "obs4MIPs",
		InputDir:   map[string]string{"default": "Tier{tier}/{dataset}"},
		InputFile:  []string{"{short_name}_{dataset}_{level}_{version}_*.nc"},
		OutputFile: "{project}_{dataset}_{short_name}",
		CMORType:   "CMIP6",
	})
	return r
}
