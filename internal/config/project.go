package config

import (
	"fmt"

	"dario.cat/mergo"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/leapstack-labs/esmflow/internal/registry"
)

// ProjectConfig holds the data reference syntax of the projects and the
// location of their CMOR tables.
type ProjectConfig struct {
	Projects map[string]*registry.Project `koanf:"projects"`
	// CMORTables maps a project to the directory holding its tables.
	CMORTables map[string]string `koanf:"cmor_tables"`
}

// LoadProjectConfig reads a project configuration file. An empty path
// returns an empty configuration.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	cfg := &ProjectConfig{}
	if path == "" {
		return cfg, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error reading project config %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unable to decode project config %s: %w", path, err)
	}
	return cfg, nil
}

// Registry returns the built-in projects with the configured ones applied
// on top. Settings missing from a configured project are taken from the
// built-in project of the same name.
func (p *ProjectConfig) Registry() (*registry.ProjectRegistry, error) {
	r := registry.DefaultProjects()
	for name, project := range p.Projects {
		if project == nil {
			continue
		}
		project.Name = name
		if builtin, status := r.Project(name); status == registry.Found {
			if err := mergo.Merge(project, *builtin); err != nil {
				return nil, fmt.Errorf("merging settings of project %s: %w", name, err)
			}
		}
		r.Register(project)
	}
	return r, nil
}

// TableAliases maps every project whose tables belong to another project
// to that project.
func TableAliases(projects *registry.ProjectRegistry) map[string]string {
	aliases := make(map[string]string)
	for _, name := range projects.Names() {
		p, _ := projects.Project(name)
		if p.CMORType != "" && p.CMORType != name {
			aliases[name] = p.CMORType
		}
	}
	return aliases
}
