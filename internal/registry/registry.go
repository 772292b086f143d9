// Package registry provides the lookup registries consulted while resolving
// a recipe: CMOR variable tables, project (data reference syntax) settings,
// derived variables and the ancillary variables preprocessing steps need.
//
// Lookups never panic or fall back silently: every lookup returns a Status
// that distinguishes a missing entry from a project the registry does not
// support at all.
package registry

import (
	"sort"
	"strings"
	"sync"
)

// Status is the outcome of a registry lookup.
type Status int

const (
	// Found means the entry exists.
	Found Status = iota
	// NotFound means the project is known but the entry is not.
	NotFound
	// Unsupported means the registry has no information about the project.
	Unsupported
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	default:
		return "not supported"
	}
}

// Variable is a CMOR table variable entry.
type Variable struct {
	ShortName     string
	Mip           string
	StandardName  string
	LongName      string
	Units         string
	Frequency     string
	ModelingRealm []string
	Dimensions    []string
}

// Coordinate is a CMOR table axis entry.
type Coordinate struct {
	Name      string
	OutName   string
	Units     string
	Requested []float64
	Value     *float64
}

// Tables looks up CMOR table entries.
type Tables interface {
	Variable(project, mip, shortName string) (*Variable, Status)
	Mips(project, shortName string) ([]string, Status)
	Levels(table, coordinate string) ([]float64, Status)
}

// ProjectTables holds the CMOR tables of one project.
type ProjectTables struct {
	Name        string
	mips        map[string]map[string]*Variable
	coordinates map[string]*Coordinate
	// altNames groups short names that refer to the same variable,
	// e.g. sic and siconc.
	altNames [][]string
}

// NewProjectTables creates an empty table set for a project.
func NewProjectTables(name string) *ProjectTables {
	return &ProjectTables{
		Name:        name,
		mips:        make(map[string]map[string]*Variable),
		coordinates: make(map[string]*Coordinate),
	}
}

// AddVariable registers a variable entry in a mip table.
func (t *ProjectTables) AddVariable(mip string, v Variable) {
	if t.mips[mip] == nil {
		t.mips[mip] = make(map[string]*Variable)
	}
	v.Mip = mip
	t.mips[mip][v.ShortName] = &v
}

// AddCoordinate registers an axis entry.
func (t *ProjectTables) AddCoordinate(c Coordinate) {
	t.coordinates[c.Name] = &c
}

// SetAltNames sets the groups of alternative short names.
func (t *ProjectTables) SetAltNames(groups [][]string) {
	t.altNames = groups
}

func (t *ProjectTables) lookup(mip, shortName string) *Variable {
	table := t.mips[mip]
	if table == nil {
		return nil
	}
	if v, ok := table[shortName]; ok {
		return v
	}
	if v, ok := table[strings.ToLower(shortName)]; ok {
		return v
	}
	for _, group := range t.altNames {
		if !contains(group, shortName) {
			continue
		}
		for _, alt := range group {
			if v, ok := table[alt]; ok {
				return v
			}
		}
	}
	return nil
}

// TableRegistry maps project names to their CMOR tables.
type TableRegistry struct {
	mu       sync.RWMutex
	projects map[string]*ProjectTables
}

// NewTableRegistry creates an empty registry.
func NewTableRegistry() *TableRegistry {
	return &TableRegistry{projects: make(map[string]*ProjectTables)}
}

// Register adds (or replaces) the tables of a project.
func (r *TableRegistry) Register(t *ProjectTables) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[t.Name] = t
}

// Alias makes project use the tables registered for another project,
// e.g. OBS datasets are described by the CMIP5 tables.
func (r *TableRegistry) Alias(project, tablesOf string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.projects[tablesOf]
	if !ok {
		return Unsupported
	}
	r.projects[project] = t
	return Found
}

// Variable returns the entry for shortName in the given mip table.
func (r *TableRegistry) Variable(project, mip, shortName string) (*Variable, Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.projects[project]
	if !ok {
		return nil, Unsupported
	}
	v := t.lookup(mip, shortName)
	if v == nil {
		return nil, NotFound
	}
	c := *v
	return &c, Found
}

// Mips returns the sorted mip tables of a project that offer shortName.
func (r *TableRegistry) Mips(project, shortName string) ([]string, Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.projects[project]
	if !ok {
		return nil, Unsupported
	}
	var mips []string
	for mip, table := range t.mips {
		if _, ok := table[shortName]; ok {
			mips = append(mips, mip)
		}
	}
	if len(mips) == 0 {
		return nil, NotFound
	}
	sort.Strings(mips)
	return mips, Found
}

// Levels returns the requested values of an axis entry. table names the
// project whose coordinate table is used.
func (r *TableRegistry) Levels(table, coordinate string) ([]float64, Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.projects[table]
	if !ok {
		return nil, Unsupported
	}
	c, ok := t.coordinates[coordinate]
	if !ok {
		return nil, NotFound
	}
	if len(c.Requested) > 0 {
		return append([]float64(nil), c.Requested...), Found
	}
	if c.Value != nil {
		return []float64{*c.Value}, Found
	}
	return nil, NotFound
}

// Projects returns the registered project names in sorted order.
func (r *TableRegistry) Projects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
