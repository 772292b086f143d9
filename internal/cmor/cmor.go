// Package cmor loads CMIP style JSON CMOR tables into a registry.
package cmor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/leapstack-labs/esmflow/internal/registry"
)

type header struct {
	TableID string `json:"table_id"`
}

type variableEntry struct {
	Frequency     string `json:"frequency"`
	ModelingRealm string `json:"modeling_realm"`
	StandardName  string `json:"standard_name"`
	LongName      string `json:"long_name"`
	Units         string `json:"units"`
	Dimensions    string `json:"dimensions"`
	OutName       string `json:"out_name"`
}

type axisEntry struct {
	OutName   string   `json:"out_name"`
	Units     string   `json:"units"`
	Requested []string `json:"requested"`
	Value     string   `json:"value"`
}

type tableFile struct {
	Header        header                   `json:"Header"`
	VariableEntry map[string]variableEntry `json:"variable_entry"`
	AxisEntry     map[string]axisEntry     `json:"axis_entry"`
}

// altNames lists short names that refer to the same variable across
// CMIP generations.
var altNames = map[string][][]string{
	"CMIP6": {{"sic", "siconc"}, {"tro3", "o3"}},
}

// LoadDir reads every table of a project from dir. Table files are named
// <prefix>_<mip>.json; the coordinate table is <prefix>_coordinate.json.
func LoadDir(project, dir string) (*registry.ProjectTables, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no CMOR tables found in %s", dir)
	}
	sort.Strings(paths)

	tables := registry.NewProjectTables(project)
	tables.SetAltNames(altNames[project])
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		if skipTable(name) {
			continue
		}
		if err := loadFile(tables, path); err != nil {
			return nil, fmt.Errorf("failed to load CMOR table %s: %w", path, err)
		}
	}
	return tables, nil
}

func skipTable(name string) bool {
	for _, suffix := range []string{"_CV", "_grids", "_formula_terms", "_input_example"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func loadFile(tables *registry.ProjectTables, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var tf tableFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return err
	}

	for name, entry := range tf.AxisEntry {
		c, err := toCoordinate(name, entry)
		if err != nil {
			return err
		}
		tables.AddCoordinate(c)
	}

	if len(tf.VariableEntry) == 0 {
		return nil
	}
	mip := tableMip(tf.Header.TableID, path)
	for short, entry := range tf.VariableEntry {
		tables.AddVariable(mip, registry.Variable{
			ShortName:     short,
			StandardName:  entry.StandardName,
			LongName:      entry.LongName,
			Units:         entry.Units,
			Frequency:     entry.Frequency,
			ModelingRealm: strings.Fields(entry.ModelingRealm),
			Dimensions:    strings.Fields(entry.Dimensions),
		})
	}
	return nil
}

// tableMip takes the mip from "Table Amon", falling back to the file name.
func tableMip(tableID, path string) string {
	if fields := strings.Fields(tableID); len(fields) == 2 {
		return fields[1]
	}
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	if _, mip, ok := strings.Cut(name, "_"); ok {
		return mip
	}
	return name
}

func toCoordinate(name string, entry axisEntry) (registry.Coordinate, error) {
	c := registry.Coordinate{Name: name, OutName: entry.OutName, Units: entry.Units}
	for _, r := range entry.Requested {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return c, fmt.Errorf("invalid requested value %q for %s: %w", r, name, err)
		}
		c.Requested = append(c.Requested, v)
	}
	if s := strings.TrimSpace(entry.Value); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return c, fmt.Errorf("invalid value %q for %s: %w", s, name, err)
		}
		c.Value = &v
	}
	return c, nil
}

// Load reads the tables of several projects into a new registry. Projects
// described by another project's tables (e.g. OBS6 by CMIP6) are aliased.
func Load(dirs map[string]string, aliases map[string]string) (*registry.TableRegistry, error) {
	r := registry.NewTableRegistry()
	projects := make([]string, 0, len(dirs))
	for p := range dirs {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	for _, p := range projects {
		t, err := LoadDir(p, dirs[p])
		if err != nil {
			return nil, err
		}
		r.Register(t)
	}
	for project, tablesOf := range aliases {
		if project == tablesOf {
			continue
		}
		r.Alias(project, tablesOf)
	}
	return r, nil
}
