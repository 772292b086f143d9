package recipe

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/mitchellh/copystructure"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// requiredFacets must be known for every dataset of a variable group.
var requiredFacets = []string{dataset.ShortName, dataset.Mip, dataset.Name, dataset.Project}

// aliasKeys compose the alias of a dataset, by priority.
var aliasKeys = []string{dataset.Project, "activity", dataset.Name, dataset.Exp, dataset.Ensemble, dataset.Version}

// ToDatasets returns one dataset per dataset entry and variable group, in
// declaration order. Recipe-level datasets come first, then the additional
// datasets of the diagnostic, then those of the variable. Variable facets
// apply to every dataset unless the dataset entry sets them. Range
// shorthands in ensemble and sub_experiment are expanded.
func (r *Recipe) ToDatasets() ([]*dataset.Dataset, error) {
	var all []*dataset.Dataset
	var err error
	r.Diagnostics.Each(func(diag string, d *Diagnostic) bool {
		d.Variables.Each(func(group string, variable map[string]any) bool {
			var datasets []*dataset.Dataset
			datasets, err = r.variableDatasets(diag, d, group, variable)
			all = append(all, datasets...)
			return err == nil
		})
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (r *Recipe) variableDatasets(diag string, d *Diagnostic, group string, variable map[string]any) ([]*dataset.Dataset, error) {
	entries := make([]map[string]any, 0, len(r.Datasets)+len(d.AdditionalDatasets))
	entries = append(entries, r.Datasets...)
	entries = append(entries, d.AdditionalDatasets...)
	entries = append(entries, toMaps(variable[keyAdditionalDatasets])...)
	if len(entries) == 0 {
		return nil, core.Configf("You have not specified any dataset or additional_dataset groups for variable %s in diagnostic %s", group, diag)
	}

	varFacets, err := copyFacets(variable)
	if err != nil {
		return nil, err
	}
	delete(varFacets, keyAdditionalDatasets)
	varAncillaries := toMaps(varFacets[keyAncillaries])
	delete(varFacets, keyAncillaries)

	var out []*dataset.Dataset
	index := 0
	for _, entry := range entries {
		facets, err := copyFacets(entry)
		if err != nil {
			return nil, err
		}
		ancillaries := mergeAncillaries(varAncillaries, toMaps(facets[keyAncillaries]))
		delete(facets, keyAncillaries)

		if err := mergo.Merge(&facets, varFacets); err != nil {
			return nil, fmt.Errorf("merging facets of variable %s: %w", group, err)
		}
		if _, ok := facets[dataset.ShortName]; !ok {
			facets[dataset.ShortName] = group
		}
		var missing []string
		for _, k := range requiredFacets {
			if _, ok := facets[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return nil, core.Configf("Missing keys [%s] in %v from variable %s in diagnostic %s",
				strings.Join(missing, ", "), facets, group, diag)
		}

		ds, err := dataset.New(facets)
		if err != nil {
			return nil, fmt.Errorf("variable %s in diagnostic %s: %w", group, diag, err)
		}
		if err := ds.Set(dataset.Diagnostic, diag, false); err != nil {
			return nil, err
		}
		if err := ds.Set(dataset.VariableGroup, group, false); err != nil {
			return nil, err
		}
		if !ds.Has(dataset.Preprocessor) {
			if err := ds.Set(dataset.Preprocessor, DefaultPreprocessor, false); err != nil {
				return nil, err
			}
		}
		for _, a := range ancillaries {
			if _, err := ds.AddAncillary(a); err != nil {
				return nil, fmt.Errorf("ancillary variable of %s: %w", ds.Summary(), err)
			}
		}

		expanded, err := ds.FromRanges()
		if err != nil {
			return nil, err
		}
		for _, e := range expanded {
			if err := e.Set(dataset.RecipeDatasetIndex, index, false); err != nil {
				return nil, err
			}
			index++
			out = append(out, e)
		}
	}

	if err := checkDuplicates(out, group, diag); err != nil {
		return nil, err
	}
	SetAliases(out)
	return out, nil
}

// mergeAncillaries returns the variable-level ancillary declarations with
// those of a dataset entry replacing the ones of the same short_name.
func mergeAncillaries(variable, entry []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(variable)+len(entry))
	replaced := make(map[string]bool, len(entry))
	for _, e := range entry {
		replaced[fmt.Sprint(e[dataset.ShortName])] = true
	}
	for _, v := range variable {
		if !replaced[fmt.Sprint(v[dataset.ShortName])] {
			out = append(out, v)
		}
	}
	return append(out, entry...)
}

func checkDuplicates(datasets []*dataset.Dataset, group, diag string) error {
	seen := make(map[string]bool, len(datasets))
	for _, ds := range datasets {
		facets := ds.FacetMap()
		delete(facets, dataset.RecipeDatasetIndex)
		key := fmt.Sprint(facets)
		if seen[key] {
			return core.Configf("Duplicate dataset\n%s\nfor variable %s in diagnostic %s", ds.Summary(), group, diag)
		}
		seen[key] = true
	}
	return nil
}

// SetAliases assigns every dataset without a user-defined alias the
// shortest combination of its alias key values that tells the datasets
// apart. Datasets with a user-defined alias still take part in the
// comparison. Keys are considered in priority order; a key contributes its
// value when the datasets that agree on all previous keys disagree on it.
// Datasets that no key tells apart get their recipe_dataset_index
// appended.
func SetAliases(datasets []*dataset.Dataset) {
	type entry struct {
		values []string
		parts  []string
		users  []*dataset.Dataset
	}
	byKey := make(map[string]*entry)
	var entries []*entry
	for _, ds := range datasets {
		values := make([]string, len(aliasKeys))
		for i, k := range aliasKeys {
			values[i] = ds.Facet(k)
		}
		key := strings.Join(values, "\x00")
		e, ok := byKey[key]
		if !ok {
			e = &entry{values: values}
			byKey[key] = e
			entries = append(entries, e)
		}
		if !ds.Persisted(dataset.Alias) {
			e.users = append(e.users, ds)
		}
	}

	var walk func(members []*entry, i int)
	walk = func(members []*entry, i int) {
		if i >= len(aliasKeys) || len(members) < 2 {
			return
		}
		groups := make(map[string][]*entry)
		var order []string
		for _, m := range members {
			v := m.values[i]
			if _, ok := groups[v]; !ok {
				order = append(order, v)
			}
			groups[v] = append(groups[v], m)
		}
		if len(order) > 1 {
			for _, m := range members {
				if m.values[i] != "" {
					m.parts = append(m.parts, m.values[i])
				}
			}
		}
		for _, v := range order {
			walk(groups[v], i+1)
		}
	}
	walk(entries, 0)

	for _, e := range entries {
		alias := strings.Join(e.parts, "_")
		if alias == "" {
			alias = e.values[slices.Index(aliasKeys, dataset.Name)]
		}
		for _, ds := range e.users {
			a := alias
			if len(e.users) > 1 {
				idx, _ := ds.Facets().Int(dataset.RecipeDatasetIndex)
				a += "_" + strconv.Itoa(idx)
			}
			_ = ds.Set(dataset.Alias, a, false)
		}
	}
}

func copyFacets(m map[string]any) (map[string]any, error) {
	if m == nil {
		return make(map[string]any), nil
	}
	c, err := copystructure.Copy(m)
	if err != nil {
		return nil, fmt.Errorf("copying facets: %w", err)
	}
	return c.(map[string]any), nil
}

func toMaps(v any) []map[string]any {
	switch v := v.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
