package recipe

import (
	"reflect"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/ordered"
)

// internalFacets are set during expansion and never written back.
var internalFacets = []string{dataset.Diagnostic, dataset.VariableGroup, dataset.RecipeDatasetIndex}

// Filled returns a copy of the recipe that lists the given datasets
// explicitly under their variable group: ranges and wildcards are replaced
// by the values they resolved to. Facets shared by all datasets of a group
// are written once on the variable. Variable groups without datasets keep
// their original definition.
func (r *Recipe) Filled(datasets []*dataset.Dataset) *Recipe {
	type key struct{ diag, group string }
	entries := make(map[key][]map[string]any)
	for _, ds := range datasets {
		k := key{ds.Facet(dataset.Diagnostic), ds.Facet(dataset.VariableGroup)}
		entries[k] = append(entries[k], datasetEntry(ds))
	}

	out := &Recipe{
		Documentation: r.Documentation,
		Preprocessors: r.Preprocessors,
		Diagnostics:   ordered.New[*Diagnostic](),
		Name:          r.Name,
		Path:          r.Path,
	}
	r.Diagnostics.Each(func(name string, d *Diagnostic) bool {
		filled := &Diagnostic{
			Description: d.Description,
			Themes:      d.Themes,
			Realms:      d.Realms,
			Scripts:     d.Scripts,
		}
		if d.Variables != nil {
			filled.Variables = ordered.New[map[string]any]()
		}
		d.Variables.Each(func(group string, variable map[string]any) bool {
			list, ok := entries[key{name, group}]
			if !ok {
				filled.Variables.Set(group, variable)
				return true
			}
			filled.Variables.Set(group, variableEntry(group, list))
			return true
		})
		out.Diagnostics.Set(name, filled)
		return true
	})
	return out
}

func datasetEntry(ds *dataset.Dataset) map[string]any {
	facets := ds.MinimalFacets()
	for _, k := range internalFacets {
		delete(facets, k)
	}
	if len(ds.Ancillaries) == 0 {
		return facets
	}
	parent := ds.MinimalFacets()
	ancillaries := make([]any, 0, len(ds.Ancillaries))
	for _, a := range ds.Ancillaries {
		af := a.MinimalFacets()
		for k, v := range af {
			if k == dataset.ShortName {
				continue
			}
			if pv, ok := parent[k]; ok && reflect.DeepEqual(pv, v) {
				delete(af, k)
			}
		}
		for _, k := range internalFacets {
			delete(af, k)
		}
		ancillaries = append(ancillaries, af)
	}
	facets[keyAncillaries] = ancillaries
	return facets
}

// variableEntry moves the facets all datasets agree on up to the variable.
// The dataset name always stays with the dataset.
func variableEntry(group string, list []map[string]any) map[string]any {
	variable := make(map[string]any)
	for _, k := range sortedKeys(list[0]) {
		if k == dataset.Name || k == keyAncillaries {
			continue
		}
		v := list[0][k]
		common := true
		for _, e := range list[1:] {
			if ev, ok := e[k]; !ok || !reflect.DeepEqual(ev, v) {
				common = false
				break
			}
		}
		if !common {
			continue
		}
		variable[k] = v
		for _, e := range list {
			delete(e, k)
		}
	}
	if variable[dataset.ShortName] == group {
		delete(variable, dataset.ShortName)
	}
	additional := make([]any, len(list))
	for i, e := range list {
		additional[i] = e
	}
	variable[keyAdditionalDatasets] = additional
	return variable
}
