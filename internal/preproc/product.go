package preproc

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/internal/timerange"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Product is one output file of a preprocessing task.
type Product struct {
	Filename   string
	Attributes map[string]any
	Settings   Settings

	// Dataset is the input of products computed from a single dataset.
	Dataset *dataset.Dataset
	// Ancestors are the inputs of products computed from the products of
	// other tasks (derived variables) and of statistics products.
	Ancestors []*Product
}

// Group returns the identifier of the product for grouping by keys.
// Missing attributes are left out.
func (p *Product) Group(keys []string) string {
	var parts []string
	for _, k := range keys {
		v, ok := p.Attributes[k]
		if !ok || v == nil {
			continue
		}
		s := dataset.ValueString(v)
		if s == "" {
			continue
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "_")
}

// Attribute returns an attribute formatted as a string.
func (p *Product) Attribute(key string) string {
	return dataset.ValueString(p.Attributes[key])
}

// Check validates the settings of the product and recomputes start_year
// and end_year from its timerange.
func (p *Product) Check() error {
	if err := checkSettings(p.Settings); err != nil {
		return fmt.Errorf("%s: %w", p.Filename, err)
	}
	if tr, ok := p.Attributes[dataset.Timerange].(string); ok {
		start, end, err := timerange.Years(tr)
		if err != nil {
			return err
		}
		p.Attributes["start_year"] = start
		p.Attributes["end_year"] = end
	}
	return nil
}

func (p *Product) String() string {
	return p.Filename
}

// OutputFile returns the path of the preprocessed file for a dataset:
// <preprocDir>/<diagnostic>/<variable_group>/<template>[_<timerange>].nc
func OutputFile(facets map[string]any, projects *registry.ProjectRegistry, preprocDir string) (string, error) {
	project := dataset.ValueString(facets[dataset.Project])
	p, status := projects.Project(project)
	if status != registry.Found {
		return "", core.Configf("Unable to determine the output file name: project '%s' is not supported", project)
	}
	names, err := registry.ExpandTemplate(p.OutputFile, scalarFacets(facets))
	if err != nil {
		return "", err
	}
	name := names[0]
	if tr, ok := facets[dataset.Timerange].(string); ok && tr != "" {
		name += "_" + strings.ReplaceAll(tr, "/", "-")
	}
	return filepath.Join(
		preprocDir,
		dataset.ValueString(facets[dataset.Diagnostic]),
		dataset.ValueString(facets[dataset.VariableGroup]),
		name+".nc",
	), nil
}

// scalarFacets joins list valued facets so a template expands to one path.
func scalarFacets(facets map[string]any) map[string]any {
	out := make(map[string]any, len(facets))
	for k, v := range facets {
		if l, ok := v.([]string); ok {
			out[k] = strings.Join(l, "-")
			continue
		}
		out[k] = v
	}
	return out
}

var multiProductKeys = []string{
	dataset.Project,
	dataset.Name,
	dataset.Exp,
	StepEnsembleStatistics,
	StepMultiModelStatistics,
	dataset.Mip,
	dataset.ShortName,
}

// MultiProductFilename returns the path of a statistics product.
func MultiProductFilename(attributes map[string]any, preprocDir string) string {
	var segments []string
	seen := make(map[string]bool)
	for _, k := range multiProductKeys {
		v, ok := attributes[k]
		if !ok {
			continue
		}
		for _, seg := range strings.Split(dataset.ValueString(v), "_") {
			if seen[seg] {
				continue
			}
			seen[seg] = true
			segments = append(segments, seg)
		}
	}
	if tr, ok := attributes[dataset.Timerange].(string); ok {
		segments = append(segments, strings.ReplaceAll(tr, "/", "-"))
	}
	return filepath.Join(
		preprocDir,
		dataset.ValueString(attributes[dataset.Diagnostic]),
		dataset.ValueString(attributes[dataset.VariableGroup]),
		strings.Join(segments, "_")+".nc",
	)
}

// SortProducts orders products by filename.
func SortProducts(products []*Product) {
	sort.Slice(products, func(i, j int) bool {
		return products[i].Filename < products[j].Filename
	})
}
