package preproc

import (
	"reflect"
	"slices"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/timerange"
)

// OutputProducts maps group identifiers and statistic names to the
// products a statistics step creates.
type OutputProducts map[string]map[string]*Product

// Filenames returns the filenames of all output products, sorted.
func (o OutputProducts) Filenames() []string {
	var names []string
	for _, stats := range o {
		for _, p := range stats {
			names = append(names, p.Filename)
		}
	}
	sort.Strings(names)
	return names
}

// ensembleGrouping is the fixed grouping of ensemble statistics.
var ensembleGrouping = []string{dataset.Project, dataset.Name, dataset.Exp, dataset.SubExperiment}

// aggregation is the outcome of creating the products of one statistics
// step. The links are attached to the input products in a separate pass.
type aggregation struct {
	step    string
	outputs []*Product
	links   OutputProducts
}

type productGroup struct {
	identifier string
	products   []*Product
}

func groupProducts(products []*Product, keys []string) []productGroup {
	byID := make(map[string][]*Product)
	for _, p := range products {
		id := p.Group(keys)
		byID[id] = append(byID[id], p)
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	groups := make([]productGroup, len(ids))
	for i, id := range ids {
		groups[i] = productGroup{identifier: id, products: byID[id]}
	}
	return groups
}

// aggregate creates the statistics products of step for the inputs that
// use it. Inputs without the step are dropped from the result. When no
// input uses the step, the inputs are returned unchanged and agg is nil.
func aggregate(inputs []*Product, order []string, preprocDir, step string) (outputs []*Product, agg *aggregation, err error) {
	var products []*Product
	for _, p := range inputs {
		if p.Settings.Has(step) {
			products = append(products, p)
		}
	}
	if len(products) == 0 {
		return inputs, nil, nil
	}
	SortProducts(products)

	args, err := multiDatasetArgs(step, products[0].Settings[step])
	if err != nil {
		return nil, nil, err
	}
	grouping := args.Groupby
	if step == StepEnsembleStatistics {
		grouping = ensembleGrouping
	}
	downstream := downstreamSettings(step, order, products)

	agg = &aggregation{step: step, links: make(OutputProducts)}
	for _, g := range groupProducts(products, grouping) {
		common, err := commonAttributes(g.products, args.Span)
		if err != nil {
			return nil, nil, err
		}
		for _, statistic := range args.Statistics {
			attrs := cloneAttributes(common)
			tag := statisticTag(step, g.identifier, statistic)
			attrs[step] = tag
			if _, ok := attrs[dataset.Alias]; !ok {
				attrs[dataset.Alias] = tag
			}
			if _, ok := attrs[dataset.Name]; !ok {
				attrs[dataset.Name] = tag
			}
			p := &Product{
				Filename:   MultiProductFilename(attrs, preprocDir),
				Attributes: attrs,
				Settings:   downstream.Clone(),
				Ancestors:  g.products,
			}
			if agg.links[g.identifier] == nil {
				agg.links[g.identifier] = make(map[string]*Product)
			}
			agg.links[g.identifier][statistic] = p
			agg.outputs = append(agg.outputs, p)
		}
	}
	return agg.outputs, agg, nil
}

// link attaches the output products of an aggregation to the settings of
// the products that feed it.
func link(ancestors []*Product, agg *aggregation) {
	if agg == nil {
		return
	}
	for _, p := range ancestors {
		if args, ok := p.Settings[agg.step]; ok {
			args[outputProductsKey] = agg.links
		}
	}
}

// statisticTag names a statistics product, e.g. EnsembleMean or
// MultiModelP97-5.
func statisticTag(step, identifier, statistic string) string {
	statistic = titleWords(strings.ReplaceAll(statistic, ".", "-"))
	switch {
	case step == StepEnsembleStatistics:
		return ensembleGroupIdentifier + statistic
	case identifier == "":
		return multiModelGroupIdentifier + statistic
	default:
		return identifier + statistic
	}
}

// titleWords upper-cases the first letter of every run of letters and
// lower-cases the rest, so std_dev becomes Std_Dev and 95th becomes 95Th.
func titleWords(s string) string {
	caser := cases.Title(language.Und)
	var b strings.Builder
	start := -1
	for i, r := range s {
		if unicode.IsLetter(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			b.WriteString(caser.String(s[start:i]))
			start = -1
		}
		b.WriteRune(r)
	}
	if start >= 0 {
		b.WriteString(caser.String(s[start:]))
	}
	return b.String()
}

// commonAttributes returns the attributes shared by all products. The
// timerange is the intersection (span overlap) or union (span full) of the
// products' timeranges.
func commonAttributes(products []*Product, span string) (map[string]any, error) {
	attrs := make(map[string]any)
	for k, v := range products[0].Attributes {
		shared := true
		for _, p := range products[1:] {
			if other, ok := p.Attributes[k]; !ok || !reflect.DeepEqual(other, v) {
				shared = false
				break
			}
		}
		if shared {
			attrs[k] = v
		}
	}
	attrs = cloneAttributes(attrs)
	delete(attrs, dataset.Timerange)

	var tr string
	for _, p := range products {
		ptr, ok := p.Attributes[dataset.Timerange].(string)
		if !ok {
			continue
		}
		start, end, err := timerange.Parse(ptr)
		if err != nil {
			return nil, err
		}
		if tr == "" {
			tr = timerange.FromDates(start, end)
			continue
		}
		curStart, curEnd, err := timerange.Parse(tr)
		if err != nil {
			return nil, err
		}
		cs, s := timerange.Truncate(curStart, start)
		ce, e := timerange.Truncate(curEnd, end)
		if span == fullSpan {
			tr = timerange.FromInts(min(s, cs), max(e, ce))
		} else {
			tr = timerange.FromInts(max(s, cs), min(e, ce))
		}
	}
	if tr != "" {
		attrs[dataset.Timerange] = tr
		start, end, err := timerange.Years(tr)
		if err != nil {
			return nil, err
		}
		attrs["start_year"] = start
		attrs["end_year"] = end
	}
	return attrs, nil
}

// downstreamSettings returns the settings of the steps after step that are
// identical for all products.
func downstreamSettings(step string, order []string, products []*Product) Settings {
	out := make(Settings)
	idx := slices.Index(order, step)
	if idx < 0 {
		return out
	}
	remaining := order[idx+1:]
	for s, args := range products[0].Settings {
		if !slices.Contains(remaining, s) {
			continue
		}
		shared := true
		for _, p := range products[1:] {
			if other, ok := p.Settings[s]; !ok || !reflect.DeepEqual(other, args) {
				shared = false
				break
			}
		}
		if shared {
			out[s] = cloneArgs(args)
		}
	}
	return out
}

func cloneAttributes(attrs map[string]any) map[string]any {
	return cloneArgs(attrs)
}
