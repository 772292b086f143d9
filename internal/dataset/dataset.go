// Package dataset implements the dataset descriptor: a facet based
// description of one variable of one dataset, together with the ancillary
// variables the preprocessor needs for it and the files that hold its data.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/internal/timerange"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Dataset describes one variable of one dataset.
//
// Facets set from the recipe (or by expansion of recipe values) are
// persisted and end up in the filled recipe; facets added by augmentation
// are not.
type Dataset struct {
	facets  Facets
	persist map[string]struct{}

	// Ancillaries are the auxiliary variables (cell area, land fraction,
	// ...) used by preprocessing steps. They share the facets of the parent
	// except short_name and mip.
	Ancillaries []*Dataset

	finder   Finder
	files    []File
	resolved bool
	searched []string
}

// New creates a dataset; every facet is persisted.
func New(facets map[string]any) (*Dataset, error) {
	d := &Dataset{persist: make(map[string]struct{})}
	for _, k := range sortedKeys(facets) {
		if err := d.Set(k, facets[k], true); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// MustNew is like New but panics on invalid facets.
func MustNew(facets map[string]any) *Dataset {
	d, err := New(facets)
	if err != nil {
		panic(err)
	}
	return d
}

// Set validates and stores a facet. Changing a facet invalidates the cached
// files.
func (d *Dataset) Set(key string, value any, persist bool) error {
	if err := d.facets.Set(key, value); err != nil {
		return err
	}
	if d.persist == nil {
		d.persist = make(map[string]struct{})
	}
	if persist {
		d.persist[key] = struct{}{}
	}
	d.invalidate()
	return nil
}

// Delete removes a facet.
func (d *Dataset) Delete(key string) {
	if !d.facets.Has(key) {
		return
	}
	d.facets.Delete(key)
	delete(d.persist, key)
	d.invalidate()
}

func (d *Dataset) invalidate() {
	d.files = nil
	d.resolved = false
	d.searched = nil
}

// Get returns the raw value of a facet.
func (d *Dataset) Get(key string) (any, bool) { return d.facets.Get(key) }

// Has reports whether a facet is set.
func (d *Dataset) Has(key string) bool { return d.facets.Has(key) }

// Facet returns a facet as a string; list values are joined with "-".
func (d *Dataset) Facet(key string) string { return d.facets.String(key) }

// FacetList returns a facet as a list of strings.
func (d *Dataset) FacetList(key string) []string { return d.facets.Strings(key) }

// Facets returns a copy of the facets.
func (d *Dataset) Facets() Facets { return d.facets.Clone() }

// FacetMap returns a deep copy of the facets as a plain map.
func (d *Dataset) FacetMap() map[string]any { return d.facets.Map() }

// Persisted reports whether a facet was set by the user.
func (d *Dataset) Persisted(key string) bool {
	_, ok := d.persist[key]
	return ok
}

// MinimalFacets returns the user-specified facets.
func (d *Dataset) MinimalFacets() map[string]any {
	out := make(map[string]any, len(d.persist))
	for k := range d.persist {
		if v, ok := d.facets.Get(k); ok {
			out[k] = copyValue(v)
		}
	}
	return out
}

// SetFinder sets the file finder of the dataset and its ancillaries.
func (d *Dataset) SetFinder(f Finder) {
	d.finder = f
	d.invalidate()
	for _, a := range d.Ancillaries {
		a.SetFinder(f)
	}
}

// Finder returns the file finder in use.
func (d *Dataset) Finder() Finder { return d.finder }

// Files returns the files of the dataset, searching on first use.
func (d *Dataset) Files(ctx context.Context) ([]File, error) {
	if d.resolved {
		return d.files, nil
	}
	if d.finder == nil {
		return nil, core.Configf("no file finder configured for %s", d.Summary())
	}
	result, err := d.finder.FindFiles(ctx, d.facets.Clone())
	if err != nil && !errors.Is(err, core.ErrInputFilesNotFound) {
		return nil, fmt.Errorf("failed to find files for %s: %w", d.Summary(), err)
	}
	d.files = result.Files
	d.searched = result.Searched
	d.resolved = true
	return d.files, nil
}

// SetFiles replaces the files of the dataset.
func (d *Dataset) SetFiles(files []File) {
	d.files = files
	d.resolved = true
}

// Searched returns the locations looked at by the last search.
func (d *Dataset) Searched() []string { return d.searched }

// Copy returns a deep copy with overrides applied. The overrides, except
// short_name and mip, are applied to the ancillaries as well.
func (d *Dataset) Copy(overrides map[string]any) (*Dataset, error) {
	n := &Dataset{
		facets:  d.facets.Clone(),
		persist: make(map[string]struct{}, len(d.persist)),
		finder:  d.finder,
	}
	for k := range d.persist {
		n.persist[k] = struct{}{}
	}
	for _, k := range sortedKeys(overrides) {
		if err := n.Set(k, overrides[k], true); err != nil {
			return nil, err
		}
	}
	ancOverrides := make(map[string]any, len(overrides))
	for k, v := range overrides {
		if k != ShortName && k != Mip {
			ancOverrides[k] = v
		}
	}
	for _, a := range d.Ancillaries {
		na, err := a.Copy(ancOverrides)
		if err != nil {
			return nil, err
		}
		n.Ancillaries = append(n.Ancillaries, na)
	}
	return n, nil
}

// augmentedKeys are the facets AugmentFacets may add.
var augmentedKeys = []string{
	"institute",
	"activity",
	"original_short_name",
	"standard_name",
	"long_name",
	"units",
	Frequency,
	"modeling_realm",
}

// Variant returns a copy of the dataset describing another variable. Facets
// that were added by augmentation for the original variable are dropped
// unless overridden, and the copy has no ancillaries.
func (d *Dataset) Variant(facets map[string]any) (*Dataset, error) {
	v, err := d.Copy(facets)
	if err != nil {
		return nil, err
	}
	v.Ancillaries = nil
	for _, k := range augmentedKeys {
		if _, ok := facets[k]; ok || v.Persisted(k) {
			continue
		}
		v.facets.Delete(k)
	}
	return v, nil
}

// AddAncillary adds an ancillary variable described by facets that
// override the parent's.
func (d *Dataset) AddAncillary(facets map[string]any) (*Dataset, error) {
	a, err := d.Variant(facets)
	if err != nil {
		return nil, err
	}
	d.Ancillaries = append(d.Ancillaries, a)
	return a, nil
}

var rangeRe = regexp.MustCompile(`\(\d+:\d+\)`)

// FromRanges expands range shorthands such as r(1:3)i1p1 in the ensemble
// and sub_experiment facets into one dataset per value.
func (d *Dataset) FromRanges() ([]*Dataset, error) {
	datasets := []*Dataset{d}
	for _, key := range []string{Ensemble, SubExperiment} {
		if !d.Has(key) {
			continue
		}
		var next []*Dataset
		for _, ds := range datasets {
			values, err := ds.expandRange(key)
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				c, err := ds.Copy(map[string]any{key: v})
				if err != nil {
					return nil, err
				}
				next = append(next, c)
			}
		}
		datasets = next
	}
	return datasets, nil
}

func (d *Dataset) expandRange(key string) ([]any, error) {
	value, _ := d.Get(key)
	if list, ok := value.([]string); ok {
		for _, elem := range list {
			if rangeRe.MatchString(elem) {
				return nil, core.Configf("In %s: %s expansion cannot be combined with %s lists", d.Summary(), key, key)
			}
		}
		return []any{list}, nil
	}

	var expanded []any
	var expand func(s string)
	expand = func(s string) {
		loc := rangeRe.FindStringIndex(s)
		if loc == nil {
			expanded = append(expanded, s)
			return
		}
		bounds := strings.Split(s[loc[0]+1:loc[1]-1], ":")
		start, _ := strconv.Atoi(bounds[0])
		end, _ := strconv.Atoi(bounds[1])
		for i := start; i <= end; i++ {
			expand(s[:loc[0]] + strconv.Itoa(i) + s[loc[1]:])
		}
	}
	expand(ValueString(value))
	return expanded, nil
}

func (d *Dataset) hasGlob() bool {
	for _, k := range d.facets.Keys() {
		v, _ := d.facets.Get(k)
		if IsGlob(v) {
			return true
		}
	}
	return false
}

// FromFiles expands facet wildcards into one dataset per distinct set of
// facets found in the available files. A dataset without wildcards, or
// without any files, is returned as is. A wildcard timerange is resolved
// from the dates of the files of each resulting dataset.
func (d *Dataset) FromFiles(ctx context.Context) ([]*Dataset, error) {
	tr, _ := d.Get(Timerange)
	globTimerange := IsGlob(tr)
	if globTimerange {
		d.Delete(Timerange)
	}

	// Wildcards defined only on an ancillary are restored after expansion,
	// so the ancillary is expanded against its own files.
	ancillaryGlobs := make([]map[string]any, len(d.Ancillaries))
	for i, a := range d.Ancillaries {
		globs := make(map[string]any)
		for _, k := range a.facets.Keys() {
			v, _ := a.facets.Get(k)
			parent, _ := d.facets.Get(k)
			if IsGlob(v) && !IsGlob(parent) {
				globs[k] = v
			}
		}
		ancillaryGlobs[i] = globs
	}

	var datasets []*Dataset
	if d.hasGlob() {
		files, err := d.Files(ctx)
		if err != nil {
			return nil, err
		}
		for _, set := range distinctFacetSets(files, d.Has(Version)) {
			updated := make(map[string]any)
			for k, v := range set {
				pattern, ok := d.facets.values[k].(string)
				value, isString := v.(string)
				if !ok || !isString {
					continue
				}
				if match, _ := path.Match(pattern, value); match {
					updated[k] = value
				}
			}
			ds, err := d.Copy(updated)
			if err != nil {
				return nil, err
			}
			for i, a := range ds.Ancillaries {
				for k, v := range ancillaryGlobs[i] {
					if err := a.Set(k, v, true); err != nil {
						return nil, err
					}
				}
			}
			datasets = append(datasets, ds)
		}
	}
	if len(datasets) == 0 {
		datasets = append(datasets, d)
	}

	if globTimerange {
		if err := d.Set(Timerange, tr, true); err != nil {
			return nil, err
		}
		for _, ds := range datasets {
			if err := ds.Set(Timerange, tr, true); err != nil {
				return nil, err
			}
			if err := ds.UpdateTimerange(ctx); err != nil {
				return nil, err
			}
		}
	}

	for _, ds := range datasets {
		var ancillaries []*Dataset
		for _, a := range ds.Ancillaries {
			expanded, err := a.FromFiles(ctx)
			if err != nil {
				return nil, err
			}
			ancillaries = append(ancillaries, expanded...)
		}
		ds.Ancillaries = ancillaries
	}
	return datasets, nil
}

// distinctFacetSets returns the facet sets of files, dropping any set that
// is a subset or superset of one seen before. The result is sorted.
func distinctFacetSets(files []File, keepVersion bool) []map[string]any {
	var sets []map[string]any
	for _, f := range files {
		set := make(map[string]any, len(f.Facets))
		for k, v := range f.Facets {
			if k == Version && !keepVersion {
				continue
			}
			set[k] = v
		}
		duplicate := false
		for _, prev := range sets {
			if subset(set, prev) || subset(prev, set) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			sets = append(sets, set)
		}
	}
	sort.Slice(sets, func(i, j int) bool {
		return facetSetKey(sets[i]) < facetSetKey(sets[j])
	})
	return sets
}

func subset(a, b map[string]any) bool {
	for k, v := range a {
		w, ok := b[k]
		if !ok || ValueString(v) != ValueString(w) {
			return false
		}
	}
	return true
}

func facetSetKey(set map[string]any) string {
	keys := sortedKeys(set)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + ValueString(set[k])
	}
	return strings.Join(parts, ",")
}

// UpdateTimerange pads years in the timerange facet to four digits and
// replaces wildcards with the earliest and latest dates of the available
// files.
func (d *Dataset) UpdateTimerange(ctx context.Context) error {
	if !d.Has(Timerange) {
		return nil
	}
	tr := d.Facet(Timerange)
	d.Delete(Timerange)
	if tr != "*" {
		start, end, err := timerange.Split(tr)
		if err != nil {
			return err
		}
		tr = timerange.FromDates(start, end)
		if err := timerange.Validate(tr); err != nil {
			return err
		}
	}

	if timerange.HasWildcard(tr) {
		if err := d.CheckAvailability(ctx); err != nil {
			return err
		}
		var minDate, maxDate string
		for _, f := range d.files {
			start, end, ok := timerange.FromFilename(f.Name)
			if !ok {
				continue
			}
			if minDate == "" || start < minDate {
				minDate = start
			}
			if maxDate == "" || end > maxDate {
				maxDate = end
			}
		}
		d.invalidate()
		if minDate == "" {
			return core.FilesNotFoundf("Unable to determine the time range of %s from its file names", d.Summary())
		}
		var err error
		if tr, err = timerange.ReplaceWildcards(tr, minDate, maxDate); err != nil {
			return err
		}
	}

	start, end, err := timerange.Split(tr)
	if err != nil {
		return err
	}
	tr = timerange.FromDates(start, end)
	if err := timerange.Validate(tr); err != nil {
		return err
	}
	return d.Set(Timerange, tr, true)
}

// SetVersion sets the version facet from the available files: a single
// version, or the sorted list when the files have several.
func (d *Dataset) SetVersion(ctx context.Context) error {
	files, err := d.Files(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, f := range files {
		if v := f.Version(); v != "" {
			seen[v] = struct{}{}
		}
	}
	versions := sortedKeys(seen)
	switch len(versions) {
	case 0:
	case 1:
		d.facets.values[Version] = versions[0]
		d.persist[Version] = struct{}{}
	default:
		d.facets.values[Version] = versions
		d.persist[Version] = struct{}{}
	}
	for _, a := range d.Ancillaries {
		if err := a.SetVersion(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AugmentFacets adds the facets that follow from the project settings and
// the CMOR tables to the dataset and its ancillaries. Projects unknown to a
// registry are skipped.
func (d *Dataset) AugmentFacets(tables registry.Tables, projects *registry.ProjectRegistry) error {
	if err := d.augment(tables, projects); err != nil {
		return err
	}
	for _, a := range d.Ancillaries {
		if err := a.augment(tables, projects); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dataset) augment(tables registry.Tables, projects *registry.ProjectRegistry) error {
	project := d.Facet(Project)
	if projects != nil {
		if !d.Has("institute") {
			if inst, status := projects.Institutes(project, d.Facet(Name)); status == registry.Found {
				if err := d.Set("institute", inst, false); err != nil {
					return err
				}
			}
		}
		if !d.Has("activity") && d.Has(Exp) {
			var activities []string
			for _, exp := range d.FacetList(Exp) {
				if a, status := projects.Activity(project, exp); status == registry.Found {
					activities = append(activities, a)
				}
			}
			switch len(activities) {
			case 0:
			case 1:
				if err := d.Set("activity", activities[0], false); err != nil {
					return err
				}
			default:
				if err := d.Set("activity", activities, false); err != nil {
					return err
				}
			}
		}
	}

	if tables != nil {
		if err := d.augmentFromTable(tables, false); err != nil {
			return err
		}
	}

	if d.Facet(Frequency) == "fx" {
		d.Delete(Timerange)
	}
	return nil
}

// OverrideTableFacets replaces the table facets of the dataset with those
// of its CMOR table entry. It is used for the inputs of derived variables,
// which inherit the facets of the variable they are derived for.
func (d *Dataset) OverrideTableFacets(tables registry.Tables) error {
	return d.augmentFromTable(tables, true)
}

func (d *Dataset) augmentFromTable(tables registry.Tables, override bool) error {
	project, mip, short := d.Facet(Project), d.Facet(Mip), d.Facet(ShortName)
	entry, status := tables.Variable(project, mip, short)
	if status == registry.NotFound && d.facets.Bool(Derive) {
		entry, status = tables.Variable("custom", mip, short)
		if status == registry.Unsupported {
			status = registry.NotFound
		}
	}
	switch status {
	case registry.Unsupported:
		return nil
	case registry.NotFound:
		return core.Configf("Unable to load CMOR table (project) '%s' for variable '%s' with mip '%s'", project, short, mip)
	}

	if err := d.Set("original_short_name", entry.ShortName, false); err != nil {
		return err
	}
	fromTable := map[string]any{
		"standard_name": entry.StandardName,
		"long_name":     entry.LongName,
		"units":         entry.Units,
		Frequency:       entry.Frequency,
	}
	if len(entry.ModelingRealm) > 0 {
		fromTable["modeling_realm"] = entry.ModelingRealm
	}
	for _, k := range sortedKeys(fromTable) {
		if d.Has(k) && !override {
			continue
		}
		if s, ok := fromTable[k].(string); ok && s == "" {
			continue
		}
		if err := d.Set(k, fromTable[k], false); err != nil {
			return err
		}
	}
	return nil
}

// CheckAvailability returns an error wrapping core.ErrInputFilesNotFound
// when the dataset has no files, or when the files do not cover every year
// of the requested timerange.
func (d *Dataset) CheckAvailability(ctx context.Context) error {
	files, err := d.Files(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return core.FilesNotFoundf("No input files found for %s", d.Summary())
	}
	if !d.Has(Timerange) {
		return nil
	}
	return CheckYears(files, d.Facet(Timerange))
}

// CheckYears checks that files cover every year of tr. Files without dates
// in their name are ignored.
func CheckYears(files []File, tr string) error {
	if timerange.HasWildcard(tr) {
		return nil
	}
	startYear, endYear, err := timerange.Years(tr)
	if err != nil {
		return err
	}
	available := make(map[int]bool)
	for _, f := range files {
		start, end, ok := timerange.FromFilename(f.Name)
		if !ok {
			continue
		}
		s, _ := strconv.Atoi(start[:4])
		e, _ := strconv.Atoi(end[:4])
		for y := s; y <= e; y++ {
			available[y] = true
		}
	}
	var missing []int
	for y := startYear; y <= endYear; y++ {
		if !available[y] {
			missing = append(missing, y)
		}
	}
	if len(missing) > 0 {
		return core.FilesNotFoundf("No input data available for years %s in files:\n%s", groupYears(missing), filesText(files))
	}
	return nil
}

// groupYears renders sorted years as ranges, e.g. "2000-2002, 2005".
func groupYears(years []int) string {
	var parts []string
	for i := 0; i < len(years); {
		j := i
		for j+1 < len(years) && years[j+1] == years[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, strconv.Itoa(years[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", years[i], years[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ", ")
}

var summaryFacets = []string{
	ShortName, Mip, Project, Name, "rcm_version", "driver", "domain",
	"activity", Exp, Ensemble, "grid", Version,
}

func (d *Dataset) summaryValues() string {
	var values []string
	for _, k := range summaryFacets {
		if d.Has(k) {
			values = append(values, d.Facet(k))
		}
	}
	return strings.Join(values, ", ")
}

// Summary returns a one line description, e.g.
// "Dataset: tas, Amon, CMIP6, MODEL, historical, r1i1p1f1".
func (d *Dataset) Summary() string {
	txt := "Dataset: " + d.summaryValues()
	if len(d.Ancillaries) > 0 {
		anc := make([]string, len(d.Ancillaries))
		for i, a := range d.Ancillaries {
			anc[i] = a.summaryValues()
		}
		txt += ", ancillaries: " + strings.Join(anc, "; ")
	}
	return txt
}

var firstKeys = []string{Diagnostic, VariableGroup, Name, Project, Mip, ShortName}

func facetsText(f Facets) string {
	var parts []string
	seen := make(map[string]bool)
	for _, k := range firstKeys {
		if v, ok := f.Get(k); ok {
			parts = append(parts, fmt.Sprintf("%s: %s", k, quote(v)))
			seen[k] = true
		}
	}
	for _, k := range f.Keys() {
		if seen[k] {
			continue
		}
		v, _ := f.Get(k)
		parts = append(parts, fmt.Sprintf("%s: %s", k, quote(v)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func quote(v any) string {
	switch t := v.(type) {
	case string:
		return "'" + t + "'"
	case []string:
		q := make([]string, len(t))
		for i, s := range t {
			q[i] = "'" + s + "'"
		}
		return "[" + strings.Join(q, ", ") + "]"
	default:
		return ValueString(v)
	}
}

func (d *Dataset) String() string {
	lines := []string{"Dataset:", facetsText(d.facets)}
	if len(d.Ancillaries) > 0 {
		lines = append(lines, "ancillaries:")
		for _, a := range d.Ancillaries {
			lines = append(lines, "  "+facetsText(a.facets))
		}
	}
	return strings.Join(lines, "\n")
}
