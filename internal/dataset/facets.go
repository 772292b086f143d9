package dataset

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/copystructure"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Kind is the value shape a well-known facet accepts.
type Kind int

const (
	// KindAny is used for extension facets.
	KindAny Kind = iota
	// KindString accepts a single string. Integers are converted.
	KindString
	// KindStrings accepts a string or a list of strings.
	KindStrings
	// KindInt accepts an integer.
	KindInt
	// KindBool accepts a boolean.
	KindBool
)

// Well-known facet keys.
const (
	ShortName          = "short_name"
	Mip                = "mip"
	Name               = "dataset"
	Project            = "project"
	Exp                = "exp"
	Ensemble           = "ensemble"
	SubExperiment      = "sub_experiment"
	Frequency          = "frequency"
	Timerange          = "timerange"
	Preprocessor       = "preprocessor"
	VariableGroup      = "variable_group"
	Diagnostic         = "diagnostic"
	Alias              = "alias"
	RecipeDatasetIndex = "recipe_dataset_index"
	Version            = "version"
	Derive             = "derive"
	ForceDerivation    = "force_derivation"
	ReferenceDataset   = "reference_dataset"
	AlternativeDataset = "alternative_dataset"
)

var schema = map[string]Kind{
	ShortName:             KindString,
	Mip:                   KindString,
	Name:                  KindString,
	Project:               KindString,
	Exp:                   KindStrings,
	Ensemble:              KindStrings,
	SubExperiment:         KindStrings,
	Frequency:             KindString,
	Timerange:             KindString,
	Preprocessor:          KindString,
	VariableGroup:         KindString,
	Diagnostic:            KindString,
	Alias:                 KindString,
	RecipeDatasetIndex:    KindInt,
	Version:               KindStrings,
	Derive:                KindBool,
	ForceDerivation:       KindBool,
	"optional":            KindBool,
	ReferenceDataset:      KindString,
	AlternativeDataset:    KindString,
	"reference_for_bias":  KindBool,
	"activity":            KindStrings,
	"institute":           KindStrings,
	"grid":                KindString,
	"type":                KindString,
	"tier":                KindInt,
	"start_year":          KindInt,
	"end_year":            KindInt,
	"original_short_name": KindString,
	"standard_name":       KindString,
	"long_name":           KindString,
	"units":               KindString,
	"modeling_realm":      KindStrings,
}

// KindOf returns the kind a facet key accepts.
func KindOf(key string) Kind {
	if k, ok := schema[key]; ok {
		return k
	}
	return KindAny
}

// Facets is a validated set of facet values. Well-known keys are checked
// against their kind on every Set; other keys form an open extension set.
type Facets struct {
	values map[string]any
}

// NewFacets validates and copies m into a new Facets.
func NewFacets(m map[string]any) (Facets, error) {
	f := Facets{values: make(map[string]any, len(m))}
	for _, k := range sortedKeys(m) {
		if err := f.Set(k, m[k]); err != nil {
			return Facets{}, err
		}
	}
	return f, nil
}

// Set validates value against the key's kind and stores a normalized copy.
func (f *Facets) Set(key string, value any) error {
	if key == "" {
		return core.Configf("facet name must not be empty")
	}
	v, err := normalize(key, value)
	if err != nil {
		return err
	}
	if f.values == nil {
		f.values = make(map[string]any)
	}
	f.values[key] = v
	return nil
}

// Get returns the raw value of a facet.
func (f Facets) Get(key string) (any, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Has reports whether a facet is set.
func (f Facets) Has(key string) bool {
	_, ok := f.values[key]
	return ok
}

// String returns a string facet. Lists are joined with "-".
func (f Facets) String(key string) string {
	return ValueString(f.values[key])
}

// Strings returns a facet as a list of strings.
func (f Facets) Strings(key string) []string {
	switch v := f.values[key].(type) {
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case nil:
		return nil
	default:
		return []string{ValueString(v)}
	}
}

// Int returns an integer facet.
func (f Facets) Int(key string) (int, bool) {
	v, ok := f.values[key].(int)
	return v, ok
}

// Bool returns a boolean facet; unset means false.
func (f Facets) Bool(key string) bool {
	v, _ := f.values[key].(bool)
	return v
}

// Delete removes a facet.
func (f *Facets) Delete(key string) {
	delete(f.values, key)
}

// Len returns the number of facets.
func (f Facets) Len() int { return len(f.values) }

// Keys returns the facet names in sorted order.
func (f Facets) Keys() []string {
	return sortedKeys(f.values)
}

// Map returns a deep copy of the facets as a plain map.
func (f Facets) Map() map[string]any {
	out := make(map[string]any, len(f.values))
	for k, v := range f.values {
		out[k] = copyValue(v)
	}
	return out
}

// Clone returns a deep copy.
func (f Facets) Clone() Facets {
	return Facets{values: f.Map()}
}

// Equal reports whether both sets hold the same facets.
func (f Facets) Equal(other Facets) bool {
	if len(f.values) != len(other.values) {
		return false
	}
	return reflect.DeepEqual(f.values, other.values)
}

// IsGlob reports whether a facet value contains a `*` wildcard.
func IsGlob(value any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, "*")
	case []string:
		for _, s := range v {
			if strings.Contains(s, "*") {
				return true
			}
		}
	}
	return false
}

// ValueString formats a facet value for use in names and aliases.
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, "-")
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func normalize(key string, value any) (any, error) {
	switch KindOf(key) {
	case KindString:
		switch v := value.(type) {
		case string:
			return v, nil
		case int:
			return strconv.Itoa(v), nil
		}
	case KindStrings:
		switch v := value.(type) {
		case string:
			return v, nil
		case int:
			return strconv.Itoa(v), nil
		case []string:
			return append([]string(nil), v...), nil
		case []any:
			if out, ok := toStrings(v); ok {
				return out, nil
			}
		}
	case KindInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
		}
	case KindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	default:
		if l, ok := value.([]any); ok {
			if out, ok := toStrings(l); ok {
				return out, nil
			}
		}
		return copyValue(value), nil
	}
	return nil, core.Configf("invalid value %v (%T) for facet '%s'", value, value, key)
}

func toStrings(l []any) ([]string, bool) {
	out := make([]string, 0, len(l))
	for _, item := range l {
		switch s := item.(type) {
		case string:
			out = append(out, s)
		case int:
			out = append(out, strconv.Itoa(s))
		default:
			return nil, false
		}
	}
	return out, true
}

func copyValue(v any) any {
	switch t := v.(type) {
	case string, int, bool, nil:
		return t
	case []string:
		return append([]string(nil), t...)
	}
	c, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	return c
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
