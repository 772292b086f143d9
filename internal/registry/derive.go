package registry

import (
	"sort"
	"sync"
)

// Input is one variable a derived variable is computed from.
type Input struct {
	// Facets override the facets of the derived dataset, at least short_name.
	Facets map[string]any
	// Optional inputs may be absent.
	Optional bool
}

// ShortName returns the input's short_name facet.
func (in Input) ShortName() string {
	s, _ := in.Facets["short_name"].(string)
	return s
}

// RequiredFunc returns the inputs of a derived variable for a project.
type RequiredFunc func(project string) []Input

// DeriveRegistry maps derived variable short names to their inputs.
type DeriveRegistry struct {
	mu      sync.RWMutex
	derived map[string]RequiredFunc
}

// NewDeriveRegistry creates an empty registry.
func NewDeriveRegistry() *DeriveRegistry {
	return &DeriveRegistry{derived: make(map[string]RequiredFunc)}
}

// Register adds a derived variable.
func (r *DeriveRegistry) Register(shortName string, fn RequiredFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.derived[shortName] = fn
}

// Required returns the ordered inputs needed to derive shortName. The
// returned inputs are copies and may be modified.
func (r *DeriveRegistry) Required(shortName, project string) ([]Input, Status) {
	r.mu.RLock()
	fn, ok := r.derived[shortName]
	r.mu.RUnlock()
	if !ok {
		return nil, NotFound
	}
	inputs := fn(project)
	out := make([]Input, len(inputs))
	for i, in := range inputs {
		facets := make(map[string]any, len(in.Facets))
		for k, v := range in.Facets {
			facets[k] = v
		}
		out[i] = Input{Facets: facets, Optional: in.Optional}
	}
	return out, Found
}

// Names returns the derivable short names in sorted order.
func (r *DeriveRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.derived))
	for name := range r.derived {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func vars(names ...string) RequiredFunc {
	return func(string) []Input {
		inputs := make([]Input, len(names))
		for i, n := range names {
			inputs[i] = Input{Facets: map[string]any{"short_name": n}}
		}
		return inputs
	}
}

// DefaultDerivations returns the built-in derived variables.
func DefaultDerivations() *DeriveRegistry {
	r := NewDeriveRegistry()
	r.Register("lwcre", vars("rlut", "rlutcs"))
	r.Register("swcre", vars("rsut", "rsutcs"))
	r.Register("netcre", vars("rlut", "rlutcs", "rsut", "rsutcs"))
	r.Register("rtnt", vars("rsdt", "rsut", "rlut"))
	r.Register("rsnt", vars("rsdt", "rsut"))
	r.Register("asr", vars("rsdt", "rsut"))
	r.Register("lvp", vars("hfls", "pr", "evspsbl"))
	r.Register("sispeed", vars("usi", "vsi"))
	r.Register("siextent", func(project string) []Input {
		if project == "CMIP6" {
			return []Input{
				{Facets: map[string]any{"short_name": "siconc"}, Optional: true},
				{Facets: map[string]any{"short_name": "siconca"}, Optional: true},
			}
		}
		return []Input{{Facets: map[string]any{"short_name": "sic"}}}
	})
	r.Register("ohc", func(project string) []Input {
		fxMip := "fx"
		if project == "CMIP6" {
			fxMip = "Ofx"
		}
		return []Input{
			{Facets: map[string]any{"short_name": "thetao"}},
			{Facets: map[string]any{"short_name": "volcello", "mip": fxMip}},
		}
	})
	return r
}
