package registry

import "sort"

// Policy says how strictly a step needs its ancillary variables.
type Policy int

const (
	// Prefer means the step works without ancillaries, e.g. by computing
	// cell areas itself.
	Prefer Policy = iota
	// Require means at least one of the ancillaries must have data.
	Require
)

// Ancillaries lists the ancillary variables a preprocessing step uses. Any
// one of them is sufficient.
type Ancillaries struct {
	ShortNames []string
	Policy     Policy
}

// AncillaryRegistry maps preprocessing step names to their ancillaries.
type AncillaryRegistry struct {
	steps map[string]Ancillaries
}

// NewAncillaryRegistry creates a registry from a step map.
func NewAncillaryRegistry(steps map[string]Ancillaries) *AncillaryRegistry {
	return &AncillaryRegistry{steps: steps}
}

// DefaultAncillaries returns the built-in step requirements.
func DefaultAncillaries() *AncillaryRegistry {
	return NewAncillaryRegistry(map[string]Ancillaries{
		"area_statistics":            {ShortNames: []string{"areacella", "areacello"}, Policy: Prefer},
		"volume_statistics":          {ShortNames: []string{"volcello"}, Policy: Prefer},
		"mask_landsea":               {ShortNames: []string{"sftlf", "sftof"}, Policy: Prefer},
		"mask_landseaice":            {ShortNames: []string{"sftgif"}, Policy: Require},
		"weighting_landsea_fraction": {ShortNames: []string{"sftlf", "sftof"}, Policy: Require},
	})
}

// Required returns the ancillaries of a step.
func (r *AncillaryRegistry) Required(step string) (Ancillaries, bool) {
	a, ok := r.steps[step]
	if !ok {
		return Ancillaries{}, false
	}
	return Ancillaries{ShortNames: append([]string(nil), a.ShortNames...), Policy: a.Policy}, true
}

// Steps returns the steps with ancillaries in sorted order.
func (r *AncillaryRegistry) Steps() []string {
	steps := make([]string, 0, len(r.steps))
	for s := range r.steps {
		steps = append(steps, s)
	}
	sort.Strings(steps)
	return steps
}
