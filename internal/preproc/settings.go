package preproc

import (
	"sort"

	"github.com/mitchellh/copystructure"

	"github.com/leapstack-labs/esmflow/internal/ordered"
)

// Settings maps the steps applied to a product to their keyword arguments.
type Settings map[string]map[string]any

// Clone returns a deep copy of the settings.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for step, args := range s {
		out[step] = cloneArgs(args)
	}
	return out
}

// Steps returns the steps present in s in the given order. Steps missing
// from order are appended in alphabetical order.
func (s Settings) Steps(order []string) []string {
	steps := make([]string, 0, len(s))
	seen := make(map[string]bool, len(s))
	for _, step := range order {
		if _, ok := s[step]; ok {
			steps = append(steps, step)
			seen[step] = true
		}
	}
	var rest []string
	for step := range s {
		if !seen[step] {
			rest = append(rest, step)
		}
	}
	sort.Strings(rest)
	return append(steps, rest...)
}

// Has reports whether a step is enabled.
func (s Settings) Has(step string) bool {
	_, ok := s[step]
	return ok
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	c, err := copystructure.Copy(args)
	if err != nil {
		out := make(map[string]any, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out
	}
	return c.(map[string]any)
}

// ApplyProfile applies the steps of a preprocessor profile to settings.
// A step set to false is removed, a mapping updates the step's arguments
// and any other value enables the step with its current arguments.
func ApplyProfile(settings Settings, profile *ordered.Map[any]) {
	profile.Each(func(step string, value any) bool {
		if enabled, ok := value.(bool); ok && !enabled {
			delete(settings, step)
			return true
		}
		if _, ok := settings[step]; !ok {
			settings[step] = map[string]any{}
		}
		if args, ok := value.(map[string]any); ok {
			for k, v := range cloneArgs(args) {
				settings[step][k] = v
			}
		}
		return true
	})
}
