package recipe

import (
	"strings"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Check verifies what the schema cannot: names usable in task names,
// scripts with a path, known preprocessors and no task name collisions.
func (r *Recipe) Check() error {
	if r.Diagnostics == nil || r.Diagnostics.Len() == 0 {
		return core.Configf("The given recipe does not have any diagnostic")
	}
	var err error
	r.Diagnostics.Each(func(name string, d *Diagnostic) bool {
		if strings.Contains(name, taskSeparator) {
			err = core.Configf("Invalid diagnostic name %s: names cannot contain '%s'", name, taskSeparator)
			return false
		}
		if d == nil {
			err = core.Configf("Diagnostic %s is empty", name)
			return false
		}
		err = r.checkDiagnostic(name, d)
		return err == nil
	})
	return err
}

func (r *Recipe) checkDiagnostic(name string, d *Diagnostic) error {
	for _, group := range d.Variables.Keys() {
		if strings.Contains(group, taskSeparator) {
			return core.Configf("Invalid variable group %s in diagnostic %s: names cannot contain '%s'", group, name, taskSeparator)
		}
		v, _ := d.Variables.Get(group)
		preproc := DefaultPreprocessor
		if p, ok := v["preprocessor"].(string); ok {
			preproc = p
		}
		if !r.Preprocessors.Has(preproc) {
			return core.Configf("Unknown preprocessor %s in variable %s of diagnostic %s", preproc, group, name)
		}
	}
	for _, script := range d.Scripts.Keys() {
		if strings.Contains(script, taskSeparator) {
			return core.Configf("Invalid script name %s in diagnostic %s: names cannot contain '%s'", script, name, taskSeparator)
		}
		if d.Variables.Has(script) {
			return core.Configf("Script %s of diagnostic %s has the same name as a variable group", script, name)
		}
		raw, _ := d.Scripts.Get(script)
		if path, _ := raw[keyScript].(string); path == "" {
			return core.Configf("No script defined for script %s in diagnostic %s", script, name)
		}
	}
	return nil
}
