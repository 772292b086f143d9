package recipe

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

//go:embed schema.json
var schemaSource string

const schemaURL = "https://esmflow.dev/schemas/recipe.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func recipeSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = jsonschema.CompileString(schemaURL, schemaSource)
	})
	return compiled, compileErr
}

// Validate checks a recipe document against the recipe schema. Violations
// are reported as one configuration error listing every offending location.
func Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return core.Configf("Invalid recipe: %v", err)
	}
	if doc == nil {
		return core.Configf("Invalid recipe: the file is empty")
	}
	// The validator expects the value shapes produced by a JSON decoder.
	raw, err := json.Marshal(doc)
	if err != nil {
		return core.Configf("Invalid recipe: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return core.Configf("Invalid recipe: %v", err)
	}

	schema, err := recipeSchema()
	if err != nil {
		return fmt.Errorf("compiling recipe schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return core.Configf("Recipe does not match the schema:\n- %s", strings.Join(violations(verr), "\n- "))
		}
		return core.Configf("Recipe does not match the schema: %v", err)
	}
	return nil
}

// violations flattens a validation error into one line per failing leaf.
func violations(err *jsonschema.ValidationError) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			line := fmt.Sprintf("%s: %s", loc, e.Message)
			if !seen[line] {
				seen[line] = true
				out = append(out, line)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(err)
	sort.Strings(out)
	return out
}
