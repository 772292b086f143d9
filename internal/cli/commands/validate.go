package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/esmflow/internal/cli/output"
	"github.com/leapstack-labs/esmflow/internal/recipe"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <recipe>",
		Short: "Check a recipe without looking for data",
		Long: `Check a recipe against the recipe schema and its consistency rules:
diagnostics must exist, every variable needs datasets and ancestor
references must be well-formed. No input data is searched.`,
		Example: `  # Validate a recipe
  esmflow validate recipe_example.yml

  # Machine-readable result
  esmflow validate recipe_example.yml -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
	return cmd
}

func runValidate(cmd *cobra.Command, recipePath string) error {
	cmdCtx := NewCommandContextWithoutEngine(cmd)
	r := cmdCtx.Renderer

	result, err := validateRecipe(recipePath)

	switch r.EffectiveMode() {
	case output.ModeJSON:
		if jsonErr := r.JSON(result); jsonErr != nil {
			return jsonErr
		}
	case output.ModeMarkdown:
		r.Println(output.FormatHeader(1, "Recipe "+result.Recipe))
		r.Println("")
		r.Println(output.FormatKeyValue("Valid", strconv.FormatBool(result.Valid)))
		if result.Valid {
			r.Println(output.FormatKeyValue("Diagnostics", strings.Join(result.Diagnostics, ", ")))
			r.Println(output.FormatKeyValue("Datasets", strconv.Itoa(result.Datasets)))
		}
	default:
		if result.Valid {
			r.Success(fmt.Sprintf("%s is valid: %d diagnostics, %d datasets", result.Recipe, len(result.Diagnostics), result.Datasets))
		}
	}
	return err
}

func validateRecipe(path string) (output.ValidateOutput, error) {
	result := output.ValidateOutput{Recipe: path}
	rec, err := recipe.Load(path)
	if err == nil {
		var datasets int
		datasets, err = countDatasets(rec)
		result.Datasets = datasets
		result.Diagnostics = rec.Diagnostics.Keys()
	}
	if err != nil {
		result.Error = core.Message(err)
		return result, err
	}
	result.Valid = true
	return result, nil
}

func countDatasets(rec *recipe.Recipe) (int, error) {
	datasets, err := rec.ToDatasets()
	if err != nil {
		return 0, err
	}
	return len(datasets), nil
}
