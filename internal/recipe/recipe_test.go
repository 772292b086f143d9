package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

const exampleRecipe = `
documentation:
  title: Example
  description: Near-surface temperature and precipitation.
  authors: [doe_jane]

preprocessors:
  prep:
    regrid:
      target_grid: 1x1
      scheme: linear
    multi_model_statistics:
      span: overlap
      statistics: [mean]

datasets:
  - {dataset: CanESM5, project: CMIP6, exp: historical, ensemble: "r(1:3)i1p1f1", grid: gn}
  - {dataset: UKESM1-0-LL, project: CMIP6, exp: historical, ensemble: r1i1p1f2, grid: gn}

diagnostics:
  diag:
    description: Global means.
    themes: [phys]
    variables:
      tas:
        mip: Amon
        preprocessor: prep
        timerange: 2000/2005
      pr_day:
        short_name: pr
        mip: day
        timerange: 2000/2005
        additional_datasets:
          - {dataset: ERA5, project: native6, type: reanaly, tier: 3, version: v1, ensemble: r1i1p1f1}
    scripts:
      plot:
        script: examples/plot.py
        quickplot: {plot_type: pcolormesh}
  summary:
    scripts:
      table:
        script: summary.py
        ancestors: [diag/plot, "diag/t*"]
`

func parseExample(t *testing.T) *Recipe {
	t.Helper()
	r, err := Parse([]byte(exampleRecipe))
	require.NoError(t, err)
	return r
}

func TestParse(t *testing.T) {
	r := parseExample(t)

	assert.Equal(t, []string{"prep", DefaultPreprocessor}, r.Preprocessors.Keys())
	profile, ok := r.Profile("prep")
	require.True(t, ok)
	assert.Equal(t, []string{"regrid", "multi_model_statistics"}, profile.Keys())

	empty, ok := r.Profile(DefaultPreprocessor)
	require.True(t, ok)
	assert.Equal(t, 0, empty.Len())

	assert.Equal(t, []string{"diag", "summary"}, r.Diagnostics.Keys())
	diag, ok := r.Diagnostic("diag")
	require.True(t, ok)
	assert.Equal(t, []string{"tas", "pr_day"}, diag.Variables.Keys())
	assert.Equal(t, []string{"phys"}, diag.Themes)
	assert.Len(t, r.Datasets, 2)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe_example.yml")
	require.NoError(t, os.WriteFile(path, []byte(exampleRecipe), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "recipe_example", r.Name)
	assert.Equal(t, path, r.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		recipe  string
		wantErr string
	}{
		{
			name:    "empty",
			recipe:  "",
			wantErr: "the file is empty",
		},
		{
			name:    "unknown section",
			recipe:  "diagnostics: {d: {}}\nextra: 1\n",
			wantErr: "Recipe does not match the schema",
		},
		{
			name:    "no diagnostics",
			recipe:  "datasets: []\n",
			wantErr: "Recipe does not match the schema",
		},
		{
			name:    "script without path",
			recipe:  "diagnostics:\n  d:\n    scripts:\n      s: {setting: 1}\n",
			wantErr: "/diagnostics/d/scripts/s",
		},
		{
			name:    "dataset without name",
			recipe:  "datasets:\n  - {project: CMIP6}\ndiagnostics: {d: {}}\n",
			wantErr: "/datasets/0",
		},
		{
			name:    "not yaml",
			recipe:  "diagnostics: [unclosed",
			wantErr: "Invalid recipe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.recipe))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, Validate([]byte(exampleRecipe)))
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		recipe  string
		wantErr string
	}{
		{
			name: "unknown preprocessor",
			recipe: `
datasets: [{dataset: A, project: CMIP6}]
diagnostics:
  diag:
    variables:
      tas: {mip: Amon, preprocessor: missing}
`,
			wantErr: "Unknown preprocessor missing in variable tas of diagnostic diag",
		},
		{
			name: "separator in name",
			recipe: `
diagnostics:
  diag:
    scripts:
      a/b: {script: plot.py}
`,
			wantErr: "Invalid script name a/b in diagnostic diag",
		},
		{
			name: "script named like a variable group",
			recipe: `
datasets: [{dataset: A, project: CMIP6}]
diagnostics:
  diag:
    variables:
      tas: {mip: Amon}
    scripts:
      tas: {script: plot.py}
`,
			wantErr: "Script tas of diagnostic diag has the same name as a variable group",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.recipe))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScriptList(t *testing.T) {
	r := parseExample(t)

	diag, _ := r.Diagnostic("diag")
	scripts := diag.ScriptList("diag")
	require.Len(t, scripts, 1)
	assert.Equal(t, "plot", scripts[0].Name)
	assert.Equal(t, "examples/plot.py", scripts[0].Path)
	assert.Equal(t, []string{"diag/tas", "diag/pr_day"}, scripts[0].Ancestors)
	assert.Contains(t, scripts[0].Settings, "quickplot")
	assert.NotContains(t, scripts[0].Settings, "script")

	summary, _ := r.Diagnostic("summary")
	scripts = summary.ScriptList("summary")
	require.Len(t, scripts, 1)
	assert.Equal(t, []string{"diag/plot", "diag/t*"}, scripts[0].Ancestors)
	assert.NotContains(t, scripts[0].Settings, "ancestors")
}

func TestToDatasets(t *testing.T) {
	r := parseExample(t)
	datasets, err := r.ToDatasets()
	require.NoError(t, err)

	var tas, pr []*dataset.Dataset
	for _, ds := range datasets {
		switch ds.Facet(dataset.VariableGroup) {
		case "tas":
			tas = append(tas, ds)
		case "pr_day":
			pr = append(pr, ds)
		}
	}
	require.Len(t, tas, 4)
	require.Len(t, pr, 5)

	// Range expansion gives each dataset its own index.
	for i, ens := range []string{"r1i1p1f1", "r2i1p1f1", "r3i1p1f1"} {
		assert.Equal(t, "CanESM5", tas[i].Facet(dataset.Name))
		assert.Equal(t, ens, tas[i].Facet(dataset.Ensemble))
		idx, ok := tas[i].Facets().Int(dataset.RecipeDatasetIndex)
		require.True(t, ok)
		assert.Equal(t, i, idx)
	}

	first := tas[0]
	assert.Equal(t, "tas", first.Facet(dataset.ShortName))
	assert.Equal(t, "Amon", first.Facet(dataset.Mip))
	assert.Equal(t, "prep", first.Facet(dataset.Preprocessor))
	assert.Equal(t, "diag", first.Facet(dataset.Diagnostic))
	assert.Equal(t, "2000/2005", first.Facet(dataset.Timerange))
	assert.True(t, first.Persisted(dataset.Ensemble))
	assert.False(t, first.Persisted(dataset.Diagnostic))

	era5 := pr[4]
	assert.Equal(t, "pr", era5.Facet(dataset.ShortName))
	assert.Equal(t, "ERA5", era5.Facet(dataset.Name))
	assert.Equal(t, DefaultPreprocessor, era5.Facet(dataset.Preprocessor))
	assert.False(t, era5.Persisted(dataset.Preprocessor))

	aliases := make([]string, len(pr))
	for i, ds := range pr {
		aliases[i] = ds.Facet(dataset.Alias)
	}
	assert.Equal(t, []string{
		"CMIP6_CanESM5_r1i1p1f1",
		"CMIP6_CanESM5_r2i1p1f1",
		"CMIP6_CanESM5_r3i1p1f1",
		"CMIP6_UKESM1-0-LL",
		"native6",
	}, aliases)
}

func TestToDatasets_Errors(t *testing.T) {
	tests := []struct {
		name    string
		recipe  string
		wantErr string
	}{
		{
			name: "missing facets",
			recipe: `
datasets: [{dataset: A}]
diagnostics:
  diag:
    variables:
      tas: {mip: Amon}
`,
			wantErr: "Missing keys [project] in",
		},
		{
			name: "no datasets",
			recipe: `
diagnostics:
  diag:
    variables:
      tas: {mip: Amon, project: CMIP6}
`,
			wantErr: "You have not specified any dataset or additional_dataset groups for variable tas in diagnostic diag",
		},
		{
			name: "duplicate",
			recipe: `
datasets:
  - {dataset: A, project: CMIP6, ensemble: r1i1p1f1}
  - {dataset: A, project: CMIP6, ensemble: r1i1p1f1}
diagnostics:
  diag:
    variables:
      tas: {mip: Amon}
`,
			wantErr: "Duplicate dataset",
		},
		{
			name: "range in list",
			recipe: `
datasets:
  - {dataset: A, project: CMIP6, ensemble: ["r(1:2)i1p1f1", r5i1p1f1]}
diagnostics:
  diag:
    variables:
      tas: {mip: Amon}
`,
			wantErr: "expansion cannot be combined with ensemble lists",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse([]byte(tt.recipe))
			require.NoError(t, err)
			_, err = r.ToDatasets()
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToDatasets_DatasetOverridesVariable(t *testing.T) {
	r, err := Parse([]byte(`
datasets:
  - {dataset: A, project: CMIP6, exp: [historical, ssp585]}
  - {dataset: B, project: CMIP6}
diagnostics:
  diag:
    variables:
      tas:
        mip: Amon
        exp: historical
        ancillary_variables:
          - {short_name: areacella, mip: fx}
`))
	require.NoError(t, err)
	datasets, err := r.ToDatasets()
	require.NoError(t, err)
	require.Len(t, datasets, 2)

	assert.Equal(t, []string{"historical", "ssp585"}, datasets[0].FacetList(dataset.Exp))
	assert.Equal(t, "historical", datasets[1].Facet(dataset.Exp))

	require.Len(t, datasets[0].Ancillaries, 1)
	anc := datasets[0].Ancillaries[0]
	assert.Equal(t, "areacella", anc.Facet(dataset.ShortName))
	assert.Equal(t, "fx", anc.Facet(dataset.Mip))
	assert.Equal(t, "A", anc.Facet(dataset.Name))
	assert.Equal(t, "tas", anc.Facet(dataset.VariableGroup))
}

func newDataset(t *testing.T, index int, facets map[string]any) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(facets)
	require.NoError(t, err)
	require.NoError(t, ds.Set(dataset.RecipeDatasetIndex, index, false))
	return ds
}

func TestSetAliases(t *testing.T) {
	t.Run("distinguishing keys", func(t *testing.T) {
		datasets := []*dataset.Dataset{
			newDataset(t, 0, map[string]any{"project": "CMIP6", "dataset": "A", "exp": "historical", "ensemble": "r1i1p1f1"}),
			newDataset(t, 1, map[string]any{"project": "CMIP6", "dataset": "A", "exp": "historical", "ensemble": "r2i1p1f1"}),
			newDataset(t, 2, map[string]any{"project": "CMIP6", "dataset": "B", "exp": "historical", "ensemble": "r1i1p1f1"}),
		}
		SetAliases(datasets)
		assert.Equal(t, "A_r1i1p1f1", datasets[0].Facet(dataset.Alias))
		assert.Equal(t, "A_r2i1p1f1", datasets[1].Facet(dataset.Alias))
		assert.Equal(t, "B", datasets[2].Facet(dataset.Alias))
	})

	t.Run("single dataset", func(t *testing.T) {
		datasets := []*dataset.Dataset{
			newDataset(t, 0, map[string]any{"project": "CMIP6", "dataset": "A", "exp": "historical"}),
		}
		SetAliases(datasets)
		assert.Equal(t, "A", datasets[0].Facet(dataset.Alias))
	})

	t.Run("manual alias kept", func(t *testing.T) {
		datasets := []*dataset.Dataset{
			newDataset(t, 0, map[string]any{"project": "CMIP6", "dataset": "A", "alias": "mine"}),
			newDataset(t, 1, map[string]any{"project": "CMIP6", "dataset": "B"}),
		}
		SetAliases(datasets)
		assert.Equal(t, "mine", datasets[0].Facet(dataset.Alias))
		assert.Equal(t, "B", datasets[1].Facet(dataset.Alias))
	})

	t.Run("manual alias still distinguishes", func(t *testing.T) {
		datasets := []*dataset.Dataset{
			newDataset(t, 0, map[string]any{"project": "CMIP6", "dataset": "A", "ensemble": "r1i1p1f1", "alias": "mine"}),
			newDataset(t, 1, map[string]any{"project": "CMIP6", "dataset": "A", "ensemble": "r2i1p1f1"}),
		}
		SetAliases(datasets)
		assert.Equal(t, "mine", datasets[0].Facet(dataset.Alias))
		assert.Equal(t, "r2i1p1f1", datasets[1].Facet(dataset.Alias))
	})

	t.Run("indistinguishable", func(t *testing.T) {
		datasets := []*dataset.Dataset{
			newDataset(t, 0, map[string]any{"project": "CMIP6", "dataset": "A", "mip": "Amon"}),
			newDataset(t, 1, map[string]any{"project": "CMIP6", "dataset": "A", "mip": "day"}),
		}
		SetAliases(datasets)
		assert.Equal(t, "A_0", datasets[0].Facet(dataset.Alias))
		assert.Equal(t, "A_1", datasets[1].Facet(dataset.Alias))
	})

	t.Run("unique within group", func(t *testing.T) {
		datasets := []*dataset.Dataset{
			newDataset(t, 0, map[string]any{"project": "CMIP5", "dataset": "A", "exp": "historical", "ensemble": "r1i1p1"}),
			newDataset(t, 1, map[string]any{"project": "CMIP6", "dataset": "A", "exp": "historical", "ensemble": "r1i1p1f1"}),
			newDataset(t, 2, map[string]any{"project": "CMIP6", "dataset": "A", "exp": "ssp585", "ensemble": "r1i1p1f1"}),
			newDataset(t, 3, map[string]any{"project": "CMIP6", "dataset": "B", "exp": "historical", "ensemble": "r1i1p1f1"}),
		}
		SetAliases(datasets)
		seen := make(map[string]bool)
		for _, ds := range datasets {
			alias := ds.Facet(dataset.Alias)
			assert.False(t, seen[alias], "duplicate alias %s", alias)
			seen[alias] = true
		}
		assert.Equal(t, "CMIP5", datasets[0].Facet(dataset.Alias))
		assert.Equal(t, "CMIP6_A_historical", datasets[1].Facet(dataset.Alias))
		assert.Equal(t, "CMIP6_A_ssp585", datasets[2].Facet(dataset.Alias))
		assert.Equal(t, "CMIP6_B", datasets[3].Facet(dataset.Alias))
	})
}

func TestFilled(t *testing.T) {
	r, err := Parse([]byte(`
datasets:
  - {dataset: A, project: CMIP6, exp: historical, ensemble: "r(1:2)i1p1f1", grid: gn}
preprocessors:
  prep: {regrid: {target_grid: 1x1, scheme: linear}}
diagnostics:
  diag:
    variables:
      tas:
        mip: Amon
        preprocessor: prep
        timerange: 2000/2005
    scripts:
      plot: {script: plot.py}
`))
	require.NoError(t, err)
	datasets, err := r.ToDatasets()
	require.NoError(t, err)
	require.Len(t, datasets, 2)

	filled := r.Filled(datasets)
	assert.Nil(t, filled.Datasets)
	diag, ok := filled.Diagnostic("diag")
	require.True(t, ok)
	tas, ok := diag.Variables.Get("tas")
	require.True(t, ok)

	assert.Equal(t, "CMIP6", tas["project"])
	assert.Equal(t, "Amon", tas["mip"])
	assert.Equal(t, "prep", tas["preprocessor"])
	assert.NotContains(t, tas, "short_name")
	assert.NotContains(t, tas, "dataset")
	assert.NotContains(t, tas, "diagnostic")

	entries, ok := tas["additional_datasets"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]any{"dataset": "A", "ensemble": "r1i1p1f1"}, entries[0])
	assert.Equal(t, map[string]any{"dataset": "A", "ensemble": "r2i1p1f1"}, entries[1])

	// The filled recipe is itself a valid recipe describing the same datasets.
	path := filepath.Join(t.TempDir(), "recipe_filled.yml")
	require.NoError(t, filled.Write(path))
	again, err := Load(path)
	require.NoError(t, err)
	roundTrip, err := again.ToDatasets()
	require.NoError(t, err)
	require.Len(t, roundTrip, 2)
	for i := range datasets {
		assert.Equal(t, datasets[i].FacetMap(), roundTrip[i].FacetMap())
	}
}
