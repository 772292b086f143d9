package preproc

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/ordered"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/internal/testutil"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// fakeFinder serves files keyed by "<dataset>/<short_name>/<mip>".
type fakeFinder map[string][]string

func (f fakeFinder) FindFiles(_ context.Context, facets dataset.Facets) (dataset.SearchResult, error) {
	key := fmt.Sprintf("%s/%s/%s", facets.String("dataset"), facets.String("short_name"), facets.String("mip"))
	var files []dataset.File
	for _, name := range f[key] {
		files = append(files, dataset.File{Path: "/data/" + name, Name: name, Facets: facets.Map()})
	}
	return dataset.SearchResult{Files: files, Searched: []string{"/data"}}, nil
}

func testTables() *registry.TableRegistry {
	cmip6 := registry.NewProjectTables("CMIP6")
	cmip6.AddVariable("Amon", registry.Variable{ShortName: "tas", StandardName: "air_temperature", LongName: "Near-Surface Air Temperature", Units: "K", Frequency: "mon"})
	cmip6.AddVariable("fx", registry.Variable{ShortName: "areacella", Units: "m2", Frequency: "fx"})
	cmip6.AddVariable("Ofx", registry.Variable{ShortName: "areacella", Units: "m2", Frequency: "fx"})
	cmip6.AddVariable("fx", registry.Variable{ShortName: "sftlf", Units: "%", Frequency: "fx"})
	cmip6.AddVariable("Ofx", registry.Variable{ShortName: "sftof", Units: "%", Frequency: "fx"})
	cmip6.AddCoordinate(registry.Coordinate{Name: "plev3", Requested: []float64{85000, 50000, 25000}})
	tables := registry.NewTableRegistry()
	tables.Register(cmip6)
	return tables
}

func newDataset(t *testing.T, finder dataset.Finder, name string, extra map[string]any) *dataset.Dataset {
	t.Helper()
	facets := map[string]any{
		"project":        "CMIP6",
		"dataset":        name,
		"mip":            "Amon",
		"short_name":     "tas",
		"exp":            "historical",
		"ensemble":       "r1i1p1f1",
		"grid":           "gn",
		"timerange":      "2000/2005",
		"frequency":      "mon",
		"diagnostic":     "diag",
		"variable_group": "tas",
		"preprocessor":   "prep",
		"alias":          name,
	}
	for k, v := range extra {
		facets[k] = v
	}
	ds, err := dataset.New(facets)
	require.NoError(t, err)
	ds.SetFinder(finder)
	return ds
}

func profile(t *testing.T, src string) *ordered.Map[any] {
	t.Helper()
	var m ordered.Map[any]
	require.NoError(t, yaml.Unmarshal([]byte(src), &m))
	return &m
}

func newTestResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	if cfg.PreprocDir == "" {
		cfg.PreprocDir = "/out/preproc"
	}
	cfg.Logger = testutil.NewTestLogger(t)
	return NewResolver(cfg)
}

func TestExtractOrder(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		p := profile(t, "regrid: {target_grid: 1x1}\narea_statistics: {operator: mean}\n")
		assert.Equal(t, DefaultOrder, ExtractOrder(p))
	})

	t.Run("custom", func(t *testing.T) {
		p := profile(t, "custom_order: true\narea_statistics: {operator: mean}\nregrid: {target_grid: 1x1}\nsave: {}\n")
		order := ExtractOrder(p)
		assert.False(t, p.Has("custom_order"))
		n := len(InitialSteps)
		assert.Equal(t, InitialSteps, order[:n])
		assert.Equal(t, []string{"area_statistics", "regrid"}, order[n:n+2])
		assert.Equal(t, FinalSteps, order[n+2:])
	})
}

func TestSplitDeriveProfile(t *testing.T) {
	p := profile(t, "extract_time: {start_year: 2000, end_year: 2001}\nextract_levels: {levels: 85000}\nregrid: {target_grid: 1x1}\narea_statistics: {operator: mean}\n")
	inputs, derived := SplitDeriveProfile(p)

	assert.Equal(t, []string{"extract_time"}, inputs.Keys())
	assert.Equal(t, []string{"extract_levels", "regrid", "area_statistics", "derive", "fix_file", "fix_metadata", "fix_data"}, derived.Keys())
	v, _ := derived.Get("fix_data")
	assert.Equal(t, false, v)
}

func TestApplyProfile(t *testing.T) {
	settings := Settings{
		"save":    {"compress": false},
		"cleanup": {"remove": []string{"x"}},
	}
	p := profile(t, "cleanup: false\nsave: {compress: true}\nconvert_units: {units: degC}\ndetrend: true\n")
	ApplyProfile(settings, p)

	assert.False(t, settings.Has("cleanup"))
	assert.Equal(t, map[string]any{"compress": true}, settings["save"])
	assert.Equal(t, map[string]any{"units": "degC"}, settings["convert_units"])
	assert.Equal(t, map[string]any{}, settings["detrend"])

	// The profile is not modified.
	v, _ := p.Get("save")
	assert.Equal(t, map[string]any{"compress": true}, v)
}

func TestSettings_Steps(t *testing.T) {
	s := Settings{"save": {}, "regrid": {}, "zzz_custom": {}, "load": {}}
	assert.Equal(t, []string{"load", "regrid", "save", "zzz_custom"}, s.Steps(DefaultOrder))
}

func TestDatasetSettings_Defaults(t *testing.T) {
	r := newTestResolver(t, Config{CompressNetCDF: true})
	ds := newDataset(t, fakeFinder{}, "A", map[string]any{"original_short_name": "ts"})

	settings, err := r.DatasetSettings(context.Background(), ds, []*dataset.Dataset{ds}, profile(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"compress": true, "alias": "tas"}, settings["save"])
	assert.Equal(t, map[string]any{}, settings[StepRemoveAncillaries])
	assert.Equal(t,
		[]string{filepath.Join("/out/preproc", "diag", "tas", "CMIP6_A_Amon_historical_r1i1p1f1_tas_gn_2000-2005_fixed")},
		settings["cleanup"]["remove"])

	r = newTestResolver(t, Config{SaveIntermediaryCubes: true})
	settings, err = r.DatasetSettings(context.Background(), ds, []*dataset.Dataset{ds}, profile(t, "{}"))
	require.NoError(t, err)
	assert.False(t, settings.Has("cleanup"))
}

func TestDatasetSettings_Derive(t *testing.T) {
	r := newTestResolver(t, Config{})
	ds := newDataset(t, fakeFinder{}, "A", map[string]any{"standard_name": "toa_net", "long_name": "TOA Net", "units": "W m-2", "short_name": "rtnt"})

	settings, err := r.DatasetSettings(context.Background(), ds, []*dataset.Dataset{ds}, profile(t, "derive: true\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"short_name":    "rtnt",
		"standard_name": "toa_net",
		"long_name":     "TOA Net",
		"units":         "W m-2",
	}, settings["derive"])
}

func TestDatasetSettings_Idempotent(t *testing.T) {
	finder := fakeFinder{
		"A/tas/Amon":     {"tas_A_200001-200512.nc"},
		"B/tas/Amon":     {"tas_B_200001-200512.nc"},
		"A/sftlf/fx":     {"sftlf_A.nc"},
		"A/areacella/fx": {"areacella_A.nc"},
	}
	r := newTestResolver(t, Config{Tables: testTables(), Ancillaries: registry.DefaultAncillaries()})
	a := newDataset(t, finder, "A", nil)
	b := newDataset(t, finder, "B", nil)
	group := []*dataset.Dataset{a, b}
	p := profile(t, `
regrid: {target_grid: B, scheme: linear}
mask_landsea: {mask_out: sea}
annual_statistics: {operator: mean, exclude: [C]}
regrid_time: {}
`)

	first, err := r.DatasetSettings(context.Background(), a, group, p)
	require.NoError(t, err)
	second, err := r.DatasetSettings(context.Background(), a, group, p)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "/data/tas_B_200001-200512.nc", first["regrid"]["target_grid"])
	assert.Equal(t, "mon", first["regrid_time"]["frequency"])
	assert.NotContains(t, first["annual_statistics"], "exclude")
	require.Len(t, a.Ancillaries, 1, "only the ancillary with data is kept")
	assert.Equal(t, "sftlf", a.Ancillaries[0].Facet(dataset.ShortName))
}

func TestDatasetSettings_Exclusion(t *testing.T) {
	r := newTestResolver(t, Config{})
	a := newDataset(t, fakeFinder{}, "A", nil)
	b := newDataset(t, fakeFinder{}, "B", map[string]any{"reference_dataset": "B"})
	c := newDataset(t, fakeFinder{}, "C", map[string]any{"reference_dataset": "B"})
	group := []*dataset.Dataset{a, b, c}
	p := profile(t, "annual_statistics: {operator: mean, exclude: [A]}\ndetrend: {exclude: [reference_dataset]}\n")

	sa, err := r.DatasetSettings(context.Background(), a, group, p)
	// A has no reference_dataset facet but the step references it.
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	sb, err := r.DatasetSettings(context.Background(), b, group, p)
	require.NoError(t, err)
	sc, err := r.DatasetSettings(context.Background(), c, group, p)
	require.NoError(t, err)

	assert.Nil(t, sa)
	assert.True(t, sb.Has("annual_statistics"))
	assert.False(t, sb.Has("detrend"), "reference dataset is excluded")
	assert.True(t, sc.Has("annual_statistics"))
	assert.True(t, sc.Has("detrend"))

	p = profile(t, "annual_statistics: {operator: mean, exclude: [A]}\n")
	sa, err = r.DatasetSettings(context.Background(), a, group, p)
	require.NoError(t, err)
	assert.False(t, sa.Has("annual_statistics"))
}

func TestDatasetSettings_MissingReference(t *testing.T) {
	r := newTestResolver(t, Config{})
	ds := newDataset(t, fakeFinder{}, "A", nil)

	_, err := r.DatasetSettings(context.Background(), ds, []*dataset.Dataset{ds},
		profile(t, "regrid: {target_grid: reference_dataset, scheme: linear}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
	assert.Equal(t, "Preprocessor prep uses reference_dataset, but reference_dataset is not defined for variable tas of diagnostic diag", err.Error())
}

func TestDatasetSettings_TargetGrid(t *testing.T) {
	r := newTestResolver(t, Config{})
	a := newDataset(t, fakeFinder{}, "A", nil)

	t.Run("self reference drops the step", func(t *testing.T) {
		s, err := r.DatasetSettings(context.Background(), a, []*dataset.Dataset{a}, profile(t, "regrid: {target_grid: A, scheme: linear}\n"))
		require.NoError(t, err)
		assert.False(t, s.Has("regrid"))
	})

	t.Run("cell specification", func(t *testing.T) {
		s, err := r.DatasetSettings(context.Background(), a, []*dataset.Dataset{a}, profile(t, "regrid: {target_grid: 2.5x2.5, scheme: linear}\n"))
		require.NoError(t, err)
		assert.Equal(t, "2.5x2.5", s["regrid"]["target_grid"])
	})

	t.Run("invalid cell specification", func(t *testing.T) {
		_, err := r.DatasetSettings(context.Background(), a, []*dataset.Dataset{a}, profile(t, "regrid: {target_grid: 1by1, scheme: linear}\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid MxN cell specification")
	})

	t.Run("lat lon specification", func(t *testing.T) {
		_, err := r.DatasetSettings(context.Background(), a, []*dataset.Dataset{a}, profile(t, `
regrid:
  scheme: linear
  target_grid: {start_latitude: -90, end_latitude: 90, step_latitude: 0, start_longitude: 0, end_longitude: 360, step_longitude: 1}
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Latitude step cannot be 0")
	})
}

func TestDatasetSettings_TargetLevels(t *testing.T) {
	finder := fakeFinder{"B/tas/Amon": {"tas_B_200001-200512.nc"}}
	r := newTestResolver(t, Config{Tables: testTables()})
	a := newDataset(t, finder, "A", nil)
	b := newDataset(t, finder, "B", nil)
	group := []*dataset.Dataset{a, b}

	s, err := r.DatasetSettings(context.Background(), a, group, profile(t, "extract_levels: {levels: {cmor_table: CMIP6, coordinate: plev3}, scheme: linear}\n"))
	require.NoError(t, err)
	assert.Equal(t, []float64{85000, 50000, 25000}, s["extract_levels"]["levels"])

	s, err = r.DatasetSettings(context.Background(), a, group, profile(t, "extract_levels: {levels: B, scheme: linear}\n"))
	require.NoError(t, err)
	assert.Equal(t, "/data/tas_B_200001-200512.nc", s["extract_levels"]["levels"])

	s, err = r.DatasetSettings(context.Background(), b, group, profile(t, "extract_levels: {levels: B, scheme: linear}\n"))
	require.NoError(t, err)
	assert.False(t, s.Has("extract_levels"))

	_, err = r.DatasetSettings(context.Background(), b, group, profile(t, "extract_levels: {levels: A, scheme: linear}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInputFilesNotFound)
}

func TestDatasetSettings_FxTemporalSteps(t *testing.T) {
	r := newTestResolver(t, Config{})
	ds := newDataset(t, fakeFinder{}, "A", map[string]any{"frequency": "fx", "mip": "fx", "short_name": "sftlf"})

	_, err := r.DatasetSettings(context.Background(), ds, []*dataset.Dataset{ds}, profile(t, "annual_statistics: {operator: mean}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Time coordinate preprocessor step(s) [annual_statistics] not permitted on fx vars")
}

func TestGuessMip_Ambiguous(t *testing.T) {
	finder := fakeFinder{
		"A/tas/Amon":      {"tas_A_200001-200512.nc"},
		"A/areacella/fx":  {"areacella_fx_A.nc"},
		"A/areacella/Ofx": {"areacella_Ofx_A.nc"},
	}
	r := newTestResolver(t, Config{Tables: testTables(), Ancillaries: registry.DefaultAncillaries()})
	ds := newDataset(t, finder, "A", nil)

	_, err := r.DatasetSettings(context.Background(), ds, []*dataset.Dataset{ds}, profile(t, "area_statistics: {operator: mean}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
	assert.Equal(t,
		"Requested ancillary variable 'areacella' for dataset 'A' of project 'CMIP6' is available in more than one CMOR MIP table for 'CMIP6': [Ofx, fx]",
		err.Error())
}

func TestGuessMip_DeclaredAncillary(t *testing.T) {
	finder := fakeFinder{
		"A/tas/Amon":      {"tas_A_200001-200512.nc"},
		"A/areacella/fx":  {"areacella_fx_A.nc"},
		"A/areacella/Ofx": {"areacella_Ofx_A.nc"},
	}
	r := newTestResolver(t, Config{Tables: testTables(), Ancillaries: registry.DefaultAncillaries()})
	ds := newDataset(t, finder, "A", nil)
	_, err := ds.AddAncillary(map[string]any{"short_name": "areacella", "mip": "fx"})
	require.NoError(t, err)

	_, err = r.DatasetSettings(context.Background(), ds, []*dataset.Dataset{ds}, profile(t, "area_statistics: {operator: mean}\n"))
	require.NoError(t, err)
	require.Len(t, ds.Ancillaries, 1)
	assert.Equal(t, "fx", ds.Ancillaries[0].Facet(dataset.Mip))
}

func TestAncillaries_Required(t *testing.T) {
	r := newTestResolver(t, Config{Tables: testTables(), Ancillaries: registry.DefaultAncillaries()})
	ds := newDataset(t, fakeFinder{"A/tas/Amon": {"tas_A_200001-200512.nc"}}, "A", nil)

	_, err := r.DatasetSettings(context.Background(), ds, []*dataset.Dataset{ds}, profile(t, "weighting_landsea_fraction: {area_type: land}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInputFilesNotFound)
	assert.Contains(t, err.Error(), "Preprocessor function weighting_landsea_fraction requires that at least one ancillary variable of [sftlf, sftof] is available")
}

func TestParseCellSpec(t *testing.T) {
	dlon, dlat, err := ParseCellSpec("2.5x1")
	require.NoError(t, err)
	assert.Equal(t, 2.5, dlon)
	assert.Equal(t, 1.0, dlat)

	for _, spec := range []string{"1", "0x1", "1x200", "x1", "1x1x1"} {
		_, _, err := ParseCellSpec(spec)
		assert.Error(t, err, spec)
	}
}

func TestStatisticTag(t *testing.T) {
	assert.Equal(t, "EnsembleMean", statisticTag(StepEnsembleStatistics, "CMIP6_A_historical", "mean"))
	assert.Equal(t, "MultiModelMedian", statisticTag(StepMultiModelStatistics, "", "median"))
	assert.Equal(t, "historicalP97-5", statisticTag(StepMultiModelStatistics, "historical", "p97.5"))
	assert.Equal(t, "MultiModelStd_Dev", statisticTag(StepMultiModelStatistics, "", "std_dev"))
	assert.Equal(t, "MultiModelPercentile_95", statisticTag(StepMultiModelStatistics, "", "percentile_95"))
	assert.Equal(t, "EnsembleMax", statisticTag(StepEnsembleStatistics, "x", "MAX"))
}

func product(name, tr string, extra map[string]any) *Product {
	attrs := map[string]any{"dataset": name, "project": "CMIP6", "short_name": "tas", "timerange": tr}
	for k, v := range extra {
		attrs[k] = v
	}
	return &Product{Filename: name + ".nc", Attributes: attrs, Settings: Settings{}}
}

func TestCommonAttributes(t *testing.T) {
	products := []*Product{product("A", "2000/2005", nil), product("B", "2003/2010", nil)}

	overlap, err := commonAttributes(products, "overlap")
	require.NoError(t, err)
	assert.Equal(t, "2003/2005", overlap["timerange"])
	assert.Equal(t, 2003, overlap["start_year"])
	assert.Equal(t, 2005, overlap["end_year"])
	assert.Equal(t, "CMIP6", overlap["project"])
	assert.NotContains(t, overlap, "dataset")

	full, err := commonAttributes(products, "full")
	require.NoError(t, err)
	assert.Equal(t, "2000/2010", full["timerange"])
}

func TestCommonAttributes_Truncates(t *testing.T) {
	products := []*Product{product("A", "200001/200512", nil), product("B", "2003/2010", nil)}
	attrs, err := commonAttributes(products, "overlap")
	require.NoError(t, err)
	assert.Equal(t, "2003/2005", attrs["timerange"])
}

func TestDownstreamSettings(t *testing.T) {
	a := product("A", "2000/2005", nil)
	b := product("B", "2000/2005", nil)
	a.Settings = Settings{"regrid": {"target_grid": "1x1"}, "multi_model_statistics": {}, "convert_units": {"units": "K"}, "save": {"compress": false}, "cleanup": {"remove": []string{"a"}}}
	b.Settings = Settings{"regrid": {"target_grid": "1x1"}, "multi_model_statistics": {}, "convert_units": {"units": "K"}, "save": {"compress": false}, "cleanup": {"remove": []string{"b"}}}

	out := downstreamSettings(StepMultiModelStatistics, DefaultOrder, []*Product{a, b})
	assert.Equal(t, Settings{"save": {"compress": false}}, out)

	out = downstreamSettings(StepRegrid, DefaultOrder, []*Product{a, b})
	assert.Equal(t, Settings{"convert_units": {"units": "K"}, "multi_model_statistics": {}, "save": {"compress": false}}, out)
}

func TestMultiProductFilename(t *testing.T) {
	attrs := map[string]any{
		"project":                "CMIP6",
		"dataset":                "MultiModelMean",
		"exp":                    "historical",
		"multi_model_statistics": "MultiModelMean",
		"mip":                    "Amon",
		"short_name":             "tas",
		"timerange":              "2003/2005",
		"diagnostic":             "diag",
		"variable_group":         "tas",
	}
	assert.Equal(t,
		filepath.Join("/out", "diag", "tas", "CMIP6_MultiModelMean_historical_Amon_tas_2003-2005.nc"),
		MultiProductFilename(attrs, "/out"))
}

func TestProduct_Group(t *testing.T) {
	p := product("A", "2000/2005", map[string]any{"exp": []string{"historical", "ssp585"}})
	assert.Equal(t, "CMIP6_A_historical-ssp585", p.Group([]string{"project", "dataset", "exp", "sub_experiment"}))
	assert.Equal(t, "", p.Group(nil))
}

func TestProduct_CheckRejectsUnknownArguments(t *testing.T) {
	p := product("A", "2000/2005", nil)
	p.Settings = Settings{"save": {"compress": true, "bogus": 1}}
	err := p.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid argument(s) [bogus] encountered for preprocessor function save")

	p.Settings = Settings{"not_a_step": {}}
	require.Error(t, p.Check())

	p.Settings = Settings{"save": {"compress": true}}
	require.NoError(t, p.Check())
	assert.Equal(t, 2000, p.Attributes["start_year"])
	assert.Equal(t, 2005, p.Attributes["end_year"])
}

func TestCheckBiasReference(t *testing.T) {
	a := product("A", "2000/2005", nil)
	b := product("B", "2000/2005", map[string]any{"reference_for_bias": true})
	a.Settings = Settings{"bias": {}}
	b.Settings = Settings{"bias": {}}
	require.NoError(t, checkBiasReference([]*Product{a, b}))

	b.Attributes["reference_for_bias"] = false
	err := checkBiasReference([]*Product{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected exactly 1 dataset with 'reference_for_bias: true' in products")
	assert.Contains(t, err.Error(), "found 0. ")
}

func statisticsFinder() fakeFinder {
	return fakeFinder{
		"A/tas/Amon": {"tas_Amon_A_historical_r1i1p1f1_gn_200001-200512.nc"},
		"B/tas/Amon": {"tas_Amon_B_historical_r1i1p1f1_gn_200301-201012.nc"},
	}
}

func TestProducts_MultiModelStatistics(t *testing.T) {
	finder := statisticsFinder()
	r := newTestResolver(t, Config{})
	a := newDataset(t, finder, "A", nil)
	b := newDataset(t, finder, "B", map[string]any{"timerange": "2003/2010"})
	p := profile(t, "multi_model_statistics: {span: overlap, statistics: [mean, median]}\n")

	products, err := r.Products(context.Background(), Request{
		Name:     "diag/tas",
		Datasets: []*dataset.Dataset{a, b},
		Profile:  p,
		Order:    ExtractOrder(p),
	})
	require.NoError(t, err)
	require.Len(t, products, 4)

	byTag := make(map[string]*Product)
	for _, prod := range products {
		if tag, ok := prod.Attributes[StepMultiModelStatistics].(string); ok {
			byTag[tag] = prod
		}
	}
	mean := byTag["MultiModelMean"]
	require.NotNil(t, mean)
	assert.Equal(t, "2003/2005", mean.Attributes["timerange"])
	assert.Equal(t, 2003, mean.Attributes["start_year"])
	assert.Equal(t, "MultiModelMean", mean.Attributes["alias"])
	assert.Equal(t, filepath.Join("/out/preproc", "diag", "tas", "CMIP6_MultiModelMean_historical_Amon_tas_2003-2005.nc"), mean.Filename)
	assert.Len(t, mean.Ancestors, 2)
	assert.False(t, mean.Settings.Has(StepMultiModelStatistics))
	assert.True(t, mean.Settings.Has(StepSave))

	// The inputs point at the products of the statistics step.
	for _, prod := range products {
		if prod.Dataset == nil {
			continue
		}
		links, ok := prod.Settings[StepMultiModelStatistics][outputProductsKey].(OutputProducts)
		require.True(t, ok)
		assert.Same(t, mean, links[""]["mean"])
		assert.Same(t, byTag["MultiModelMedian"], links[""]["median"])
	}
}

func TestProducts_EnsembleThenMultiModel(t *testing.T) {
	finder := fakeFinder{
		"A/tas/Amon": {"tas_Amon_A_historical_200001-200512.nc"},
		"B/tas/Amon": {"tas_Amon_B_historical_200001-200512.nc"},
	}
	r := newTestResolver(t, Config{})
	a1 := newDataset(t, finder, "A", map[string]any{"ensemble": "r1i1p1f1"})
	a2 := newDataset(t, finder, "A", map[string]any{"ensemble": "r2i1p1f1"})
	b := newDataset(t, finder, "B", nil)
	p := profile(t, "ensemble_statistics: {statistics: [mean]}\nmulti_model_statistics: {span: full, statistics: [mean]}\n")

	products, err := r.Products(context.Background(), Request{
		Name:     "diag/tas",
		Datasets: []*dataset.Dataset{a1, a2, b},
		Profile:  p,
		Order:    ExtractOrder(p),
	})
	require.NoError(t, err)
	// 3 inputs, 2 ensemble means (A and B), 1 multi-model mean.
	require.Len(t, products, 6)

	var ensemble, multi []*Product
	for _, prod := range products {
		if _, ok := prod.Attributes[StepMultiModelStatistics]; ok {
			multi = append(multi, prod)
		} else if _, ok := prod.Attributes[StepEnsembleStatistics]; ok {
			ensemble = append(ensemble, prod)
		}
	}
	require.Len(t, ensemble, 2)
	require.Len(t, multi, 1)
	assert.Len(t, multi[0].Ancestors, 2)

	// Ensemble products carry the multi-model settings and the link to the
	// multi-model product.
	for _, e := range ensemble {
		links, ok := e.Settings[StepMultiModelStatistics][outputProductsKey].(OutputProducts)
		require.True(t, ok)
		assert.Same(t, multi[0], links[""]["mean"])
	}
}

func TestProducts_MissingData(t *testing.T) {
	finder := statisticsFinder()
	p := profile(t, "{}")

	t.Run("accumulated", func(t *testing.T) {
		r := newTestResolver(t, Config{})
		a := newDataset(t, finder, "A", nil)
		c := newDataset(t, finder, "C", nil)
		_, err := r.Products(context.Background(), Request{Name: "diag/tas", Datasets: []*dataset.Dataset{a, c}, Profile: p, Order: DefaultOrder})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrInputFilesNotFound)
		assert.Contains(t, err.Error(), "Missing data for preprocessor diag/tas:\n- No input files found for Dataset: tas, Amon, CMIP6, C")
	})

	t.Run("skipped", func(t *testing.T) {
		r := newTestResolver(t, Config{SkipNonexistent: true})
		a := newDataset(t, finder, "A", nil)
		c := newDataset(t, finder, "C", nil)
		products, err := r.Products(context.Background(), Request{Name: "diag/tas", Datasets: []*dataset.Dataset{a, c}, Profile: p, Order: DefaultOrder})
		require.NoError(t, err)
		require.Len(t, products, 1)
		assert.Equal(t, "A", products[0].Attribute("dataset"))
	})

	t.Run("reference dataset is never skipped", func(t *testing.T) {
		r := newTestResolver(t, Config{SkipNonexistent: true})
		a := newDataset(t, finder, "A", map[string]any{"reference_dataset": "C"})
		c := newDataset(t, finder, "C", map[string]any{"reference_dataset": "C"})
		_, err := r.Products(context.Background(), Request{Name: "diag/tas", Datasets: []*dataset.Dataset{a, c}, Profile: p, Order: DefaultOrder})
		require.Error(t, err)
	})
}

type recordingDownloads struct{ files []dataset.File }

func (d *recordingDownloads) Add(f dataset.File) { d.files = append(d.files, f) }

func TestProducts_SchedulesDownloads(t *testing.T) {
	finder := dataset.FinderFunc(func(_ context.Context, facets dataset.Facets) (dataset.SearchResult, error) {
		return dataset.SearchResult{Files: []dataset.File{{
			Path:   "https://example.org/tas_A_200001-200512.nc",
			Name:   "tas_A_200001-200512.nc",
			Dest:   "CMIP6/A",
			Remote: true,
			Facets: facets.Map(),
		}}}, nil
	})
	downloads := &recordingDownloads{}
	r := newTestResolver(t, Config{Downloads: downloads, DownloadDir: "/dl"})
	a := newDataset(t, finder, "A", nil)

	products, err := r.Products(context.Background(), Request{Name: "diag/tas", Datasets: []*dataset.Dataset{a}, Profile: profile(t, "{}"), Order: DefaultOrder})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, downloads.files, 1)

	files, err := a.Files(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/dl", "CMIP6/A", "tas_A_200001-200512.nc"), files[0].Path)
	assert.False(t, files[0].Remote)
}

func TestLimitDatasets(t *testing.T) {
	r := newTestResolver(t, Config{MaxDatasets: 2})
	var datasets []*dataset.Dataset
	for _, name := range []string{"A", "B", "C", "D"} {
		datasets = append(datasets, newDataset(t, fakeFinder{}, name, map[string]any{"reference_dataset": "D"}))
	}
	limited := r.LimitDatasets(datasets, profile(t, "regrid: {target_grid: C}\n"))
	require.Len(t, limited, 2)
	assert.Equal(t, "C", limited[0].Facet("dataset"))
	assert.Equal(t, "D", limited[1].Facet("dataset"))

	logger, rec := testutil.NewRecordingLogger()
	r = NewResolver(Config{MaxDatasets: 3, PreprocDir: "/out/preproc", Logger: logger})
	require.Len(t, r.LimitDatasets(datasets, profile(t, "{}")), 3)
	entry, ok := rec.Find("only considering datasets")
	require.True(t, ok)
	assert.Equal(t, "D, A, B", entry.Attrs["datasets"])

	r = newTestResolver(t, Config{})
	assert.Len(t, r.LimitDatasets(datasets, profile(t, "{}")), 4)
}

func TestDeriveInputs(t *testing.T) {
	finder := fakeFinder{
		"A/rsut/Amon":   {"rsut_A_200001-200512.nc"},
		"A/rsutcs/Amon": {"rsutcs_A_200001-200512.nc"},
		"B/swcre/Amon":  {"swcre_B_200001-200512.nc"},
	}
	r := newTestResolver(t, Config{Derivations: registry.DefaultDerivations()})
	a := newDataset(t, finder, "A", map[string]any{"short_name": "swcre", "variable_group": "swcre", "derive": true})
	b := newDataset(t, finder, "B", map[string]any{"short_name": "swcre", "variable_group": "swcre", "derive": true})

	inputs, err := r.DeriveInputs(context.Background(), []*dataset.Dataset{a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{"swcre_derive_input_rsut", "swcre_derive_input_rsutcs", "swcre_derive_input_swcre"}, inputs.Keys())

	rsut, _ := inputs.Get("swcre_derive_input_rsut")
	require.Len(t, rsut, 1)
	assert.Equal(t, "A", rsut[0].Facet("dataset"))
	assert.Equal(t, "swcre_derive_input_rsut", rsut[0].Facet("variable_group"))
	assert.False(t, rsut[0].Has("derive"))

	own, _ := inputs.Get("swcre_derive_input_swcre")
	require.Len(t, own, 1)
	assert.Equal(t, "B", own[0].Facet("dataset"))
	assert.Equal(t, "swcre", b.Facet("variable_group"), "the original dataset is not modified")
}
