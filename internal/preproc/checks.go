package preproc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

// MultiDatasetArgs are the arguments of the ensemble and multi-model
// statistics steps.
type MultiDatasetArgs struct {
	Span               string   `mapstructure:"span"`
	Statistics         []string `mapstructure:"statistics"`
	Groupby            []string `mapstructure:"groupby"`
	KeepInputDatasets  bool     `mapstructure:"keep_input_datasets"`
	IgnoreScalarCoords bool     `mapstructure:"ignore_scalar_coords"`
	ExcludeKeys        []string `mapstructure:"exclude"`
	OutputProducts     any      `mapstructure:"output_products"`
}

// LatLonGrid describes a regular target grid.
type LatLonGrid struct {
	StartLatitude  float64 `mapstructure:"start_latitude"`
	EndLatitude    float64 `mapstructure:"end_latitude"`
	StepLatitude   float64 `mapstructure:"step_latitude"`
	StartLongitude float64 `mapstructure:"start_longitude"`
	EndLongitude   float64 `mapstructure:"end_longitude"`
	StepLongitude  float64 `mapstructure:"step_longitude"`
}

type extractShapeArgs struct {
	Shapefile  string `mapstructure:"shapefile"`
	Method     string `mapstructure:"method"`
	Crop       *bool  `mapstructure:"crop"`
	Decomposed *bool  `mapstructure:"decomposed"`
	IDs        any    `mapstructure:"ids"`
}

type extractLevelsArgs struct {
	Levels         any    `mapstructure:"levels"`
	Scheme         string `mapstructure:"scheme"`
	CoordinateName string `mapstructure:"coordinate"`
	RtolValues     any    `mapstructure:"rtol"`
	AtolValues     any    `mapstructure:"atol"`
}

type regridArgs struct {
	TargetGrid any  `mapstructure:"target_grid"`
	Scheme     any  `mapstructure:"scheme"`
	LatOffset  bool `mapstructure:"lat_offset"`
	LonOffset  bool `mapstructure:"lon_offset"`
}

type regridTimeArgs struct {
	Frequency string `mapstructure:"frequency"`
}

type saveArgs struct {
	Compress bool   `mapstructure:"compress"`
	Alias    string `mapstructure:"alias"`
}

type cleanupArgs struct {
	Remove []string `mapstructure:"remove"`
}

type deriveArgs struct {
	ShortName    string `mapstructure:"short_name"`
	StandardName string `mapstructure:"standard_name"`
	LongName     string `mapstructure:"long_name"`
	Units        string `mapstructure:"units"`
}

type biasArgs struct {
	BiasType             string  `mapstructure:"bias_type"`
	DenominatorMask      float64 `mapstructure:"denominator_mask_threshold"`
	KeepReferenceDataset bool    `mapstructure:"keep_reference_dataset"`
}

// stepArgs returns a value to decode the arguments of a step into, for the
// steps whose arguments the resolver knows.
var stepArgs = map[string]func() any{
	StepExtractLevels:        func() any { return &extractLevelsArgs{} },
	StepRegrid:               func() any { return &regridArgs{} },
	StepExtractShape:         func() any { return &extractShapeArgs{} },
	StepRegridTime:           func() any { return &regridTimeArgs{} },
	StepEnsembleStatistics:   func() any { return &MultiDatasetArgs{} },
	StepMultiModelStatistics: func() any { return &MultiDatasetArgs{} },
	StepSave:                 func() any { return &saveArgs{} },
	StepCleanup:              func() any { return &cleanupArgs{} },
	StepDerive:               func() any { return &deriveArgs{} },
	StepBias:                 func() any { return &biasArgs{} },
}

// decodeArgs decodes step arguments into out, rejecting unknown arguments.
func decodeArgs(step string, args map[string]any, out any) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		Metadata:         &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return core.Configf("Invalid arguments for preprocessor function %s: %v", step, err)
	}
	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		return core.Configf("Invalid argument(s) [%s] encountered for preprocessor function %s", strings.Join(md.Unused, ", "), step)
	}
	return nil
}

// checkSettings validates the steps of a product.
func checkSettings(settings Settings) error {
	for _, step := range settings.Steps(DefaultOrder) {
		if !IsStep(step) {
			return core.Configf("Unknown preprocessor function '%s', choose from: %s", step, strings.Join(DefaultOrder, ", "))
		}
		newArgs, ok := stepArgs[step]
		if !ok {
			continue
		}
		if err := decodeArgs(step, settings[step], newArgs()); err != nil {
			return err
		}
	}
	return nil
}

// multiDatasetArgs decodes and validates the arguments of a statistics step.
func multiDatasetArgs(step string, args map[string]any) (MultiDatasetArgs, error) {
	var out MultiDatasetArgs
	if err := decodeArgs(step, args, &out); err != nil {
		return out, err
	}
	if out.Span == "" {
		out.Span = defaultSpan
	}
	if out.Span != defaultSpan && out.Span != fullSpan {
		return out, core.Configf("Invalid value encountered for `span` in preprocessor `%s`. Valid values are (%s, %s). Got %s.", step, defaultSpan, fullSpan, out.Span)
	}
	if step == StepEnsembleStatistics && len(out.Groupby) > 0 {
		return out, core.Configf("Invalid argument `groupby` for preprocessor `%s`, grouping is fixed to project, dataset, exp and sub_experiment", step)
	}
	return out, nil
}

var cellSpecRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)x([0-9]+(?:\.[0-9]+)?)$`)

// ParseCellSpec parses an MxN cell specification such as 2.5x2.5 into the
// longitude and latitude steps.
func ParseCellSpec(spec string) (dlon, dlat float64, err error) {
	m := cellSpecRe.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return 0, 0, core.Configf("Invalid MxN cell specification for grid, got %q.", spec)
	}
	dlon, _ = strconv.ParseFloat(m[1], 64)
	dlat, _ = strconv.ParseFloat(m[2], 64)
	if dlon <= 0 || dlon > 360 {
		return 0, 0, core.Configf("Invalid longitude delta in MxN cell specification for grid, got %q.", spec)
	}
	if dlat <= 0 || dlat > 180 {
		return 0, 0, core.Configf("Invalid latitude delta in MxN cell specification for grid, got %q.", spec)
	}
	return dlon, dlat, nil
}

// ParseLatLonGrid validates a mapping describing a regular lat/lon grid.
func ParseLatLonGrid(spec map[string]any) (LatLonGrid, error) {
	var g LatLonGrid
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &g,
		Metadata:         &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return g, err
	}
	if err := dec.Decode(spec); err != nil {
		return g, core.Configf("Invalid target grid specification %v: %v", spec, err)
	}
	if len(md.Unused) > 0 || len(md.Unset) > 0 {
		sort.Strings(md.Unused)
		sort.Strings(md.Unset)
		return g, core.Configf("Invalid target grid specification %v: unknown keys [%s], missing keys [%s]", spec, strings.Join(md.Unused, ", "), strings.Join(md.Unset, ", "))
	}
	if g.StepLatitude == 0 {
		return g, core.Configf("Latitude step cannot be 0, got step_latitude=%v.", g.StepLatitude)
	}
	if g.StepLongitude == 0 {
		return g, core.Configf("Longitude step cannot be 0, got step_longitude=%v.", g.StepLongitude)
	}
	for _, lat := range []float64{g.StartLatitude, g.EndLatitude} {
		if lat < -90 || lat > 90 {
			return g, core.Configf("Latitude values must lie between -90:90, got start_latitude=%v:end_latitude=%v.", g.StartLatitude, g.EndLatitude)
		}
	}
	return g, nil
}

// checkExtractShape resolves a relative shapefile path against auxDir and
// validates the step's options.
func checkExtractShape(args map[string]any, auxDir string) error {
	var a extractShapeArgs
	if err := decodeArgs(StepExtractShape, args, &a); err != nil {
		return err
	}
	if a.Shapefile != "" {
		if _, err := os.Stat(a.Shapefile); err != nil && !filepath.IsAbs(a.Shapefile) && auxDir != "" {
			a.Shapefile = filepath.Join(auxDir, a.Shapefile)
			args["shapefile"] = a.Shapefile
		}
		if _, err := os.Stat(a.Shapefile); err != nil {
			return core.Configf("In preprocessor function `extract_shape`: Unable to find 'shapefile: %s'", a.Shapefile)
		}
	}
	if a.Method != "" && a.Method != "contains" && a.Method != "representative" {
		return core.Configf("In preprocessor function `extract_shape`: Invalid value '%s' for argument 'method', choose from contains, representative", a.Method)
	}
	return nil
}

// checkTemporalSteps rejects time dependent steps for fx variables.
func checkTemporalSteps(settings Settings) error {
	var found []string
	for _, step := range settings.Steps(DefaultOrder) {
		if slices.Contains(TimeSteps, step) {
			found = append(found, step)
		}
	}
	if len(found) > 0 {
		return core.Configf("Time coordinate preprocessor step(s) [%s] not permitted on fx vars, please remove them from recipe", strings.Join(found, ", "))
	}
	return nil
}

// checkBiasReference ensures exactly one product using the bias step is
// marked as reference_for_bias.
func checkBiasReference(products []*Product) error {
	var withBias, refs []string
	for _, p := range products {
		if !p.Settings.Has(StepBias) {
			continue
		}
		withBias = append(withBias, p.Filename)
		if isTrue(p.Attributes[referenceForBiasAttribute]) {
			refs = append(refs, p.Filename)
		}
	}
	if len(withBias) == 0 || len(refs) == 1 {
		return nil
	}
	sort.Strings(withBias)
	found := ". "
	if len(refs) > 0 {
		sort.Strings(refs)
		found = fmt.Sprintf(":\n%s.\n", strings.Join(refs, "\n"))
	}
	return core.Configf("Expected exactly 1 dataset with 'reference_for_bias: true' in products\n%s,\nfound %d%sPlease also ensure that the reference dataset is not excluded with the 'exclude' option",
		strings.Join(withBias, "\n"), len(refs), found)
}

func isTrue(v any) bool {
	b, _ := v.(bool)
	return b
}
