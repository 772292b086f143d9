package preproc

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/ordered"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// LevelReader reads the vertical levels stored in a data file.
type LevelReader interface {
	ReferenceLevels(ctx context.Context, file dataset.File) ([]float64, error)
}

// DownloadList collects the remote files that must be downloaded before
// the preprocessor runs.
type DownloadList interface {
	Add(f dataset.File)
}

// Config configures a Resolver.
type Config struct {
	Tables      registry.Tables
	Projects    *registry.ProjectRegistry
	Derivations *registry.DeriveRegistry
	Ancillaries *registry.AncillaryRegistry
	// Levels reads reference levels. When nil, extract_levels receives the
	// path of the reference file instead of its levels.
	Levels    LevelReader
	Downloads DownloadList

	PreprocDir       string
	DownloadDir      string
	AuxiliaryDataDir string

	SaveIntermediaryCubes bool
	CompressNetCDF        bool
	SkipNonexistent       bool
	MaxDatasets           int

	Logger *slog.Logger
}

// Resolver computes preprocessor settings and products.
type Resolver struct {
	cfg    Config
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Projects == nil {
		cfg.Projects = registry.DefaultProjects()
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// OutputFile returns the preprocessed file name of a dataset.
func (r *Resolver) OutputFile(ds *dataset.Dataset) (string, error) {
	return OutputFile(ds.FacetMap(), r.cfg.Projects, r.cfg.PreprocDir)
}

func (r *Resolver) defaultSettings(ds *dataset.Dataset, derive bool) (Settings, error) {
	settings := make(Settings)
	if derive {
		settings[StepDerive] = map[string]any{
			"short_name":    ds.Facet(dataset.ShortName),
			"standard_name": ds.Facet("standard_name"),
			"long_name":     ds.Facet("long_name"),
			"units":         ds.Facet("units"),
		}
	}
	if !r.cfg.SaveIntermediaryCubes {
		out, err := r.OutputFile(ds)
		if err != nil {
			return nil, err
		}
		settings[StepCleanup] = map[string]any{
			"remove": []string{strings.TrimSuffix(out, ".nc") + "_fixed"},
		}
	}
	settings[StepRemoveAncillaries] = map[string]any{}
	save := map[string]any{"compress": r.cfg.CompressNetCDF}
	if ds.Has("original_short_name") && ds.Facet(dataset.ShortName) != ds.Facet("original_short_name") {
		save["alias"] = ds.Facet(dataset.ShortName)
	}
	settings[StepSave] = save
	return settings, nil
}

// DatasetSettings resolves the settings of ds within its variable group.
// Errors wrapping core.ErrInputFilesNotFound report missing data; any
// other error is fatal.
func (r *Resolver) DatasetSettings(ctx context.Context, ds *dataset.Dataset, group []*dataset.Dataset, profile *ordered.Map[any]) (Settings, error) {
	settings, err := r.defaultSettings(ds, profile.Has(StepDerive))
	if err != nil {
		return nil, err
	}
	ApplyProfile(settings, profile)

	for _, step := range settings.Steps(DefaultOrder) {
		if err := r.excludeDataset(settings, ds, step); err != nil {
			return nil, err
		}
	}
	if args, ok := settings[StepExtractShape]; ok {
		if err := checkExtractShape(args, r.cfg.AuxiliaryDataDir); err != nil {
			return nil, err
		}
	}
	if err := r.addAncillaries(ctx, settings, ds); err != nil {
		return nil, err
	}
	if err := r.updateTargetLevels(ctx, ds, group, settings); err != nil {
		return nil, err
	}
	if err := r.updateTargetGrid(ctx, ds, group, settings); err != nil {
		return nil, err
	}
	updateRegridTime(ds, settings)
	if ds.Facet(dataset.Frequency) == "fx" {
		if err := checkTemporalSteps(settings); err != nil {
			return nil, err
		}
	}
	return settings, nil
}

// Request describes the products of one preprocessing task.
type Request struct {
	// Name is the task name, used in error messages.
	Name     string
	Datasets []*dataset.Dataset
	// Profile is the preprocessor profile, with custom_order removed.
	Profile *ordered.Map[any]
	Order   []string
	// AncestorProducts are the products of the tasks computing the inputs
	// of a derived variable.
	AncestorProducts []*Product
}

// Products resolves the settings of every dataset of a request and
// returns the resulting products, including statistics products, sorted
// by filename.
func (r *Resolver) Products(ctx context.Context, req Request) ([]*Product, error) {
	grouped, err := r.matchProducts(req.AncestorProducts, req.Datasets)
	if err != nil {
		return nil, err
	}

	var products []*Product
	missing := make(map[string]struct{})
	for _, ds := range req.Datasets {
		settings, err := r.DatasetSettings(ctx, ds, req.Datasets, req.Profile)
		if err != nil {
			if !errors.Is(err, core.ErrInputFilesNotFound) {
				return nil, err
			}
			missing[core.Message(err)] = struct{}{}
			continue
		}
		filename, err := r.OutputFile(ds)
		if err != nil {
			return nil, err
		}
		p := &Product{
			Filename:   filename,
			Attributes: ds.FacetMap(),
			Settings:   settings,
		}
		if ancestors := grouped[filename]; len(ancestors) > 0 {
			p.Ancestors = ancestors
		} else {
			if err := r.checkInputFiles(ctx, ds); err != nil {
				if !errors.Is(err, core.ErrInputFilesNotFound) {
					return nil, err
				}
				if r.allowSkipping(ds) {
					r.logger.Info("skipping dataset", "reason", core.Message(err))
				} else {
					missing[core.Message(err)] = struct{}{}
				}
				continue
			}
			p.Dataset = ds
		}
		products = append(products, p)
	}

	if len(missing) > 0 {
		msgs := make([]string, 0, len(missing))
		for m := range missing {
			msgs = append(msgs, m)
		}
		sort.Strings(msgs)
		return nil, core.FilesNotFoundf("Missing data for preprocessor %s:\n- %s", req.Name, strings.Join(msgs, "\n- "))
	}
	SortProducts(products)
	if err := checkBiasReference(products); err != nil {
		return nil, err
	}

	// First pass: create the statistics products.
	ensembleProducts := products
	var ensembleAgg, multiModelAgg *aggregation
	if req.Profile.Has(StepEnsembleStatistics) {
		ensembleProducts, ensembleAgg, err = aggregate(products, req.Order, r.cfg.PreprocDir, StepEnsembleStatistics)
		if err != nil {
			return nil, err
		}
	}
	var multiModelProducts []*Product
	if req.Profile.Has(StepMultiModelStatistics) {
		multiModelProducts, multiModelAgg, err = aggregate(ensembleProducts, req.Order, r.cfg.PreprocDir, StepMultiModelStatistics)
		if err != nil {
			return nil, err
		}
		if multiModelAgg == nil {
			multiModelProducts = nil
		}
	}

	// Second pass: point the inputs of each statistics step at its outputs.
	link(products, ensembleAgg)
	link(products, multiModelAgg)
	if ensembleAgg != nil {
		link(ensembleAgg.outputs, multiModelAgg)
	}

	all := uniqueProducts(products, ensembleProducts, multiModelProducts)
	for _, p := range all {
		if err := p.Check(); err != nil {
			return nil, err
		}
	}
	SortProducts(all)
	return all, nil
}

func uniqueProducts(sets ...[]*Product) []*Product {
	seen := make(map[*Product]bool)
	var out []*Product
	for _, set := range sets {
		for _, p := range set {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (r *Resolver) allowSkipping(ds *dataset.Dataset) bool {
	return r.cfg.SkipNonexistent && ds.Facet(dataset.Name) != ds.Facet(dataset.ReferenceDataset)
}

// checkInputFiles verifies ds has data and schedules the download of its
// remote files and those of its ancillaries.
func (r *Resolver) checkInputFiles(ctx context.Context, ds *dataset.Dataset) error {
	files, err := ds.Files(ctx)
	if err != nil {
		return err
	}
	alias := strings.ReplaceAll(ds.Facet(dataset.Alias), "_", " ")
	r.logger.Debug("using input files", "short_name", ds.Facet(dataset.ShortName), "dataset", alias, "files", len(files))
	if err := ds.CheckAvailability(ctx); err != nil {
		return err
	}
	if err := r.scheduleDownloads(ctx, ds); err != nil {
		return err
	}
	for _, a := range ds.Ancillaries {
		if err := r.scheduleDownloads(ctx, a); err != nil {
			return err
		}
	}
	r.logger.Info("found input files", "dataset", alias)
	return nil
}

// scheduleDownloads registers the remote files of ds and replaces them by
// the local files they will be downloaded to.
func (r *Resolver) scheduleDownloads(ctx context.Context, ds *dataset.Dataset) error {
	files, err := ds.Files(ctx)
	if err != nil {
		return err
	}
	local := make([]dataset.File, len(files))
	changed := false
	for i, f := range files {
		local[i] = f
		if !f.Remote {
			continue
		}
		if r.cfg.Downloads != nil {
			r.cfg.Downloads.Add(f)
		}
		local[i] = f.LocalFile(r.cfg.DownloadDir)
		changed = true
	}
	if changed {
		ds.SetFiles(local)
	}
	return nil
}

// matchProducts assigns each ancestor product to the output files of the
// datasets whose facets match its attributes best.
func (r *Resolver) matchProducts(products []*Product, datasets []*dataset.Dataset) (map[string][]*Product, error) {
	grouped := make(map[string][]*Product)
	if len(products) == 0 {
		return grouped, nil
	}
	filenames := make([]string, len(datasets))
	facets := make([]map[string]any, len(datasets))
	for i, ds := range datasets {
		f, err := r.OutputFile(ds)
		if err != nil {
			return nil, err
		}
		filenames[i] = f
		facets[i] = ds.FacetMap()
	}
	for _, p := range products {
		best := 0
		var matching []string
		for i := range datasets {
			score := 0
			for k, v := range p.Attributes {
				if reflect.DeepEqual(facets[i][k], v) {
					score++
				}
			}
			switch {
			case score > best:
				best = score
				matching = []string{filenames[i]}
			case score == best:
				matching = append(matching, filenames[i])
			}
		}
		if len(matching) == 0 {
			r.logger.Warn("unable to find matching output file for input file", "file", p.Filename)
		}
		for _, f := range matching {
			grouped[f] = append(grouped[f], p)
		}
	}
	return grouped, nil
}

// LimitDatasets keeps at most MaxDatasets datasets. Datasets referenced as
// level or grid target, or as reference or alternative dataset, are kept
// first.
func (r *Resolver) LimitDatasets(datasets []*dataset.Dataset, profile *ordered.Map[any]) []*dataset.Dataset {
	limit := r.cfg.MaxDatasets
	if limit <= 0 || len(datasets) == 0 {
		return datasets
	}
	r.logger.Info("limiting the number of datasets", "max_datasets", limit)

	var required []string
	for _, ref := range []struct{ step, arg string }{{StepExtractLevels, "levels"}, {StepRegrid, "target_grid"}} {
		v, _ := profile.Get(ref.step)
		if args, ok := v.(map[string]any); ok {
			if s, ok := args[ref.arg].(string); ok {
				required = append(required, s)
			}
		}
	}
	for _, k := range []string{dataset.ReferenceDataset, dataset.AlternativeDataset} {
		if datasets[0].Has(k) {
			required = append(required, datasets[0].Facet(k))
		}
	}

	var limited []*dataset.Dataset
	in := make(map[*dataset.Dataset]bool)
	for _, ds := range datasets {
		for _, name := range required {
			if ds.Facet(dataset.Name) == name && !in[ds] {
				limited = append(limited, ds)
				in[ds] = true
			}
		}
	}
	for _, ds := range datasets {
		if len(limited) >= limit {
			break
		}
		if !in[ds] {
			limited = append(limited, ds)
			in[ds] = true
		}
	}
	aliases := make([]string, len(limited))
	for i, ds := range limited {
		aliases[i] = ds.Facet(dataset.Alias)
	}
	r.logger.Info("only considering datasets", "datasets", strings.Join(aliases, ", "))
	return limited
}

// DeriveInputs groups the datasets needed to compute a derived variable by
// the variable group of their preprocessing task. Datasets that have data
// for the derived variable itself are processed as they are, unless
// derivation is forced. Optional inputs without data are skipped.
func (r *Resolver) DeriveInputs(ctx context.Context, datasets []*dataset.Dataset) (*ordered.Map[[]*dataset.Dataset], error) {
	inputs := ordered.New[[]*dataset.Dataset]()
	add := func(prefix string, ds *dataset.Dataset) error {
		group := prefix + ds.Facet(dataset.ShortName)
		if err := ds.Set(dataset.VariableGroup, group, false); err != nil {
			return err
		}
		list, _ := inputs.Get(group)
		inputs.Set(group, append(list, ds))
		return nil
	}
	for _, ds := range datasets {
		prefix := ds.Facet(dataset.VariableGroup) + "_derive_input_"
		files, err := ds.Files(ctx)
		if err != nil {
			return nil, err
		}
		if !ds.Facets().Bool(dataset.ForceDerivation) && len(files) > 0 {
			input, err := ds.Copy(nil)
			if err != nil {
				return nil, err
			}
			if err := add(prefix, input); err != nil {
				return nil, err
			}
			continue
		}
		if r.cfg.Derivations == nil {
			return nil, core.Configf("Unknown derived variable %s", ds.Facet(dataset.ShortName))
		}
		required, status := r.cfg.Derivations.Required(ds.Facet(dataset.ShortName), ds.Facet(dataset.Project))
		if status != registry.Found {
			return nil, core.Configf("Unknown derived variable %s", ds.Facet(dataset.ShortName))
		}
		for _, in := range required {
			input, err := ds.Variant(in.Facets)
			if err != nil {
				return nil, err
			}
			input.Delete(dataset.Derive)
			input.Delete(dataset.ForceDerivation)
			if r.cfg.Tables != nil {
				if err := input.OverrideTableFacets(r.cfg.Tables); err != nil {
					return nil, err
				}
			}
			files, err := input.Files(ctx)
			if err != nil {
				return nil, err
			}
			if in.Optional && len(files) == 0 {
				r.logger.Info("skipping optional derivation input without data", "input", input.Summary())
				continue
			}
			if err := add(prefix, input); err != nil {
				return nil, err
			}
		}
	}
	return inputs, nil
}
