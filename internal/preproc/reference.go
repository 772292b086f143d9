package preproc

import (
	"context"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// specialNameToDataset resolves reference_dataset and alternative_dataset
// to the dataset names recorded on ds. Other names are returned as is.
func specialNameToDataset(ds *dataset.Dataset, name string) (string, error) {
	if name != referenceDatasetSpecial && name != alternativeDatasetSpecial {
		return name, nil
	}
	if !ds.Has(name) {
		return "", core.Configf("Preprocessor %s uses %s, but %s is not defined for variable %s of diagnostic %s",
			ds.Facet(dataset.Preprocessor), name, name, ds.Facet(dataset.ShortName), ds.Facet(dataset.Diagnostic))
	}
	return ds.Facet(name), nil
}

// excludeDataset removes step from settings when the dataset is listed in
// the step's exclude argument. The argument itself is always removed.
func (r *Resolver) excludeDataset(settings Settings, ds *dataset.Dataset, step string) error {
	args := settings[step]
	raw, ok := args[excludeKey]
	if !ok {
		return nil
	}
	delete(args, excludeKey)
	for _, name := range stringList(raw) {
		resolved, err := specialNameToDataset(ds, name)
		if err != nil {
			return err
		}
		if resolved == ds.Facet(dataset.Name) {
			delete(settings, step)
			r.logger.Debug("excluded dataset from preprocessor step", "dataset", resolved, "step", step)
			return nil
		}
	}
	return nil
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, dataset.ValueString(item))
		}
		return out
	}
	return nil
}

func selectDataset(name string, datasets []*dataset.Dataset) (*dataset.Dataset, error) {
	for _, ds := range datasets {
		if ds.Facet(dataset.Name) == name {
			return ds, nil
		}
	}
	return nil, core.FilesNotFoundf("Unable to find matching file for dataset %s", name)
}

func hasDataset(name string, datasets []*dataset.Dataset) bool {
	_, err := selectDataset(name, datasets)
	return err == nil
}

// Representative returns the dataset used in place of ds for level and
// grid lookups: ds itself when it has files, otherwise, for a derived
// variable, the first derivation input that has files.
func (r *Resolver) Representative(ctx context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
	files, err := ds.Files(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 && ds.Facets().Bool(dataset.Derive) && r.cfg.Derivations != nil {
		inputs, status := r.cfg.Derivations.Required(ds.Facet(dataset.ShortName), ds.Facet(dataset.Project))
		if status == registry.Found {
			for _, in := range inputs {
				candidate, err := ds.Variant(in.Facets)
				if err != nil {
					return nil, err
				}
				if r.cfg.Tables != nil {
					if err := candidate.OverrideTableFacets(r.cfg.Tables); err != nil {
						return nil, err
					}
				}
				files, err := candidate.Files(ctx)
				if err != nil {
					return nil, err
				}
				if len(files) > 0 {
					ds = candidate
					break
				}
			}
		}
	}
	if err := ds.CheckAvailability(ctx); err != nil {
		return nil, err
	}
	return ds, nil
}

// referenceFile returns the local path of the first file of ds, scheduling
// its download when needed.
func (r *Resolver) referenceFile(ctx context.Context, ds *dataset.Dataset) (dataset.File, error) {
	files, err := ds.Files(ctx)
	if err != nil {
		return dataset.File{}, err
	}
	if len(files) == 0 {
		return dataset.File{}, core.FilesNotFoundf("No input files found for %s", ds.Summary())
	}
	f := files[0]
	if f.Remote {
		if r.cfg.Downloads != nil {
			r.cfg.Downloads.Add(f)
		}
		f = f.LocalFile(r.cfg.DownloadDir)
	}
	return f, nil
}

// updateTargetLevels resolves extract_levels.levels.
func (r *Resolver) updateTargetLevels(ctx context.Context, ds *dataset.Dataset, group []*dataset.Dataset, settings Settings) error {
	args, ok := settings[StepExtractLevels]
	if !ok || args["levels"] == nil {
		return nil
	}
	levels := args["levels"]
	if name, ok := levels.(string); ok {
		resolved, err := specialNameToDataset(ds, name)
		if err != nil {
			return err
		}
		if hasDataset(resolved, group) {
			levels = map[string]any{"dataset": resolved}
			args["levels"] = levels
		}
	}
	spec, ok := levels.(map[string]any)
	if !ok {
		return nil
	}
	table, hasTable := spec["cmor_table"].(string)
	coordinate, hasCoordinate := spec["coordinate"].(string)
	if hasTable && hasCoordinate {
		if r.cfg.Tables == nil {
			return core.Configf("Unable to look up levels of coordinate '%s': no CMOR tables loaded", coordinate)
		}
		values, status := r.cfg.Tables.Levels(table, coordinate)
		if status != registry.Found {
			return core.Configf("Unable to find levels of coordinate '%s' in CMOR table '%s' (%s)", coordinate, table, status)
		}
		args["levels"] = values
		return nil
	}
	name, ok := spec["dataset"].(string)
	if !ok {
		return nil
	}
	if name == ds.Facet(dataset.Name) {
		delete(settings, StepExtractLevels)
		return nil
	}
	target, err := selectDataset(name, group)
	if err != nil {
		return err
	}
	rep, err := r.Representative(ctx, target)
	if err != nil {
		return err
	}
	f, err := r.referenceFile(ctx, rep)
	if err != nil {
		return err
	}
	if r.cfg.Levels == nil {
		args["levels"] = f.Path
		return nil
	}
	values, err := r.cfg.Levels.ReferenceLevels(ctx, f)
	if err != nil {
		return err
	}
	args["levels"] = values
	return nil
}

// updateTargetGrid resolves and validates regrid.target_grid.
func (r *Resolver) updateTargetGrid(ctx context.Context, ds *dataset.Dataset, group []*dataset.Dataset, settings Settings) error {
	args, ok := settings[StepRegrid]
	if !ok || args["target_grid"] == nil {
		return nil
	}
	switch grid := args["target_grid"].(type) {
	case string:
		name, err := specialNameToDataset(ds, grid)
		if err != nil {
			return err
		}
		if name == ds.Facet(dataset.Name) {
			delete(settings, StepRegrid)
			return nil
		}
		if hasDataset(name, group) {
			target, _ := selectDataset(name, group)
			rep, err := r.Representative(ctx, target)
			if err != nil {
				return err
			}
			f, err := r.referenceFile(ctx, rep)
			if err != nil {
				return err
			}
			args["target_grid"] = f.Path
			return nil
		}
		_, _, err = ParseCellSpec(grid)
		return err
	case map[string]any:
		_, err := ParseLatLonGrid(grid)
		return err
	}
	return nil
}

// updateRegridTime defaults regrid_time.frequency to the dataset frequency.
func updateRegridTime(ds *dataset.Dataset, settings Settings) {
	args, ok := settings[StepRegridTime]
	if !ok {
		return
	}
	if f, _ := args["frequency"].(string); f == "" {
		args["frequency"] = ds.Facet(dataset.Frequency)
	}
}
