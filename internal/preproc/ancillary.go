package preproc

import (
	"context"
	"slices"
	"strings"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// addAncillaries adds the ancillary variables the steps in settings need
// and checks that enough of them have data.
func (r *Resolver) addAncillaries(ctx context.Context, settings Settings, ds *dataset.Dataset) error {
	if r.cfg.Ancillaries == nil {
		return nil
	}
	declared := make(map[string]bool, len(ds.Ancillaries))
	for _, a := range ds.Ancillaries {
		declared[a.Facet(dataset.ShortName)] = true
	}

	var missing []string
	for _, step := range settings.Steps(DefaultOrder) {
		anc, ok := r.cfg.Ancillaries.Required(step)
		if !ok || slices.ContainsFunc(anc.ShortNames, func(s string) bool { return declared[s] }) {
			continue
		}
		for _, short := range anc.ShortNames {
			if !slices.Contains(missing, short) {
				missing = append(missing, short)
			}
		}
	}

	for _, short := range missing {
		mip, err := r.guessMip(ctx, short, ds)
		if err != nil {
			return err
		}
		a, err := ds.AddAncillary(map[string]any{dataset.ShortName: short, dataset.Mip: mip})
		if err != nil {
			return err
		}
		if err := a.AugmentFacets(r.cfg.Tables, r.cfg.Projects); err != nil {
			return err
		}
		r.logger.Debug("added ancillary variable", "dataset", ds.Facet(dataset.Name), "short_name", short, "mip", mip)
	}

	return r.checkAncillaries(ctx, settings, ds)
}

// guessMip returns the mip table of an ancillary variable. When the
// variable is offered by several tables, the one with data wins.
func (r *Resolver) guessMip(ctx context.Context, short string, ds *dataset.Dataset) (string, error) {
	project := ds.Facet(dataset.Project)
	if r.cfg.Tables == nil {
		return "", core.Configf("Requested ancillary variable '%s' not available in any CMOR table for '%s'", short, project)
	}
	mips, status := r.cfg.Tables.Mips(project, short)
	switch status {
	case registry.Unsupported:
		return "", core.Configf("Requested ancillary variable '%s' with parent variable '%s' does not have a '%s' project in the CMOR tables", short, ds.Summary(), project)
	case registry.NotFound:
		return "", core.Configf("Requested ancillary variable '%s' not available in any CMOR table for '%s'", short, project)
	}

	var withData []string
	for _, mip := range mips {
		candidate, err := ds.Variant(map[string]any{dataset.ShortName: short, dataset.Mip: mip})
		if err != nil {
			return "", err
		}
		if err := candidate.AugmentFacets(r.cfg.Tables, r.cfg.Projects); err != nil {
			return "", err
		}
		files, err := candidate.Files(ctx)
		if err != nil {
			return "", err
		}
		if len(files) > 0 {
			r.logger.Debug("found ancillary variable", "short_name", short, "mip", mip, "files", len(files))
			withData = append(withData, mip)
		}
	}

	switch len(withData) {
	case 0:
		return mips[0], nil
	case 1:
		return withData[0], nil
	}
	slices.Sort(withData)
	return "", core.Configf("Requested ancillary variable '%s' for dataset '%s' of project '%s' is available in more than one CMOR MIP table for '%s': [%s]",
		short, ds.Facet(dataset.Name), project, project, strings.Join(withData, ", "))
}

// checkAncillaries drops ancillaries without data and verifies the steps
// that require one of their ancillary variables still have it.
func (r *Resolver) checkAncillaries(ctx context.Context, settings Settings, ds *dataset.Dataset) error {
	kept := ds.Ancillaries[:0]
	for _, a := range ds.Ancillaries {
		files, err := a.Files(ctx)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			r.logger.Debug("no data for ancillary variable, removing it", "ancillary", a.Summary())
			continue
		}
		kept = append(kept, a)
	}
	ds.Ancillaries = kept

	available := make(map[string]bool, len(kept))
	for _, a := range kept {
		available[a.Facet(dataset.ShortName)] = true
	}
	for _, step := range settings.Steps(DefaultOrder) {
		anc, ok := r.cfg.Ancillaries.Required(step)
		if !ok || slices.ContainsFunc(anc.ShortNames, func(s string) bool { return available[s] }) {
			continue
		}
		if anc.Policy == registry.Require {
			return core.FilesNotFoundf("Preprocessor function %s requires that at least one ancillary variable of [%s] is available for %s",
				step, strings.Join(anc.ShortNames, ", "), ds.Summary())
		}
		r.logger.Warn("preferred ancillary variables not available, the step will compute them",
			"step", step, "ancillaries", anc.ShortNames, "dataset", ds.Summary())
	}
	return nil
}
