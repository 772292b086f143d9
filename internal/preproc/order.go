// Package preproc resolves the preprocessing settings of every dataset of a
// variable group and turns them into preprocessor products, including the
// products synthesized by ensemble and multi-model statistics.
package preproc

import (
	"slices"

	"github.com/leapstack-labs/esmflow/internal/ordered"
)

// Step names referenced by the resolver.
const (
	StepFixFile               = "fix_file"
	StepFixMetadata           = "fix_metadata"
	StepFixData               = "fix_data"
	StepAddAncillaries        = "add_ancillary_variables"
	StepDerive                = "derive"
	StepExtractLevels         = "extract_levels"
	StepWeightingLandsea      = "weighting_landsea_fraction"
	StepRegrid                = "regrid"
	StepExtractShape          = "extract_shape"
	StepRegridTime            = "regrid_time"
	StepEnsembleStatistics    = "ensemble_statistics"
	StepMultiModelStatistics  = "multi_model_statistics"
	StepBias                  = "bias"
	StepMaskMultimodel        = "mask_multimodel"
	StepMaskFillvalues        = "mask_fillvalues"
	StepRemoveAncillaries     = "remove_ancillary_variables"
	StepSave                  = "save"
	StepCleanup               = "cleanup"
	customOrderKey            = "custom_order"
	outputProductsKey         = "output_products"
	excludeKey                = "exclude"
	referenceDatasetSpecial   = "reference_dataset"
	alternativeDatasetSpecial = "alternative_dataset"
	referenceForBiasAttribute = "reference_for_bias"
	defaultSpan               = "overlap"
	fullSpan                  = "full"
	multiModelGroupIdentifier = "MultiModel"
	ensembleGroupIdentifier   = "Ensemble"
)

// DefaultOrder is the order preprocessing steps run in unless a profile
// sets custom_order.
var DefaultOrder = []string{
	"load",
	StepFixFile,
	StepFixMetadata,
	"concatenate",
	"cmor_check_metadata",
	"clip_timerange",
	StepFixData,
	"cmor_check_data",
	StepAddAncillaries,
	"extract_time",
	"extract_season",
	"extract_month",
	"resample_hours",
	"resample_time",
	StepDerive,
	StepExtractLevels,
	StepWeightingLandsea,
	"mask_landsea",
	"mask_glaciated",
	"mask_landseaice",
	StepRegrid,
	"extract_coordinate_points",
	"extract_point",
	"extract_location",
	StepMaskMultimodel,
	StepMaskFillvalues,
	"mask_above_threshold",
	"mask_below_threshold",
	"mask_inside_range",
	"mask_outside_range",
	"extract_region",
	StepExtractShape,
	"extract_volume",
	"extract_trajectory",
	"extract_transect",
	"detrend",
	"extract_named_regions",
	"depth_integration",
	"area_statistics",
	"volume_statistics",
	"rolling_window_statistics",
	"amplitude",
	"zonal_statistics",
	"meridional_statistics",
	"accumulate_coordinate",
	"hourly_statistics",
	"daily_statistics",
	"monthly_statistics",
	"seasonal_statistics",
	"annual_statistics",
	"decadal_statistics",
	"climate_statistics",
	"anomalies",
	StepRegridTime,
	"timeseries_filter",
	"linear_trend",
	"linear_trend_stderr",
	"convert_units",
	StepEnsembleStatistics,
	StepMultiModelStatistics,
	StepBias,
	StepRemoveAncillaries,
	StepSave,
	StepCleanup,
}

// InitialSteps always run first, in this order, even with custom_order.
var InitialSteps = DefaultOrder[:slices.Index(DefaultOrder, StepAddAncillaries)+1]

// FinalSteps always run last, in this order, even with custom_order.
var FinalSteps = DefaultOrder[slices.Index(DefaultOrder, StepRemoveAncillaries):]

// MultiDatasetSteps operate on all products of a variable group at once.
var MultiDatasetSteps = []string{
	StepBias,
	StepEnsembleStatistics,
	StepMaskFillvalues,
	StepMaskMultimodel,
	StepMultiModelStatistics,
}

// TimeSteps need a time coordinate and cannot be applied to fx variables.
var TimeSteps = []string{
	"clip_timerange",
	"extract_time",
	"extract_season",
	"extract_month",
	"resample_hours",
	"resample_time",
	"hourly_statistics",
	"daily_statistics",
	"monthly_statistics",
	"seasonal_statistics",
	"annual_statistics",
	"decadal_statistics",
	"climate_statistics",
	"anomalies",
	StepRegridTime,
	"timeseries_filter",
	"rolling_window_statistics",
}

// IsStep reports whether name is a known preprocessing step.
func IsStep(name string) bool {
	return slices.Contains(DefaultOrder, name)
}

// ExtractOrder removes custom_order from profile and returns the step order
// the profile's products are processed in.
func ExtractOrder(profile *ordered.Map[any]) []string {
	custom, _ := profile.Get(customOrderKey)
	profile.Delete(customOrderKey)
	if enabled, _ := custom.(bool); !enabled {
		return DefaultOrder
	}
	order := slices.Clone(InitialSteps)
	for _, step := range profile.Keys() {
		if slices.Contains(InitialSteps, step) || slices.Contains(FinalSteps, step) {
			continue
		}
		order = append(order, step)
	}
	return append(order, FinalSteps...)
}

// SplitSettings splits profile at step. The first profile holds the steps
// that come before step in order; the second holds the rest, without step.
func SplitSettings(profile *ordered.Map[any], step string, order []string) (before, after *ordered.Map[any]) {
	before = ordered.New[any]()
	for _, s := range order {
		if s == step {
			break
		}
		if v, ok := profile.Get(s); ok {
			before.Set(s, v)
		}
	}
	after = ordered.New[any]()
	for _, k := range profile.Keys() {
		if k == step || before.Has(k) {
			continue
		}
		v, _ := profile.Get(k)
		after.Set(k, v)
	}
	return before, after
}

// SplitDeriveProfile splits the profile of a derived variable into the
// profile applied to the derivation inputs and the profile applied to the
// derived variable. The fixes only run on the inputs.
func SplitDeriveProfile(profile *ordered.Map[any]) (inputs, derived *ordered.Map[any]) {
	order := ExtractOrder(profile)
	inputs, derived = SplitSettings(profile, StepDerive, order)
	derived.Set(StepDerive, true)
	derived.Set(StepFixFile, false)
	derived.Set(StepFixMetadata, false)
	derived.Set(StepFixData, false)
	if !slices.Equal(order, DefaultOrder) {
		inputs.Set(customOrderKey, true)
		derived.Set(customOrderKey, true)
	}
	return inputs, derived
}
