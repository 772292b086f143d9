package config

// Default configuration values.
const (
	ConfigFileName    = "esmflow.yaml"
	ConfigFileNameAlt = "esmflow.yml"

	DefaultOutputDir        = "esmflow_output"
	DefaultAuxiliaryDataDir = "auxiliary_data"
	DefaultDownloadDir      = "climate_data"
	DefaultStateFile        = ".esmflow/state.db"
	DefaultOutputFileType   = "png"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultOutput           = "auto" // Auto-detect: TTY=text, non-TTY=markdown
	DefaultDRS              = "default"
)

// Defaults returns the default values keyed like the config file.
func Defaults() map[string]any {
	return map[string]any{
		"output_dir":              DefaultOutputDir,
		"auxiliary_data_dir":      DefaultAuxiliaryDataDir,
		"download_dir":            DefaultDownloadDir,
		"max_datasets":            0,
		"max_parallel_tasks":      0,
		"offline":                 true,
		"download_latest":         false,
		"skip_nonexistent":        false,
		"run_diagnostic":          true,
		"save_intermediary_cubes": false,
		"compress_netcdf":         false,
		"remove_preproc_dir":      true,
		"output_file_type":        DefaultOutputFileType,
		"log_level":               DefaultLogLevel,
		"log_format":              DefaultLogFormat,
		"state_path":              DefaultStateFile,
		"verbose":                 false,
		"output":                  DefaultOutput,
	}
}

// ApplyDefaults fills in the values a Config built without the loader
// leaves empty.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.AuxiliaryDataDir == "" {
		c.AuxiliaryDataDir = DefaultAuxiliaryDataDir
	}
	if c.DownloadDir == "" {
		c.DownloadDir = DefaultDownloadDir
	}
	if c.OutputFileType == "" {
		c.OutputFileType = DefaultOutputFileType
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.StatePath == "" {
		c.StatePath = DefaultStateFile
	}
	if c.OutputFormat == "" {
		c.OutputFormat = DefaultOutput
	}
}
