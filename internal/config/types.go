// Package config provides the session configuration of esmflow.
// It is decoupled from CLI concerns: the CLI layers defaults, the user
// config file, environment variables and flags into a Config, and the
// engine only sees the resulting Session.
package config

// Config holds the user configuration.
type Config struct {
	OutputDir        string `koanf:"output_dir"`
	AuxiliaryDataDir string `koanf:"auxiliary_data_dir"`
	DownloadDir      string `koanf:"download_dir"`

	// RootPath maps a project to the root directories of its data;
	// "default" applies to projects without an entry.
	RootPath map[string][]string `koanf:"rootpath"`
	// DRS maps a project to the directory layout of its data.
	DRS map[string]string `koanf:"drs"`
	// ProjectConfig is the path of a file with project and CMOR table
	// settings that override the built-in ones.
	ProjectConfig string `koanf:"project_config"`
	// SearchIndex is the base URL of the remote search index.
	SearchIndex string `koanf:"search_index"`

	MaxDatasets      int  `koanf:"max_datasets"`
	MaxParallelTasks int  `koanf:"max_parallel_tasks"`
	Offline          bool `koanf:"offline"`
	DownloadLatest   bool `koanf:"download_latest"`
	SkipNonexistent  bool `koanf:"skip_nonexistent"`

	ResumeFrom  []string `koanf:"resume_from"`
	Diagnostics []string `koanf:"diagnostics"`

	RunDiagnostic         bool `koanf:"run_diagnostic"`
	SaveIntermediaryCubes bool `koanf:"save_intermediary_cubes"`
	CompressNetCDF        bool `koanf:"compress_netcdf"`
	RemovePreprocDir      bool `koanf:"remove_preproc_dir"`

	OutputFileType string `koanf:"output_file_type"`
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	StatePath      string `koanf:"state_path"`
	Verbose        bool   `koanf:"verbose"`
	OutputFormat   string `koanf:"output"`

	// PreprocessorCommand runs the preprocessing steps.
	PreprocessorCommand []string `koanf:"preprocessor_command"`
	// Interpreters maps script extensions (without the dot) to the program
	// running them.
	Interpreters map[string]string `koanf:"interpreters"`
}
