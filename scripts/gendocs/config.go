package main

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"sort"

	"github.com/leapstack-labs/esmflow/internal/config"
)

// configDescriptions documents the keys of esmflow.yaml.
var configDescriptions = map[string]string{
	"output_dir":              "Directory receiving one session directory per run",
	"auxiliary_data_dir":      "Directory with auxiliary data such as shapefiles",
	"download_dir":            "Directory receiving downloaded input files",
	"rootpath":                "Data root directories per project",
	"drs":                     "Directory reference syntax per project",
	"project_config":          "File with project settings and CMOR table paths",
	"search_index":            "Search index queried for remote files when online",
	"max_datasets":            "Maximum number of datasets per variable, 0 for all",
	"max_parallel_tasks":      "Number of tasks run at once, 0 for one per CPU",
	"offline":                 "Search only local data",
	"download_latest":         "Prefer newer remote versions over local files",
	"skip_nonexistent":        "Drop datasets without input data instead of failing",
	"resume_from":             "Output directories of earlier runs to reuse",
	"diagnostics":             "Diagnostics to run, as task name patterns",
	"run_diagnostic":          "Run the diagnostic scripts",
	"save_intermediary_cubes": "Keep the files written between preprocessing steps",
	"compress_netcdf":         "Compress NetCDF output",
	"remove_preproc_dir":      "Remove the preprocessing directory after the run",
	"output_file_type":        "File type of the plots written by diagnostics",
	"log_level":               "Log level: debug, info, warning or error",
	"log_format":              "Log format: text or json",
	"state_path":              "State database recording runs",
	"verbose":                 "Log at debug level",
	"output":                  "Output format: auto, text, markdown or json",
	"preprocessor_command":    "Command receiving the preprocessing task settings",
	"interpreters":            "Interpreter per diagnostic script extension",
}

type configKey struct {
	Name    string
	Type    string
	Default string
}

// configKeys lists the keys of config.Config with their defaults.
func configKeys() []configKey {
	defaults := config.Defaults()
	t := reflect.TypeOf(config.Config{})
	keys := make([]configKey, 0, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		name := f.Tag.Get("koanf")
		if name == "" || name == "-" {
			continue
		}
		def := ""
		if v, ok := defaults[name]; ok {
			def = fmt.Sprint(v)
		}
		keys = append(keys, configKey{Name: name, Type: f.Type.String(), Default: def})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

func generateConfigDocs(outDir string) error {
	log.Printf("Generating configuration docs to %s", outDir)

	if err := os.MkdirAll(outDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	w := NewMarkdownWriter()
	w.Frontmatter("Configuration", "esmflow configuration reference")
	w.GeneratedMarker()

	w.Header(1, "Configuration")
	w.Paragraph(fmt.Sprintf("esmflow reads %s from the working directory or one of its parents, then the user config directory. Relative paths are resolved against the directory of the file.", InlineCode(config.ConfigFileName)))

	var rows [][]string
	for _, k := range configKeys() {
		def := "-"
		if k.Default != "" {
			def = InlineCode(k.Default)
		}
		rows = append(rows, []string{InlineCode(k.Name), k.Type, def, configDescriptions[k.Name]})
	}
	w.Header(2, "Keys")
	w.Table([]string{"Key", "Type", "Default", "Description"}, rows)

	w.Header(2, "Example")
	w.CodeBlock("yaml", `output_dir: ~/esmflow_output
rootpath:
  CMIP6: [/data/cmip6]
  OBS: [/data/obs]
drs:
  CMIP6: ESGF
project_config: projects.yml
offline: false
search_index: https://esgf-node.example.org/esg-search/search
max_parallel_tasks: 4
interpreters:
  py: python3
  R: Rscript`)

	return writePage(outDir, "configuration.md", w)
}
