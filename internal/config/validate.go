package config

import (
	"fmt"
	"os"
	"slices"
)

var (
	logLevels       = []string{"debug", "info", "warning", "error"}
	logFormats      = []string{"text", "json"}
	outputFileTypes = []string{"png", "pdf", "ps", "eps", "svg"}
	outputFormats   = []string{"auto", "text", "markdown", "json"}
)

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.MaxDatasets < 0 {
		return fmt.Errorf("max_datasets must be positive, got %d", c.MaxDatasets)
	}
	if c.MaxParallelTasks < 0 {
		return fmt.Errorf("max_parallel_tasks must be positive, got %d", c.MaxParallelTasks)
	}
	if !slices.Contains(logLevels, c.LogLevel) {
		return fmt.Errorf("invalid log_level %q, choose from %v", c.LogLevel, logLevels)
	}
	if !slices.Contains(logFormats, c.LogFormat) {
		return fmt.Errorf("invalid log_format %q, choose from %v", c.LogFormat, logFormats)
	}
	if !slices.Contains(outputFileTypes, c.OutputFileType) {
		return fmt.Errorf("invalid output_file_type %q, choose from %v", c.OutputFileType, outputFileTypes)
	}
	if c.OutputFormat != "" && !slices.Contains(outputFormats, c.OutputFormat) {
		return fmt.Errorf("invalid output %q, choose from %v", c.OutputFormat, outputFormats)
	}
	for project, drs := range c.DRS {
		if drs == "" {
			return fmt.Errorf("drs of project %s is empty", project)
		}
	}
	if !c.Offline && c.SearchIndex == "" {
		return fmt.Errorf("search_index is required when offline is false")
	}
	return nil
}

// ValidateDirectories checks that the directories to resume from exist.
func (c *Config) ValidateDirectories() error {
	for _, dir := range c.ResumeFrom {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("resume_from directory does not exist: %s\nHint: pass the output directory of an earlier run", dir)
		}
	}
	return nil
}
