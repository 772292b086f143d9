// Package config loads the esmflow user configuration for the CLI.
//
// The session configuration types live in internal/config so that the
// engine does not depend on CLI concerns; they are re-exported here via
// type aliases for convenience.
package config

import (
	sharedcfg "github.com/leapstack-labs/esmflow/internal/config"
)

// Config is an alias for the shared session configuration.
type Config = sharedcfg.Config

// Re-exported defaults used by the CLI.
const (
	DefaultStateFile = sharedcfg.DefaultStateFile
	DefaultOutput    = sharedcfg.DefaultOutput
	EnvPrefix        = "ESMFLOW_"
)

// pathFlags maps the flags holding paths to their config keys.
var pathFlags = map[string]string{
	"output-dir":         "output_dir",
	"download-dir":       "download_dir",
	"auxiliary-data-dir": "auxiliary_data_dir",
	"project-config":     "project_config",
	"state":              "state_path",
}

// flagKeys maps flags whose name differs from their config key.
var flagKeys = map[string]string{
	"state": "state_path",
}
