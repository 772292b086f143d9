package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Session is the configuration of one run of a recipe, with the
// directories the run writes to.
type Session struct {
	*Config
	RecipeName string
	// Dir is <output_dir>/<recipe>_<UTC timestamp>.
	Dir        string
	PreprocDir string
	WorkDir    string
	PlotDir    string
	RunDir     string
}

// SessionTimeFormat formats the start time in session directory names.
const SessionTimeFormat = "20060102_150405"

// NewSession creates the session of a run of recipeName started at now.
func NewSession(cfg *Config, recipeName string, now time.Time) *Session {
	dir := filepath.Join(cfg.OutputDir, recipeName+"_"+now.UTC().Format(SessionTimeFormat))
	return &Session{
		Config:     cfg,
		RecipeName: recipeName,
		Dir:        dir,
		PreprocDir: filepath.Join(dir, "preproc"),
		WorkDir:    filepath.Join(dir, "work"),
		PlotDir:    filepath.Join(dir, "plots"),
		RunDir:     filepath.Join(dir, "run"),
	}
}

// Create makes the session directories.
func (s *Session) Create() error {
	for _, dir := range []string{s.PreprocDir, s.WorkDir, s.PlotDir, s.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return nil
}
