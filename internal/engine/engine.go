// Package engine turns a recipe into the tasks that compute it and runs
// them. It handles dataset expansion, task creation with the session's
// filters, ancestor resolution and execution with run bookkeeping.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/esmflow/internal/config"
	"github.com/leapstack-labs/esmflow/internal/datafinder"
	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/preproc"
	"github.com/leapstack-labs/esmflow/internal/recipe"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/internal/state"
	"github.com/leapstack-labs/esmflow/internal/task"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Downloader fetches remote input files before the tasks run.
type Downloader interface {
	Download(ctx context.Context, files []dataset.File) error
}

// Engine resolves and runs one recipe within one session.
type Engine struct {
	recipe   *recipe.Recipe
	session  *config.Session
	cfg      Config
	resolver *preproc.Resolver

	downloads *datafinder.DownloadRegistry
	store     core.Store
	ownStore  bool

	// tasks holds every task, ancestors included; independent holds
	// those no other task depends on.
	tasks       *task.Set
	independent *task.Set
	// scriptAncestors holds the ancestor patterns per diagnostic task.
	scriptAncestors map[string][]string

	logger *slog.Logger
}

// Config holds engine configuration.
type Config struct {
	Recipe  *recipe.Recipe
	Session *config.Session
	// Version is passed on to diagnostic scripts.
	Version string

	Tables      registry.Tables
	Projects    *registry.ProjectRegistry
	Derivations *registry.DeriveRegistry
	Ancillaries *registry.AncillaryRegistry

	// Finder locates input files.
	Finder dataset.Finder
	// Levels reads vertical levels from reference files (optional).
	Levels preproc.LevelReader
	// Downloads collects the remote files found while building tasks. A new
	// registry is used when nil.
	Downloads  *datafinder.DownloadRegistry
	Downloader Downloader

	Executor task.Executor
	Runner   task.ScriptRunner

	// Store records runs. When nil and StatePath is set, a SQLite store is
	// opened at StatePath; otherwise runs are not recorded.
	Store     core.Store
	StatePath string

	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// New creates an engine. Tasks are created by Build.
func New(cfg Config) (*Engine, error) {
	if cfg.Recipe == nil {
		return nil, fmt.Errorf("engine: no recipe given")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("engine: no session given")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Projects == nil {
		cfg.Projects = registry.DefaultProjects()
	}
	if cfg.Derivations == nil {
		cfg.Derivations = registry.DefaultDerivations()
	}
	if cfg.Ancillaries == nil {
		cfg.Ancillaries = registry.DefaultAncillaries()
	}
	if cfg.Downloads == nil {
		cfg.Downloads = datafinder.NewDownloadRegistry()
	}

	logger.Debug("initializing engine", "recipe", cfg.Recipe.Name, "session", cfg.Session.Dir)

	store := cfg.Store
	ownStore := false
	if store == nil && cfg.StatePath != "" {
		s := state.NewSQLiteStore(logger)
		if err := s.Open(cfg.StatePath); err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		if err := s.InitSchema(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to initialize state schema: %w", err)
		}
		store, ownStore = s, true
	}

	s := cfg.Session
	resolver := preproc.NewResolver(preproc.Config{
		Tables:                cfg.Tables,
		Projects:              cfg.Projects,
		Derivations:           cfg.Derivations,
		Ancillaries:           cfg.Ancillaries,
		Levels:                cfg.Levels,
		Downloads:             cfg.Downloads,
		PreprocDir:            s.PreprocDir,
		DownloadDir:           s.DownloadDir,
		AuxiliaryDataDir:      s.AuxiliaryDataDir,
		SaveIntermediaryCubes: s.SaveIntermediaryCubes,
		CompressNetCDF:        s.CompressNetCDF,
		SkipNonexistent:       s.SkipNonexistent,
		MaxDatasets:           s.MaxDatasets,
		Logger:                logger,
	})

	return &Engine{
		recipe:    cfg.Recipe,
		session:   s,
		cfg:       cfg,
		resolver:  resolver,
		downloads: cfg.Downloads,
		store:     store,
		ownStore:  ownStore,
		logger:    logger,
	}, nil
}

// Close releases the state store if the engine opened it.
func (e *Engine) Close() error {
	if e.ownStore && e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Recipe returns the recipe of the engine.
func (e *Engine) Recipe() *recipe.Recipe { return e.recipe }

// Session returns the session of the engine.
func (e *Engine) Session() *config.Session { return e.session }

// Store returns the run store, which may be nil.
func (e *Engine) Store() core.Store { return e.store }

// Tasks returns all tasks, ancestors included, or nil before Build.
func (e *Engine) Tasks() *task.Set { return e.tasks }

// Independent returns the tasks no other task depends on, or nil before
// Build. Running them runs every task.
func (e *Engine) Independent() *task.Set { return e.independent }

// Downloads returns the remote files the tasks need.
func (e *Engine) Downloads() []dataset.File { return e.downloads.Snapshot() }

// String describes every task.
func (e *Engine) String() string {
	if e.tasks == nil {
		return ""
	}
	return e.tasks.String()
}
