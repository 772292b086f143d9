package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/esmflow/internal/cli/config"
	"github.com/leapstack-labs/esmflow/internal/cli/output"
	"github.com/leapstack-labs/esmflow/internal/cmor"
	intconfig "github.com/leapstack-labs/esmflow/internal/config"
	"github.com/leapstack-labs/esmflow/internal/datafinder"
	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/engine"
	"github.com/leapstack-labs/esmflow/internal/recipe"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/internal/state"
	"github.com/leapstack-labs/esmflow/internal/task"
)

// esgfDRS is the directory layout of remote data, which the index client
// serves.
const esgfDRS = "ESGF"

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Engine   *engine.Engine
	Renderer *output.Renderer
}

// NewCommandContext creates a CommandContext with an engine for the recipe
// at recipePath and a renderer.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command, recipePath string, withStore bool) (*CommandContext, func(), error) {
	cmdCtx := NewCommandContextWithoutEngine(cmd)

	eng, err := createEngine(cmdCtx.Cfg, recipePath, cmdCtx.Logger, cmd.ErrOrStderr(), withStore)
	if err != nil {
		return nil, nil, err
	}
	cmdCtx.Engine = eng

	cleanup := func() {
		_ = eng.Close()
	}
	return cmdCtx, cleanup, nil
}

// NewCommandContextWithoutEngine creates a CommandContext without an engine.
// Useful for commands that only read the state store or a recipe.
func NewCommandContextWithoutEngine(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	logger := config.GetLogger(cmd.Context())
	mode := output.Mode(cfg.OutputFormat)
	r := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)

	return &CommandContext{
		Cfg:      cfg,
		Logger:   logger,
		Renderer: r,
	}
}

// getConfig returns the current configuration, or the defaults when no
// configuration was loaded.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	cfg := &config.Config{Offline: true, RunDiagnostic: true, RemovePreprocDir: true}
	cfg.ApplyDefaults()
	return cfg
}

// openStore opens the state store at the configured path.
func openStore(cfg *config.Config, logger *slog.Logger) (*state.SQLiteStore, error) {
	if _, err := os.Stat(cfg.StatePath); err != nil {
		return nil, fmt.Errorf("no state database at %s\nHint: run a recipe first or pass --state", cfg.StatePath)
	}
	store := state.NewSQLiteStore(logger)
	if err := store.Open(cfg.StatePath); err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return store, nil
}

// loadTables reads the project configuration and the CMOR tables it points
// to.
func loadTables(cfg *config.Config, logger *slog.Logger) (*registry.ProjectRegistry, *registry.TableRegistry, error) {
	projectCfg, err := intconfig.LoadProjectConfig(cfg.ProjectConfig)
	if err != nil {
		return nil, nil, err
	}
	projects, err := projectCfg.Registry()
	if err != nil {
		return nil, nil, err
	}
	if len(projectCfg.CMORTables) == 0 {
		logger.Warn("no CMOR tables configured, variables cannot be resolved", slog.String("project_config", cfg.ProjectConfig))
	}
	tables, err := cmor.Load(projectCfg.CMORTables, intconfig.TableAliases(projects))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load CMOR tables: %w", err)
	}
	return projects, tables, nil
}

// newFinder searches the configured root paths and, when online, the
// remote index.
func newFinder(cfg *config.Config, projects *registry.ProjectRegistry, logger *slog.Logger) dataset.Finder {
	local := datafinder.NewLocalFinder(datafinder.LocalConfig{
		Projects:  projects,
		RootPaths: cfg.RootPath,
		DRS:       cfg.DRS,
		Logger:    logger,
	})
	if cfg.Offline {
		return local
	}

	var served []string
	for _, name := range projects.Names() {
		if p, _ := projects.Project(name); p != nil && p.InputDir[esgfDRS] != "" {
			served = append(served, name)
		}
	}
	remote := datafinder.NewIndexClient(datafinder.IndexConfig{
		BaseURL:  cfg.SearchIndex,
		Projects: served,
		Logger:   logger,
	})
	return datafinder.NewMergeFinder(datafinder.MergeConfig{
		Local:          local,
		Remote:         remote,
		DownloadLatest: cfg.DownloadLatest,
		Logger:         logger,
	})
}

func createEngine(cfg *config.Config, recipePath string, logger *slog.Logger, progress io.Writer, withStore bool) (*engine.Engine, error) {
	rec, err := recipe.Load(recipePath)
	if err != nil {
		return nil, err
	}
	projects, tables, err := loadTables(cfg, logger)
	if err != nil {
		return nil, err
	}

	session := intconfig.NewSession(cfg, rec.Name, time.Now())

	statePath := ""
	if withStore && cfg.StatePath != "" {
		// Ensure state directory exists
		stateDir := filepath.Dir(cfg.StatePath)
		if stateDir != "." && stateDir != "" {
			if err := os.MkdirAll(stateDir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
		statePath = cfg.StatePath
	}

	return engine.New(engine.Config{
		Recipe:   rec,
		Session:  session,
		Version:  Version,
		Tables:   tables,
		Projects: projects,
		Finder:   newFinder(cfg, projects, logger),
		Downloader: &datafinder.Downloader{
			Dir:      cfg.DownloadDir,
			Parallel: cfg.MaxParallelTasks,
			Progress: progress,
			Logger:   logger,
		},
		Executor: &task.CommandExecutor{
			Command: cfg.PreprocessorCommand,
			WorkDir: session.RunDir,
		},
		Runner:    task.CommandRunner{Interpreters: cfg.Interpreters},
		StatePath: statePath,
		Logger:    logger,
	})
}
