package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/leapstack-labs/esmflow/internal/task"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Run builds the tasks if needed and runs them. The filled recipe is
// written first; remote input files are downloaded unless the session is
// offline. When a store is configured, the run, its tasks and the output
// manifest are recorded.
func (e *Engine) Run(ctx context.Context) (*core.Run, error) {
	if e.tasks == nil {
		if _, err := e.Build(ctx); err != nil {
			return nil, err
		}
	}
	if e.tasks.Len() == 0 {
		return nil, core.Configf("No tasks to run!")
	}
	if err := e.session.Create(); err != nil {
		return nil, err
	}
	if _, err := e.WriteFilledRecipe(ctx); err != nil {
		return nil, err
	}

	run, err := e.startRun()
	if err != nil {
		return nil, err
	}
	runErr := e.execute(ctx, run)
	return e.finishRun(ctx, run, runErr)
}

func (e *Engine) execute(ctx context.Context, run *core.Run) error {
	if !e.session.Offline {
		if files := e.downloads.Snapshot(); len(files) > 0 {
			if e.cfg.Downloader == nil {
				return fmt.Errorf("%d files need to be downloaded but no downloader is configured", len(files))
			}
			e.logger.Info("downloading input files", "count", len(files))
			if err := e.cfg.Downloader.Download(ctx, files); err != nil {
				return fmt.Errorf("failed to download input files: %w", err)
			}
		}
	}

	rec := &recorder{store: e.store, runID: run.ID, ids: make(map[string]string), logger: e.logger}
	start := time.Now()
	_, err := e.independent.Run(ctx, e.session.MaxParallelTasks, rec)
	if err != nil {
		return err
	}
	e.logger.Info("ran tasks", "count", e.tasks.Len(), "duration", time.Since(start).Round(time.Millisecond))

	if e.store != nil {
		outputs, err := e.Output()
		if err != nil {
			return err
		}
		if err := e.store.SaveOutputs(run.ID, outputRecords(outputs)); err != nil {
			return fmt.Errorf("failed to save outputs: %w", err)
		}
	}
	return nil
}

func (e *Engine) startRun() (*core.Run, error) {
	if e.store == nil {
		return &core.Run{
			Recipe:     e.recipe.Name,
			SessionDir: e.session.Dir,
			Status:     core.RunStatusRunning,
			StartedAt:  time.Now(),
		}, nil
	}
	run, err := e.store.CreateRun(e.recipe.Name, e.session.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

func (e *Engine) finishRun(ctx context.Context, run *core.Run, runErr error) (*core.Run, error) {
	status := core.RunStatusCompleted
	msg := ""
	switch {
	case runErr != nil && (errors.Is(runErr, context.Canceled) || ctx.Err() != nil):
		status, msg = core.RunStatusCancelled, runErr.Error()
	case runErr != nil:
		status, msg = core.RunStatusFailed, runErr.Error()
	}

	if runErr == nil && e.session.RemovePreprocDir {
		e.logger.Info("removing preproc containing preprocessed data", "dir", e.session.PreprocDir)
		if err := os.RemoveAll(e.session.PreprocDir); err != nil {
			e.logger.Warn("failed to remove preproc directory", "error", err)
		}
	}

	if e.store == nil {
		now := time.Now()
		run.Status, run.Error, run.CompletedAt = status, msg, &now
		return run, runErr
	}
	if err := e.store.CompleteRun(run.ID, status, msg); err != nil {
		e.logger.Warn("failed to complete run", "run", run.ID, "error", err)
	}
	if updated, err := e.store.GetRun(run.ID); err == nil {
		run = updated
	}
	return run, runErr
}

// recorder records task runs in the store and logs progress.
type recorder struct {
	store  core.Store
	runID  string
	ids    map[string]string
	logger *slog.Logger
}

func (r *recorder) TaskStarted(t task.Task) {
	r.logger.Info("starting task", "task", t.Name(), "priority", t.Priority())
	if r.store == nil {
		return
	}
	tr := &core.TaskRun{
		RunID:     r.runID,
		TaskName:  t.Name(),
		Kind:      string(t.Kind()),
		Priority:  t.Priority(),
		Status:    core.TaskRunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := r.store.RecordTaskRun(tr); err != nil {
		r.logger.Warn("failed to record task run", "task", t.Name(), "error", err)
		return
	}
	r.ids[t.Name()] = tr.ID
}

func (r *recorder) TaskFinished(t task.Task, outputs []string, err error, elapsed time.Duration) {
	status := core.TaskRunStatusSuccess
	msg := ""
	if err != nil {
		status, msg = core.TaskRunStatusFailed, err.Error()
		r.logger.Error("task failed", "task", t.Name(), "error", err)
	} else {
		r.logger.Info("successfully completed task", "task", t.Name(), "outputs", len(outputs), "time", elapsed.Round(time.Millisecond))
	}
	id, ok := r.ids[t.Name()]
	if r.store == nil || !ok {
		return
	}
	if err := r.store.UpdateTaskRun(id, status, msg); err != nil {
		r.logger.Warn("failed to update task run", "task", t.Name(), "error", err)
	}
}

func outputRecords(outputs map[string][]task.Output) []core.OutputRecord {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	var records []core.OutputRecord
	for _, name := range names {
		for _, o := range outputs[name] {
			records = append(records, core.OutputRecord{
				TaskName:   name,
				Filename:   o.Filename,
				Attributes: o.Attributes,
			})
		}
	}
	return records
}
