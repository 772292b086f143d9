package state

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

// RecordTaskRun records the start of a task. The ID is generated when
// empty.
func (s *SQLiteStore) RecordTaskRun(taskRun *core.TaskRun) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if taskRun.ID == "" {
		taskRun.ID = generateID()
	}
	if taskRun.StartedAt.IsZero() {
		taskRun.StartedAt = time.Now().UTC()
	}
	if taskRun.Status == "" {
		taskRun.Status = core.TaskRunStatusPending
	}
	s.logger.Debug("recording task run", slog.String("task", taskRun.TaskName), slog.String("run", taskRun.RunID))

	_, err := s.db.Exec(
		`INSERT INTO task_runs (id, run_id, task_name, kind, priority, status, started_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		taskRun.ID, taskRun.RunID, taskRun.TaskName, taskRun.Kind, taskRun.Priority,
		string(taskRun.Status), taskRun.StartedAt, nullString(taskRun.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to record task run: %w", err)
	}
	return nil
}

// UpdateTaskRun sets the final status of a task run and its duration.
func (s *SQLiteStore) UpdateTaskRun(id string, status core.TaskRunStatus, errMsg string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	var startedAt time.Time
	err := s.db.QueryRow(`SELECT started_at FROM task_runs WHERE id = ?`, id).Scan(&startedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task run not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get task run: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`UPDATE task_runs SET status = ?, completed_at = ?, error = ?, execution_ms = ? WHERE id = ?`,
		string(status), now, nullString(errMsg), now.Sub(startedAt).Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}
	return nil
}

// GetTaskRunsForRun retrieves the task runs of a run in start order.
func (s *SQLiteStore) GetTaskRunsForRun(runID string) ([]*core.TaskRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, task_name, kind, priority, status, started_at, completed_at, error, execution_ms
		 FROM task_runs WHERE run_id = ? ORDER BY started_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get task runs: %w", err)
	}
	defer rows.Close()

	var taskRuns []*core.TaskRun
	for rows.Next() {
		var (
			tr          core.TaskRun
			status      string
			completedAt sql.NullTime
			errMsg      sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.RunID, &tr.TaskName, &tr.Kind, &tr.Priority, &status,
			&tr.StartedAt, &completedAt, &errMsg, &tr.ExecutionMS); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		tr.Status = core.TaskRunStatus(status)
		tr.CompletedAt = timePtr(completedAt)
		tr.Error = errMsg.String
		taskRuns = append(taskRuns, &tr)
	}
	return taskRuns, rows.Err()
}
