package core

import "time"

// Store defines the interface for run bookkeeping.
type Store interface {
	Open(path string) error
	Close() error
	InitSchema() error

	// Run operations
	CreateRun(recipe, sessionDir string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error
	GetLatestRun(recipe string) (*Run, error)
	ListRuns(limit int) ([]*Run, error)

	// Task run operations
	RecordTaskRun(taskRun *TaskRun) error
	UpdateTaskRun(id string, status TaskRunStatus, errMsg string) error
	GetTaskRunsForRun(runID string) ([]*TaskRun, error)

	// Output manifest operations
	SaveOutputs(runID string, outputs []OutputRecord) error
	GetOutputs(runID string) ([]OutputRecord, error)
}

// RunStatus represents the status of a recipe run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents one execution of a recipe.
type Run struct {
	ID          string
	Recipe      string
	SessionDir  string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// TaskRunStatus represents the status of an individual task execution.
type TaskRunStatus string

// Task run status constants.
const (
	TaskRunStatusPending TaskRunStatus = "pending"
	TaskRunStatusRunning TaskRunStatus = "running"
	TaskRunStatusSuccess TaskRunStatus = "success"
	TaskRunStatusFailed  TaskRunStatus = "failed"
)

// TaskRun represents a single task execution within a run.
type TaskRun struct {
	ID          string
	RunID       string
	TaskName    string
	Kind        string
	Priority    int
	Status      TaskRunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	ExecutionMS int64
}

// OutputRecord is one entry of the output manifest.
type OutputRecord struct {
	TaskName   string
	Filename   string
	Attributes map[string]any
}
