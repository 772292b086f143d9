package output

import "time"

// TaskInfo describes one task of a recipe.
type TaskInfo struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Priority  int      `json:"priority"`
	Ancestors []string `json:"ancestors,omitempty"`
	Products  int      `json:"products,omitempty"`
	Script    string   `json:"script,omitempty"`
}

// PlanOutput is the JSON form of a built recipe.
type PlanOutput struct {
	Recipe       string     `json:"recipe"`
	SessionDir   string     `json:"session_dir"`
	FilledRecipe string     `json:"filled_recipe,omitempty"`
	Tasks        []TaskInfo `json:"tasks"`
	Downloads    int        `json:"downloads"`
}

// DAGNode is a task within an execution level.
type DAGNode struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
	UsedBy    []string `json:"used_by,omitempty"`
}

// DAGLevel groups the tasks that can run in parallel.
type DAGLevel struct {
	Level int       `json:"level"`
	Tasks []DAGNode `json:"tasks"`
}

// DAGOutput is the JSON form of the task graph.
type DAGOutput struct {
	Levels     []DAGLevel `json:"levels"`
	TotalTasks int        `json:"total_tasks"`
	TotalEdges int        `json:"total_edges"`
}

// TaskRunInfo describes one executed task.
type TaskRunInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	ExecutionMS int64  `json:"execution_ms"`
	Error       string `json:"error,omitempty"`
}

// OutputInfo describes one file produced by a run.
type OutputInfo struct {
	Task     string `json:"task"`
	Filename string `json:"filename"`
}

// RunOutput is the JSON form of a run.
type RunOutput struct {
	ID          string        `json:"id"`
	Recipe      string        `json:"recipe"`
	SessionDir  string        `json:"session_dir"`
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
	Tasks       []TaskRunInfo `json:"tasks,omitempty"`
	Outputs     []OutputInfo  `json:"outputs,omitempty"`
}

// ValidateOutput is the JSON form of a recipe check.
type ValidateOutput struct {
	Recipe      string   `json:"recipe"`
	Valid       bool     `json:"valid"`
	Error       string   `json:"error,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	Datasets    int      `json:"datasets"`
}
