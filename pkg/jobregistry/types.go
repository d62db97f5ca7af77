package jobregistry

import "time"

// RunState is the lifecycle state of a workflow run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateAborted   RunState = "aborted"
	RunStateUnknown   RunState = "unknown"
)

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateAborted:
		return true
	default:
		return false
	}
}

// JobState is the last state the orchestrator observed for a scheduler job.
type JobState string

const (
	JobStateSubmitted JobState = "submitted"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Tag          string    `json:"tag"`
	Dataset      string    `json:"dataset"`
	Reference    string    `json:"reference,omitempty"`
	Backend      string    `json:"backend"`
	State        RunState  `json:"state"`
	PID          int       `json:"pid,omitempty"`
	Host         string    `json:"host,omitempty"`
	CurrentStage string    `json:"current_stage,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}

// JobRecord is one scheduler submission made by a run.
type JobRecord struct {
	JobID       string    `json:"job_id"`
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	Name        string    `json:"name"`
	Unit        string    `json:"unit,omitempty"`
	ArrayTasks  int       `json:"array_tasks,omitempty"`
	AfterOK     string    `json:"after_ok,omitempty"`
	State       JobState  `json:"state"`
	Command     []string  `json:"command,omitempty"`
	LogDir      string    `json:"log_dir,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`

	EndedAt *time.Time `json:"ended_at,omitempty"`
}
