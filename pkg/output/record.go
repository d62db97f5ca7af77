// Package output provides JSONL event output for workflow runs.
//
// Output is structured as typed record envelopes containing stage
// transitions, submissions, poll cycles, errors, and a final summary. Each
// line is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: imputeflow.<type>.v<version>
const (
	// TypeStage identifies stage transition records.
	TypeStage = "imputeflow.stage.v1"

	// TypeSubmit identifies job submission records.
	TypeSubmit = "imputeflow.submit.v1"

	// TypePoll identifies poll cycle records.
	TypePoll = "imputeflow.poll.v1"

	// TypeError identifies error records.
	TypeError = "imputeflow.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "imputeflow.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "imputeflow.stage.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this workflow run.
	RunID string `json:"run_id"`

	// Dataset is the dataset identifier (run prefix).
	Dataset string `json:"dataset"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Stage status values.
const (
	StageStarted   = "started"
	StageSkipped   = "skipped"
	StageSatisfied = "satisfied"
	StageFailed    = "failed"
)

// StageRecord is the data payload for stage transitions.
type StageRecord struct {
	Stage   string `json:"stage"`
	Ordinal int    `json:"ordinal"`
	Status  string `json:"status"`

	// Units is the number of units planned for submission.
	Units int `json:"units,omitempty"`

	// Skipped is the number of units already complete.
	Skipped int `json:"skipped,omitempty"`

	// Reason explains a skip or failure.
	Reason string `json:"reason,omitempty"`

	Duration time.Duration `json:"duration_ns,omitempty"`
}

// SubmitRecord is the data payload for one scheduler submission.
type SubmitRecord struct {
	Stage   string   `json:"stage"`
	JobID   string   `json:"job_id"`
	Name    string   `json:"name"`
	Unit    string   `json:"unit,omitempty"`
	Tasks   int      `json:"tasks"`
	AfterOK string   `json:"after_ok,omitempty"`
	Command []string `json:"command,omitempty"`
}

// PollRecord is the data payload for one poll cycle.
type PollRecord struct {
	Stage   string `json:"stage"`
	Cycle   int    `json:"cycle"`
	State   string `json:"state"`
	Running int    `json:"running"`
	Pending int    `json:"pending"`

	// Uncertain is set when the scheduler query failed.
	Uncertain string `json:"uncertain,omitempty"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Stage is the stage the error occurred in, if applicable.
	Stage string `json:"stage,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeSubmission indicates the scheduler rejected a job.
	ErrCodeSubmission = "SUBMISSION"

	// ErrCodeValidation indicates declared artifacts are missing or undersized.
	ErrCodeValidation = "VALIDATION"

	// ErrCodePollingUncertain indicates a transient scheduler query failure.
	ErrCodePollingUncertain = "POLLING_UNCERTAIN"

	// ErrCodeAmbiguous indicates partial prior state forcing resubmission.
	ErrCodeAmbiguous = "PRECONDITION_AMBIGUOUS"

	// ErrCodeAborted indicates the run was cancelled.
	ErrCodeAborted = "ABORTED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ArtifactSummary reports what one stage's validation counted.
type ArtifactSummary struct {
	Stage     string `json:"stage"`
	Artifacts int    `json:"artifacts"`
	Bytes     int64  `json:"bytes"`
}

// SummaryRecord is the data payload for the final run summary.
type SummaryRecord struct {
	State string `json:"state"`

	StagesRun     []string `json:"stages_run,omitempty"`
	StagesSkipped []string `json:"stages_skipped,omitempty"`

	JobsSubmitted int `json:"jobs_submitted"`
	TasksTotal    int `json:"tasks_total"`

	Artifacts []ArtifactSummary `json:"artifacts,omitempty"`
	Removed   int               `json:"removed,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Error string `json:"error,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
