// Package scheduler defines the contract between the workflow and a batch
// scheduler: submit a typed job, count what is still queued, cancel.
//
// Backends never cache job state. Every QueryState call is a fresh
// external query so callers always see what the scheduler sees now.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskPlaceholder is replaced by the array task index when a backend runs
// one task of an array job.
const TaskPlaceholder = "{task}"

// JobID is the identifier the scheduler assigned at submission.
type JobID string

func (id JobID) String() string { return string(id) }

// Resources are the per-task resource requests of a job.
type Resources struct {
	CPUs      int           `json:"cpus,omitempty" mapstructure:"cpus" yaml:"cpus,omitempty"`
	MemoryMB  int           `json:"memory_mb,omitempty" mapstructure:"memory_mb" yaml:"memory_mb,omitempty"`
	Walltime  time.Duration `json:"walltime,omitempty" mapstructure:"walltime" yaml:"walltime,omitempty"`
	Partition string        `json:"partition,omitempty" mapstructure:"partition" yaml:"partition,omitempty"`
	Account   string        `json:"account,omitempty" mapstructure:"account" yaml:"account,omitempty"`
	QOS       string        `json:"qos,omitempty" mapstructure:"qos" yaml:"qos,omitempty"`
}

// Merge returns r with zero fields filled from fallback.
func (r Resources) Merge(fallback Resources) Resources {
	if r.CPUs == 0 {
		r.CPUs = fallback.CPUs
	}
	if r.MemoryMB == 0 {
		r.MemoryMB = fallback.MemoryMB
	}
	if r.Walltime == 0 {
		r.Walltime = fallback.Walltime
	}
	if r.Partition == "" {
		r.Partition = fallback.Partition
	}
	if r.Account == "" {
		r.Account = fallback.Account
	}
	if r.QOS == "" {
		r.QOS = fallback.QOS
	}
	return r
}

// ArrayRange is an inclusive range of array task indices.
type ArrayRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Size is the number of tasks in the range.
func (a ArrayRange) Size() int {
	if a.Last < a.First {
		return 0
	}
	return a.Last - a.First + 1
}

func (a ArrayRange) String() string {
	return fmt.Sprintf("%d-%d", a.First, a.Last)
}

// JobSpec is a fully typed job description. Backends translate it into
// their own submission form; nothing is templated into shell scripts.
type JobSpec struct {
	// Name is the scheduler job name. The workflow uses <run tag>_<stage>.
	Name string `json:"name"`
	// RunTag identifies the workflow run that owns the job.
	RunTag string `json:"run_tag,omitempty"`
	// Stage is informational and recorded alongside the job.
	Stage string `json:"stage,omitempty"`

	// Command is the argv to execute. Elements may contain TaskPlaceholder.
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	// LogDir receives one stdout and one stderr file per task.
	LogDir string `json:"log_dir,omitempty"`

	Resources Resources   `json:"resources"`
	Array     *ArrayRange `json:"array,omitempty"`
	// AfterOK delays the job until the referenced job finished successfully.
	AfterOK JobID `json:"after_ok,omitempty"`
}

// Tasks is the number of scheduler tasks this spec expands into.
func (s JobSpec) Tasks() int {
	if s.Array == nil {
		return 1
	}
	return s.Array.Size()
}

// Validate reports malformed specs before they reach a backend.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.ContainsAny(s.Name, " \t\n") {
		return fmt.Errorf("job name %q must not contain whitespace", s.Name)
	}
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return fmt.Errorf("job %s: command is required", s.Name)
	}
	if s.Array != nil {
		if s.Array.First < 0 || s.Array.Size() == 0 {
			return fmt.Errorf("job %s: invalid array range %s", s.Name, s.Array)
		}
	} else if s.usesTask() {
		return fmt.Errorf("job %s: %s used without an array range", s.Name, TaskPlaceholder)
	}
	if s.Resources.CPUs < 0 || s.Resources.MemoryMB < 0 || s.Resources.Walltime < 0 {
		return fmt.Errorf("job %s: negative resource request", s.Name)
	}
	return nil
}

func (s JobSpec) usesTask() bool {
	for _, arg := range s.Command {
		if strings.Contains(arg, TaskPlaceholder) {
			return true
		}
	}
	return false
}

// ExpandTask substitutes the array index into argv.
func ExpandTask(argv []string, task int) []string {
	out := make([]string, len(argv))
	idx := strconv.Itoa(task)
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, TaskPlaceholder, idx)
	}
	return out
}

// Filter selects which queued jobs QueryState counts.
//
// JobIDs take precedence. NamePrefix is the fallback for jobs whose ids
// were lost. AllUserJobs counts the submitting user's entire queue.
type Filter struct {
	JobIDs      []JobID
	NamePrefix  string
	AllUserJobs bool
}

// Empty reports whether the filter selects nothing.
func (f Filter) Empty() bool {
	return len(f.JobIDs) == 0 && f.NamePrefix == "" && !f.AllUserJobs
}

// QueueState counts tasks still known to the scheduler.
type QueueState struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// Total is running plus pending.
func (q QueueState) Total() int { return q.Running + q.Pending }

// Drained reports whether nothing is left in the queue.
func (q QueueState) Drained() bool { return q.Total() == 0 }

// Client is the contract every backend implements.
type Client interface {
	// Submit hands a job to the scheduler. A rejection is a *SubmissionError.
	Submit(ctx context.Context, spec JobSpec) (JobID, error)
	// QueryState counts queued tasks matching f. Transient failures wrap
	// ErrPollingUncertain and must never be read as an empty queue.
	QueryState(ctx context.Context, f Filter) (QueueState, error)
	// Cancel is best-effort.
	Cancel(ctx context.Context, id JobID) error
}

// ProcessBound is implemented by backends whose jobs run inside the client's
// process and die when it is released.
type ProcessBound interface {
	ProcessBound() bool
}

// IsProcessBound reports whether jobs submitted through c outlive c only as
// long as the submitting process.
func IsProcessBound(c Client) bool {
	pb, ok := c.(ProcessBound)
	return ok && pb.ProcessBound()
}
