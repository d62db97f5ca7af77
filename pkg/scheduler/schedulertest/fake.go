// Package schedulertest provides an in-memory scheduler for tests.
package schedulertest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/3leaps/imputeflow/pkg/scheduler"
)

// Job is a submission recorded by Fake.
type Job struct {
	ID        scheduler.JobID
	Spec      scheduler.JobSpec
	Remaining int
	Cancelled bool
}

// Fake is a deterministic scheduler.Client.
//
// Every QueryState call ages each queued job by one; a job leaves the queue
// after DrainAfter queries, at which point OnComplete runs (outside the
// lock) so tests can materialize the job's artifacts.
type Fake struct {
	// DrainAfter is how many queries a job stays queued. Zero means 1.
	DrainAfter int
	// Foreign adds pending tasks that belong to other users or runs to
	// whole-queue queries.
	Foreign int

	OnComplete func(spec scheduler.JobSpec)
	SubmitErr  func(spec scheduler.JobSpec) error

	mu        sync.Mutex
	jobs      []*Job
	queryErrs []error
	queries   int
	nextID    int
}

var _ scheduler.Client = (*Fake)(nil)

// FailNextQueries makes the next len(errs) queries return the given errors.
func (f *Fake) FailNextQueries(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErrs = append(f.queryErrs, errs...)
}

func (f *Fake) Submit(ctx context.Context, spec scheduler.JobSpec) (scheduler.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := spec.Validate(); err != nil {
		return "", &scheduler.SubmissionError{Job: spec.Name, Err: err}
	}
	if f.SubmitErr != nil {
		if err := f.SubmitErr(spec); err != nil {
			return "", &scheduler.SubmissionError{Job: spec.Name, Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	remaining := f.DrainAfter
	if remaining <= 0 {
		remaining = 1
	}
	j := &Job{ID: scheduler.JobID(strconv.Itoa(1000 + f.nextID)), Spec: spec, Remaining: remaining}
	f.jobs = append(f.jobs, j)
	return j.ID, nil
}

func (f *Fake) QueryState(ctx context.Context, filter scheduler.Filter) (scheduler.QueueState, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.QueueState{}, err
	}
	if filter.Empty() {
		return scheduler.QueueState{}, fmt.Errorf("empty queue filter")
	}

	f.mu.Lock()
	f.queries++
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		f.mu.Unlock()
		return scheduler.QueueState{}, err
	}

	var st scheduler.QueueState
	var completed []scheduler.JobSpec
	for _, j := range f.jobs {
		if j.Remaining == 0 {
			continue
		}
		if matches(j, filter) {
			if j.Remaining > 1 {
				st.Pending += j.Spec.Tasks()
			} else {
				st.Running += j.Spec.Tasks()
			}
		}
		j.Remaining--
		if j.Remaining == 0 && !j.Cancelled {
			completed = append(completed, j.Spec)
		}
	}
	if filter.AllUserJobs {
		st.Pending += f.Foreign
	}
	hook := f.OnComplete
	f.mu.Unlock()

	if hook != nil {
		for _, spec := range completed {
			hook(spec)
		}
	}
	return st, nil
}

func (f *Fake) Cancel(_ context.Context, id scheduler.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			j.Cancelled = true
			j.Remaining = 0
			return nil
		}
	}
	return scheduler.ErrUnknownJob
}

// Jobs returns a snapshot of every submission.
func (f *Fake) Jobs() []Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Job, len(f.jobs))
	for i, j := range f.jobs {
		out[i] = *j
	}
	return out
}

// JobsForStage returns submissions whose Stage equals stage.
func (f *Fake) JobsForStage(stage string) []Job {
	var out []Job
	for _, j := range f.Jobs() {
		if j.Spec.Stage == stage {
			out = append(out, j)
		}
	}
	return out
}

// Queries is the number of QueryState calls so far.
func (f *Fake) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func matches(j *Job, f scheduler.Filter) bool {
	if len(f.JobIDs) > 0 {
		for _, id := range f.JobIDs {
			if id == j.ID {
				return true
			}
		}
		return false
	}
	if f.AllUserJobs {
		return true
	}
	return strings.HasPrefix(j.Spec.Name, f.NamePrefix)
}
