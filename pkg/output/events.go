package output

import (
	"context"
	"errors"
	"time"

	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/poll"
)

// Events adapts a Writer to a pipeline.Observer.
//
// Write failures never interrupt the run; the first one is kept and
// reported by Err.
type Events struct {
	pipeline.NopObserver

	ctx context.Context
	w   Writer
	err error
}

// NewEvents returns an observer writing records to w.
func NewEvents(ctx context.Context, w Writer) *Events {
	return &Events{ctx: ctx, w: w}
}

// Err returns the first write error, if any.
func (e *Events) Err() error { return e.err }

func (e *Events) keep(err error) {
	if err != nil && e.err == nil {
		e.err = err
	}
}

func (e *Events) StageStarted(s pipeline.StageStart) {
	e.keep(e.w.WriteStage(e.ctx, &StageRecord{
		Stage:   string(s.Stage.Name),
		Ordinal: s.Stage.Ordinal,
		Status:  StageStarted,
		Units:   s.Units,
		Skipped: s.Skipped,
	}))
}

func (e *Events) StageFinished(r pipeline.StageResult) {
	e.keep(e.w.WriteStage(e.ctx, &StageRecord{
		Stage:    string(r.Stage),
		Ordinal:  r.Ordinal,
		Status:   string(r.Status),
		Units:    r.Units,
		Skipped:  r.Skipped,
		Reason:   r.Reason,
		Duration: r.Duration,
	}))
}

func (e *Events) JobSubmitted(s pipeline.Submission) {
	e.keep(e.w.WriteSubmit(e.ctx, &SubmitRecord{
		Stage:   string(s.Stage),
		JobID:   string(s.JobID),
		Name:    s.Spec.Name,
		Unit:    s.Unit,
		Tasks:   s.Spec.Tasks(),
		AfterOK: string(s.Spec.AfterOK),
		Command: s.Spec.Command,
	}))
}

func (e *Events) PollCycle(c poll.Cycle) {
	rec := &PollRecord{
		Stage:   c.Stage,
		Cycle:   c.N,
		State:   string(c.State),
		Running: c.Queue.Running,
		Pending: c.Queue.Pending,
	}
	if c.Err != nil {
		rec.Uncertain = c.Err.Error()
	}
	e.keep(e.w.WritePoll(e.ctx, rec))
}

func (e *Events) Warning(stage pipeline.Name, err error) {
	rec := ErrorFor(err)
	rec.Stage = string(stage)
	e.keep(e.w.WriteError(e.ctx, rec))
}

// ErrorFor classifies a run error into an ErrorRecord.
func ErrorFor(err error) *ErrorRecord {
	rec := &ErrorRecord{Code: ErrCodeInternal, Message: err.Error()}
	if stage, ok := pipeline.FailedStage(err); ok {
		rec.Stage = string(stage)
	}

	var (
		vf *pipeline.ValidationFailure
		pa *pipeline.PreconditionAmbiguous
		se *pipeline.StageError
	)
	switch {
	case errors.Is(err, pipeline.ErrAborted), errors.Is(err, context.Canceled):
		rec.Code = ErrCodeAborted
	case errors.As(err, &vf):
		rec.Code = ErrCodeValidation
		rec.Details = map[string]any{
			"findings": vf.Result.Findings,
			"log_tail": vf.LogTail,
		}
	case errors.As(err, &pa):
		rec.Code = ErrCodeAmbiguous
		rec.Stage = string(pa.Stage)
		rec.Details = map[string]any{"found": pa.Found, "expected": pa.Expected}
	case errors.As(err, &se) && se.Op == "submit":
		rec.Code = ErrCodeSubmission
	}
	return rec
}

// SummaryFor converts a finished run into a SummaryRecord. runErr is the
// error returned by the run, if any.
func SummaryFor(sum *pipeline.Summary, runErr error) *SummaryRecord {
	rec := &SummaryRecord{
		State:         "succeeded",
		StagesRun:     sum.ByStatus(pipeline.StatusSatisfied),
		StagesSkipped: sum.ByStatus(pipeline.StatusSkipped),
		JobsSubmitted: sum.Jobs(),
		TasksTotal:    sum.Tasks(),
		Removed:       sum.Cleanup.Files,
		Duration:      sum.Duration,
		DurationHuman: sum.Duration.Round(time.Second).String(),
	}
	for _, r := range sum.Stages {
		if r.Artifacts > 0 {
			rec.Artifacts = append(rec.Artifacts, ArtifactSummary{Stage: string(r.Stage), Artifacts: r.Artifacts, Bytes: r.Bytes})
		}
	}
	if runErr != nil {
		rec.State = "failed"
		if errors.Is(runErr, pipeline.ErrAborted) {
			rec.State = "aborted"
		}
		rec.Error = runErr.Error()
	}
	return rec
}
