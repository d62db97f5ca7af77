package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/poll"
)

// Progress logs sequencer callbacks as progress lines.
type Progress struct {
	logger *zap.Logger
	total  int
}

var _ pipeline.Observer = (*Progress)(nil)

// NewProgress returns a pipeline observer writing to logger.
func NewProgress(logger *zap.Logger) *Progress {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Progress{logger: logger, total: len(pipeline.Stages())}
}

func (p *Progress) prefix(ordinal int) string {
	return fmt.Sprintf("[%d/%d]", ordinal, p.total)
}

func (p *Progress) StageStarted(s pipeline.StageStart) {
	msg := fmt.Sprintf("%s %s: submitting %d unit(s)", p.prefix(s.Stage.Ordinal), s.Stage.Name, s.Units-s.Skipped)
	if s.Skipped > 0 {
		msg += fmt.Sprintf(", %d already complete", s.Skipped)
	}
	p.logger.Info(msg,
		zap.String("stage", string(s.Stage.Name)),
		zap.Int("units", s.Units),
		zap.Int("skipped_units", s.Skipped))
}

func (p *Progress) StageFinished(r pipeline.StageResult) {
	fields := []zap.Field{
		zap.String("stage", string(r.Stage)),
		zap.String("status", string(r.Status)),
		zap.Duration("duration", r.Duration),
	}
	if r.Jobs > 0 {
		fields = append(fields, zap.Int("jobs", r.Jobs), zap.Int("tasks", r.Tasks))
	}
	if r.Artifacts > 0 {
		fields = append(fields, zap.Int("artifacts", r.Artifacts), zap.Int64("bytes", r.Bytes))
	}
	msg := fmt.Sprintf("%s %s: %s", p.prefix(r.Ordinal), r.Stage, r.Status)
	if r.Reason != "" {
		msg += " (" + r.Reason + ")"
	}
	if r.Status == pipeline.StatusFailed {
		p.logger.Error(msg, fields...)
		return
	}
	p.logger.Info(msg, fields...)
}

func (p *Progress) JobSubmitted(s pipeline.Submission) {
	p.logger.Debug("Submitted job",
		zap.String("stage", string(s.Stage)),
		zap.String("job_id", s.JobID.String()),
		zap.String("name", s.Spec.Name),
		zap.String("unit", s.Unit),
		zap.Int("tasks", s.Spec.Tasks()))
}

func (p *Progress) GovernorWait(stage pipeline.Name, depth int, err error) {
	if err != nil {
		p.logger.Warn("Queue depth unknown; holding submissions",
			zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	p.logger.Info(fmt.Sprintf("Queue holds %d pending task(s); holding submissions", depth),
		zap.String("stage", string(stage)), zap.Int("pending", depth))
}

func (p *Progress) PollCycle(c poll.Cycle) {
	if c.Err != nil {
		p.logger.Warn("Queue query failed; polling uncertain",
			zap.String("stage", c.Stage), zap.Int("cycle", c.N), zap.Error(c.Err))
		return
	}
	p.logger.Info(fmt.Sprintf("Polling %s: %d running, %d pending", c.Stage, c.Queue.Running, c.Queue.Pending),
		zap.String("stage", c.Stage),
		zap.Int("cycle", c.N),
		zap.String("state", string(c.State)),
		zap.Int("running", c.Queue.Running),
		zap.Int("pending", c.Queue.Pending))
}

func (p *Progress) PollTransition(stage string, from, to poll.State) {
	p.logger.Debug("Poll state changed",
		zap.String("stage", stage), zap.String("from", string(from)), zap.String("to", string(to)))
}

func (p *Progress) Warning(stage pipeline.Name, err error) {
	p.logger.Warn(strings.TrimSpace(err.Error()), zap.String("stage", string(stage)))
}
