package pipeline

import (
	"context"
	"fmt"

	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/validate"
)

// Precondition states reported by Plan.
const (
	PreconditionHolds      = "satisfied"
	PreconditionDownstream = "downstream-satisfied"
	PreconditionPartial    = "partial"
	PreconditionAbsent     = "absent"
	PreconditionUnknown    = "unknown"
)

// StagePlan is what Run would do for one stage.
type StagePlan struct {
	Stage        Stage                  `json:"stage"`
	Precondition string                 `json:"precondition"`
	Units        int                    `json:"units"`
	Done         int                    `json:"done"`
	Jobs         []scheduler.JobSpec    `json:"jobs,omitempty"`
	Requirements []validate.Requirement `json:"requirements,omitempty"`
	Note         string                 `json:"note,omitempty"`
}

// Plan evaluates every stage against the filesystem without submitting.
func (s *Sequencer) Plan(ctx context.Context) ([]StagePlan, error) {
	floor := s.satisfiedFloor(ctx)
	out := make([]StagePlan, 0, len(s.defs)+1)

	for i, def := range s.defs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := StagePlan{Stage: def.stage}

		units, err := def.plan(ctx)
		if err != nil {
			p.Precondition = PreconditionUnknown
			p.Note = fmt.Sprintf("units are planned once earlier stages finish: %v", err)
			if i <= floor {
				p.Precondition = PreconditionDownstream
				p.Note = ""
			}
			out = append(out, p)
			continue
		}
		done, todo := s.planner.Split(def.locate, units)
		p.Units = len(units)
		p.Done = len(done)

		switch {
		case i < floor:
			p.Precondition = PreconditionDownstream
		case len(todo) == 0:
			p.Precondition = PreconditionHolds
		case len(done) > 0:
			p.Precondition = PreconditionPartial
			if def.stage.Granularity != PerSegment {
				p.Note = (&PreconditionAmbiguous{Stage: def.stage.Name, Found: len(done), Expected: len(units)}).Error()
				todo = units
			}
		default:
			p.Precondition = PreconditionAbsent
		}

		if i > floor && len(todo) > 0 {
			jobs, err := def.jobs(todo)
			if err != nil {
				return nil, &StageError{Stage: def.stage.Name, Op: "build jobs", Err: err}
			}
			for _, j := range jobs {
				p.Jobs = append(p.Jobs, j.spec)
			}
			p.Requirements = def.requirements(units)
		}
		out = append(out, p)
	}

	cleanup := StagePlan{Stage: mustStage(Cleanup), Precondition: PreconditionAbsent}
	targets := s.cleanupTargets()
	if len(targets) == 0 {
		cleanup.Note = "retention policy keeps all artifacts"
	}
	for _, t := range targets {
		cleanup.Note += fmt.Sprintf("remove %v under %s; ", t.patterns, t.root)
	}
	out = append(out, cleanup)
	return out, nil
}
