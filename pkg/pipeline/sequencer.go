package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/imputeflow/pkg/clock"
	"github.com/3leaps/imputeflow/pkg/jobregistry"
	"github.com/3leaps/imputeflow/pkg/layout"
	"github.com/3leaps/imputeflow/pkg/logtail"
	"github.com/3leaps/imputeflow/pkg/partition"
	"github.com/3leaps/imputeflow/pkg/poll"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/throttle"
	"github.com/3leaps/imputeflow/pkg/validate"
)

// Deps are the collaborators of a Sequencer. Only Client is required.
type Deps struct {
	Client    scheduler.Client
	Validator *validate.Validator
	Registry  *jobregistry.Store
	Observer  Observer
	Sleeper   clock.Sleeper
}

// Sequencer drives the stages of one run in order.
type Sequencer struct {
	cfg      Config
	layout   *layout.Layout
	client   scheduler.Client
	planner  *partition.Planner
	governor *throttle.Governor
	poller   *poll.Poller
	validate *validate.Validator
	registry *jobregistry.Store
	observer Observer
	tools    map[Name]*Command
	defs     []definition

	current   Name
	submitted []Submission
}

// New builds a Sequencer for one dataset.
func New(l *layout.Layout, cfg Config, deps Deps) (*Sequencer, error) {
	if l == nil {
		return nil, errors.New("pipeline: layout is required")
	}
	if deps.Client == nil {
		return nil, errors.New("pipeline: scheduler client is required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	tools, err := CompileTools(cfg.Tools)
	if err != nil {
		return nil, err
	}

	s := &Sequencer{
		cfg:      cfg,
		layout:   l,
		client:   deps.Client,
		validate: deps.Validator,
		registry: deps.Registry,
		observer: deps.Observer,
		tools:    tools,
	}
	if s.validate == nil {
		s.validate = validate.New()
	}
	if s.observer == nil {
		s.observer = NopObserver{}
	}
	sleeper := deps.Sleeper
	if sleeper == nil {
		sleeper = clock.Real{}
	}

	s.planner = partition.NewPlanner(cfg.Lengths, func(c partition.Chromosome) string {
		return l.PhasedHaps(c.String())
	})
	s.governor = throttle.New(cfg.Throttle.Limit, cfg.Throttle.Interval)
	s.governor.Sleeper = sleeper
	s.governor.OnWait = func(depth int, err error) { s.observer.GovernorWait(s.current, depth, err) }
	s.poller = &poll.Poller{
		Client:       deps.Client,
		Grace:        cfg.Poll.Grace,
		ConfirmDelay: cfg.Poll.ConfirmDelay,
		Sleeper:      sleeper,
		OnCycle:      s.observer.PollCycle,
		OnTransition: s.observer.PollTransition,
	}
	s.defs = s.definitions()
	return s, nil
}

// Config returns the effective configuration.
func (s *Sequencer) Config() Config { return s.cfg }

// Submitted returns every submission made so far.
func (s *Sequencer) Submitted() []Submission {
	return append([]Submission(nil), s.submitted...)
}

// Run executes every stage in order, then cleanup. The summary is returned
// even on failure and lists the stages that were reached.
func (s *Sequencer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: s.cfg.RunID, Tag: s.cfg.Tag, Dataset: s.layout.Prefix}

	err := s.run(ctx, sum)
	if err != nil && s.cfg.CancelOnAbort {
		s.cancelSubmitted(ctx)
	}
	sum.Duration = time.Since(start)
	return sum, err
}

func (s *Sequencer) run(ctx context.Context, sum *Summary) error {
	if err := s.layout.Ensure(); err != nil {
		return &StageError{Stage: Preprocess, Op: "prepare folders", Err: err}
	}

	floor := s.satisfiedFloor(ctx)
	for i, def := range s.defs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
		s.current = def.stage.Name

		var res StageResult
		var err error
		if i <= floor {
			res = s.skip(def.stage, s.defs[floor].stage.Name)
		} else {
			res, err = s.runStage(ctx, def)
		}
		sum.Stages = append(sum.Stages, res)
		s.observer.StageFinished(res)
		if err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	s.current = Cleanup
	res, report, err := s.cleanup(ctx)
	sum.Cleanup = report
	sum.Stages = append(sum.Stages, res)
	s.observer.StageFinished(res)
	return err
}

// satisfiedFloor returns the index of the latest stage whose planned outputs
// all exist, or -1. Run skips that stage and every stage before it, even
// when an earlier stage's own outputs are gone.
func (s *Sequencer) satisfiedFloor(ctx context.Context) int {
	for i := len(s.defs) - 1; i >= 0; i-- {
		units, err := s.defs[i].plan(ctx)
		if err != nil || len(units) == 0 {
			continue
		}
		if _, todo := s.planner.Split(s.defs[i].locate, units); len(todo) == 0 {
			return i
		}
	}
	return -1
}

func (s *Sequencer) skip(st Stage, satisfiedBy Name) StageResult {
	reason := "artifacts present"
	if satisfiedBy != st.Name {
		reason = fmt.Sprintf("downstream stage %s already satisfied", satisfiedBy)
	}
	return StageResult{Stage: st.Name, Ordinal: st.Ordinal, Status: StatusSkipped, Reason: reason}
}

func (s *Sequencer) runStage(ctx context.Context, def definition) (StageResult, error) {
	start := time.Now()
	st := def.stage
	res := StageResult{Stage: st.Name, Ordinal: st.Ordinal, Status: StatusFailed}
	fail := func(op string, err error) (StageResult, error) {
		res.Duration = time.Since(start)
		res.Reason = err.Error()
		return res, &StageError{Stage: st.Name, Op: op, Err: err}
	}

	units, err := def.plan(ctx)
	if err != nil {
		return fail("plan units", err)
	}
	res.Units = len(units)

	done, todo := s.planner.Split(def.locate, units)
	if len(todo) == 0 {
		res.Status = StatusSkipped
		res.Reason = "artifacts present"
		return res, nil
	}
	switch {
	case st.Granularity == PerSegment:
		res.Skipped = len(done)
	case len(done) > 0:
		s.observer.Warning(st.Name, &PreconditionAmbiguous{Stage: st.Name, Found: len(done), Expected: len(units)})
		todo = units
	}

	if def.prepare != nil {
		if err := def.prepare(ctx); err != nil {
			return fail("prepare", err)
		}
	}

	jobs, err := def.jobs(todo)
	if err != nil {
		return fail("build jobs", err)
	}
	s.observer.StageStarted(StageStart{Stage: st, Units: len(units), Skipped: res.Skipped})

	ids := make([]scheduler.JobID, 0, len(jobs))
	for _, j := range jobs {
		if err := s.governor.Admit(ctx, s.depth); err != nil {
			return fail("admit", abortErr(err))
		}
		id, err := s.client.Submit(ctx, j.spec)
		if err != nil {
			if ctx.Err() != nil {
				err = abortErr(ctx.Err())
			}
			return fail("submit", err)
		}
		ids = append(ids, id)
		res.Jobs++
		res.Tasks += j.spec.Tasks()
		s.record(Submission{Stage: st.Name, JobID: id, Spec: j.spec, Unit: j.unit, At: time.Now().UTC()})
	}

	var result validate.Result
	reqs := def.requirements(units)
	check := func(ctx context.Context) (bool, string) {
		result = s.validate.Validate(ctx, reqs)
		return result.Passed, result.Reason
	}

	out, err := s.poller.Await(ctx, poll.Target{
		Stage:    string(st.Name),
		Filter:   s.filter(st.Name, ids),
		Interval: s.interval(st),
		Check:    check,
	})
	res.Cycles = out.Cycles
	res.Uncertain = out.Uncertain
	if err != nil {
		return fail("await", abortErr(err))
	}

	res.Duration = time.Since(start)
	res.Artifacts = result.Artifacts()
	res.Bytes = result.Bytes()
	if out.Verdict != poll.Satisfied {
		s.markJobs(st.Name, jobregistry.JobStateFailed)
		res.Reason = out.Reason
		return res, &ValidationFailure{
			Stage:   st.Name,
			Reason:  out.Reason,
			Result:  result,
			LogTail: logtail.Collect(s.layout.Folders.SchedulerLogs, escapeGlob(s.jobName(st.Name))+"_*.err", 3, logtail.DefaultLines),
		}
	}

	s.markJobs(st.Name, jobregistry.JobStateCompleted)
	res.Status = StatusSatisfied
	return res, nil
}

func abortErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return err
}

// depth is the pending-queue depth the governor gates on.
func (s *Sequencer) depth(ctx context.Context) (int, error) {
	f := scheduler.Filter{AllUserJobs: true}
	if s.cfg.Throttle.Scope == ScopeRun {
		f = scheduler.Filter{NamePrefix: s.cfg.Tag + "_"}
	}
	st, err := s.client.QueryState(ctx, f)
	if err != nil {
		return 0, err
	}
	return st.Pending, nil
}

func (s *Sequencer) filter(name Name, ids []scheduler.JobID) scheduler.Filter {
	if s.cfg.Poll.Match == MatchName || len(ids) == 0 {
		return scheduler.Filter{NamePrefix: s.jobName(name)}
	}
	return scheduler.Filter{JobIDs: ids}
}

func (s *Sequencer) interval(st Stage) time.Duration {
	if st.LongRunning {
		return s.cfg.Poll.LongInterval
	}
	return s.cfg.Poll.ShortInterval
}

func (s *Sequencer) record(sub Submission) {
	s.submitted = append(s.submitted, sub)
	s.observer.JobSubmitted(sub)
	if s.registry == nil {
		return
	}
	rec := &jobregistry.JobRecord{
		JobID:       string(sub.JobID),
		RunID:       s.cfg.RunID,
		Stage:       string(sub.Stage),
		Name:        sub.Spec.Name,
		Unit:        sub.Unit,
		AfterOK:     string(sub.Spec.AfterOK),
		State:       jobregistry.JobStateSubmitted,
		Command:     sub.Spec.Command,
		LogDir:      sub.Spec.LogDir,
		SubmittedAt: sub.At,
	}
	if sub.Spec.Array != nil {
		rec.ArrayTasks = sub.Spec.Array.Size()
	}
	if err := s.registry.WriteJob(rec); err != nil {
		s.observer.Warning(sub.Stage, fmt.Errorf("record job %s: %w", sub.JobID, err))
	}
}

func (s *Sequencer) markJobs(name Name, state jobregistry.JobState) {
	if s.registry == nil {
		return
	}
	if err := s.registry.MarkJobs(s.cfg.RunID, string(name), state, time.Now()); err != nil {
		s.observer.Warning(name, fmt.Errorf("update job records: %w", err))
	}
}

// cancelSubmitted is best-effort: failures are reported and skipped.
func (s *Sequencer) cancelSubmitted(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	for _, sub := range s.submitted {
		if err := s.client.Cancel(cctx, sub.JobID); err != nil {
			s.observer.Warning(sub.Stage, fmt.Errorf("cancel job %s: %w", sub.JobID, err))
		}
	}
	if s.registry != nil && len(s.submitted) > 0 {
		if err := s.registry.MarkJobs(s.cfg.RunID, "", jobregistry.JobStateCancelled, time.Now()); err != nil {
			s.observer.Warning(s.current, fmt.Errorf("update job records: %w", err))
		}
	}
}
