package pipeline

import (
	"sync"
	"time"

	"github.com/3leaps/imputeflow/pkg/poll"
	"github.com/3leaps/imputeflow/pkg/scheduler"
)

// Status is a stage's outcome.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSkipped   Status = "skipped"
	StatusSatisfied Status = "satisfied"
	StatusFailed    Status = "failed"
)

// StageStart describes a stage about to submit work.
type StageStart struct {
	Stage   Stage
	Units   int
	Skipped int
}

// Submission describes one accepted job.
type Submission struct {
	Stage Name
	JobID scheduler.JobID
	Spec  scheduler.JobSpec
	Unit  string
	At    time.Time
}

// Observer receives progress callbacks. Calls are made from the sequencer's
// goroutine and should not block.
type Observer interface {
	StageStarted(s StageStart)
	StageFinished(r StageResult)
	JobSubmitted(s Submission)
	GovernorWait(stage Name, depth int, err error)
	PollCycle(c poll.Cycle)
	PollTransition(stage string, from, to poll.State)
	Warning(stage Name, err error)
}

// NopObserver ignores every callback. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) StageStarted(StageStart)                       {}
func (NopObserver) StageFinished(StageResult)                     {}
func (NopObserver) JobSubmitted(Submission)                       {}
func (NopObserver) GovernorWait(Name, int, error)                 {}
func (NopObserver) PollCycle(poll.Cycle)                          {}
func (NopObserver) PollTransition(string, poll.State, poll.State) {}
func (NopObserver) Warning(Name, error)                           {}

// Observers fans callbacks out in order.
type Observers []Observer

func (o Observers) StageStarted(s StageStart) {
	for _, x := range o {
		x.StageStarted(s)
	}
}

func (o Observers) StageFinished(r StageResult) {
	for _, x := range o {
		x.StageFinished(r)
	}
}

func (o Observers) JobSubmitted(s Submission) {
	for _, x := range o {
		x.JobSubmitted(s)
	}
}

func (o Observers) GovernorWait(stage Name, depth int, err error) {
	for _, x := range o {
		x.GovernorWait(stage, depth, err)
	}
}

func (o Observers) PollCycle(c poll.Cycle) {
	for _, x := range o {
		x.PollCycle(c)
	}
}

func (o Observers) PollTransition(stage string, from, to poll.State) {
	for _, x := range o {
		x.PollTransition(stage, from, to)
	}
}

func (o Observers) Warning(stage Name, err error) {
	for _, x := range o {
		x.Warning(stage, err)
	}
}

// StageSnapshot is the tracked state of one stage.
type StageSnapshot struct {
	Stage      Name                 `json:"stage"`
	Ordinal    int                  `json:"ordinal"`
	Status     Status               `json:"status"`
	PollState  poll.State           `json:"poll_state,omitempty"`
	Units      int                  `json:"units,omitempty"`
	Jobs       int                  `json:"jobs,omitempty"`
	Queue      scheduler.QueueState `json:"queue"`
	PollCycles int                  `json:"poll_cycles,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	EndedAt    *time.Time           `json:"ended_at,omitempty"`
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	RunID   string          `json:"run_id"`
	Tag     string          `json:"tag"`
	Dataset string          `json:"dataset"`
	Current Name            `json:"current_stage,omitempty"`
	Stages  []StageSnapshot `json:"stages"`
	Updated time.Time       `json:"updated"`
}

// Tracker is an Observer that keeps a Snapshot for status endpoints.
type Tracker struct {
	NopObserver

	mu   sync.Mutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker starts with every stage pending.
func NewTracker(runID, tag, dataset string) *Tracker {
	t := &Tracker{now: time.Now}
	t.snap = Snapshot{RunID: runID, Tag: tag, Dataset: dataset, Updated: t.now().UTC()}
	for _, s := range catalog {
		t.snap.Stages = append(t.snap.Stages, StageSnapshot{Stage: s.Name, Ordinal: s.Ordinal, Status: StatusPending})
	}
	return t
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.snap
	out.Stages = append([]StageSnapshot(nil), t.snap.Stages...)
	return out
}

func (t *Tracker) update(stage Name, fn func(s *StageSnapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.snap.Stages {
		if t.snap.Stages[i].Stage == stage {
			fn(&t.snap.Stages[i])
		}
	}
	t.snap.Updated = t.now().UTC()
}

func (t *Tracker) StageStarted(s StageStart) {
	now := t.now().UTC()
	t.update(s.Stage.Name, func(ss *StageSnapshot) {
		ss.Status = StatusRunning
		ss.Units = s.Units
		ss.StartedAt = &now
	})
	t.mu.Lock()
	t.snap.Current = s.Stage.Name
	t.mu.Unlock()
}

func (t *Tracker) StageFinished(r StageResult) {
	now := t.now().UTC()
	t.update(r.Stage, func(ss *StageSnapshot) {
		ss.Status = r.Status
		ss.Reason = r.Reason
		ss.EndedAt = &now
		if r.Units > 0 {
			ss.Units = r.Units
		}
	})
}

func (t *Tracker) JobSubmitted(s Submission) {
	t.update(s.Stage, func(ss *StageSnapshot) { ss.Jobs++ })
}

func (t *Tracker) PollCycle(c poll.Cycle) {
	t.update(Name(c.Stage), func(ss *StageSnapshot) {
		ss.PollCycles = c.N
		if c.Err == nil {
			ss.Queue = c.Queue
		}
	})
}

func (t *Tracker) PollTransition(stage string, _, to poll.State) {
	t.update(Name(stage), func(ss *StageSnapshot) { ss.PollState = to })
}
