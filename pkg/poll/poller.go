// Package poll waits for a stage's jobs to leave the scheduler queue and
// then turns the queue state and an artifact check into a verdict.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/3leaps/imputeflow/pkg/clock"
	"github.com/3leaps/imputeflow/pkg/scheduler"
)

// State is the poller's position in its lifecycle.
type State string

const (
	StateSubmitted  State = "submitted"
	StatePolling    State = "polling"
	StateConfirming State = "confirming"
	StateSucceeded  State = "terminal-success"
	StateFailed     State = "terminal-failure"
	StateAborted    State = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}

// Verdict is the completion verdict of a stage.
type Verdict int

const (
	Pending Verdict = iota
	Satisfied
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Satisfied:
		return "satisfied"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Defaults for the waits around queue checks.
const (
	DefaultGrace        = 2 * time.Minute
	DefaultConfirmDelay = 30 * time.Second
	DefaultInterval     = time.Minute
)

// Check validates a stage's artifacts once its jobs left the queue.
type Check func(ctx context.Context) (passed bool, reason string)

// Target describes what to wait for.
type Target struct {
	Stage    string
	Filter   scheduler.Filter
	Interval time.Duration
	Check    Check
}

// Cycle describes one queue observation.
type Cycle struct {
	Stage string
	N     int
	State State
	Queue scheduler.QueueState
	Err   error
}

// Outcome is the result of Await.
type Outcome struct {
	Verdict   Verdict
	Reason    string
	State     State
	Cycles    int
	Uncertain int
	Elapsed   time.Duration
}

// ErrNoCheck is returned when a target has no artifact check.
var ErrNoCheck = errors.New("poll: target has no artifact check")

// Poller implements the grace/poll/confirm loop. It has no overall timeout:
// long-running stages legitimately take days.
type Poller struct {
	Client       scheduler.Client
	Grace        time.Duration
	ConfirmDelay time.Duration
	Sleeper      clock.Sleeper

	OnCycle      func(Cycle)
	OnTransition func(stage string, from, to State)
}

// Await blocks until the target's jobs are gone and its check ran, or ctx
// ends. It never reports Satisfied while a query shows queued tasks.
func (p *Poller) Await(ctx context.Context, t Target) (Outcome, error) {
	if t.Check == nil {
		return Outcome{}, ErrNoCheck
	}
	if t.Filter.Empty() {
		return Outcome{}, errors.New("poll: empty queue filter")
	}

	w := &walker{p: p, t: t, start: time.Now(), state: StateSubmitted}
	if w.t.Interval <= 0 {
		w.t.Interval = DefaultInterval
	}
	return w.run(ctx)
}

type walker struct {
	p     *Poller
	t     Target
	start time.Time
	state State
	out   Outcome
}

func (w *walker) run(ctx context.Context) (Outcome, error) {
	if err := w.sleep(ctx, w.p.Grace); err != nil {
		return w.abort(err)
	}
	w.move(StatePolling)

	for {
		st, err := w.query(ctx)
		if ctx.Err() != nil {
			return w.abort(ctx.Err())
		}
		if err != nil || !st.Drained() {
			if err := w.sleep(ctx, w.t.Interval); err != nil {
				return w.abort(err)
			}
			continue
		}

		w.move(StateConfirming)
		if err := w.sleep(ctx, w.p.ConfirmDelay); err != nil {
			return w.abort(err)
		}
		st, err = w.query(ctx)
		if ctx.Err() != nil {
			return w.abort(ctx.Err())
		}
		if err != nil || !st.Drained() {
			w.move(StatePolling)
			if err := w.sleep(ctx, w.t.Interval); err != nil {
				return w.abort(err)
			}
			continue
		}

		passed, reason := w.t.Check(ctx)
		if ctx.Err() != nil {
			return w.abort(ctx.Err())
		}
		if passed {
			w.out.Verdict = Satisfied
			w.move(StateSucceeded)
		} else {
			w.out.Verdict = Failed
			w.out.Reason = reason
			w.move(StateFailed)
		}
		return w.finish(), nil
	}
}

func (w *walker) query(ctx context.Context) (scheduler.QueueState, error) {
	st, err := w.p.Client.QueryState(ctx, w.t.Filter)
	w.out.Cycles++
	if err != nil {
		w.out.Uncertain++
	}
	if w.p.OnCycle != nil && ctx.Err() == nil {
		w.p.OnCycle(Cycle{Stage: w.t.Stage, N: w.out.Cycles, State: w.state, Queue: st, Err: err})
	}
	return st, err
}

func (w *walker) sleep(ctx context.Context, d time.Duration) error {
	s := w.p.Sleeper
	if s == nil {
		s = clock.Real{}
	}
	return s.Sleep(ctx, d)
}

func (w *walker) move(to State) {
	from := w.state
	w.state = to
	if from != to && w.p.OnTransition != nil {
		w.p.OnTransition(w.t.Stage, from, to)
	}
}

func (w *walker) abort(err error) (Outcome, error) {
	w.out.Verdict = Pending
	w.move(StateAborted)
	return w.finish(), err
}

func (w *walker) finish() Outcome {
	w.out.State = w.state
	w.out.Elapsed = time.Since(w.start)
	return w.out
}
