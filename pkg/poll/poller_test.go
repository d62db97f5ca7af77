package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imputeflow/pkg/clock"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/scheduler/schedulertest"
)

const (
	grace    = 2 * time.Minute
	confirm  = 30 * time.Second
	interval = 10 * time.Minute
)

func newPoller(client scheduler.Client, sleeper clock.Sleeper) *Poller {
	return &Poller{Client: client, Grace: grace, ConfirmDelay: confirm, Sleeper: sleeper}
}

func submit(t *testing.T, f *schedulertest.Fake, name string) scheduler.JobID {
	t.Helper()
	id, err := f.Submit(context.Background(), scheduler.JobSpec{Name: name, Command: []string{"x"}})
	require.NoError(t, err)
	return id
}

func passing(context.Context) (bool, string) { return true, "" }

func TestAwait_SatisfiedAfterDrainAndConfirm(t *testing.T) {
	f := &schedulertest.Fake{DrainAfter: 3}
	id := submit(t, f, "run_impute")
	sleeper := &clock.Fake{}
	p := newPoller(f, sleeper)

	var transitions []State
	p.OnTransition = func(_ string, _, to State) { transitions = append(transitions, to) }

	out, err := p.Await(context.Background(), Target{
		Stage:    "impute",
		Filter:   scheduler.Filter{JobIDs: []scheduler.JobID{id}},
		Interval: interval,
		Check:    passing,
	})
	require.NoError(t, err)
	assert.Equal(t, Satisfied, out.Verdict)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 5, out.Cycles)
	assert.Equal(t, []time.Duration{grace, interval, interval, interval, confirm}, sleeper.Sleeps())
	assert.Equal(t, []State{StatePolling, StateConfirming, StateSucceeded}, transitions)
}

func TestAwait_NeverSatisfiedWhileQueued(t *testing.T) {
	f := &schedulertest.Fake{DrainAfter: 1_000_000}
	id := submit(t, f, "run_phase")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &clock.Fake{OnSleep: func(n int, _ time.Duration) {
		if n >= 50 {
			cancel()
		}
	}}

	checked := false
	p := newPoller(f, sleeper)
	var maxQueued int
	p.OnCycle = func(c Cycle) { maxQueued = max(maxQueued, c.Queue.Total()) }

	out, err := p.Await(ctx, Target{
		Stage:    "phase",
		Filter:   scheduler.Filter{JobIDs: []scheduler.JobID{id}},
		Interval: interval,
		Check:    func(context.Context) (bool, string) { checked = true; return true, "" },
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Pending, out.Verdict)
	assert.Equal(t, StateAborted, out.State)
	assert.False(t, checked)
	assert.Equal(t, 1, maxQueued)
}

func TestAwait_UncertainQueriesAreRetried(t *testing.T) {
	f := &schedulertest.Fake{}
	id := submit(t, f, "run_merge")
	boom := scheduler.Uncertain("squeue", errors.New("controller unreachable"))
	f.FailNextQueries(boom, boom)

	sleeper := &clock.Fake{}
	p := newPoller(f, sleeper)
	var cycleErrs int
	p.OnCycle = func(c Cycle) {
		if c.Err != nil {
			cycleErrs++
			assert.True(t, scheduler.IsPollingUncertain(c.Err))
		}
	}

	out, err := p.Await(context.Background(), Target{
		Stage:    "merge",
		Filter:   scheduler.Filter{JobIDs: []scheduler.JobID{id}},
		Interval: time.Minute,
		Check:    passing,
	})
	require.NoError(t, err)
	assert.Equal(t, Satisfied, out.Verdict)
	assert.Equal(t, 2, out.Uncertain)
	assert.Equal(t, 2, cycleErrs)
}

func TestAwait_UncertainConfirmationReturnsToPolling(t *testing.T) {
	f := &schedulertest.Fake{}
	sleeper := &clock.Fake{}
	injected := false
	sleeper.OnSleep = func(_ int, d time.Duration) {
		if d == confirm && !injected {
			injected = true
			f.FailNextQueries(scheduler.Uncertain("squeue", errors.New("timeout")))
		}
	}
	p := newPoller(f, sleeper)

	var transitions []State
	p.OnTransition = func(_ string, _, to State) { transitions = append(transitions, to) }

	calls := 0
	out, err := p.Await(context.Background(), Target{
		Stage:    "concatenate",
		Filter:   scheduler.Filter{NamePrefix: "run_concatenate"},
		Interval: time.Minute,
		Check: func(context.Context) (bool, string) {
			calls++
			return true, ""
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Satisfied, out.Verdict)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Uncertain)
	assert.Equal(t, []State{StatePolling, StateConfirming, StatePolling, StateConfirming, StateSucceeded}, transitions)
}

func TestAwait_ConfirmationSeesLateJob(t *testing.T) {
	f := &schedulertest.Fake{}
	sleeper := &clock.Fake{}
	late := false
	sleeper.OnSleep = func(_ int, d time.Duration) {
		if d == confirm && !late {
			late = true
			submit(t, f, "run_sort-and-encode")
		}
	}
	p := newPoller(f, sleeper)

	var sawQueuedAfterConfirm bool
	p.OnCycle = func(c Cycle) {
		if c.State == StateConfirming && c.Queue.Total() > 0 {
			sawQueuedAfterConfirm = true
		}
	}

	out, err := p.Await(context.Background(), Target{
		Stage:    "sort-and-encode",
		Filter:   scheduler.Filter{NamePrefix: "run_"},
		Interval: time.Minute,
		Check:    passing,
	})
	require.NoError(t, err)
	assert.True(t, sawQueuedAfterConfirm)
	assert.Equal(t, Satisfied, out.Verdict)
}

func TestAwait_CheckFailure(t *testing.T) {
	f := &schedulertest.Fake{}
	id := submit(t, f, "run_concatenate")
	p := newPoller(f, &clock.Fake{})

	out, err := p.Await(context.Background(), Target{
		Stage:  "concatenate",
		Filter: scheduler.Filter{JobIDs: []scheduler.JobID{id}},
		Check:  func(context.Context) (bool, string) { return false, "expected 22, found 21" },
	})
	require.NoError(t, err)
	assert.Equal(t, Failed, out.Verdict)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "expected 22, found 21", out.Reason)
}

func TestAwait_InvalidTargets(t *testing.T) {
	p := newPoller(&schedulertest.Fake{}, &clock.Fake{})

	_, err := p.Await(context.Background(), Target{Filter: scheduler.Filter{AllUserJobs: true}})
	assert.ErrorIs(t, err, ErrNoCheck)

	_, err = p.Await(context.Background(), Target{Check: passing})
	require.Error(t, err)
}

func TestVerdictAndState(t *testing.T) {
	assert.Equal(t, "satisfied", Satisfied.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "pending", Pending.String())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateConfirming.Terminal())
}
