package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imputeflow/pkg/poll"
	"github.com/3leaps/imputeflow/pkg/scheduler"
)

func TestStages_Order(t *testing.T) {
	stages := Stages()
	require.Len(t, stages, 9)
	for i, s := range stages {
		assert.Equal(t, i+1, s.Ordinal)
	}
	assert.Len(t, Submitted(), 8)

	n, err := ParseName(" Sort-And-Encode ")
	require.NoError(t, err)
	assert.Equal(t, SortEncode, n)
	_, err = ParseName("liftover")
	require.Error(t, err)
}

func TestTagFor(t *testing.T) {
	assert.Equal(t, "if4f9c2a1e", TagFor("4F9C2A1E-7b3d-4c55-9e21-0d8a6b7c1f20"))
	runID, tag := NewRunID()
	assert.Len(t, tag, 10)
	assert.Equal(t, TagFor(runID), tag)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{RunID: testRunID, BaseResources: scheduler.Resources{Partition: "compute", Account: "lab"}}
	require.NoError(t, cfg.applyDefaults())
	assert.Equal(t, "if4f9c2a1e", cfg.Tag)
	assert.Equal(t, MatchIDs, cfg.Poll.Match)
	assert.Equal(t, ScopeUser, cfg.Throttle.Scope)
	assert.Equal(t, "compute", cfg.Resources[Phase].Partition)
	assert.Equal(t, 8, cfg.Resources[Phase].CPUs)
	assert.Equal(t, int64(DefaultEncodedMinBytes), cfg.Thresholds.EncodedMinBytes)

	cfg = Config{RunID: testRunID, Resources: map[Name]scheduler.Resources{Impute: {MemoryMB: 16000}}}
	require.NoError(t, cfg.applyDefaults())
	assert.Equal(t, 16000, cfg.Resources[Impute].MemoryMB)
	assert.Equal(t, 24*time.Hour, cfg.Resources[Impute].Walltime)

	bad := []Config{
		{RunID: testRunID, Poll: PollConfig{Match: "regex"}},
		{RunID: testRunID, Throttle: ThrottleConfig{Scope: "cluster"}},
		{RunID: testRunID, Poll: PollConfig{Grace: -time.Second}},
		{RunID: testRunID, Tag: "bad tag"},
	}
	for _, c := range bad {
		assert.Error(t, c.applyDefaults())
	}
}

func TestSummary_Lines(t *testing.T) {
	sum := &Summary{
		Stages: []StageResult{
			{Stage: Preprocess, Ordinal: 1, Status: StatusSkipped, Reason: "artifacts present"},
			{Stage: Phase, Ordinal: 3, Status: StatusSatisfied, Jobs: 1, Tasks: 22, Artifacts: 44, Bytes: 2_500_000},
			{Stage: Cleanup, Ordinal: 9, Status: StatusSatisfied},
		},
		Cleanup:  CleanupReport{Files: 10, Bytes: 1_000_000},
		Duration: 90 * time.Minute,
	}
	lines := sum.Lines()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "(artifacts present)")
	assert.Contains(t, lines[1], "jobs=1 tasks=22 artifacts=44 size=2.5 MB")
	assert.Contains(t, lines[2], "removed=10 freed=1.0 MB")
	assert.Equal(t, "total: 1 job(s), 22 task(s) in 1h30m0s", lines[3])
	assert.Equal(t, []string{"preprocess"}, sum.ByStatus(StatusSkipped))
	_, failed := sum.Failed()
	assert.False(t, failed)
}

func TestTracker(t *testing.T) {
	tr := NewTracker(testRunID, "if4f9c2a1e", "cohort")
	var obs Observer = Observers{tr, NopObserver{}}

	obs.StageStarted(StageStart{Stage: mustStage(Phase), Units: 22})
	obs.JobSubmitted(Submission{Stage: Phase, JobID: "1001"})
	obs.PollCycle(poll.Cycle{Stage: "phase", N: 3, Queue: scheduler.QueueState{Running: 22}})
	obs.PollCycle(poll.Cycle{Stage: "phase", N: 4, Err: errors.New("squeue timed out")})
	obs.PollTransition("phase", poll.StatePolling, poll.StateConfirming)

	snap := tr.Snapshot()
	assert.Equal(t, Phase, snap.Current)
	phase := snap.Stages[2]
	assert.Equal(t, StatusRunning, phase.Status)
	assert.Equal(t, 1, phase.Jobs)
	assert.Equal(t, 4, phase.PollCycles)
	assert.Equal(t, 22, phase.Queue.Running)
	assert.Equal(t, poll.StateConfirming, phase.PollState)
	assert.NotNil(t, phase.StartedAt)

	obs.StageFinished(StageResult{Stage: Phase, Status: StatusFailed, Reason: "phase: expected 22, found 20"})
	phase = tr.Snapshot().Stages[2]
	assert.Equal(t, StatusFailed, phase.Status)
	assert.NotNil(t, phase.EndedAt)
	assert.Equal(t, StatusPending, tr.Snapshot().Stages[3].Status)
}

func TestErrors(t *testing.T) {
	err := &StageError{Stage: Merge, Op: "submit", Err: &scheduler.SubmissionError{Job: "x", Err: errors.New("denied")}}
	assert.True(t, scheduler.IsSubmissionError(err))
	assert.False(t, IsValidationFailure(err))

	_, ok := FailedStage(errors.New("plain"))
	assert.False(t, ok)

	amb := &PreconditionAmbiguous{Stage: Phase, Found: 5, Expected: 22}
	assert.Equal(t, "stage phase: partial prior state (5 of 22 units present); resubmitting all units", amb.Error())
}
