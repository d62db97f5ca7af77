package schedulertest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imputeflow/pkg/scheduler"
)

func TestFake_DrainsAndCompletes(t *testing.T) {
	var completed []string
	f := &Fake{DrainAfter: 2, OnComplete: func(spec scheduler.JobSpec) { completed = append(completed, spec.Name) }}
	ctx := context.Background()

	id, err := f.Submit(ctx, scheduler.JobSpec{Name: "r_phase", Command: []string{"x"}, Array: &scheduler.ArrayRange{First: 1, Last: 22}})
	require.NoError(t, err)

	st, err := f.QueryState(ctx, scheduler.Filter{JobIDs: []scheduler.JobID{id}})
	require.NoError(t, err)
	assert.Equal(t, 22, st.Pending)
	assert.Empty(t, completed)

	st, err = f.QueryState(ctx, scheduler.Filter{NamePrefix: "r_"})
	require.NoError(t, err)
	assert.Equal(t, 22, st.Running)
	assert.Equal(t, []string{"r_phase"}, completed)

	st, err = f.QueryState(ctx, scheduler.Filter{AllUserJobs: true})
	require.NoError(t, err)
	assert.True(t, st.Drained())
	assert.Equal(t, 3, f.Queries())
}

func TestFake_QueryErrors(t *testing.T) {
	f := &Fake{}
	boom := scheduler.Uncertain("squeue", errors.New("timeout"))
	f.FailNextQueries(boom)

	_, err := f.QueryState(context.Background(), scheduler.Filter{AllUserJobs: true})
	assert.True(t, scheduler.IsPollingUncertain(err))

	_, err = f.QueryState(context.Background(), scheduler.Filter{AllUserJobs: true})
	assert.NoError(t, err)
}

func TestFake_SubmitErrAndCancel(t *testing.T) {
	f := &Fake{SubmitErr: func(spec scheduler.JobSpec) error {
		if spec.Stage == "merge" {
			return errors.New("quota exceeded")
		}
		return nil
	}}
	ctx := context.Background()

	_, err := f.Submit(ctx, scheduler.JobSpec{Name: "r_merge", Stage: "merge", Command: []string{"x"}})
	assert.True(t, scheduler.IsSubmissionError(err))

	id, err := f.Submit(ctx, scheduler.JobSpec{Name: "r_phase", Stage: "phase", Command: []string{"x"}})
	require.NoError(t, err)
	require.NoError(t, f.Cancel(ctx, id))
	assert.True(t, f.Jobs()[0].Cancelled)
	assert.Len(t, f.JobsForStage("phase"), 1)
	assert.ErrorIs(t, f.Cancel(ctx, "nope"), scheduler.ErrUnknownJob)
}
