package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    JobSpec
		wantErr string
	}{
		{
			name: "valid single",
			spec: JobSpec{Name: "ifab_preprocess", Command: []string{"plink", "--bfile", "x"}},
		},
		{
			name: "valid array",
			spec: JobSpec{Name: "ifab_phase", Command: []string{"shapeit", "--chr", TaskPlaceholder}, Array: &ArrayRange{First: 1, Last: 22}},
		},
		{
			name:    "missing name",
			spec:    JobSpec{Command: []string{"true"}},
			wantErr: "job name is required",
		},
		{
			name:    "whitespace name",
			spec:    JobSpec{Name: "a b", Command: []string{"true"}},
			wantErr: "whitespace",
		},
		{
			name:    "missing command",
			spec:    JobSpec{Name: "x"},
			wantErr: "command is required",
		},
		{
			name:    "task without array",
			spec:    JobSpec{Name: "x", Command: []string{"echo", "{task}"}},
			wantErr: "without an array range",
		},
		{
			name:    "empty array",
			spec:    JobSpec{Name: "x", Command: []string{"true"}, Array: &ArrayRange{First: 5, Last: 4}},
			wantErr: "invalid array range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestJobSpec_Tasks(t *testing.T) {
	assert.Equal(t, 1, JobSpec{}.Tasks())
	assert.Equal(t, 22, JobSpec{Array: &ArrayRange{First: 1, Last: 22}}.Tasks())
}

func TestExpandTask(t *testing.T) {
	got := ExpandTask([]string{"tool", "--in", "x_chr{task}.bed", "{task}"}, 7)
	assert.Equal(t, []string{"tool", "--in", "x_chr7.bed", "7"}, got)
}

func TestResources_Merge(t *testing.T) {
	r := Resources{CPUs: 4}.Merge(Resources{CPUs: 1, MemoryMB: 2048, Partition: "short"})
	assert.Equal(t, 4, r.CPUs)
	assert.Equal(t, 2048, r.MemoryMB)
	assert.Equal(t, "short", r.Partition)
}

func TestErrors(t *testing.T) {
	err := Uncertain("squeue", errors.New("socket timed out"))
	assert.True(t, IsPollingUncertain(err))
	assert.Contains(t, err.Error(), "socket timed out")
	assert.Nil(t, Uncertain("squeue", nil))

	sub := &SubmissionError{Job: "ifab_phase", Output: "sbatch: error: QOSMaxSubmitJobPerUserLimit", Err: errors.New("exit status 1")}
	assert.True(t, IsSubmissionError(sub))
	assert.Contains(t, sub.Error(), "QOSMaxSubmitJobPerUserLimit")
	assert.False(t, IsPollingUncertain(sub))
}

func TestQueueState(t *testing.T) {
	assert.True(t, QueueState{}.Drained())
	assert.Equal(t, 5, QueueState{Running: 2, Pending: 3}.Total())
	assert.True(t, Filter{}.Empty())
	assert.False(t, Filter{NamePrefix: "ifab"}.Empty())
}
