package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/poll"
	"github.com/3leaps/imputeflow/pkg/scheduler"
)

func TestObserver_CountsRun(t *testing.T) {
	m := New("")
	obs := m.Observer()

	impute, _ := pipeline.Lookup(pipeline.Impute)
	obs.StageStarted(pipeline.StageStart{Stage: impute, Units: 30})
	for i := 0; i < 3; i++ {
		obs.JobSubmitted(pipeline.Submission{Stage: pipeline.Impute, Spec: scheduler.JobSpec{Name: "if1_impute"}})
	}
	obs.JobSubmitted(pipeline.Submission{Stage: pipeline.Phase, Spec: scheduler.JobSpec{Array: &scheduler.ArrayRange{First: 1, Last: 22}}})
	obs.GovernorWait(pipeline.Impute, 140, nil)
	obs.GovernorWait(pipeline.Impute, -1, errors.New("squeue down"))
	obs.PollCycle(poll.Cycle{Stage: "impute", N: 1, Queue: scheduler.QueueState{Running: 2, Pending: 1}})
	obs.PollCycle(poll.Cycle{Stage: "impute", N: 2, Err: errors.New("timeout")})
	obs.Warning(pipeline.Phase, errors.New("partial"))

	assert.Equal(t, 30.0, testutil.ToFloat64(m.StageUnits.WithLabelValues("impute")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobsSubmitted.WithLabelValues("impute")))
	assert.Equal(t, 22.0, testutil.ToFloat64(m.TasksSubmitted.WithLabelValues("phase")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GovernorWaits.WithLabelValues("impute")))
	assert.Equal(t, 140.0, testutil.ToFloat64(m.GovernorDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PollCycles.WithLabelValues("impute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UncertainQueries.WithLabelValues("impute")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueTasks.WithLabelValues("impute", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings.WithLabelValues("phase")))

	obs.StageFinished(pipeline.StageResult{Stage: pipeline.Impute, Status: pipeline.StatusSatisfied, Duration: 2 * time.Hour})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageOutcomes.WithLabelValues("impute", "satisfied")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.QueueTasks))
}

func TestHandler_ExposesRegistry(t *testing.T) {
	m := New("imputeflow")
	m.JobsSubmitted.WithLabelValues("merge").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `imputeflow_jobs_submitted_total{stage="merge"} 1`)
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(""), New("")
	a.PollCycles.WithLabelValues("phase").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PollCycles.WithLabelValues("phase")))
	assert.NotSame(t, a.Registry(), b.Registry())
}
