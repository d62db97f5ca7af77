// Package metrics provides Prometheus metrics for workflow runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/poll"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "imputeflow"

// Metrics holds all Prometheus metrics of a run. Each instance owns its
// registry so tests and embedded runs never collide.
type Metrics struct {
	registry *prometheus.Registry

	// Stage metrics
	StageOutcomes *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageUnits    *prometheus.GaugeVec

	// Submission metrics
	JobsSubmitted  *prometheus.CounterVec
	TasksSubmitted *prometheus.CounterVec

	// Queue metrics
	QueueTasks    *prometheus.GaugeVec
	GovernorWaits *prometheus.CounterVec
	GovernorDepth prometheus.Gauge

	// Poll metrics
	PollCycles       *prometheus.CounterVec
	UncertainQueries *prometheus.CounterVec

	Warnings *prometheus.CounterVec
}

// New registers every metric on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StageOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_outcomes_total",
				Help:      "Stages finished, by outcome (skipped, satisfied, failed)",
			},
			[]string{"stage", "status"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time from first submission to validation",
				Buckets:   prometheus.ExponentialBuckets(60, 2, 12), // 1m to ~34h
			},
			[]string{"stage", "status"},
		),
		StageUnits: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_units",
				Help:      "Units planned for the stage",
			},
			[]string{"stage"},
		),
		JobsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Scheduler submissions accepted",
			},
			[]string{"stage"},
		),
		TasksSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Scheduler tasks submitted, counting every array element",
			},
			[]string{"stage"},
		),
		QueueTasks: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_tasks",
				Help:      "Tasks of the polled stage still known to the scheduler",
			},
			[]string{"stage", "state"},
		),
		GovernorWaits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "governor_waits_total",
				Help:      "Times a submission was held because the queue was full or unknown",
			},
			[]string{"stage"},
		),
		GovernorDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "governor_pending_depth",
				Help:      "Last pending-queue depth seen while holding submissions",
			},
		),
		PollCycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Scheduler queue queries made while waiting for a stage",
			},
			[]string{"stage"},
		),
		UncertainQueries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_uncertain_total",
				Help:      "Queue queries that failed and were retried",
			},
			[]string{"stage"},
		),
		Warnings: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warnings_total",
				Help:      "Non-fatal warnings, such as partial prior state",
			},
			[]string{"stage"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observer returns a pipeline observer that updates m.
func (m *Metrics) Observer() pipeline.Observer { return observer{m: m} }

type observer struct {
	pipeline.NopObserver
	m *Metrics
}

func (o observer) StageStarted(s pipeline.StageStart) {
	o.m.StageUnits.WithLabelValues(string(s.Stage.Name)).Set(float64(s.Units))
}

func (o observer) StageFinished(r pipeline.StageResult) {
	stage, status := string(r.Stage), string(r.Status)
	o.m.StageOutcomes.WithLabelValues(stage, status).Inc()
	if r.Status != pipeline.StatusSkipped {
		o.m.StageDuration.WithLabelValues(stage, status).Observe(r.Duration.Seconds())
	}
	o.m.QueueTasks.DeletePartialMatch(prometheus.Labels{"stage": stage})
}

func (o observer) JobSubmitted(s pipeline.Submission) {
	o.m.JobsSubmitted.WithLabelValues(string(s.Stage)).Inc()
	o.m.TasksSubmitted.WithLabelValues(string(s.Stage)).Add(float64(s.Spec.Tasks()))
}

func (o observer) GovernorWait(stage pipeline.Name, depth int, _ error) {
	o.m.GovernorWaits.WithLabelValues(string(stage)).Inc()
	if depth >= 0 {
		o.m.GovernorDepth.Set(float64(depth))
	}
}

func (o observer) PollCycle(c poll.Cycle) {
	o.m.PollCycles.WithLabelValues(c.Stage).Inc()
	if c.Err != nil {
		o.m.UncertainQueries.WithLabelValues(c.Stage).Inc()
		return
	}
	o.m.QueueTasks.WithLabelValues(c.Stage, "running").Set(float64(c.Queue.Running))
	o.m.QueueTasks.WithLabelValues(c.Stage, "pending").Set(float64(c.Queue.Pending))
}

func (o observer) Warning(stage pipeline.Name, _ error) {
	o.m.Warnings.WithLabelValues(string(stage)).Inc()
}
