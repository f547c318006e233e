package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics covers the extraction worker and the submitter: jobs by
// outcome, per-step durations, submission outcomes and queue lag.
type PipelineMetrics struct {
	registry *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobsInFlight     prometheus.Gauge
	stepDuration     *prometheus.HistogramVec
	reviewGateTotal  *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
	queueLag         *prometheus.HistogramVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ksef",
			Subsystem: "pipeline",
			Name:      "jobs_total",
			Help:      "Total finished extraction jobs by outcome.",
		},
		[]string{"service", "outcome"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ksef",
			Subsystem: "pipeline",
			Name:      "job_duration_seconds",
			Help:      "End-to-end extraction job duration in seconds by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"service", "outcome"},
	)
	jobsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ksef",
			Subsystem: "pipeline",
			Name:      "jobs_in_flight",
			Help:      "Number of extraction jobs currently being processed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ksef",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Extraction step duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "step"},
	)
	reviewGateTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ksef",
			Subsystem: "pipeline",
			Name:      "review_gate_total",
			Help:      "Completed extractions split by review gate decision.",
		},
		[]string{"service", "decision"},
	)
	submissionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ksef",
			Subsystem: "submission",
			Name:      "submissions_total",
			Help:      "Total finished submission attempts by outcome.",
		},
		[]string{"service", "outcome"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ksef",
			Subsystem: "pipeline",
			Name:      "queue_lag_seconds",
			Help:      "Delay between invoice upload and extraction start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(jobsTotal, jobDuration, jobsInFlight, stepDuration, reviewGateTotal, submissionsTotal, queueLag)

	return &PipelineMetrics{
		registry:         registry,
		jobsTotal:        jobsTotal,
		jobDuration:      jobDuration,
		jobsInFlight:     jobsInFlight,
		stepDuration:     stepDuration,
		reviewGateTotal:  reviewGateTotal,
		submissionsTotal: submissionsTotal,
		queueLag:         queueLag,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) StartJob() {
	m.jobsInFlight.Inc()
}

func (m *PipelineMetrics) FinishJob(service string, duration time.Duration, outcome string) {
	m.jobsInFlight.Dec()
	if outcome == "" {
		outcome = "unknown"
	}
	m.jobsTotal.WithLabelValues(service, outcome).Inc()
	m.jobDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveStep(service, step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(service, step).Observe(duration.Seconds())
}

func (m *PipelineMetrics) RecordReviewGate(service string, needsReview bool) {
	decision := "auto"
	if needsReview {
		decision = "review"
	}
	m.reviewGateTotal.WithLabelValues(service, decision).Inc()
}

func (m *PipelineMetrics) RecordSubmission(service, outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.submissionsTotal.WithLabelValues(service, outcome).Inc()
}

func (m *PipelineMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}
