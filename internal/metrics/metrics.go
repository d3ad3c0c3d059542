// Package metrics exposes Prometheus collectors for the fraud pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Heuristic outcomes.
const (
	OutcomeScored   = "scored"
	OutcomeSkipped  = "skipped"
	OutcomeDisabled = "disabled"
	OutcomeFailed   = "failed"
)

// Recorder holds the pipeline collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	evaluations       *prometheus.CounterVec
	evaluationErrors  *prometheus.CounterVec
	totalScore        prometheus.Histogram
	evaluationLatency prometheus.Histogram
	heuristicDuration *prometheus.HistogramVec
	heuristicOutcomes *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	workerRetries     *prometheus.CounterVec
	alerts            *prometheus.CounterVec
}

// New creates a Recorder on its own registry, including Go runtime collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "engine", Name: "evaluations_total", Help: "Completed evaluations by severity."},
			[]string{"severity"},
		),
		evaluationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "engine", Name: "evaluation_errors_total", Help: "Evaluations aborted by a pipeline error."},
			[]string{"stage"},
		),
		totalScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Subsystem: "engine", Name: "total_score", Help: "Distribution of total fraud scores.", Buckets: []float64{0, 10, 25, 50, 70, 85, 100}},
		),
		evaluationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Subsystem: "engine", Name: "evaluation_seconds", Help: "End-to-end evaluation latency.", Buckets: prometheus.DefBuckets},
		),
		heuristicDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Subsystem: "heuristic", Name: "duration_seconds", Help: "Heuristic evaluation latency.", Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5}},
			[]string{"heuristic"},
		),
		heuristicOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "heuristic", Name: "outcomes_total", Help: "Heuristic outcomes by kind."},
			[]string{"heuristic", "outcome"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "thresholds", Name: "cache_lookups_total", Help: "Threshold cache lookups by result."},
			[]string{"result"},
		),
		workerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "worker", Name: "retries_total", Help: "Evaluation retries and dead letters."},
			[]string{"kind"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "matched_total", Help: "Alert policy matches by policy."},
			[]string{"policy"},
		),
	}

	r.registry.MustRegister(
		r.evaluations,
		r.evaluationErrors,
		r.totalScore,
		r.evaluationLatency,
		r.heuristicDuration,
		r.heuristicOutcomes,
		r.cacheLookups,
		r.workerRetries,
		r.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveEvaluation records a completed evaluation.
func (r *Recorder) ObserveEvaluation(severity string, score float64, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.evaluations.WithLabelValues(severity).Inc()
	r.totalScore.Observe(score)
	r.evaluationLatency.Observe(elapsed.Seconds())
}

// EvaluationError records an aborted evaluation.
func (r *Recorder) EvaluationError(stage string) {
	if r == nil {
		return
	}
	r.evaluationErrors.WithLabelValues(stage).Inc()
}

// ObserveHeuristic records one heuristic invocation.
func (r *Recorder) ObserveHeuristic(key, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.heuristicOutcomes.WithLabelValues(key, outcome).Inc()
	if outcome != OutcomeDisabled {
		r.heuristicDuration.WithLabelValues(key).Observe(elapsed.Seconds())
	}
}

// CacheLookup records a threshold cache hit or miss.
func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// WorkerRetry records a retry ("retry") or dead letter ("dead_letter").
func (r *Recorder) WorkerRetry(kind string) {
	if r == nil {
		return
	}
	r.workerRetries.WithLabelValues(kind).Inc()
}

// AlertMatched records a matching alert policy.
func (r *Recorder) AlertMatched(policy string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(policy).Inc()
}
