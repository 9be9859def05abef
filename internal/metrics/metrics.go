// Package metrics exposes Prometheus instrumentation for the
// evaluation pipeline and HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_pipeline_tasks_total",
			Help: "Total evaluation tasks by outcome",
		},
		[]string{"outcome"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_pipeline_tasks_in_flight",
			Help: "Evaluation tasks currently being processed",
		},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_evaluation_duration_seconds",
			Help:    "End-to-end evaluation duration per transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Verdict metrics
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_verdicts_total",
			Help: "Total verdicts by status",
		},
		[]string{"status"},
	)

	RuleMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rule_matches_total",
			Help: "Total rule matches by rule kind",
		},
		[]string{"kind"},
	)

	RuleErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_rule_errors_total",
			Help: "Total rule evaluations that errored",
		},
	)

	// API metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "Total HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Task outcomes for TasksTotal.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeInvalid      = "invalid"
)
