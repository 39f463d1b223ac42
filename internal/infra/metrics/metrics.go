// Package metrics provides Prometheus metrics for appgrader: intake outcomes,
// pipeline stage latency, notifier attempts, dispatches and check scores.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Intake ─────────────────────────────────────────────────────────────────

// IntakeRequests counts intake requests by terminal outcome
// (succeeded, replayed, unauthorized, invalid, synthesis_failed, failed).
var IntakeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "appgrader",
	Name:      "intake_requests_total",
	Help:      "Total intake requests by outcome.",
}, []string{"outcome"})

// StageLatency tracks time spent in each pipeline stage.
var StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "appgrader",
	Name:      "intake_stage_seconds",
	Help:      "Intake pipeline stage duration in seconds.",
	Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 180},
}, []string{"stage"})

// ─── Publication ────────────────────────────────────────────────────────────

// PublishFiles counts per-file commits by result (committed, failed).
var PublishFiles = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "appgrader",
	Name:      "publish_files_total",
	Help:      "Files committed to target repositories.",
}, []string{"result"})

// ─── Notifier ───────────────────────────────────────────────────────────────

// NotifyAttempts counts callback POST attempts by result
// (delivered, retryable, rejected, exhausted).
var NotifyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "appgrader",
	Name:      "notify_attempts_total",
	Help:      "Evaluation callback attempts by result.",
}, []string{"result"})

// ─── Round drivers ──────────────────────────────────────────────────────────

// Dispatches counts round dispatches by round and status class
// (2xx, 4xx, 5xx, transport, skipped).
var Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "appgrader",
	Name:      "dispatches_total",
	Help:      "Round dispatches by round and status class.",
}, []string{"round", "status_class"})

// ─── Evaluator ──────────────────────────────────────────────────────────────

// Checks counts evaluator check outcomes.
var Checks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "appgrader",
	Name:      "checks_total",
	Help:      "Evaluator check outcomes by check name and score.",
}, []string{"check", "score"})

// StatusClass buckets an HTTP status for the dispatch counter; 0 means a
// transport failure.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "transport"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
