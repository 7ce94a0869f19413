// Package metrics exposes prometheus instruments for the resilience layer.
// The protected call wrapper is the single producer of upstream latency and
// error metrics; nothing else in the backend measures third-party calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslens_upstream_attempts_total",
		Help: "Upstream call attempts by service and outcome",
	}, []string{"service", "outcome"})

	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accesslens_upstream_latency_seconds",
		Help:    "Latency of upstream call attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslens_breaker_transitions_total",
		Help: "Circuit breaker transitions by service and new state",
	}, []string{"service", "state"})

	rateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslens_ratelimit_decisions_total",
		Help: "Rate limit decisions by policy and outcome",
	}, []string{"policy", "outcome"})

	admissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslens_admission_decisions_total",
		Help: "Quota admission decisions by resource kind and outcome",
	}, []string{"resource", "outcome"})

	failOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslens_fail_open_total",
		Help: "Requests admitted because the coordination store was unavailable",
	}, []string{"component"})

	lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesslens_lock_acquisitions_total",
		Help: "Distributed lock acquisition attempts by outcome",
	}, []string{"outcome"})
)

func ObserveUpstreamAttempt(service, outcome string, elapsed time.Duration) {
	upstreamAttempts.WithLabelValues(service, outcome).Inc()
	upstreamLatency.WithLabelValues(service).Observe(elapsed.Seconds())
}

func ObserveBreakerTransition(service, state string) {
	breakerTransitions.WithLabelValues(service, state).Inc()
}

func ObserveRateLimitDecision(policy, outcome string) {
	rateLimitDecisions.WithLabelValues(policy, outcome).Inc()
}

func ObserveAdmissionDecision(resource, outcome string) {
	admissionDecisions.WithLabelValues(resource, outcome).Inc()
}

func ObserveFailOpen(component string) {
	failOpenTotal.WithLabelValues(component).Inc()
}

func ObserveLockAcquisition(outcome string) {
	lockAcquisitions.WithLabelValues(outcome).Inc()
}
