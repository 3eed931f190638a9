package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// gateActions counts gate results.
	// Labels: category, action (shadow, suggest, act, defer)
	gateActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "strategy",
		Name:      "gate_actions_total",
		Help:      "Total gate results by category and action",
	}, []string{"category", "action"})

	// classifierConfidence tracks classifier confidence per category.
	classifierConfidence = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "strategy",
		Name:      "classifier_confidence",
		Help:      "Distribution of classifier confidence scores",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
	}, []string{"category"})

	// breakerTrips counts healthy-to-tripped edges.
	// Labels: category, reason (variance, drop, manual)
	breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Total circuit breaker trips",
	}, []string{"category", "reason"})

	// cbrAgreement compares the heuristic value with the CBR verdict.
	// Labels: agree (true, false)
	cbrAgreement = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "cbr",
		Name:      "agreement_total",
		Help:      "Shadow comparisons between heuristic and CBR verdict",
	}, []string{"agree"})

	// icrlCalls counts ICRL attempts.
	// Labels: result (override, invalid, error, rate_limited)
	icrlCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "icrl",
		Name:      "calls_total",
		Help:      "ICRL disambiguation attempts by result",
	}, []string{"result"})

	// trustLevel exposes the current level per category.
	trustLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gatekeeper",
		Subsystem: "trust",
		Name:      "level",
		Help:      "Current trust level per category",
	}, []string{"category"})

	// evaluateDuration measures full pipeline latency.
	evaluateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "strategy",
		Name:      "evaluate_duration_seconds",
		Help:      "Evaluate latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
)
