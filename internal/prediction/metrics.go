package prediction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	predictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "prediction",
		Name:      "predictions_total",
		Help:      "Predictions by response type and strategy",
	}, []string{"response_type", "strategy"})

	coldStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "prediction",
		Name:      "cold_starts_total",
		Help:      "Cold-start predictions by reason",
	}, []string{"reason"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "prediction",
		Name:      "outcomes_total",
		Help:      "Recorded outcomes by response type and match",
	}, []string{"response_type", "matched"})
)
