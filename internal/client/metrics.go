package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_forward_breaker_state",
		Help: "Circuit breaker state for prediction forwarding (0 closed, 1 open, 2 half-open)",
	})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_forward_breaker_transitions_total",
		Help: "Circuit breaker state changes by target state",
	}, []string{"state"})

	// ForwardedRows counts prediction rows delivered to the store
	ForwardedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_forwarded_rows_total",
		Help: "Prediction rows pushed over Flight",
	})

	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_forward_errors_total",
		Help: "Failed or skipped prediction forwards",
	}, []string{"reason"})
)
