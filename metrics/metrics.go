// Package metrics holds the Prometheus collectors of the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "travelease"

// Collectors holds every collector the gateway updates.
type Collectors struct {
	// Access gate decisions by outcome (resolving, granted, denied)
	GateDecisions *prometheus.CounterVec

	// Session stores currently held by the registry
	LiveStores prometheus.Gauge

	// Post-registration profile writes by result (ok, failed)
	ProfileWrites *prometheus.CounterVec

	// Authentication operations by operation and outcome
	AuthOperations *prometheus.CounterVec

	// HTTP request latency by route pattern, method and status class
	RequestDuration *prometheus.HistogramVec
}

// NewCollectors creates the collectors and registers them with registry.
func NewCollectors(registry prometheus.Registerer) *Collectors {
	factory := promauto.With(registry)

	return &Collectors{
		GateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Total number of access gate decisions",
			},
			[]string{"decision"},
		),
		LiveStores: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_stores",
				Help:      "Number of live per-client session stores",
			},
		),
		ProfileWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "profile_writes_total",
				Help:      "Total number of post-registration profile writes",
			},
			[]string{"result"},
		),
		AuthOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_operations_total",
				Help:      "Total number of session store authentication operations",
			},
			[]string{"operation", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}
}

// Discard returns collectors registered nowhere, for tests and tools.
func Discard() *Collectors {
	return NewCollectors(prometheus.NewRegistry())
}
