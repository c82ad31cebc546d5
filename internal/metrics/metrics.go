// Package metrics exposes the engine's Prometheus instrumentation:
//   - engine_orders_total{type,outcome}        – order submissions by outcome
//   - engine_order_latency_ms                  – submission latency histogram
//   - engine_breaker_trips_total{name}         – circuit breaker opens
//   - engine_breaker_state{name}               – 0 closed / 1 open / 2 half-open
//   - engine_stop_triggers_total{layer}        – stop-loss exits per layer
//   - engine_reconciliation_discrepancies_total – corrections applied
//   - engine_reconciliation_drift              – last observed drift per symbol
//   - engine_open_positions                    – currently tracked positions
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the engine updates. It owns its registry so
// tests can create isolated instances; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	OrdersTotal         *prometheus.CounterVec
	OrderLatencyMs      prometheus.Histogram
	BreakerTrips        *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	StopTriggers        *prometheus.CounterVec
	ReconDiscrepancies  prometheus.Counter
	ReconDrift          *prometheus.GaugeVec
	OpenPositions       prometheus.Gauge
}

// New creates a Metrics instance with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Order submissions by type and outcome",
		}, []string{"type", "outcome"}),
		OrderLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_order_latency_ms",
			Help:    "Order submission latency in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_breaker_trips_total",
			Help: "Circuit breaker open transitions",
		}, []string{"name"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		StopTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stop_triggers_total",
			Help: "Stop-loss exits by protection layer",
		}, []string{"layer"}),
		ReconDiscrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconciliation_discrepancies_total",
			Help: "Reconciliation corrections applied",
		}),
		ReconDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_reconciliation_drift",
			Help: "Last observed local-vs-exchange quantity drift per symbol",
		}, []string{"symbol"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently tracked non-terminal positions",
		}),
	}

	reg.MustRegister(
		m.OrdersTotal,
		m.OrderLatencyMs,
		m.BreakerTrips,
		m.BreakerState,
		m.StopTriggers,
		m.ReconDiscrepancies,
		m.ReconDrift,
		m.OpenPositions,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
