// Package telemetry exposes Prometheus metrics for every stage of the
// event pipeline: connection state, consumer throughput, route matching,
// transformation outcomes, fan-out delivery, and circuit breaker state.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds metrics configuration.
type Config struct {
	Enabled     bool
	Namespace   string
	MetricsPath string
}

// Metrics holds every Prometheus collector the pipeline reports.
type Metrics struct {
	ConnectionState *prometheus.GaugeVec
	ReconnectTotal  *prometheus.CounterVec

	ConsumerReceived   *prometheus.CounterVec
	ConsumerProcessed  *prometheus.CounterVec
	ConsumerFailed     *prometheus.CounterVec
	ConsumerDuplicates *prometheus.CounterVec

	RouteMatches       *prometheus.CounterVec
	RouteMatchDuration *prometheus.HistogramVec

	TransformApplied  *prometheus.CounterVec
	TransformErrors   *prometheus.CounterVec
	TransformDuration *prometheus.HistogramVec

	FanoutDeliveries *prometheus.CounterVec
	FanoutDuration   *prometheus.HistogramVec

	CircuitBreakerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// Monitor wraps the metrics registry and exposes the HTTP handler and
// recording helpers used across the pipeline.
type Monitor struct {
	config   Config
	metrics  *Metrics
	registry *prometheus.Registry
}

// New constructs a Monitor. When cfg.Enabled is false every Record* call
// is a no-op and GetHandler serves 404, so metrics can be switched off
// without touching any call site.
func New(cfg Config) *Monitor {
	if !cfg.Enabled {
		return &Monitor{config: cfg}
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "connection_state", Help: "Connection Manager state (0=disconnected,1=connecting,2=connected,3=reconnecting)",
		}, []string{"broker"}),
		ReconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "reconnect_total", Help: "Total reconnect attempts",
		}, []string{"broker", "outcome"}),

		ConsumerReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "consumer_received_total", Help: "Total messages received by a consumer",
		}, []string{"queue"}),
		ConsumerProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "consumer_processed_total", Help: "Total messages successfully processed",
		}, []string{"queue"}),
		ConsumerFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "consumer_failed_total", Help: "Total messages that failed handling or decoding",
		}, []string{"queue", "reason"}),
		ConsumerDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "consumer_duplicates_total", Help: "Total messages dropped as duplicates",
		}, []string{"queue"}),

		RouteMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "route_matches_total", Help: "Total route match outcomes",
		}, []string{"matched"}),
		RouteMatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Name: "route_match_duration_seconds", Help: "Route matching latency",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{}),

		TransformApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "transform_applied_total", Help: "Total transformation rule applications",
		}, []string{"rule", "status"}),
		TransformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "transform_errors_total", Help: "Total mapping/validation errors",
		}, []string{"rule", "kind"}),
		TransformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Name: "transform_duration_seconds", Help: "Transformation duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"rule"}),

		FanoutDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "fanout_deliveries_total", Help: "Total fan-out delivery attempts",
		}, []string{"client", "status"}),
		FanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Name: "fanout_delivery_duration_seconds", Help: "Fan-out delivery duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"client"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "circuit_breaker_state", Help: "Circuit breaker state (0=closed,1=half-open,2=open)",
		}, []string{"client"}),

		registry: registry,
	}

	registry.MustRegister(
		m.ConnectionState, m.ReconnectTotal,
		m.ConsumerReceived, m.ConsumerProcessed, m.ConsumerFailed, m.ConsumerDuplicates,
		m.RouteMatches, m.RouteMatchDuration,
		m.TransformApplied, m.TransformErrors, m.TransformDuration,
		m.FanoutDeliveries, m.FanoutDuration,
		m.CircuitBreakerState,
	)

	return &Monitor{config: cfg, metrics: m, registry: registry}
}

// GetHandler returns the Prometheus scrape handler.
func (mon *Monitor) GetHandler() http.Handler {
	if !mon.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(mon.registry, promhttp.HandlerOpts{})
}

// RecordConnectionState reports the Connection Manager's current state.
func (mon *Monitor) RecordConnectionState(broker string, state int) {
	if !mon.config.Enabled {
		return
	}
	mon.metrics.ConnectionState.WithLabelValues(broker).Set(float64(state))
}

// RecordReconnect reports a reconnect attempt and its outcome.
func (mon *Monitor) RecordReconnect(broker, outcome string) {
	if !mon.config.Enabled {
		return
	}
	mon.metrics.ReconnectTotal.WithLabelValues(broker, outcome).Inc()
}

// RecordConsumerReceived reports a message pulled off a queue.
func (mon *Monitor) RecordConsumerReceived(queue string) {
	if !mon.config.Enabled {
		return
	}
	mon.metrics.ConsumerReceived.WithLabelValues(queue).Inc()
}

// RecordConsumerOutcome reports the terminal outcome of handling one message.
func (mon *Monitor) RecordConsumerOutcome(queue, outcome, reason string) {
	if !mon.config.Enabled {
		return
	}
	switch outcome {
	case "processed":
		mon.metrics.ConsumerProcessed.WithLabelValues(queue).Inc()
	case "failed":
		mon.metrics.ConsumerFailed.WithLabelValues(queue, reason).Inc()
	case "duplicate":
		mon.metrics.ConsumerDuplicates.WithLabelValues(queue).Inc()
	}
}

// RecordRouteMatch reports one route-match decision and its latency.
func (mon *Monitor) RecordRouteMatch(matched bool, duration time.Duration) {
	if !mon.config.Enabled {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	mon.metrics.RouteMatches.WithLabelValues(label).Inc()
	mon.metrics.RouteMatchDuration.WithLabelValues().Observe(duration.Seconds())
}

// RecordTransform reports one rule application, its errors, and duration.
func (mon *Monitor) RecordTransform(rule string, success bool, errorKind string, duration time.Duration) {
	if !mon.config.Enabled {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	mon.metrics.TransformApplied.WithLabelValues(rule, status).Inc()
	if errorKind != "" {
		mon.metrics.TransformErrors.WithLabelValues(rule, errorKind).Inc()
	}
	mon.metrics.TransformDuration.WithLabelValues(rule).Observe(duration.Seconds())
}

// RecordFanoutDelivery reports one client delivery attempt.
func (mon *Monitor) RecordFanoutDelivery(client string, success bool, duration time.Duration) {
	if !mon.config.Enabled {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	mon.metrics.FanoutDeliveries.WithLabelValues(client, status).Inc()
	mon.metrics.FanoutDuration.WithLabelValues(client).Observe(duration.Seconds())
}

// RecordCircuitBreakerState reports a client's current breaker state.
func (mon *Monitor) RecordCircuitBreakerState(client string, state int) {
	if !mon.config.Enabled {
		return
	}
	mon.metrics.CircuitBreakerState.WithLabelValues(client).Set(float64(state))
}
