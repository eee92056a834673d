package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"material-market/internal/models"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Order metrics
	OrdersSubmitted *prometheus.CounterVec

	// Matching metrics
	ChangeEvents     *prometheus.CounterVec
	MatchOutcomes    *prometheus.CounterVec
	SettlementAborts prometheus.Counter

	// Fill metrics
	FillsTotal *prometheus.CounterVec
	FillVolume *prometheus.CounterVec
	FillValue  *prometheus.CounterVec

	// Store metrics
	StoreOpDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
}

// New creates all application metrics and registers them with reg. A
// *prometheus.Registry is also used as the gatherer behind Handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		OrdersSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_submitted_total",
				Help: "Total number of orders accepted for submission",
			},
			[]string{"material", "side"},
		),

		ChangeEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "change_events_total",
				Help: "Change events processed by disposition",
			},
			[]string{"disposition"},
		),
		MatchOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_rounds_total",
				Help: "Match rounds by final state",
			},
			[]string{"state"},
		),
		SettlementAborts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_aborts_total",
				Help: "Settlements discarded because a condition no longer held",
			},
		),

		FillsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fills_total",
				Help: "Total number of fills committed",
			},
			[]string{"material"},
		),
		FillVolume: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fill_volume_total",
				Help: "Total filled quantity by material",
			},
			[]string{"material"},
		),
		FillValue: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fill_value_total",
				Help: "Total filled value in price ticks by material",
			},
			[]string{"material"},
		),

		StoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Order store operation latency in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "result"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections_active",
				Help: "Current number of active WebSocket connections",
			},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordOrderSubmitted records an accepted order.
func (m *Metrics) RecordOrderSubmitted(material string, side models.Side) {
	m.OrdersSubmitted.WithLabelValues(material, string(side)).Inc()
}

// ObserveEvent records a change event's disposition.
func (m *Metrics) ObserveEvent(disposition string) {
	m.ChangeEvents.WithLabelValues(disposition).Inc()
}

// ObserveMatch records the state a match round ended in. Aborted rounds
// also count as settlement aborts.
func (m *Metrics) ObserveMatch(state string) {
	m.MatchOutcomes.WithLabelValues(state).Inc()
	if state == "aborted" {
		m.SettlementAborts.Inc()
	}
}

// ObserveStoreOp records an order store call.
func (m *Metrics) ObserveStoreOp(op, result string, d time.Duration) {
	m.StoreOpDuration.WithLabelValues(op, result).Observe(d.Seconds())
}

// RecordFill records a committed fill.
func (m *Metrics) RecordFill(_ context.Context, f *models.Fill) error {
	m.FillsTotal.WithLabelValues(f.Material).Inc()
	m.FillVolume.WithLabelValues(f.Material).Add(float64(f.Quantity))
	m.FillValue.WithLabelValues(f.Material).Add(float64(f.TotalCost))
	return nil
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func (m *Metrics) WSConnected() {
	m.WSConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	m.WSConnections.Dec()
}
