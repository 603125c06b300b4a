package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grocer_orders"

// Metrics holds the order and delivery collectors
type Metrics struct {
	Transitions        *prometheus.CounterVec
	NotificationWrites *prometheus.CounterVec
	Pushes             *prometheus.CounterVec
	LiveSessions       prometheus.Gauge
	Requests           *prometheus.CounterVec
	LatencyMS          *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg gets a
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Committed order item status transitions.",
		}, []string{"to"}),
		NotificationWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "writes_total",
			Help:      "Notification ledger appends by result.",
		}, []string{"type", "result"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "messages_total",
			Help:      "Push channel messages by result.",
		}, []string{"result"}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "live_sessions",
			Help:      "Currently registered push sessions.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Transitions,
		m.NotificationWrites,
		m.Pushes,
		m.LiveSessions,
		m.Requests,
		m.LatencyMS,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultDelivered = "delivered"
	ResultDropped   = "dropped"
)
