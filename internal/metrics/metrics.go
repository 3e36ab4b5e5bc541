package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketplace_orders"

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
	Reconciliations *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	GatewayMS       *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	buckets := []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   buckets,
		}, []string{"route"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Lazy gateway reconciliations of pending orders by outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Applied order status transitions by target status.",
		}, []string{"to"}),
		GatewayMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_ms",
			Help:      "Payment gateway call latency in milliseconds.",
			Buckets:   buckets,
		}, []string{"operation", "result"}),
		gatherer: gatherer,
	}

	reg.MustRegister(m.Requests, m.LatencyMS, m.Reconciliations, m.Transitions, m.GatewayMS)
	return m
}

// NewDefault registers on the process-wide prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(route).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveReconciliation(outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveGateway(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GatewayMS.WithLabelValues(operation, result).Observe(float64(d.Milliseconds()))
}
