package collector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record kinds used as the "kind" label.
const (
	KindSession        = "session"
	KindSessionUpdate  = "session_update"
	KindPageView       = "pageview"
	KindPageViewUpdate = "pageview_update"
	KindAction         = "action"
)

// Metrics counts accepted and failed records on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	records  *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewMetrics registers the record counters on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visitor",
			Subsystem: "collector",
			Name:      "records_total",
			Help:      "Records accepted by the collector.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visitor",
			Subsystem: "collector",
			Name:      "errors_total",
			Help:      "Rejected or failed collector calls.",
		}, []string{"kind", "reason"}),
	}
	m.registry.MustRegister(
		m.records,
		m.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) recordAccepted(kind string) {
	m.records.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordError(kind, reason string) {
	m.errors.WithLabelValues(kind, reason).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for callers adding their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
