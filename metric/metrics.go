// Package metric collects the runtime's prometheus metrics: event
// dispatch, queue depth, pattern expansion and query answering.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors of the runtime.
type Metrics struct {
	registry *prometheus.Registry

	EventsDispatched prometheus.Counter
	EventsDropped    prometheus.Counter
	QueueLen         prometheus.Gauge
	DispatchDuration prometheus.Histogram

	PatternApplications prometheus.Counter
	QueryMatches        *prometheus.CounterVec
	SRGNodes            prometheus.Gauge
	SRGEdges            prometheus.Gauge

	Components prometheus.Gauge
	Clients    prometheus.Gauge
}

// New creates all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "utdataflow",
			Subsystem: "queue",
			Name:      "events_dispatched_total",
			Help:      "Total number of dispatched push events",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "utdataflow",
			Subsystem: "queue",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped due to receiver queue caps",
		}),
		QueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "utdataflow",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Current number of queued events",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "utdataflow",
			Subsystem: "queue",
			Name:      "dispatch_duration_seconds",
			Help:      "Event handler execution time",
			Buckets:   prometheus.DefBuckets,
		}),

		PatternApplications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "utdataflow",
			Subsystem: "srg",
			Name:      "pattern_applications_total",
			Help:      "Total number of instantiated pattern matchings",
		}),
		QueryMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "utdataflow",
			Subsystem: "srg",
			Name:      "query_matches_total",
			Help:      "Total number of query matchings, by query name",
		}, []string{"query"}),
		SRGNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "utdataflow",
			Subsystem: "srg",
			Name:      "nodes",
			Help:      "Current number of SRG nodes",
		}),
		SRGEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "utdataflow",
			Subsystem: "srg",
			Name:      "edges",
			Help:      "Current number of SRG edges",
		}),

		Components: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "utdataflow",
			Subsystem: "network",
			Name:      "components",
			Help:      "Current number of instantiated dataflow components",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "utdataflow",
			Subsystem: "server",
			Name:      "clients",
			Help:      "Current number of connected clients",
		}),
	}

	m.registry.MustRegister(
		m.EventsDispatched, m.EventsDropped, m.QueueLen, m.DispatchDuration,
		m.PatternApplications, m.QueryMatches, m.SRGNodes, m.SRGEdges,
		m.Components, m.Clients,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventDispatched implements the event queue's metrics hook.
func (m *Metrics) EventDispatched(d time.Duration) {
	m.EventsDispatched.Inc()
	m.DispatchDuration.Observe(d.Seconds())
}

// EventDropped implements the event queue's metrics hook.
func (m *Metrics) EventDropped() {
	m.EventsDropped.Inc()
}

// QueueLength implements the event queue's metrics hook.
func (m *Metrics) QueueLength(n int) {
	m.QueueLen.Set(float64(n))
}
