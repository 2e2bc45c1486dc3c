// Package metrics exposes relay counters and the live connection gauge.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// knownEvents are the event names the relay itself defines. Anything else is
// producer-chosen and counted under otherEvent.
var knownEvents = map[string]bool{
	protocol.EventAuthorized:         true,
	protocol.EventExpired:            true,
	protocol.EventDenied:             true,
	protocol.EventState:              true,
	protocol.EventTranslationUpdated: true,
	protocol.EventError:              true,
}

const otherEvent = "other"

// Gauge is a process-wide count of open streaming connections.
type Gauge struct {
	n atomic.Int64
}

func (g *Gauge) Inc()         { g.n.Add(1) }
func (g *Gauge) Dec()         { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }

// Metrics groups the relay's Prometheus collectors behind a private registry.
type Metrics struct {
	Active *Gauge

	registry  *prometheus.Registry
	sessions  *prometheus.CounterVec
	delivered *prometheus.CounterVec
	malformed *prometheus.CounterVec
	closed    *prometheus.CounterVec
	published prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Active:   &Gauge{},
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Streaming sessions admitted, by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_delivered_total",
			Help: "Events written to clients, by kind and event name (unknown names as \"other\").",
		}, []string{"kind", "event"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_malformed_messages_total",
			Help: "Backbone messages dropped because they could not be decoded.",
		}, []string{"kind"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Sessions closed, by kind and reason.",
		}, []string{"kind", "reason"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Messages accepted on the publish endpoint.",
		}),
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Currently open streaming connections.",
	}, func() float64 { return float64(m.Active.Value()) })

	m.registry.MustRegister(
		active,
		m.sessions,
		m.delivered,
		m.malformed,
		m.closed,
		m.published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SessionOpened(kind string) { m.sessions.WithLabelValues(kind).Inc() }

func (m *Metrics) EventDelivered(kind, event string) {
	if !knownEvents[event] {
		event = otherEvent
	}
	m.delivered.WithLabelValues(kind, event).Inc()
}

func (m *Metrics) MalformedMessage(kind string) { m.malformed.WithLabelValues(kind).Inc() }

func (m *Metrics) SessionClosed(kind, reason string) {
	m.closed.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) Published() { m.published.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
