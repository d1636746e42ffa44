// Package metrics exposes Prometheus collectors for the extension host.
//
// All methods are safe to call on a nil *Metrics, so components can take an
// optional metrics dependency without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exthost"

// Outcome labels for calls and notifications.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeClosed  = "closed"
)

// Metrics holds the host's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	rpcCalls      *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	rpcInbound    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	extensions    *prometheus.GaugeVec
	schemaMerges  prometheus.Counter
	schemaFields  prometheus.Gauge
	patches       *prometheus.CounterVec
	reloads       *prometheus.CounterVec
}

// New creates a Metrics with a private registry. Go runtime and process
// collectors are registered alongside the host collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Outbound requests sent to extensions, by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound requests.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"method"}),
		rpcInbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "inbound_requests_total",
			Help:      "Requests received from extensions, by method and outcome.",
		}, []string{"method", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "notifications_total",
			Help:      "Notifications delivered to extensions, by method and outcome.",
		}, []string{"method", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "transitions_total",
			Help:      "Lifecycle state transitions.",
		}, []string{"from", "to"}),
		extensions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "state",
			Help:      "Number of extensions in each lifecycle state.",
		}, []string{"state"}),
		schemaMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "merges_total",
			Help:      "Full recomputations of the effective schema.",
		}),
		schemaFields: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "fields",
			Help:      "Number of field entries in the effective schema.",
		}),
		patches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "editor",
			Name:      "patches_total",
			Help:      "Patch operations applied to the editor mirror, by outcome.",
		}, []string{"outcome"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reloads, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rpcCalls,
		m.rpcDuration,
		m.rpcInbound,
		m.notifications,
		m.transitions,
		m.extensions,
		m.schemaMerges,
		m.schemaFields,
		m.patches,
		m.reloads,
	)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCall records one outbound request.
func (m *Metrics) ObserveCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(method, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveInbound records one request received from an extension.
func (m *Metrics) ObserveInbound(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcInbound.WithLabelValues(method, outcome).Inc()
}

// ObserveNotification records one notification delivery attempt.
func (m *Metrics) ObserveNotification(method, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(method, outcome).Inc()
}

// ObserveTransition records a lifecycle transition and moves the
// per-state gauge.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.extensions.WithLabelValues(from).Dec()
	}
	m.extensions.WithLabelValues(to).Inc()
}

// ObserveMerge records a schema recomputation producing fields entries.
func (m *Metrics) ObserveMerge(fields int) {
	if m == nil {
		return
	}
	m.schemaMerges.Inc()
	m.schemaFields.Set(float64(fields))
}

// ObservePatch records one patch operation outcome.
func (m *Metrics) ObservePatch(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.patches.WithLabelValues(OutcomeOK).Inc()
		return
	}
	m.patches.WithLabelValues(OutcomeError).Inc()
}

// ObserveReload records one configuration reload outcome.
func (m *Metrics) ObserveReload(outcome string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(outcome).Inc()
}
