// Package observability exposes the process's Prometheus registry and the
// handful of cross-cutting counters shared by every HTTP surface.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the central Prometheus registry plus three ambient counters:
// inbound requests by route/status, tunnel events by kind and domain
// membership operations by result. They are registered and exposed, but no
// transport in this module increments them. Domain-specific counters
// (maintenance job runs, lease skips, ...) register themselves against the
// same Registerer.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	TunnelEvents   *prometheus.CounterVec
	DomainNodeOps  *prometheus.CounterVec
}

// New creates a fresh registry and registers the ambient counters on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodehub_http_requests_total",
			Help: "HTTP requests handled, by route and status class.",
		}, []string{"route", "status"}),
		TunnelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodehub_tunnel_events_total",
			Help: "Tunnel webhook events processed, by event type and outcome.",
		}, []string{"event", "outcome"}),
		DomainNodeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodehub_domain_node_ops_total",
			Help: "Domain membership mutations, by operation and result code.",
		}, []string{"op", "result"}),
	}

	reg.MustRegister(m.RequestsTotal, m.TunnelEvents, m.DomainNodeOps)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
