// Package metrics exposes the process Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the collectors served on /metrics: HTTP metrics, Go runtime
// metrics and whatever the application adds.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry with the HTTP and runtime collectors plus extra.
func NewRegistry(extra ...prometheus.Collector) (*Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(httpRequestDuration, httpRequestsTotal, httpRequestsInFlight)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, collector := range extra {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return &Registry{registry: reg}, nil
}

// Register adds a collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
