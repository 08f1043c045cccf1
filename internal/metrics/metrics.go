// Package metrics exposes the gateway's Prometheus counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter the gateway exports, so components depend
// on one small struct instead of reaching for package-level globals.
type Registry struct {
	ProxyRequestsTotal  *prometheus.CounterVec
	PolicyFetchTotal    *prometheus.CounterVec
	ExecutionsTotal     *prometheus.CounterVec
}

// NewRegistry constructs and registers every counter against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxgate_proxy_requests_total",
			Help: "Proxied egress attempts, partitioned by whether they were blocked.",
		}, []string{"blocked"}),
		PolicyFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxgate_policy_fetch_total",
			Help: "PolicyCache.Fetch outcomes, partitioned by whether the fetch was ok.",
		}, []string{"ok"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxgate_executions_total",
			Help: "Completed ExecutionCoordinator.Execute calls, partitioned by success.",
		}, []string{"success"}),
	}

	reg.MustRegister(r.ProxyRequestsTotal, r.PolicyFetchTotal, r.ExecutionsTotal)
	return r
}

// NewUnregistered builds a Registry backed by a private registry, for
// tests and callers that don't want global registration side effects.
func NewUnregistered() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewRegistry(reg), reg
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ObserveProxyRequest records one proxied request outcome.
func (r *Registry) ObserveProxyRequest(blocked bool) {
	if r == nil {
		return
	}
	r.ProxyRequestsTotal.WithLabelValues(boolLabel(blocked)).Inc()
}

// ObservePolicyFetch records one PolicyCache.Fetch outcome.
func (r *Registry) ObservePolicyFetch(ok bool) {
	if r == nil {
		return
	}
	r.PolicyFetchTotal.WithLabelValues(boolLabel(ok)).Inc()
}

// ObserveExecution records one completed execution.
func (r *Registry) ObserveExecution(success bool) {
	if r == nil {
		return
	}
	r.ExecutionsTotal.WithLabelValues(boolLabel(success)).Inc()
}
