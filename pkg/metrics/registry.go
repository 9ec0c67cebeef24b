// Package metrics provides optional Prometheus instrumentation for the
// backup/restore orchestrator. Metrics are entirely opt-in: until
// InitRegistry is called, IsEnabled reports false and every constructor in
// this package returns nil, so callers that thread a *Metrics through their
// call chain pay zero overhead when metrics are disabled.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry creates and installs the process-wide metrics registry,
// enabling metrics collection. Safe to call more than once; later calls
// return the existing registry.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil if metrics were
// never enabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}
