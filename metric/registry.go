package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/anatoleotman/pyacq/errors"
)

// Registry manages the platform metrics plus any component-specific
// collectors, all exported through one Prometheus registry.
type Registry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu         sync.RWMutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a registry with the core metrics and Go runtime
// collectors pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		Metrics:    NewMetrics(),
		registered: make(map[string]prometheus.Collector),
	}
	for _, c := range r.Metrics.collectors() {
		r.prom.MustRegister(c)
	}
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// Register adds a component-specific collector under component.name.
func (r *Registry) Register(component, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapLifecycle(
			fmt.Errorf("metric %s already registered", key),
			"Registry", "Register", "duplicate registration")
	}
	if err := r.prom.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapLifecycle(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for %s", key))
		}
		return errors.Wrap(err, "Registry", "Register", "register with prometheus")
	}
	r.registered[key] = collector
	return nil
}

// Unregister removes a component-specific collector. Reports whether the
// collector existed.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}
	delete(r.registered, key)
	return r.prom.Unregister(collector)
}
