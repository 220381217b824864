package observability

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrMetricsDisabled is returned by MetricsHandler before InitMetrics.
var ErrMetricsDisabled = errors.New("metrics registry not initialized")

var (
	metricsMu sync.Mutex

	// Registry collects every gocumulus metric. Nil until InitMetrics.
	Registry *prometheus.Registry
)

// InitMetrics creates Registry with the Go runtime and process collectors.
// Calling it again returns the existing registry.
func InitMetrics() *prometheus.Registry {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if Registry == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		Registry = reg
	}
	return Registry
}

// MetricsHandler serves Registry in the prometheus exposition format.
func MetricsHandler() (http.Handler, error) {
	metricsMu.Lock()
	reg := Registry
	metricsMu.Unlock()
	if reg == nil {
		return nil, ErrMetricsDisabled
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), nil
}

// CheckMetrics reports whether the registry can be gathered.
func CheckMetrics() error {
	metricsMu.Lock()
	reg := Registry
	metricsMu.Unlock()
	if reg == nil {
		return ErrMetricsDisabled
	}
	_, err := reg.Gather()
	return err
}
