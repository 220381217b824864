package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the dispatch engine and worker collectors.
type Metrics struct {
	jobs           *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	polls          *prometheus.CounterVec
	workerItems    *prometheus.CounterVec
	noCapacity     prometheus.Counter
	backendResolve *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gocumulus",
				Subsystem: "dispatch",
				Name:      "jobs_total",
				Help:      "Jobs that reached a terminal status",
			}, []string{"type", "status", "error_class"}),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gocumulus",
				Subsystem: "dispatch",
				Name:      "job_duration_seconds",
				Help:      "Time from receipt to terminal status",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 18),
			}, []string{"type"}),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gocumulus",
				Subsystem: "dispatch",
				Name:      "jobs_in_flight",
				Help:      "Jobs accepted but not yet terminal",
			}),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gocumulus",
				Subsystem: "dispatch",
				Name:      "completion_polls_total",
				Help:      "Completion polls issued for delegated jobs",
			}, []string{"queue"}),
		workerItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gocumulus",
				Subsystem: "worker",
				Name:      "items_total",
				Help:      "Work items a worker finished, by status",
			}, []string{"status"}),
		noCapacity: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gocumulus",
				Subsystem: "dispatch",
				Name:      "no_capacity_total",
				Help:      "Remote jobs that found too few idle nodes",
			}),
		backendResolve: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gocumulus",
				Subsystem: "dispatch",
				Name:      "backend_resolutions_total",
				Help:      "Backend factory calls, by kind and outcome",
			}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.jobDuration, m.inFlight, m.polls, m.workerItems, m.noCapacity, m.backendResolve)
	}
	return m
}

func (m *Metrics) resolved(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.backendResolve.WithLabelValues(kind, outcome).Inc()
}
