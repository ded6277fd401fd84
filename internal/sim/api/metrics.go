package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the Prometheus collectors of the simulated API.
type Metrics struct {
	Requests          *prometheus.CounterVec
	Duration          *prometheus.HistogramVec
	SignatureFailures prometheus.Counter
	MachinesLaunched  prometheus.Counter
	MachinesKilled    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "instantcloud_sim",
			Name:      "requests_total",
			Help:      "API requests by command and HTTP status code.",
		}, []string{"command", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "instantcloud_sim",
			Name:      "request_duration_seconds",
			Help:      "API request latency by command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		SignatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instantcloud_sim",
			Name:      "auth_failures_total",
			Help:      "Requests rejected for a missing or invalid signature.",
		}),
		MachinesLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instantcloud_sim",
			Name:      "machines_launched_total",
			Help:      "Machines created by launch requests.",
		}),
		MachinesKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instantcloud_sim",
			Name:      "machines_killed_total",
			Help:      "Machines returned by kill requests.",
		}),
	}
	reg.MustRegister(m.Requests, m.Duration, m.SignatureFailures, m.MachinesLaunched, m.MachinesKilled)
	return m
}

// RegisterMetrics registers the Prometheus handler for g in the provided mux.
func RegisterMetrics(mux *http.ServeMux, g prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
