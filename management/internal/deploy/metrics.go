package deploy

import "github.com/prometheus/client_golang/prometheus"

// Deployment outcomes recorded per gateway attempt.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

type Metrics struct {
	Deployments *prometheus.CounterVec
	Errors      *prometheus.CounterVec
	Duration    prometheus.Histogram
}

// NewMetrics registers the deployment collectors on reg. A nil reg leaves them
// unregistered, which tests use to read counters without a global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_deployments_total",
			Help: "Deployment requests sent to the client gateway, by outcome.",
		}, []string{"outcome"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_deployment_errors_total",
			Help: "Deployment errors by type.",
		}, []string{"error_type"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "management_deployment_duration_seconds",
			Help:    "Duration of deployment requests.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Deployments, m.Errors, m.Duration)
	}
	return m
}
