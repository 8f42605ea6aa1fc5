package interlink

import "github.com/prometheus/client_golang/prometheus"

const (
	errSimilarity     = "similarity_calculation"
	errLinkGeneration = "link_generation"
	errPageProcessing = "page_processing"
	errCache          = "cache"
	errTaskCreation   = "task_creation"
)

type Metrics struct {
	Generated     *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	SemanticCalls *prometheus.CounterVec
	Duration      prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Generated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_interlinks_generated_total",
			Help: "Internal links proposed, by project.",
		}, []string{"project_id"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_interlink_errors_total",
			Help: "Interlink generation errors by type.",
		}, []string{"error_type"}),
		SemanticCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_interlink_semantic_calls_total",
			Help: "Semantic service lookups by endpoint and cache outcome.",
		}, []string{"endpoint", "cached"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "management_interlink_generation_duration_seconds",
			Help:    "Duration of project-wide interlink generation.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Generated, m.Errors, m.SemanticCalls, m.Duration)
	}
	return m
}
