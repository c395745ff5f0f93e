package summarize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts summarization outcomes. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	summaries *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the summarization collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		summaries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docdigest_summaries_total",
			Help: "Summarized items by content kind and outcome",
		}, []string{"kind", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docdigest_summary_retries_total",
			Help: "Backoff retries after rate-limited model calls",
		}, []string{"kind"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docdigest_summary_duration_seconds",
			Help:    "Time to resolve one item, backoff included",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
	}
}

func (m *Metrics) observe(kind Kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.summaries.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(seconds)
}

func (m *Metrics) retried(kind Kind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(kind)).Inc()
}
