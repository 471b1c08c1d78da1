package admission

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions by tier.",
	}, []string{"tier"}) // "ALLOW", "THROTTLE", "BLOCK"

	outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "admission",
		Name:      "outcomes_total",
		Help:      "Admission calls by outcome.",
	}, []string{"outcome"}) // "forwarded", "rejected", "invalid", "storage_failed", "forward_failed", "canceled"

	versionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "admission",
		Name:      "version_conflicts_total",
		Help:      "Optimistic upserts that lost a race and were retried.",
	})

	scoreDistribution = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "admission",
		Name:      "suspicion_score",
		Help:      "Suspicion score after each admission.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
	})

	admitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "admission",
		Name:      "decision_latency_seconds",
		Help:      "Time from request to decision, excluding the downstream call.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	verificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "admission",
		Name:      "verifications_total",
		Help:      "Human verification resets applied.",
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, outcomesTotal, versionConflicts, scoreDistribution, admitLatency, verificationsTotal)
}
