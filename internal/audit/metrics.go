package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	writtenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "entries_written_total",
		Help:      "Audit entries persisted by kind.",
	}, []string{"kind"}) // "query", "threat"

	failedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Audit entries abandoned after exhausting retries.",
	}, []string{"kind"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "write_retries_total",
		Help:      "Audit write attempts that were retried.",
	}, []string{"kind"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "entries_dropped_total",
		Help:      "Audit entries discarded before being written.",
	}, []string{"kind"})

	anchorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "anchor_total",
		Help:      "Threat entries by anchoring outcome.",
	}, []string{"outcome"}) // "anchored", "failed", "skipped"

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "queue_depth",
		Help:      "Audit entries waiting to be written.",
	})
)

func init() {
	prometheus.MustRegister(writtenTotal, failedTotal, retriesTotal, droppedTotal, anchorTotal, queueDepth)
}
