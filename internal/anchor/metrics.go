package anchor

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "anchor",
		Name:      "submissions_total",
		Help:      "ThreatLog transactions by submission outcome.",
	}, []string{"outcome"}) // "sent", "error"

	confirmationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "anchor",
		Name:      "confirmations_total",
		Help:      "Watched ThreatLog transactions by final outcome.",
	}, []string{"outcome"}) // "confirmed", "reverted", "timeout"
)

func init() {
	prometheus.MustRegister(submissionsTotal, confirmationsTotal)
}
