package downstream

import "github.com/prometheus/client_golang/prometheus"

var (
	forwardTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "downstream",
		Name:      "requests_total",
		Help:      "Forwarded prompts by outcome.",
	}, []string{"outcome"}) // "success", "error", "circuit_open", "canceled"

	forwardLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "downstream",
		Name:      "request_duration_seconds",
		Help:      "Downstream generation latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(forwardTotal, forwardLatency)
}
