package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	admissionWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Name:      "admission_wait_seconds",
			Help:      "Time tickets spend waiting for admission",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	tokensDebited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "tokens_debited_total",
			Help:      "Balance debited from API keys",
		},
		[]string{"model", "direction"},
	)

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "tool_calls_total",
			Help:      "Tool calls found in generated text",
		},
		[]string{"tool", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(admissionWait, tokensDebited, toolCalls)
}
