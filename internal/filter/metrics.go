package filter

import "github.com/prometheus/client_golang/prometheus"

var verdicts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "filter",
		Name:      "verdicts_total",
		Help:      "Filter runs by modality and verdict",
	},
	[]string{"modality", "verdict"},
)

func init() {
	prometheus.MustRegister(verdicts)
}

func observeVerdict(modality, action string, err error) {
	if err != nil {
		action = "error"
	}
	verdicts.WithLabelValues(modality, action).Inc()
}
