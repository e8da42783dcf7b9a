package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queueWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "queue",
			Name:      "waiting",
			Help:      "Tickets waiting for admission",
		},
		[]string{"model"},
	)

	queueProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "queue",
			Name:      "processing",
			Help:      "Tickets currently admitted",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(queueWaiting, queueProcessing)
}

func observeQueue(model string, waiting, processing int) {
	queueWaiting.WithLabelValues(model).Set(float64(waiting))
	queueProcessing.WithLabelValues(model).Set(float64(processing))
}
