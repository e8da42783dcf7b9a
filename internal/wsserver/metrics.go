package wsserver

import "github.com/prometheus/client_golang/prometheus"

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Open websocket connections",
	})

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "Logical messages received, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, messagesTotal)
}
