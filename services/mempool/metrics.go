package mempool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusMempoolSize    prometheus.Gauge
	prometheusMempoolBytes   prometheus.Gauge
	prometheusMempoolRemoved *prometheus.CounterVec
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusMempoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainvalidator",
			Subsystem: "mempool",
			Name:      "transactions",
			Help:      "Number of transactions in the mempool",
		},
	)

	prometheusMempoolBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainvalidator",
			Subsystem: "mempool",
			Name:      "bytes",
			Help:      "Total size of the transactions in the mempool",
		},
	)

	prometheusMempoolRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "mempool",
			Name:      "removed",
			Help:      "Number of transactions removed from the mempool, by reason",
		},
		[]string{"reason"},
	)
}
