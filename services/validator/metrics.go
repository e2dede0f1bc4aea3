package validator

import (
	"sync"

	"github.com/bsv-blockchain/chainvalidator/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// prometheusTransactionsAccepted counts transactions accepted to the mempool
	prometheusTransactionsAccepted prometheus.Counter

	// prometheusTransactionsRejected counts rejected transactions by reject code
	prometheusTransactionsRejected *prometheus.CounterVec

	// prometheusAcceptToMemoryPool measures a single mempool acceptance
	prometheusAcceptToMemoryPool prometheus.Histogram

	prometheusOrphans        prometheus.Gauge
	prometheusOrphansEvicted *prometheus.CounterVec

	prometheusDoubleSpendProofs prometheus.Counter
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusTransactionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "validator",
			Name:      "transactions_accepted",
			Help:      "Number of transactions accepted to the mempool",
		},
	)

	prometheusTransactionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "validator",
			Name:      "transactions_rejected",
			Help:      "Number of transactions rejected, by reject code",
		},
		[]string{"code"},
	)

	prometheusAcceptToMemoryPool = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chainvalidator",
			Subsystem: "validator",
			Name:      "accept_to_mempool",
			Help:      "Histogram of mempool acceptance",
			Buckets:   util.MetricsBucketsMicroSeconds,
		},
	)

	prometheusOrphans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainvalidator",
			Subsystem: "validator",
			Name:      "orphan_transactions",
			Help:      "Number of transactions in the orphan pool",
		},
	)

	prometheusOrphansEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "validator",
			Name:      "orphan_transactions_evicted",
			Help:      "Number of orphan transactions evicted, by reason",
		},
		[]string{"reason"},
	)

	prometheusDoubleSpendProofs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "validator",
			Name:      "double_spend_proofs",
			Help:      "Number of double spend proofs created",
		},
	)
}
