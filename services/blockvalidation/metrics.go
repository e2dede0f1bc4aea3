// Package blockvalidation implements the block validation engine: the pipeline that takes
// blocks and transactions received from peers or read from disk, validates them against the
// consensus rules and moves the active chain.
//
// The engine provides:
//
// - Out of order delivery: blocks with an unknown parent wait as orphans until it arrives
// - Header-only submissions that extend the header chain ahead of the block data
// - Parallel signature and UTXO checks, split into chunks per block
// - Automatic repair of short reorganisations, with mempool reinsertion
// - Reference counted settings handles to tune and wait for each submission
//
// All decisions that change the chain, the block tree or the mempool are taken on a single
// strand. Everything else runs on a worker pool.
package blockvalidation

import (
	"sync"

	"github.com/bsv-blockchain/chainvalidator/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusBlockValidationHeadersInFlight prometheus.Gauge
	prometheusBlockValidationBlocksInFlight  prometheus.Gauge
	prometheusBlockValidationOrphans         prometheus.Gauge

	// block validation
	prometheusBlockValidationValidateBlock prometheus.Histogram
	prometheusBlockValidationChunk         prometheus.Histogram
	prometheusBlockValidationAccepted      prometheus.Counter
	prometheusBlockValidationRejected      *prometheus.CounterVec
	prometheusBlockValidationFailed        *prometheus.CounterVec

	// chain changes
	prometheusBlockValidationDisconnected prometheus.Counter
	prometheusBlockValidationReorgDepth   prometheus.Histogram

	prometheusBlockValidationTransactions prometheus.Histogram
)

var (
	prometheusMetricsInitOnce sync.Once
)

// initPrometheusMetrics initializes all the Prometheus metrics for the block validation engine.
// This function uses sync.Once to ensure metrics are only initialized once,
// regardless of how many engines are created.
func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusBlockValidationHeadersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "headers_in_flight",
			Help:      "Number of submitted headers whose header checks have not finished",
		},
	)

	prometheusBlockValidationBlocksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "blocks_in_flight",
			Help:      "Number of blocks being validated",
		},
	)

	prometheusBlockValidationOrphans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "orphans",
			Help:      "Number of blocks waiting for their parent",
		},
	)

	prometheusBlockValidationValidateBlock = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "validate_block",
			Help:      "Histogram of the time from submission until a block is connected or rejected",
			Buckets:   util.MetricsBucketsMilliSeconds,
		},
	)

	prometheusBlockValidationChunk = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "check_signatures_chunk",
			Help:      "Histogram of the time spent checking one chunk of transactions",
			Buckets:   util.MetricsBucketsMilliSeconds,
		},
	)

	prometheusBlockValidationAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "blocks_connected",
			Help:      "Number of blocks connected to the active chain",
		},
	)

	prometheusBlockValidationRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "blocks_rejected",
			Help:      "Number of blocks found invalid, by reject reason",
		},
		[]string{"reason"},
	)

	prometheusBlockValidationFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "submissions_failed",
			Help:      "Number of submissions that finished with an error, by error category",
		},
		[]string{"category"},
	)

	prometheusBlockValidationDisconnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "blocks_disconnected",
			Help:      "Number of blocks disconnected from the active chain",
		},
	)

	prometheusBlockValidationReorgDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "reorg_depth",
			Help:      "Histogram of the number of blocks disconnected per reorganisation",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 10, 20, 50, 100},
		},
	)

	prometheusBlockValidationTransactions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chainvalidator",
			Subsystem: "blockvalidation",
			Name:      "block_transactions",
			Help:      "Histogram of the number of transactions per connected block",
			Buckets:   util.MetricsBucketsTxCount,
		},
	)
}
