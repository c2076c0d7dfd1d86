// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommand = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstore_command_duration_seconds",
			Help:    "Duration of fetch and store commands, by result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"cmd",
			"result",
		},
	)
	metricFetchRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstore_fetch_records_total",
			Help: "Number of records processed by fetch, by result: ok, notfound.",
		},
		[]string{
			"result",
		},
	)
	metricStoreRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstore_store_records_total",
			Help: "Number of records processed by store, by outcome: updated, unchanged, conflict, skipped, notfound.",
		},
		[]string{
			"outcome",
		},
	)
	metricStoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailstore_store_cas_retries_total",
			Help: "Number of times a label change was retried after a concurrent modification of the same message.",
		},
	)
	metricDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailstore_binary_decode_errors_total",
			Help: "Number of binary sections that could not be decoded due to an invalid content-transfer-encoding.",
		},
	)
)

// CommandObserve tracks the duration of a command.
func CommandObserve(cmd, result string, start time.Time) {
	metricCommand.WithLabelValues(cmd, result).Observe(float64(time.Since(start)) / float64(time.Second))
}

func FetchRecordInc(result string) {
	metricFetchRecords.WithLabelValues(result).Inc()
}

func StoreRecordInc(outcome string) {
	metricStoreRecords.WithLabelValues(outcome).Inc()
}

func StoreRetryInc() {
	metricStoreRetries.Inc()
}

func DecodeErrorInc() {
	metricDecodeErrors.Inc()
}
