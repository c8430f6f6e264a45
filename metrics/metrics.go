// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	userOpsReceived = metrics.NewCounter("userops_received_total")
	userOpsAdmitted = metrics.NewCounter("userops_admitted_total")
	userOpsReplaced = metrics.NewCounter("userops_replaced_total")
	userOpsRejected = metrics.NewCounter("userops_rejected_total")
	userOpsExpired  = metrics.NewCounter("userops_expired_total")

	simulationsFailed = metrics.NewCounter("userops_simulation_failed_total")

	bundlesSubmitted = metrics.NewCounter("bundles_submitted_total")
	bundlesConfirmed = metrics.NewCounter("bundles_confirmed_total")
	bundlesFailed    = metrics.NewCounter("bundles_failed_total")
	bundleLockMissed = metrics.NewCounter("bundles_lock_missed_total")

	mempoolSizeValue         atomic.Int64
	lastBundleTimestampValue atomic.Int64

	_ = metrics.NewGauge("mempool_size", func() float64 {
		return float64(mempoolSizeValue.Load())
	})
	_ = metrics.NewGauge("bundles_last_submitted_timestamp_seconds", func() float64 {
		return float64(lastBundleTimestampValue.Load())
	})
)

func IncUserOpsReceived() {
	userOpsReceived.Inc()
}

func IncUserOpsAdmitted() {
	userOpsAdmitted.Inc()
}

func IncUserOpsReplaced() {
	userOpsReplaced.Inc()
}

func IncUserOpsRejected() {
	userOpsRejected.Inc()
}

func IncUserOpsExpired() {
	userOpsExpired.Inc()
}

func IncSimulationsFailed() {
	simulationsFailed.Inc()
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundlesConfirmed() {
	bundlesConfirmed.Inc()
}

func IncBundlesFailed() {
	bundlesFailed.Inc()
}

func IncBundleLockMissed() {
	bundleLockMissed.Inc()
}

func SetMempoolSize(size int64) {
	mempoolSizeValue.Store(size)
}

func SetLastBundleTimestamp(unixSeconds int64) {
	lastBundleTimestampValue.Store(unixSeconds)
}

func RecordRPCCallDuration(method string, duration int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method="%s"}`, method)).Update(float64(duration))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failure_total{method="%s"}`, method)).Inc()
}
