// Package metrics declares the OpenTelemetry instruments the transaction
// core reports through, grounded on the instrument-bundle pattern the
// teacher uses for its gRPC gateway (internal/telemetry/grpc_metric.go):
// one struct of named instruments, built once from a metric.Meter and
// threaded through as an explicit collaborator rather than read from a
// package-global.
package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// Core holds every instrument the transaction drivers (txn and calvin),
// deadlock detector and WAL bridge report through; lock waits are recorded
// by txn.Context, not by the lock manager itself.
type Core struct {
	TxStartedCounter  metric.Int64Counter
	TxCommittedCounter metric.Int64Counter
	TxAbortedCounter  metric.Int64Counter
	ActiveTxUpDown    metric.Int64UpDownCounter

	LockWaitHistogram metric.Int64Histogram
	DeadlocksCounter  metric.Int64Counter
	ViolationsCounter metric.Int64Counter

	WALAppendLatencyHistogram metric.Int64Histogram
	DSBReadLatencyHistogram   metric.Int64Histogram
}

// New creates and registers every instrument Core exposes.
func New(meter metric.Meter) (*Core, error) {
	txStarted, err := meter.Int64Counter(
		"txcore.tx.started_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	txCommitted, err := meter.Int64Counter(
		"txcore.tx.committed_total",
		metric.WithDescription("Total number of transactions that reached ENDED via COMMITTING."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	txAborted, err := meter.Int64Counter(
		"txcore.tx.aborted_total",
		metric.WithDescription("Total number of transactions that reached ENDED via ABORTING."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	activeTx, err := meter.Int64UpDownCounter(
		"txcore.tx.active",
		metric.WithDescription("Number of transactions currently owned by a strand."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	lockWait, err := meter.Int64Histogram(
		"txcore.lock.wait_duration",
		metric.WithDescription("Time a lock request spent queued before grant or cancellation."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	deadlocks, err := meter.Int64Counter(
		"txcore.deadlock.detected_total",
		metric.WithDescription("Total number of wait-for cycles detected."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	violations, err := meter.Int64Counter(
		"txcore.lock.violations_total",
		metric.WithDescription("Total number of conflicting requests admitted past a violable lock."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	walLatency, err := meter.Int64Histogram(
		"txcore.wal.append_duration",
		metric.WithDescription("Time from Bridge.Append call to durability callback."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	dsbLatency, err := meter.Int64Histogram(
		"txcore.dsb.read_duration",
		metric.WithDescription("Time from DSB read request to response."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Core{
		TxStartedCounter:          txStarted,
		TxCommittedCounter:        txCommitted,
		TxAbortedCounter:          txAborted,
		ActiveTxUpDown:            activeTx,
		LockWaitHistogram:         lockWait,
		DeadlocksCounter:          deadlocks,
		ViolationsCounter:         violations,
		WALAppendLatencyHistogram: walLatency,
		DSBReadLatencyHistogram:   dsbLatency,
	}, nil
}
