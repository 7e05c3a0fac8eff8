package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewRegistersEveryInstrumentAndRecordsValues(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	meter := provider.Meter("txcore-test")

	core, err := New(meter)
	require.NoError(t, err)

	ctx := context.Background()
	core.TxStartedCounter.Add(ctx, 1)
	core.TxCommittedCounter.Add(ctx, 1)
	core.TxAbortedCounter.Add(ctx, 1)
	core.ActiveTxUpDown.Add(ctx, 1)
	core.LockWaitHistogram.Record(ctx, 5)
	core.DeadlocksCounter.Add(ctx, 1)
	core.ViolationsCounter.Add(ctx, 2)
	core.WALAppendLatencyHistogram.Record(ctx, 3)
	core.DSBReadLatencyHistogram.Record(ctx, 7)

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &data))

	names := map[string]bool{}
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{
		"txcore.tx.started_total",
		"txcore.tx.committed_total",
		"txcore.tx.aborted_total",
		"txcore.tx.active",
		"txcore.lock.wait_duration",
		"txcore.deadlock.detected_total",
		"txcore.lock.violations_total",
		"txcore.wal.append_duration",
		"txcore.dsb.read_duration",
	} {
		require.Contains(t, names, want)
	}
}
