package deadlock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/metrics"
)

// VictimFunc is invoked, at most once per detected cycle per pass, with the
// xid chosen to break that cycle. The lock manager implements this to fail
// the victim's pending acquire request with EC_VICTIM (spec.md §4.3).
type VictimFunc func(victim id.XID)

// Detector periodically scans a Graph for cycles and selects a victim per
// cycle, on a configurable interval (spec.md §4.3).
type Detector struct {
	graph    *Graph
	interval time.Duration
	onVictim VictimFunc
	metrics  *metrics.Core
	log      *zap.Logger
}

// NewDetector constructs a Detector bound to graph, scanning every interval
// and reporting victims through onVictim. m may be nil, the same way every
// other collaborator's metrics dependency is optional.
func NewDetector(graph *Graph, interval time.Duration, onVictim VictimFunc, m *metrics.Core, log *zap.Logger) *Detector {
	return &Detector{graph: graph, interval: interval, onVictim: onVictim, metrics: m, log: log}
}

// Run scans on a ticker until ctx is cancelled. Intended to be started in
// its own goroutine by the process composition root (cmd/txcore_node).
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanOnce()
		}
	}
}

// scanOnce performs a single detection pass: at most one victim per
// detected cycle (spec.md §4.3 contract). Re-evaluation of the rest of that
// cycle happens on the next pass, after the victim's locks are released.
func (d *Detector) scanOnce() {
	cycles := d.graph.FindCycles()
	for _, cycle := range cycles {
		v := Victim(cycle)
		if d.log != nil {
			d.log.Warn("deadlock detected", zap.Uint64("victim_xid", uint64(v)), zap.Int("cycle_len", len(cycle)))
		}
		if d.metrics != nil {
			d.metrics.DeadlocksCounter.Add(context.Background(), 1)
		}
		if d.onVictim != nil {
			d.onVictim(v)
		}
	}
}

// ScanOnceForTest exposes a single detection pass without starting a
// goroutine, so tests can drive the detector deterministically.
func (d *Detector) ScanOnceForTest() {
	d.scanOnce()
}
