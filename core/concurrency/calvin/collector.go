package calvin

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/dsb"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lockmgr"
	"github.com/shardtx/txcore/core/concurrency/metrics"
	"github.com/shardtx/txcore/core/concurrency/txn"
	"github.com/shardtx/txcore/core/concurrency/wal"
)

// ResultFunc receives one transaction's outcome once its batch is durable.
type ResultFunc func(txn.Response)

// Collector tracks which caller is waiting on which in-flight transaction
// and fans out each Scheduler.RunBatch result to the right one (spec.md
// §4.7 "Collector"). Once a request is sealed into a Batch it carries no
// trace back to whoever submitted it — registration has to happen before
// Sequencer.Submit, not after.
type Collector struct {
	mu      sync.Mutex
	waiters map[id.XID]ResultFunc
	log     *zap.Logger
}

// NewCollector returns an empty Collector.
func NewCollector(log *zap.Logger) *Collector {
	return &Collector{waiters: make(map[id.XID]ResultFunc), log: log}
}

// Await registers fn to receive xid's eventual response.
func (col *Collector) Await(xid id.XID, fn ResultFunc) {
	col.mu.Lock()
	col.waiters[xid] = fn
	col.mu.Unlock()
}

// Deliver dispatches every response from a just-executed batch to its
// registered waiter. Scheduler.RunBatch has already blocked on each
// transaction's WAL append before returning a response, so every response
// reaching Deliver is already durable — this aggregates, it does not wait.
func (col *Collector) Deliver(responses []txn.Response) {
	for _, resp := range responses {
		col.mu.Lock()
		fn, ok := col.waiters[resp.XID]
		if ok {
			delete(col.waiters, resp.XID)
		}
		col.mu.Unlock()
		if !ok {
			if col.log != nil {
				col.log.Warn("calvin result for unregistered xid", zap.Uint64("xid", uint64(resp.XID)))
			}
			continue
		}
		fn(resp)
	}
}

// Pipeline wires a Sequencer's sealed batches through a Scheduler and back
// out through a Collector — the composition cmd/txcore_node builds when
// config.Deterministic selects the Calvin path over the non-deterministic
// one (spec.md §9's "runtime configuration with three execution
// strategies").
type Pipeline struct {
	Sequencer *Sequencer
	Scheduler *Scheduler
	Collector *Collector
}

// NewPipeline constructs a Pipeline whose Scheduler shares lockMgr, access,
// dsbClient and bridge with the node's non-deterministic path — a Calvin
// transaction and a two-phase one still contend for the same rows through
// the same collaborators.
func NewPipeline(epoch time.Duration, lockMgr *lockmgr.GlobalLockManager, access *dsb.AccessManager, dsbClient *dsb.Client, bridge *wal.Bridge, m *metrics.Core, log *zap.Logger) *Pipeline {
	p := &Pipeline{
		Scheduler: NewScheduler(lockMgr, access, dsbClient, bridge, m, log),
		Collector: NewCollector(log),
	}
	p.Sequencer = NewSequencer(epoch, p.onSeal, log)
	return p
}

func (p *Pipeline) onSeal(batch Batch) {
	responses := p.Scheduler.RunBatch(context.Background(), batch)
	p.Collector.Deliver(responses)
}

// Submit enqueues req for the next batch boundary and registers fn to
// receive its eventual response once that batch executes and durably
// commits or aborts.
func (p *Pipeline) Submit(req txn.Request, fn ResultFunc) {
	p.Collector.Await(req.XID, fn)
	p.Sequencer.Submit(req)
}

// Run drives the sequencer's epoch loop until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	p.Sequencer.Run(ctx)
}
