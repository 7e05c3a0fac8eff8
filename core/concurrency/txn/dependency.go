package txn

import (
	"context"

	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/ec"
)

// RegisterDependency records a directed edge c -> out meaning out's
// prepare/commit must wait on c's (spec.md §3 "Dependency edges"), used by
// the geo-replication extension: out's dlv latch, and with it the end of
// its commit path, then waits both for its own WAL record to be durable and
// for c to report its side of the edge (ReportDependency).
//
// The two contexts' mutexes are acquired once, in xid order, and released
// by defer on return. The original source acquires them a second time, in
// reverse order, immediately before returning — spec.md §9 records this as
// a bug rather than an intended re-lock, and this port omits it.
func (c *Context) RegisterDependency(out *Context) {
	if c.xid == out.xid {
		c.log.Error("cannot register a transaction as its own dependency", zap.Uint64("xid", uint64(c.xid)))
		return
	}

	first, second := c, out
	if out.xid < c.xid {
		first, second = out, c
	}
	first.depMu.Lock()
	defer first.depMu.Unlock()
	second.depMu.Lock()
	defer second.depMu.Unlock()

	if out.state == StateAborting || out.state == StateCommitting {
		return
	}
	if c.state == StateCommitting || c.state == StateAborting {
		return
	}
	if _, exists := c.depOut[out.xid]; exists {
		return
	}
	out.depInCount++
	c.depOut[out.xid] = out
	out.depIn[c.xid] = c
}

// ReportDependency notifies every transaction that depends on this one (its
// dep_out_set) that it has resolved its own side of the edge, decrementing
// each target's dep_in_count and triggering dependencyCommit on whichever
// target just reached zero (spec.md §3's dependency-edge resolution).
// Called once this transaction's own WAL record for the current phase is
// durable.
func (c *Context) ReportDependency(ctx context.Context) {
	c.depMu.Lock()
	targets := make([]*Context, 0, len(c.depOut))
	for _, t := range c.depOut {
		targets = append(targets, t)
	}
	c.depMu.Unlock()

	for _, t := range targets {
		t.depMu.Lock()
		if _, ok := t.depIn[c.xid]; ok && t.depInCount > 0 {
			t.depInCount--
			reachedZero := t.depInCount == 0
			t.depMu.Unlock()
			if reachedZero {
				t.dependencyCommit(ctx)
			}
		} else {
			t.depMu.Unlock()
		}
	}
}

// dependencyCommit fires once dep_in_count reaches zero: this transaction
// no longer waits on anything else to make its own commit/prepare-commit
// decision durable-and-final.
func (c *Context) dependencyCommit(ctx context.Context) {
	c.depMu.Lock()
	c.dependencyCommitted = true
	c.depMu.Unlock()
	if c.distributed {
		c.dlvTryTxPrepareCommit()
	} else {
		c.dlvTryTxCommit()
	}
}

// dlvTryTxCommit declares the transaction committed, for the purposes of
// early lock release, once both its own commit record is durable and it has
// no remaining unresolved incoming dependency edges.
func (c *Context) dlvTryTxCommit() {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	if c.depInCount == 0 && c.commitLogSynced && !c.dlvCommit {
		c.dlvCommit = true
		close(c.dlvReadyCh)
	}
}

// dlvTryTxPrepareCommit is dlvTryTxCommit's distributed-participant
// counterpart, gated on the prepare-vote record instead of the commit
// record.
func (c *Context) dlvTryTxPrepareCommit() {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	if c.depInCount == 0 && c.prepareLogSynced && !c.dlvPrepare {
		c.dlvPrepare = true
		close(c.dlvReadyCh)
	}
}

// markCommitLogSynced and markPrepareLogSynced record that this
// transaction's own WAL record for the current phase is durable, then
// immediately re-check whether dep_in_count already reached zero first.
func (c *Context) markCommitLogSynced() {
	c.depMu.Lock()
	c.commitLogSynced = true
	c.depMu.Unlock()
	c.dlvTryTxCommit()
}

func (c *Context) markPrepareLogSynced() {
	c.depMu.Lock()
	c.prepareLogSynced = true
	c.depMu.Unlock()
	c.dlvTryTxPrepareCommit()
}

// awaitDlvReady blocks until this transaction's dlv latch has been set by
// dlvTryTxCommit/dlvTryTxPrepareCommit, or ctx is done. A transaction with
// no incoming dependency edges never blocks here in practice: its
// own WAL-durability call is always the last missing precondition and sets
// the latch itself.
func (c *Context) awaitDlvReady(ctx context.Context) {
	select {
	case <-c.dlvReadyCh:
	case <-ctx.Done():
	}
}

// DlvAbort propagates an abort to every transaction that depends on this
// one (its dep_out_set, spec.md's cascading abort), recursively. Each
// transaction it reaches that still has unresolved incoming edges
// (dep_in_count > 0) gets errorCode ErrCascade; it is a no-op unless
// geo_rep_optimize is on.
func (c *Context) DlvAbort() {
	if !c.cfg.GeoRepOptimize {
		return
	}
	c.depMu.Lock()
	targets := make([]*Context, 0, len(c.depOut))
	for _, t := range c.depOut {
		targets = append(targets, t)
	}
	inCount := c.depInCount
	c.depMu.Unlock()

	for _, t := range targets {
		t.DlvAbort()
	}
	if inCount > 0 {
		c.errorCode = ec.ErrCascade
	}
}

// DlvMakeViolable marks every lock this transaction currently holds as
// violable, letting later-arriving requests proceed past it ahead of this
// transaction's own commit durability (spec.md §4.1 make_violable). Driven
// by an inbound RM_ENABLE_VIOLATE message from the coordinator.
func (c *Context) DlvMakeViolable() {
	for _, l := range c.locks {
		counters := c.lockMgr.MakeViolable(c.xid, l.mode, l.table, l.key.Shard, l.key)
		if counters == nil {
			continue
		}
		c.numReadViolate += counters.ReadViolations
		c.numWriteViolate += counters.WriteViolations
		if c.metrics != nil {
			total := int64(counters.ReadViolations + counters.WriteViolations)
			if total > 0 {
				c.metrics.ViolationsCounter.Add(context.Background(), total)
			}
		}
	}
}
