package calvin

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/dsb"
	"github.com/shardtx/txcore/core/concurrency/ec"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lock"
	"github.com/shardtx/txcore/core/concurrency/lockmgr"
	"github.com/shardtx/txcore/core/concurrency/metrics"
	"github.com/shardtx/txcore/core/concurrency/txn"
	"github.com/shardtx/txcore/core/concurrency/wal"
	"github.com/shardtx/txcore/core/transaction"
)

type declaredLock struct {
	mode  lock.Mode
	table transaction.TableID
	shard transaction.ShardID
	tuple transaction.TupleID
}

type heldLock struct {
	mode  lock.Mode
	table transaction.TableID
	shard transaction.ShardID
	key   lock.Key
}

// Context drives one transaction's operations on the deterministic path
// (spec.md §4.7 "Context (Calvin-side)"). Unlike
// core/concurrency/txn.Context, it never round-trips to a coordinator: once
// the scheduler hands it a turn, every lock it will ever need for this
// transaction has already been declared, so acquisition happens once,
// up front, and execution afterward touches only local memory.
type Context struct {
	req       txn.Request
	lockMgr   *lockmgr.GlobalLockManager
	access    *dsb.AccessManager
	dsbClient *dsb.Client
	bridge    *wal.Bridge
	metrics   *metrics.Core
	log       *zap.Logger

	nextOID transaction.OID
	locks   []heldLock

	// overlay holds this transaction's own uncommitted writes/deletes. It is
	// flushed into access only once run() has seen every op succeed and the
	// decision record is durable — an aborted Calvin transaction leaves
	// access exactly as it was.
	overlay dsb.Overlay

	// lockResultCh receives the outcome of this transaction's single
	// outstanding lock request, the same Notify/channel pattern
	// core/concurrency/txn.Context uses, reused here rather than invented
	// anew since it is the one already grounded in this repo for talking to
	// lockmgr.GlobalLockManager.
	lockResultCh chan error
}

func newContext(req txn.Request, lockMgr *lockmgr.GlobalLockManager, access *dsb.AccessManager, dsbClient *dsb.Client, bridge *wal.Bridge, m *metrics.Core, log *zap.Logger) *Context {
	return &Context{
		req:          req,
		lockMgr:      lockMgr,
		access:       access,
		dsbClient:    dsbClient,
		bridge:       bridge,
		metrics:      m,
		log:          log,
		nextOID:      1,
		lockResultCh: make(chan error, 1),
	}
}

// Notify implements lock.Waiter.
func (c *Context) Notify(xid id.XID, oid transaction.OID, err error) {
	c.lockResultCh <- err
}

func (c *Context) allocOID() transaction.OID {
	oid := c.nextOID
	c.nextOID++
	return oid
}

// declaredLocks computes this transaction's full lock set from its
// submitted ops, one entry per distinct key, WRITE winning over READ when
// an op list names the same key under both modes (spec.md §4.7's
// "declared read/write sets must be known up front"). Sorted by
// (table, shard, tuple) so every node acquires a given transaction's own
// locks in the same order, though since the scheduler runs one transaction
// at a time this is cosmetic — it matters once a future revision executes
// non-conflicting transactions within a batch concurrently.
func declaredLocks(ops []transaction.Operation) []declaredLock {
	byKey := make(map[lock.Key]*declaredLock)
	var order []lock.Key
	for _, op := range ops {
		key := lock.Key{Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}
		mode := lock.Read
		if op.Type.IsWrite() {
			mode = lock.Write
		}
		if d, ok := byKey[key]; ok {
			if mode == lock.Write {
				d.mode = lock.Write
			}
			continue
		}
		byKey[key] = &declaredLock{mode: mode, table: op.Table, shard: op.Shard, tuple: op.Tuple}
		order = append(order, key)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Shard != b.Shard {
			return a.Shard < b.Shard
		}
		return a.Tuple < b.Tuple
	})
	out := make([]declaredLock, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// acquireAll requests every declared lock in turn, blocking until each is
// granted before requesting the next. A read-only transaction skips the
// lock manager entirely, the same fast path SPEC_FULL.md's SUPPLEMENTED
// BEHAVIOUR item 1 documents for the non-deterministic side.
func (c *Context) acquireAll(ctx context.Context) error {
	if c.req.ReadOnly {
		return nil
	}
	for _, d := range declaredLocks(c.req.Ops) {
		oid := c.allocOID()
		key := lock.Key{Table: d.table, Shard: d.shard, Tuple: d.tuple}
		c.lockMgr.LockRow(c.req.XID, oid, d.mode, d.table, d.shard, key, c)
		select {
		case err := <-c.lockResultCh:
			if err != nil {
				return err
			}
			c.locks = append(c.locks, heldLock{mode: d.mode, table: d.table, shard: d.shard, key: key})
		case <-ctx.Done():
			c.lockMgr.Cancel(c.req.XID, ctx.Err())
			return ctx.Err()
		}
	}
	return nil
}

// remoteReadPhase absorbs every DSB round trip this transaction's ops will
// need before any mutation happens, the way spec.md §4.7 separates
// "remote_read phase before any mutation" from execution: a miss for a key
// this transaction only writes (INSERT/UPDATE/REMOVE) still needs resolving
// here, since apply() below must not block on the network once it starts.
func (c *Context) remoteReadPhase(ctx context.Context) error {
	seen := make(map[lock.Key]bool)
	for _, op := range c.req.Ops {
		key := lock.Key{Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}
		if seen[key] {
			continue
		}
		seen[key] = true
		dsbKey := dsb.Key{Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}
		if _, ok := c.access.Get(dsbKey); ok {
			continue
		}
		res := c.dsbClient.Read(ctx, c.req.XID, 0, 0, op.Table, op.Shard, op.Tuple)
		if c.metrics != nil {
			c.metrics.DSBReadLatencyHistogram.Record(ctx, res.LatencyReadDSB.Milliseconds())
		}
		if res.Err != nil {
			if errors.Is(res.Err, ec.ErrNotFound) {
				// absence is meaningful to apply() (e.g. INSERT expects
				// it); only a genuine transport/remote failure aborts the
				// read phase itself.
				continue
			}
			return res.Err
		}
		c.access.Put(dsbKey, res.Tuple)
	}
	return nil
}

// apply executes op against this transaction's overlay, now that the
// remote-read phase has populated access for every key this transaction
// touches. It never mutates access directly: run() flushes the overlay into
// access only once every op has succeeded and the decision record is
// durable, so an aborted transaction never leaves a partial write visible.
func (c *Context) apply(op transaction.Operation) (transaction.Operation, error) {
	key := dsb.Key{Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}
	out := transaction.Operation{OID: op.OID, Type: op.Type, Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}

	switch op.Type {
	case transaction.OpRead, transaction.OpReadForWrite:
		row, deleted, ok := c.overlay.Get(c.access, key)
		if !ok || deleted {
			return out, ec.ErrNotFound
		}
		out.Payload = row
		return out, nil
	case transaction.OpUpdate:
		_, deleted, ok := c.overlay.Get(c.access, key)
		if !ok || deleted {
			return out, ec.ErrNotFound
		}
		c.overlay.Put(key, op.Payload)
		return out, nil
	case transaction.OpInsert:
		_, deleted, ok := c.overlay.Get(c.access, key)
		if ok && !deleted {
			return out, ec.ErrDuplication
		}
		c.overlay.Put(key, op.Payload)
		return out, nil
	case transaction.OpRemove:
		row, deleted, ok := c.overlay.Get(c.access, key)
		if !ok || deleted {
			return out, ec.ErrNotFound
		}
		c.overlay.Delete(key)
		out.Payload = row
		return out, nil
	default:
		return out, nil
	}
}

func (c *Context) releaseLocks() {
	for _, l := range c.locks {
		c.lockMgr.Unlock(c.req.XID, l.mode, l.table, l.shard, l.key)
	}
	c.lockMgr.TxFinish(c.req.XID)
	c.locks = nil
}

// run drives this transaction through lock acquisition, the remote-read
// phase, local-memory execution and the commit record, in that order
// (spec.md §4.7). A failure at any stage still releases whatever locks
// were granted and still appends an abort record for a non-read-only
// transaction, so a crashed/aborted Calvin transaction leaves the same
// reconciliation trail as one on the non-deterministic path.
func (c *Context) run(ctx context.Context) txn.Response {
	ops := make([]transaction.Operation, 0, len(c.req.Ops))
	opErr := c.acquireAll(ctx)
	if opErr == nil {
		opErr = c.remoteReadPhase(ctx)
	}
	for _, op := range c.req.Ops {
		if opErr != nil {
			break
		}
		out, err := c.apply(op)
		ops = append(ops, out)
		if err == nil {
			continue
		}
		if c.req.ReadOnly && errors.Is(err, ec.ErrNotFound) {
			continue
		}
		// Mirrors txn.Context.Run's own loop: stop at the first real
		// failure rather than applying later ops against state a prior op
		// in this same batch entry has already doomed to abort.
		opErr = err
		break
	}

	decision := wal.DecisionCommit
	if opErr != nil {
		decision = wal.DecisionAbort
	}
	if !c.req.ReadOnly {
		if err := c.bridge.Append(ctx, wal.Entry{XID: c.req.XID, Decision: decision, Operations: ops}); err != nil {
			c.log.Error("calvin decision record append failed", zap.Uint64("xid", uint64(c.req.XID)), zap.Error(err))
			opErr = ec.ErrTxAbort
		} else if opErr == nil {
			c.overlay.Apply(c.access)
		}
	}

	c.releaseLocks()
	if c.metrics != nil {
		if opErr == nil {
			c.metrics.TxCommittedCounter.Add(ctx, 1)
		} else {
			c.metrics.TxAbortedCounter.Add(ctx, 1)
		}
	}
	return txn.Response{XID: c.req.XID, Err: opErr, Ops: ops}
}
