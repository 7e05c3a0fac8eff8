// Package txn drives a single transaction through the non-deterministic
// resource-manager path of spec.md §4.4/§4.5: lock acquisition, access-layer
// reads with DSB fallback, and the one-phase or two-phase commit protocol.
// Each Context is owned by exactly one goroutine for the whole of Run — the
// Go translation of spec.md §5's "strand": suspension points (lock grant,
// DSB read, WAL durability callback, TM decision) become blocking channel
// receives or blocking calls rather than posted continuations, since a
// goroutine already gives single-threaded execution between them without a
// separate executor abstraction.
package txn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/config"
	"github.com/shardtx/txcore/core/concurrency/dsb"
	"github.com/shardtx/txcore/core/concurrency/ec"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lock"
	"github.com/shardtx/txcore/core/concurrency/lockmgr"
	"github.com/shardtx/txcore/core/concurrency/metrics"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
	"github.com/shardtx/txcore/core/concurrency/wal"
	"github.com/shardtx/txcore/core/transaction"
	commonutils "github.com/shardtx/txcore/internal/common_utils"
)

type heldLock struct {
	mode  lock.Mode
	table transaction.TableID
	key   lock.Key
}

// Context is the per-RM, per-transaction driver (spec.md §3 "Transaction
// context (RM-side)"). Every field below StateIdle's declaration is touched
// only from the goroutine that calls Run, with the sole exception of the
// decision/ack surface used for the two-phase commit path, which is also
// reached from the node's inbound net.Server handler — that surface is
// guarded by ackMu, documented at each field it covers.
type Context struct {
	xid         id.XID
	cno         uint64
	selfNode    id.NodeID
	coordNode   id.NodeID
	distributed bool
	readOnly    bool
	ops         []transaction.Operation

	cfg         config.Config
	lockMgr     *lockmgr.GlobalLockManager
	access      *dsb.AccessManager
	dsbClient   *dsb.Client
	bridge      *wal.Bridge
	transport   txnetwork.Transport
	addrForNode func(id.NodeID) string
	registry    *Registry
	metrics     *metrics.Core
	log         *zap.Logger

	state State

	nextOID         transaction.OID
	stagedOps       []transaction.Operation
	response        []transaction.Operation
	errorCode       error
	numLock         int
	numReadViolate  int
	numWriteViolate int
	latencyReadDSB  time.Duration
	locks           []heldLock

	// overlay holds this transaction's own uncommitted writes/deletes. It is
	// flushed into access only once the commit outcome is known (commit.go's
	// onePhaseCommit/phase2) — an abort leaves access exactly as it was.
	overlay dsb.Overlay

	lockResultCh chan error

	// ackMu guards decided/lastDecision/decisionCh, the only state a
	// foreign goroutine (the node's inbound net.Server dispatch, delivering
	// a TM decision or a duplicate ack request) ever touches.
	ackMu        sync.Mutex
	decided      bool
	lastDecision bool
	decisionCh   chan bool

	// depMu guards every field below it, matching the single mutex_ the
	// original context uses for both its dependency sets and its dlv_*
	// latches — dependency registration from a foreign transaction's
	// goroutine and this transaction's own commit path both touch this
	// state, unlike the rest of Context's fields.
	depMu               sync.Mutex
	depOut              map[id.XID]*Context
	depIn               map[id.XID]*Context
	depInCount          int
	dependencyCommitted bool
	commitLogSynced     bool
	prepareLogSynced    bool
	dlvCommit           bool
	dlvPrepare          bool
	dlvReadyCh          chan struct{}
}

// NewContext constructs a Context ready to run req. cno is the epoch tag
// attached to DSB reads (spec.md's "cno"); self is this node's id, used as
// the source field on outbound DSB and coordinator messages.
func NewContext(
	req Request,
	cno uint64,
	self id.NodeID,
	cfg config.Config,
	lockMgr *lockmgr.GlobalLockManager,
	access *dsb.AccessManager,
	dsbClient *dsb.Client,
	bridge *wal.Bridge,
	transport txnetwork.Transport,
	addrForNode func(id.NodeID) string,
	registry *Registry,
	m *metrics.Core,
	log *zap.Logger,
) *Context {
	return &Context{
		xid:         req.XID,
		cno:         cno,
		selfNode:    self,
		coordNode:   req.SourceNode,
		distributed: req.Distributed,
		readOnly:    req.ReadOnly,
		ops:         req.Ops,
		cfg:         cfg,
		lockMgr:     lockMgr,
		access:      access,
		dsbClient:   dsbClient,
		bridge:      bridge,
		transport:   transport,
		addrForNode: addrForNode,
		registry:    registry,
		metrics:     m,
		log:         log,
		state:       StateIdle,
		nextOID:     1,
		lockResultCh: make(chan error, 1),
		decisionCh:   make(chan bool, 1),
		depOut:       make(map[id.XID]*Context),
		depIn:        make(map[id.XID]*Context),
		dlvReadyCh:   make(chan struct{}),
	}
}

// XID returns the transaction identifier this context drives.
func (c *Context) XID() id.XID { return c.xid }

// State returns the current RM state.
func (c *Context) State() State { return c.state }

// Notify implements lock.Waiter: the lock manager delivers a grant,
// cancellation, or deadlock-victim failure for this transaction's single
// outstanding lock request here (spec.md §3 invariant: at most one lock
// acquisition in flight per transaction, so the buffered channel never has
// more than one writer contending for its slot).
func (c *Context) Notify(xid id.XID, oid transaction.OID, err error) {
	c.lockResultCh <- err
}

func (c *Context) allocOID() transaction.OID {
	oid := c.nextOID
	c.nextOID++
	return oid
}

// acquireLock requests mode on (table, shard, tuple), blocking this
// transaction's goroutine until granted, cancelled, or ctx is done. A
// read-only transaction is granted synchronously without consulting the
// lock manager at all (spec.md §4.4 "Read-only transactions skip lock
// acquisition").
func (c *Context) acquireLock(ctx context.Context, oid transaction.OID, mode lock.Mode, table transaction.TableID, shard transaction.ShardID, tuple transaction.TupleID) error {
	if c.readOnly {
		return nil
	}
	key := lock.Key{Table: table, Shard: shard, Tuple: tuple}
	// A lock this transaction already holds on the row covers the request
	// when it is a WRITE or both are READs (INSERT then READ of one key);
	// asking the lock manager again would queue behind our own grant.
	for _, l := range c.locks {
		if l.key == key && (l.mode == lock.Write || mode == lock.Read) {
			return nil
		}
	}
	c.numLock++
	waitStart := time.Now()
	c.lockMgr.LockRow(c.xid, oid, mode, table, shard, key, c)

	select {
	case err := <-c.lockResultCh:
		if c.metrics != nil {
			c.metrics.LockWaitHistogram.Record(ctx, time.Since(waitStart).Milliseconds())
		}
		if err != nil {
			return err
		}
		c.locks = append(c.locks, heldLock{mode: mode, table: table, key: key})
		return nil
	case <-ctx.Done():
		c.lockMgr.Cancel(c.xid, ctx.Err())
		// If the grant raced ahead of our cancellation it is already
		// sitting in the buffered channel; drain it and release
		// immediately rather than leaking a lock this transaction is
		// abandoning (spec.md §4.5 "Timeout").
		select {
		case err := <-c.lockResultCh:
			if err == nil {
				c.lockMgr.Unlock(c.xid, mode, table, shard, key)
			}
		default:
		}
		return ctx.Err()
	}
}

// handleRead services READ and READ_FOR_WRITE, consulting the access
// manager before falling back to the DSB (spec.md §4.4).
func (c *Context) handleRead(ctx context.Context, op transaction.Operation, forWrite bool) ([]byte, error) {
	oid := c.allocOID()
	mode := lock.Read
	if forWrite {
		mode = lock.Write
	}
	if err := c.acquireLock(ctx, oid, mode, op.Table, op.Shard, op.Tuple); err != nil {
		return nil, err
	}

	key := dsb.Key{Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}
	if row, deleted, ok := c.overlay.Get(c.access, key); ok {
		if deleted {
			return nil, ec.ErrNotFound
		}
		return row, nil
	}

	res := c.dsbClient.Read(ctx, c.xid, oid, c.cno, op.Table, op.Shard, op.Tuple)
	c.latencyReadDSB += res.LatencyReadDSB
	if c.metrics != nil {
		c.metrics.DSBReadLatencyHistogram.Record(ctx, res.LatencyReadDSB.Milliseconds())
	}
	if res.Err != nil {
		return nil, res.Err
	}
	// spec.md §9's open question on cache order: access.Put stores its own
	// copy of the tuple before the DSB's tuple is returned to the caller, so
	// the caller and the cache never share a backing slice (one extra copy).
	// This caches the DSB's own canonical image, not a pending write of this
	// transaction's own, so it is safe to land directly in access regardless
	// of how this transaction ends.
	c.access.Put(key, res.Tuple)
	return res.Tuple, nil
}

// handleUpdate services UPDATE: the row must already exist, either in the
// access manager or at the DSB (spec.md §4.4 "NOT_FOUND_ERROR is fatal for
// writes").
func (c *Context) handleUpdate(ctx context.Context, op transaction.Operation) error {
	oid := c.allocOID()
	if err := c.acquireLock(ctx, oid, lock.Write, op.Table, op.Shard, op.Tuple); err != nil {
		return err
	}
	key := dsb.Key{Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}
	_, deleted, ok := c.overlay.Get(c.access, key)
	switch {
	case ok && deleted:
		return ec.ErrNotFound
	case !ok:
		res := c.dsbClient.Read(ctx, c.xid, oid, c.cno, op.Table, op.Shard, op.Tuple)
		c.latencyReadDSB += res.LatencyReadDSB
		if res.Err != nil {
			return res.Err
		}
	}
	// Staged, not applied: the WRITE lock just acquired excludes every other
	// transaction from observing this key, but the shared access manager
	// only sees the new image once this transaction actually commits
	// (onePhaseCommit/phase2's commit branch) — an abort after this point
	// must leave the previously-committed image intact.
	c.overlay.Put(key, op.Payload)
	c.stagedOps = append(c.stagedOps, op.Clone())
	return nil
}

// handleInsert services INSERT: DUPLICATION_ERROR if the row already
// exists locally or at the DSB (spec.md §4.4).
func (c *Context) handleInsert(ctx context.Context, op transaction.Operation) error {
	oid := c.allocOID()
	if err := c.acquireLock(ctx, oid, lock.Write, op.Table, op.Shard, op.Tuple); err != nil {
		return err
	}
	key := dsb.Key{Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}
	_, deleted, ok := c.overlay.Get(c.access, key)
	switch {
	case ok && !deleted:
		return ec.ErrDuplication
	case !ok:
		res := c.dsbClient.Read(ctx, c.xid, oid, c.cno, op.Table, op.Shard, op.Tuple)
		c.latencyReadDSB += res.LatencyReadDSB
		switch {
		case res.Err == nil:
			return ec.ErrDuplication
		case errors.Is(res.Err, ec.ErrNotFound):
			// expected: the row must not exist yet for INSERT to succeed.
		default:
			return res.Err
		}
	}
	c.overlay.Put(key, op.Payload)
	c.stagedOps = append(c.stagedOps, op.Clone())
	return nil
}

// handleRemove services REMOVE. The original source defines async_remove
// but never wires it into its operation dispatcher (handle_operation's
// switch has no TX_OP_REMOVE case); this driver completes that wiring since
// spec.md §3 lists REMOVE as a first-class operation type.
func (c *Context) handleRemove(ctx context.Context, op transaction.Operation) ([]byte, error) {
	oid := c.allocOID()
	if err := c.acquireLock(ctx, oid, lock.Write, op.Table, op.Shard, op.Tuple); err != nil {
		return nil, err
	}
	key := dsb.Key{Table: op.Table, Shard: op.Shard, Tuple: op.Tuple}
	row, deleted, ok := c.overlay.Get(c.access, key)
	switch {
	case ok && deleted:
		return nil, ec.ErrNotFound
	case !ok:
		res := c.dsbClient.Read(ctx, c.xid, oid, c.cno, op.Table, op.Shard, op.Tuple)
		c.latencyReadDSB += res.LatencyReadDSB
		if res.Err != nil {
			return nil, res.Err
		}
		row = res.Tuple
	}
	c.overlay.Delete(key)
	c.stagedOps = append(c.stagedOps, transaction.Operation{
		OID: op.OID, Type: op.Type, Table: op.Table, Shard: op.Shard, Tuple: op.Tuple,
	})
	return row, nil
}

// handleOperation dispatches op to its handler and records one response
// entry per submitted op, in order, regardless of outcome — matching the
// original's read_done, which always appends to the response accumulator
// even on a tolerated NOT_FOUND.
func (c *Context) handleOperation(ctx context.Context, op transaction.Operation) error {
	var payload []byte
	var err error
	switch op.Type {
	case transaction.OpRead, transaction.OpReadForWrite:
		payload, err = c.handleRead(ctx, op, op.Type == transaction.OpReadForWrite)
	case transaction.OpUpdate:
		err = c.handleUpdate(ctx, op)
	case transaction.OpInsert:
		err = c.handleInsert(ctx, op)
	case transaction.OpRemove:
		payload, err = c.handleRemove(ctx, op)
	}
	c.response = append(c.response, transaction.Operation{
		OID: op.OID, Type: op.Type, Table: op.Table, Shard: op.Shard, Tuple: op.Tuple, Payload: payload,
	})
	return err
}

// Run drives every submitted operation to completion and then the commit
// protocol, blocking the calling goroutine for the transaction's entire
// lifetime. The caller is expected to invoke Run from a dedicated goroutine
// per transaction, the way a node's RPC handler already runs on its own
// goroutine per inbound request.
func (c *Context) Run(ctx context.Context) *Response {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout())
	defer cancel()

	if c.log != nil {
		c.log.Debug("strand started", zap.Uint64("xid", uint64(c.xid)), zap.Int64("goroutine", commonutils.GoID()))
	}

	if c.registry != nil {
		c.registry.Add(c)
		defer c.registry.Remove(c.xid)
	}

	if c.metrics != nil {
		c.metrics.TxStartedCounter.Add(ctx, 1)
		c.metrics.ActiveTxUpDown.Add(ctx, 1)
		defer c.metrics.ActiveTxUpDown.Add(ctx, -1)
	}

	for _, op := range c.ops {
		err := c.handleOperation(ctx, op)
		if err == nil {
			continue
		}
		if c.readOnly && errors.Is(err, ec.ErrNotFound) {
			continue
		}
		c.errorCode = err
		break
	}

	return c.finish(ctx)
}

func (c *Context) finish(ctx context.Context) *Response {
	if c.errorCode != nil {
		return c.abort(ctx)
	}
	return c.commit(ctx)
}

func (c *Context) respond() *Response {
	return &Response{
		XID:             c.xid,
		Err:             c.errorCode,
		Ops:             c.response,
		LatencyReadDSB:  c.latencyReadDSB,
		NumLock:         c.numLock,
		NumReadViolate:  c.numReadViolate,
		NumWriteViolate: c.numWriteViolate,
	}
}

func (c *Context) releaseLocks() {
	if !c.readOnly {
		for _, l := range c.locks {
			c.lockMgr.Unlock(c.xid, l.mode, l.table, l.key.Shard, l.key)
		}
	}
	c.lockMgr.TxFinish(c.xid)
	c.locks = nil
	c.state = StateEnded
}
