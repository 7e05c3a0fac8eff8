package lockmgr

import (
	"sync"

	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/deadlock"
	"github.com/shardtx/txcore/core/concurrency/ec"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lock"
	"github.com/shardtx/txcore/core/transaction"
)

type pendingWait struct {
	shard  transaction.ShardID
	key    lock.Key
	oid    transaction.OID
	waiter lock.Waiter
}

// GlobalLockManager holds one ShardLockManager per local shard and routes
// LockRow/Unlock to the right one (spec.md §4.2). The deadlock graph is
// shared across every shard it owns so cycles spanning shards are visible
// to a single Detector.
type GlobalLockManager struct {
	mu      sync.Mutex
	shards  map[transaction.ShardID]*ShardLockManager
	pending map[id.XID]pendingWait
	graph   *deadlock.Graph
	log     *zap.Logger
}

// NewGlobalLockManager constructs an empty global lock manager. Shards are
// created lazily on first use.
func NewGlobalLockManager(log *zap.Logger) *GlobalLockManager {
	return &GlobalLockManager{
		shards:  make(map[transaction.ShardID]*ShardLockManager),
		pending: make(map[id.XID]pendingWait),
		graph:   deadlock.NewGraph(),
		log:     log,
	}
}

// Graph exposes the shared wait-for graph so a deadlock.Detector can be
// constructed against it.
func (g *GlobalLockManager) Graph() *deadlock.Graph {
	return g.graph
}

func (g *GlobalLockManager) shardFor(shard transaction.ShardID) *ShardLockManager {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.shards[shard]
	if !ok {
		s = NewShardLockManager(shard, g.graph)
		g.shards[shard] = s
	}
	return s
}

// LockRow requests mode on (table, shard, tuple) for (xid, oid), calling
// waiter.Notify with the outcome — immediately if granted, later (off the
// calling goroutine) if queued and then promoted or victimised. Pending-wait
// bookkeeping is cleared by pendingClearingWaiter on whichever Notify fires
// first, whether that happens synchronously inside Acquire or later from a
// Release's promotion loop.
func (g *GlobalLockManager) LockRow(xid id.XID, oid transaction.OID, mode lock.Mode, table transaction.TableID, shard transaction.ShardID, key lock.Key, waiter lock.Waiter) {
	g.mu.Lock()
	g.pending[xid] = pendingWait{shard: shard, key: key, oid: oid, waiter: waiter}
	g.mu.Unlock()

	item := &lock.Item{XID: xid, OID: oid, Mode: mode, Key: key, Waiter: &pendingClearingWaiter{g: g, inner: waiter}}
	g.shardFor(shard).Acquire(item)
}

// pendingClearingWaiter wraps the caller's lock.Waiter so that the pending
// map entry is removed exactly once, on whichever Notify call actually
// fires for this request — synchronous grant, async promotion, or
// cancellation — rather than only on the synchronous-grant path LockRow can
// see directly.
type pendingClearingWaiter struct {
	g     *GlobalLockManager
	inner lock.Waiter
}

func (w *pendingClearingWaiter) Notify(xid id.XID, oid transaction.OID, err error) {
	w.g.mu.Lock()
	delete(w.g.pending, xid)
	w.g.mu.Unlock()
	w.inner.Notify(xid, oid, err)
}

// Unlock releases every grant xid holds on the given row; mode and table
// are not consulted.
func (g *GlobalLockManager) Unlock(xid id.XID, mode lock.Mode, table transaction.TableID, shard transaction.ShardID, key lock.Key) {
	g.shardFor(shard).Release(xid, key)
}

// MakeViolable forwards to the owning shard's MakeViolable.
func (g *GlobalLockManager) MakeViolable(xid id.XID, mode lock.Mode, table transaction.TableID, shard transaction.ShardID, key lock.Key) *lock.ViolationCounters {
	return g.shardFor(shard).MakeViolable(xid, mode, key)
}

// FailVictim implements deadlock.VictimFunc: it cancels the victim's
// pending wait, if any, and notifies its waiter with ec.ErrVictim
// (spec.md §4.3 "the lock manager then fails the victim's pending acquire
// request with the same error").
func (g *GlobalLockManager) FailVictim(victim id.XID) {
	if g.log != nil {
		g.log.Info("failing lock wait for deadlock victim", zap.Uint64("xid", uint64(victim)))
	}
	g.Cancel(victim, ec.ErrVictim)
}

// Cancel abandons xid's pending lock wait, if it still has one queued, and
// notifies its waiter with err. Used both for deadlock victims and for a
// transaction driver giving up on a lock wait past its own timeout
// (spec.md §4.5 "Timeout"). If the request was already granted — racing
// ahead of the cancellation — CancelWaiter reports nothing was removed and
// Cancel is a no-op: the grant's own Notify already delivered the real
// outcome.
func (g *GlobalLockManager) Cancel(xid id.XID, err error) {
	g.mu.Lock()
	pw, ok := g.pending[xid]
	g.mu.Unlock()
	if !ok {
		return
	}
	if g.shardFor(pw.shard).CancelWaiter(xid, pw.oid, pw.key) {
		g.mu.Lock()
		delete(g.pending, xid)
		g.mu.Unlock()
		pw.waiter.Notify(xid, pw.oid, err)
	}
}

// TxFinish removes xid from the wait-for graph entirely, called once a
// transaction has released all its locks and ended (spec.md's
// dl_->tx_finish(xid_)).
func (g *GlobalLockManager) TxFinish(xid id.XID) {
	g.graph.RemoveNode(xid)
	g.mu.Lock()
	delete(g.pending, xid)
	g.mu.Unlock()
}
