// Package lockmgr implements the per-shard lock manager and the global
// lock manager that dispatches to it (spec.md §4.1/§4.2). It maps
// (table, shard, key) to a lock.Slot via a bucketed hash table, one mutex
// per bucket, the sharding idiom the teacher applies elsewhere to its raft
// FSM's map-of-maps state.
package lockmgr

import (
	"hash/maphash"
	"sync"

	"github.com/shardtx/txcore/core/concurrency/deadlock"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lock"
	"github.com/shardtx/txcore/core/transaction"
)

// bucketCount is the fixed size of the hash table backing one shard's lock
// manager. Lookup, insert and queue mutation all happen under one bucket's
// mutex (spec.md §4.1).
const bucketCount = 256

type bucket struct {
	mu    sync.Mutex
	slots map[lock.Key]*lock.Slot
}

// ShardLockManager owns the lock slots for a single local shard.
type ShardLockManager struct {
	shard   transaction.ShardID
	buckets [bucketCount]bucket
	graph   *deadlock.Graph
	seed    maphash.Seed
}

// NewShardLockManager returns a lock manager for one shard, sharing graph
// with every other shard's manager so cross-shard deadlocks are visible.
func NewShardLockManager(shard transaction.ShardID, graph *deadlock.Graph) *ShardLockManager {
	m := &ShardLockManager{shard: shard, graph: graph, seed: maphash.MakeSeed()}
	for i := range m.buckets {
		m.buckets[i].slots = make(map[lock.Key]*lock.Slot)
	}
	return m
}

func (m *ShardLockManager) bucketFor(k lock.Key) *bucket {
	var h maphash.Hash
	h.SetSeed(m.seed)
	var buf [20]byte
	be := func(v uint64) []byte {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		return buf[:8]
	}
	h.Write(be(uint64(k.Table)))
	h.Write(be(uint64(k.Shard)))
	h.Write(be(uint64(k.Tuple)))
	idx := h.Sum64() % uint64(bucketCount)
	return &m.buckets[idx]
}

// Acquire requests mode on key for (xid, oid), notifying waiter either
// immediately (if it implements asynchronous dispatch itself) or once a
// conflicting holder releases. It never blocks: grant or queue happens
// under the bucket mutex and Waiter.Notify is responsible for posting the
// outcome back onto the transaction's own strand rather than running
// inline, matching spec.md §4.2's "never synchronously from within acquire"
// (that invariant is an obligation of the Waiter implementation, since the
// lock manager itself has no strand of its own to post to).
func (m *ShardLockManager) Acquire(item *lock.Item) (granted bool) {
	b := m.bucketFor(item.Key)
	b.mu.Lock()
	slot, ok := b.slots[item.Key]
	if !ok {
		slot = lock.NewSlot()
		b.slots[item.Key] = slot
	}
	granted, holders := slot.TryAcquire(item)
	b.mu.Unlock()

	if granted {
		m.graph.RemoveWaitEdges(item.XID)
		item.Waiter.Notify(item.XID, item.OID, nil)
		return true
	}
	m.graph.AddWaitEdges(item.XID, holders)
	return false
}

// Release drops xid's grant on key and promotes as many newly-grantable
// waiters as FIFO order allows, notifying each (spec.md §4.1 "release").
func (m *ShardLockManager) Release(xid id.XID, key lock.Key) {
	b := m.bucketFor(key)
	b.mu.Lock()
	slot, ok := b.slots[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	promoted := slot.Release(xid)
	empty := slot.Empty()
	if empty {
		delete(b.slots, key)
	}
	b.mu.Unlock()

	for _, p := range promoted {
		m.graph.RemoveWaitEdges(p.XID)
		p.Waiter.Notify(p.XID, p.OID, nil)
	}
}

// CancelWaiter removes a still-queued request for xid on key, used when xid
// is selected as a deadlock victim (spec.md §5 "Cancellation"). It does not
// notify the waiter; the caller does that with EC_VICTIM after cancelling
// across every key the victim was waiting on.
func (m *ShardLockManager) CancelWaiter(xid id.XID, oid transaction.OID, key lock.Key) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[key]
	if !ok {
		return false
	}
	ok = slot.CancelWaiter(xid, uint32(oid))
	if slot.Empty() {
		delete(b.slots, key)
	}
	m.graph.RemoveWaitEdges(xid)
	return ok
}

// MakeViolable marks xid's grant on key as no longer blocking new arrivals
// (spec.md §4.1 make_violable, geo-rep extension only).
func (m *ShardLockManager) MakeViolable(xid id.XID, mode lock.Mode, key lock.Key) *lock.ViolationCounters {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[key]
	if !ok {
		return nil
	}
	return slot.MakeViolable(xid, mode)
}
