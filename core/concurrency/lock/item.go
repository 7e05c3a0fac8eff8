package lock

import (
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/transaction"
)

// Key identifies the row a lock item guards: (table, shard, tuple) per
// spec.md §3's predicate(key).
type Key struct {
	Table transaction.TableID
	Shard transaction.ShardID
	Tuple transaction.TupleID
}

// Waiter is notified when a lock request it owns is granted or fails. It is
// implemented by the per-transaction strand (core/concurrency/txn.Context).
// The lock manager calls it directly from Acquire (immediate grant) and
// Release (promotion), after dropping its bucket mutex; the implementation
// hands the outcome over to its own goroutine (txn.Context does so through
// a buffered channel) rather than acting on it inside the call.
type Waiter interface {
	// Notify delivers the outcome of a previously requested lock: nil for a
	// grant, or the error it failed with (cancellation, deadlock victim).
	Notify(xid id.XID, oid transaction.OID, err error)
}

// Item is a single lock request/grant owned by the transaction that issued
// it (spec.md §3 "Lock item"). It exists from request through either
// grant+release or cancellation.
type Item struct {
	XID    id.XID
	OID    transaction.OID
	Mode   Mode
	Key    Key
	Waiter Waiter
}
