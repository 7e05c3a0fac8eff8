// Package id defines the identifier types shared across the lock manager,
// deadlock detector, transaction context and coordinator, so that none of
// them need to import each other just to name a transaction.
package id

import "sync/atomic"

// XID is a transaction identifier: unique and monotonically allocated per
// origin node, carrying no cross-node ordering semantics except as a
// tie-breaker in deadlock victim selection (spec.md §3).
type XID uint64

// NodeID identifies a node in the cluster (RM, TM or DSB role).
type NodeID uint32

// Allocator hands out monotonically increasing XIDs for one origin node.
// Grounded on the monotonic-counter idiom the teacher uses for its WAL's
// currentLSN (core/write_engine/wal/log_manager.go), applied here to
// transaction identity instead of log position.
type Allocator struct {
	next atomic.Uint64
}

// NewAllocator returns an Allocator that begins issuing XIDs at start+1.
func NewAllocator(start uint64) *Allocator {
	a := &Allocator{}
	a.next.Store(start)
	return a
}

// Next returns the next XID for this node.
func (a *Allocator) Next() XID {
	return XID(a.next.Add(1))
}
