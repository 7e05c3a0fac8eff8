// Package calvin implements the deterministic execution path of spec.md
// §4.7: a sequencer that seals batches of transaction requests at epoch
// boundaries, a scheduler that drives each batch through lock acquisition
// and execution in a fixed order, and a collector that returns results once
// a batch is durable. Unlike core/concurrency/txn's non-deterministic path,
// a transaction here never aborts on a lock conflict — it simply waits its
// turn — because every transaction's lock set is known and ordered before
// any of them execute.
//
// original_source/tx_context.cpp has no Calvin-side counterpart: the
// teacher and the C++ source both implement only the non-deterministic
// resource-manager path. This package is grounded on spec.md §4.7 directly,
// reusing core/concurrency/lockmgr, core/concurrency/dsb and
// core/concurrency/wal the way core/concurrency/txn does, since a
// deterministic transaction still needs a lock table, an access layer and a
// log — it just drives them in a different order.
package calvin

import (
	"github.com/google/uuid"

	"github.com/shardtx/txcore/core/concurrency/txn"
)

// Batch is one sequencer-sealed, totally ordered set of transaction
// requests (spec.md §4.7 "Sequencer"). Seq is the batch's position in this
// node's local sequence of seals; ID is a collision-free identifier
// suitable for cross-node correlation in logs/metrics, which Seq alone
// cannot provide once multiple sequencers feed the same Paxos-replicated
// log (out of scope here, per SPEC_FULL's DOMAIN STACK note on why
// google/uuid earns its place over reusing xid).
type Batch struct {
	ID   uuid.UUID
	Seq  uint64
	Txns []txn.Request
}
