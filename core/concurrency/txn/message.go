package txn

import (
	"time"

	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/transaction"
)

// Request is the inbound CLIENT_TX_REQ (spec.md §6): a batch of operations
// submitted as one oneshot unit. Non-oneshot (interactive, multi-request)
// transactions are explicitly deferred in the original source (its
// process_tx_request has a bare "TODO non oneshot tx_rm" for that branch)
// and are out of this driver's scope for the same reason.
type Request struct {
	XID         id.XID
	ReadOnly    bool
	Distributed bool
	SourceNode  id.NodeID
	Ops         []transaction.Operation
}

// Response is the outbound CLIENT_TX_RESP (spec.md §6).
type Response struct {
	XID             id.XID
	Err             error
	Ops             []transaction.Operation
	LatencyReadDSB  time.Duration
	NumLock         int
	NumReadViolate  int
	NumWriteViolate int
}
