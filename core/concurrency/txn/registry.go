package txn

import (
	"context"
	"sync"

	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lockmgr"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
)

// Registry maps live transaction ids to their Context, so a node's inbound
// net.Server dispatch can route a TX_TM_COMMIT, TX_TM_ABORT, TX_VICTIM, or
// RM_ENABLE_VIOLATE envelope to the right in-flight transaction without
// either side needing to know about the other's transport details.
type Registry struct {
	mu    sync.RWMutex
	byXID map[id.XID]*Context
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byXID: make(map[id.XID]*Context)}
}

// Add makes c visible to Lookup for the duration of its Run call. The
// caller is expected to Remove it once Run returns.
func (r *Registry) Add(c *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byXID[c.xid] = c
}

// Remove drops xid from the registry. A no-op if it is already gone.
func (r *Registry) Remove(xid id.XID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byXID, xid)
}

// Lookup returns the live Context for xid, if this node is currently
// driving it.
func (r *Registry) Lookup(xid id.XID) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byXID[xid]
	return c, ok
}

// DeliverDecision routes an inbound TM decision to the named transaction,
// if this node is still driving it. Returns false if the transaction has
// already ended and left the registry — the coordinator's retry will
// eventually stop once it sees the matching ack it already received.
func (r *Registry) DeliverDecision(xid id.XID, commit bool) bool {
	c, ok := r.Lookup(xid)
	if !ok {
		return false
	}
	c.DeliverDecision(commit)
	return true
}

// DeliverVictim cancels xid's pending lock wait with ec.ErrVictim via the
// lock manager's normal FailVictim path, letting the transaction's own
// Run goroutine observe the failure and drive the usual abort path rather
// than this call touching the Context's state directly.
func (r *Registry) DeliverVictim(lockMgr *lockmgr.GlobalLockManager, xid id.XID) bool {
	_, ok := r.Lookup(xid)
	if !ok {
		return false
	}
	lockMgr.FailVictim(xid)
	return true
}

// DeliverEnableViolate marks every lock xid holds as violable, if this node
// is still driving it.
func (r *Registry) DeliverEnableViolate(xid id.XID) bool {
	c, ok := r.Lookup(xid)
	if !ok {
		return false
	}
	c.DlvMakeViolable()
	return true
}

func decodeXID(msg txnetwork.Envelope) id.XID {
	xid, _ := msg.Fields["xid"].(float64)
	return id.XID(xid)
}

// DecisionHandler answers an inbound TX_TM_COMMIT/TX_TM_ABORT, routing the
// coordinator's decision to whichever live Context is driving that xid on
// this node.
func (r *Registry) DecisionHandler() txnetwork.Handler {
	return func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		commit, _ := msg.Fields["commit"].(bool)
		r.DeliverDecision(decodeXID(msg), commit)
		return txnetwork.Envelope{Kind: txnetwork.KindAck}, nil
	}
}

// VictimHandler answers an inbound TX_VICTIM, failing the named
// transaction's pending lock wait through lockMgr.
func (r *Registry) VictimHandler(lockMgr *lockmgr.GlobalLockManager) txnetwork.Handler {
	return func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		r.DeliverVictim(lockMgr, decodeXID(msg))
		return txnetwork.Envelope{Kind: txnetwork.KindAck}, nil
	}
}

// EnableViolateHandler answers an inbound RM_ENABLE_VIOLATE.
func (r *Registry) EnableViolateHandler() txnetwork.Handler {
	return func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		r.DeliverEnableViolate(decodeXID(msg))
		return txnetwork.Envelope{Kind: txnetwork.KindAck}, nil
	}
}
