// Package coordinator implements the transaction-manager (TM) side of the
// two-phase commit protocol, spec.md §4.6: for every distributed
// transaction whose source is the local node, it records the participant
// set, collects PREPARE votes, decides, persists that decision, and retries
// the decision broadcast until every participant has acknowledged it.
//
// original_source/tx_context.cpp only implements the resource-manager (RM)
// side of this exchange — send_prepare_message, handle_tx_tm_commit,
// send_ack_message — so this package is grounded on that same message flow
// viewed from the other end, not on a coordinator routine that exists in
// the source.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shardtx/txcore/core/concurrency/config"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/metrics"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
	"github.com/shardtx/txcore/core/concurrency/wal"
)

// tx tracks one distributed transaction's vote collection and ack
// bookkeeping. Guarded by Coordinator.mu rather than its own mutex: the
// coordinator's tables are explicitly called out in spec.md §5 as shared
// mutable state "guarded by fine-grained mutexes keyed by ... transaction
// id", which here is one coordinator-wide mutex protecting the map plus
// each entry — transactions this node coordinates are not a high-enough
// cardinality to need per-xid striping the way per-row locks do.
type tx struct {
	participants []id.NodeID
	votes        map[id.NodeID]bool
	acked        map[id.NodeID]bool

	votesComplete bool
	decided       bool
	decision      bool

	voteDone chan struct{}
	ackDone  chan struct{}
}

func newTx(participants []id.NodeID) *tx {
	return &tx{
		participants: participants,
		votes:        make(map[id.NodeID]bool, len(participants)),
		acked:        make(map[id.NodeID]bool, len(participants)),
		voteDone:     make(chan struct{}),
		ackDone:      make(chan struct{}),
	}
}

// Coordinator drives the TM side of 2PC for every distributed transaction
// this node originates.
type Coordinator struct {
	mu  sync.Mutex
	txs map[id.XID]*tx

	transport     txnetwork.Transport
	addrForNode   func(id.NodeID) string
	bridge        *wal.Bridge
	cfg           config.Config
	retryInterval time.Duration
	metrics       *metrics.Core
	log           *zap.Logger
}

// NewCoordinator returns a Coordinator that broadcasts decisions over
// transport (resolving each participant's address with addrForNode),
// persists decision records through bridge, and repaces an unacknowledged
// broadcast no more often than once per retryInterval. cfg.TxTimeout bounds
// vote collection per spec.md §4.6's "within a timeout".
func NewCoordinator(transport txnetwork.Transport, addrForNode func(id.NodeID) string, bridge *wal.Bridge, cfg config.Config, retryInterval time.Duration, m *metrics.Core, log *zap.Logger) *Coordinator {
	return &Coordinator{
		txs:           make(map[id.XID]*tx),
		transport:     transport,
		addrForNode:   addrForNode,
		bridge:        bridge,
		cfg:           cfg,
		retryInterval: retryInterval,
		metrics:       m,
		log:           log,
	}
}

// Run registers xid's participant set and blocks until a decision has been
// reached and acknowledged by every participant, or ctx is done. It decides
// commit iff every participant votes commit before the vote-collection
// timeout; any abort vote decides abort immediately without waiting on the
// rest (spec.md §4.6 "decides commit iff all votes are commit within a
// timeout"). The timeout bounds only vote collection, not the retried
// broadcast that follows: a slow or down participant must still eventually
// receive the decision once it is reachable again.
func (c *Coordinator) Run(ctx context.Context, xid id.XID, participants []id.NodeID) (bool, error) {
	t := newTx(participants)
	c.mu.Lock()
	c.txs[xid] = t
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.txs, xid)
		c.mu.Unlock()
	}()

	voteCtx, cancelVote := context.WithTimeout(ctx, c.cfg.TxTimeout())
	select {
	case <-t.voteDone:
	case <-voteCtx.Done():
		c.mu.Lock()
		if !t.decided {
			t.decided = true
			t.decision = false
			t.votesComplete = true
			close(t.voteDone)
		}
		c.mu.Unlock()
	}
	cancelVote()

	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	c.mu.Lock()
	decision := t.decision
	c.mu.Unlock()

	entry := wal.Entry{XID: xid, Decision: wal.DecisionAbort}
	if decision {
		entry.Decision = wal.DecisionCommit
	}
	if err := c.bridge.Append(ctx, entry); err != nil {
		c.log.Error("coordinator decision record append failed", zap.Uint64("xid", uint64(xid)), zap.Error(err))
	}

	c.broadcastUntilAcked(ctx, xid, t, decision)

	select {
	case <-t.ackDone:
	case <-ctx.Done():
		return decision, ctx.Err()
	}
	return decision, nil
}

// HandlePrepare records node's vote for xid. Once every participant has
// voted, the transaction's decision is fixed and Run unblocks. A vote
// received for an xid this coordinator is not tracking (already decided,
// or never registered) is dropped without logging — a late, duplicate
// PREPARE from a retrying participant.
func (c *Coordinator) HandlePrepare(xid id.XID, node id.NodeID, voteCommit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.txs[xid]
	if !ok || t.votesComplete {
		return
	}
	t.votes[node] = voteCommit
	if !voteCommit {
		t.votesComplete = true
		t.decided = true
		t.decision = false
		close(t.voteDone)
		return
	}
	if len(t.votes) == len(t.participants) {
		t.votesComplete = true
		t.decided = true
		t.decision = true
		close(t.voteDone)
	}
}

// HandleAck records node's acknowledgement of xid's decision. Once every
// participant has acked, Run's final wait unblocks.
func (c *Coordinator) HandleAck(xid id.XID, node id.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.txs[xid]
	if !ok {
		return
	}
	if t.acked[node] {
		return
	}
	t.acked[node] = true
	if len(t.acked) == len(t.participants) {
		close(t.ackDone)
	}
}

// broadcastUntilAcked sends the decision to every not-yet-acked
// participant, then keeps retrying on retryInterval until all have acked or
// ctx ends (spec.md §4.6 "retries unacknowledged decisions on a bounded
// interval").
func (c *Coordinator) broadcastUntilAcked(ctx context.Context, xid id.XID, t *tx, commit bool) {
	limiter := rate.NewLimiter(rate.Every(c.retryInterval), 1)
	kind := txnetwork.KindTMAbort
	if commit {
		kind = txnetwork.KindTMCommit
	}

	for {
		c.mu.Lock()
		pending := make([]id.NodeID, 0, len(t.participants))
		for _, p := range t.participants {
			if !t.acked[p] {
				pending = append(pending, p)
			}
		}
		c.mu.Unlock()
		if len(pending) == 0 {
			return
		}

		for _, p := range pending {
			c.sendDecision(ctx, xid, p, kind, commit)
		}

		select {
		case <-t.ackDone:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}
}

func (c *Coordinator) sendDecision(ctx context.Context, xid id.XID, node id.NodeID, kind txnetwork.Kind, commit bool) {
	addr := c.addrForNode(node)
	if addr == "" {
		c.log.Error("no address known for participant", zap.Uint32("node", uint32(node)))
		return
	}
	_, err := c.transport.Send(ctx, addr, txnetwork.Envelope{
		Kind: kind,
		Fields: map[string]any{
			"xid":    float64(xid),
			"commit": commit,
		},
	})
	if err != nil {
		c.log.Warn("decision broadcast failed, will retry", zap.Uint64("xid", uint64(xid)), zap.Uint32("node", uint32(node)), zap.Error(err))
	}
}

// PrepareHandler answers an inbound TX_RM_PREPARE vote, routing it to
// HandlePrepare for whichever xid this coordinator is tracking.
func (c *Coordinator) PrepareHandler() txnetwork.Handler {
	return func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		xid, node, commit := decodeVoteEnvelope(msg)
		c.HandlePrepare(xid, node, commit)
		return txnetwork.Envelope{Kind: txnetwork.KindAck}, nil
	}
}

// AckHandler answers an inbound TX_RM_ACK, routing it to HandleAck.
func (c *Coordinator) AckHandler() txnetwork.Handler {
	return func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		xid, node, _ := decodeVoteEnvelope(msg)
		c.HandleAck(xid, node)
		return txnetwork.Envelope{Kind: txnetwork.KindAck}, nil
	}
}

func decodeVoteEnvelope(msg txnetwork.Envelope) (id.XID, id.NodeID, bool) {
	xid, _ := msg.Fields["xid"].(float64)
	node, _ := msg.Fields["source_node"].(float64)
	commit, _ := msg.Fields["commit"].(bool)
	return id.XID(xid), id.NodeID(node), commit
}

// Participants reports the set registered for xid, or an error if this
// coordinator is not currently tracking it. The inbound PREPARE/ACK
// handlers do not call it; they look the xid up themselves.
func (c *Coordinator) Participants(xid id.XID) ([]id.NodeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.txs[xid]
	if !ok {
		return nil, fmt.Errorf("coordinator is not tracking xid %d", xid)
	}
	return t.participants, nil
}
