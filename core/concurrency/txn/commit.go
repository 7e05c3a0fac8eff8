package txn

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/ec"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
	"github.com/shardtx/txcore/core/concurrency/wal"
)

// commit drives the success path once every operation has completed
// without error: a PREPARE vote for a distributed participant when
// share_nothing is on, and one-phase commit otherwise (spec.md §4.5).
func (c *Context) commit(ctx context.Context) *Response {
	if c.distributed && c.cfg.ShareNothing {
		return c.preparePhase(ctx, true)
	}
	return c.onePhaseCommit(ctx)
}

// abort drives the failure path. error_code defaults to TX_ABORT if no more
// specific error was recorded, matching tx_aborted()'s "if error_code_ ==
// EC_OK { error_code_ = EC_TX_ABORT }".
func (c *Context) abort(ctx context.Context) *Response {
	if c.errorCode == nil {
		c.errorCode = ec.ErrTxAbort
	}
	if c.distributed {
		if errors.Is(c.errorCode, ec.ErrVictim) {
			if err := c.sendVictimNotice(ctx); err != nil {
				c.log.Error("send tx victim notice to coordinator failed", zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
			}
		}
		if !c.cfg.ShareNothing {
			c.releaseLocks()
			return c.respond()
		}
		return c.preparePhase(ctx, false)
	}
	return c.onePhaseAbort(ctx)
}

func (c *Context) onePhaseCommit(ctx context.Context) *Response {
	c.state = StateCommitting
	if !c.readOnly {
		entry := wal.Entry{XID: c.xid, Decision: wal.DecisionCommit, Operations: c.stagedOps}
		if err := c.bridge.Append(ctx, entry); err != nil {
			c.log.Error("commit record append failed; treating as crash-equivalent for this transaction",
				zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
			c.errorCode = ec.ErrTxAbort
		}
	}
	if c.errorCode == nil {
		c.overlay.Apply(c.access)
	}
	// Resolving outgoing dependency edges and waiting for the incoming ones
	// to drain is a no-op unless geo_rep_optimize registered edges for this
	// transaction; dlvReadyCh is already closed by the time markCommitLogSynced
	// returns whenever dep_in_count is zero, which it always is otherwise.
	c.markCommitLogSynced()
	c.ReportDependency(ctx)
	c.awaitDlvReady(ctx)
	c.releaseLocks()
	if c.metrics != nil {
		if c.errorCode == nil {
			c.metrics.TxCommittedCounter.Add(ctx, 1)
		} else {
			c.metrics.TxAbortedCounter.Add(ctx, 1)
		}
	}
	return c.respond()
}

func (c *Context) onePhaseAbort(ctx context.Context) *Response {
	c.state = StateAborting
	if !c.readOnly {
		entry := wal.Entry{XID: c.xid, Decision: wal.DecisionAbort}
		if err := c.bridge.Append(ctx, entry); err != nil {
			c.log.Error("abort record append failed", zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
		}
	}
	c.DlvAbort()
	c.releaseLocks()
	if c.metrics != nil {
		c.metrics.TxAbortedCounter.Add(ctx, 1)
	}
	return c.respond()
}

// preparePhase stages and appends the participant's vote record, sends the
// PREPARE message to the coordinator, and blocks waiting for the TM's
// decision (spec.md §4.5 "Two-phase participant").
func (c *Context) preparePhase(ctx context.Context, voteCommit bool) *Response {
	decision := wal.DecisionPrepareCommit
	c.state = StatePrepareCommitting
	if !voteCommit {
		decision = wal.DecisionPrepareAbort
		c.state = StatePrepareAborting
	}

	entry := wal.Entry{XID: c.xid, Decision: decision, Operations: c.stagedOps}
	c.stagedOps = nil
	if err := c.bridge.Append(ctx, entry); err != nil {
		c.log.Error("prepare record append failed", zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
	}

	if voteCommit {
		c.markPrepareLogSynced()
		c.ReportDependency(ctx)
		c.awaitDlvReady(ctx)
	} else {
		c.DlvAbort()
	}

	if err := c.sendPrepare(ctx, voteCommit); err != nil {
		c.log.Error("send prepare vote failed; relying on coordinator retry",
			zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
	}

	select {
	case decisionCommit := <-c.decisionCh:
		return c.phase2(ctx, decisionCommit)
	case <-ctx.Done():
		c.log.Warn("timed out awaiting coordinator decision; remaining in prepare state for restart reconciliation",
			zap.Uint64("xid", uint64(c.xid)))
		return c.respond()
	}
}

// phase2 applies the coordinator's decision: a second, operation-free log
// record (the operations already travelled in the prepare record), then the
// matching ACK and lock release (spec.md §4.5 steps 2-3).
func (c *Context) phase2(ctx context.Context, commit bool) *Response {
	if commit {
		c.state = StateCommitting
		if err := c.bridge.Append(ctx, wal.Entry{XID: c.xid, Decision: wal.DecisionCommit}); err != nil {
			c.log.Error("phase-2 commit record append failed", zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
		}
		c.overlay.Apply(c.access)
	} else {
		c.state = StateAborting
		if c.errorCode == nil {
			c.errorCode = ec.ErrTxAbort
		}
		if err := c.bridge.Append(ctx, wal.Entry{XID: c.xid, Decision: wal.DecisionAbort}); err != nil {
			c.log.Error("phase-2 abort record append failed", zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
		}
	}

	if err := c.sendAck(ctx, commit); err != nil {
		c.log.Error("send ack failed", zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
	}
	c.releaseLocks()

	c.ackMu.Lock()
	c.decided = true
	c.lastDecision = commit
	c.ackMu.Unlock()

	if c.metrics != nil {
		if commit {
			c.metrics.TxCommittedCounter.Add(ctx, 1)
		} else {
			c.metrics.TxAbortedCounter.Add(ctx, 1)
		}
	}
	return c.respond()
}

// DeliverDecision is called by the node's inbound net.Server dispatch when
// a TX_TM_COMMIT or TX_TM_ABORT envelope names this transaction. Once this
// context has already reached its terminal decision, a duplicate delivery
// re-sends the same ACK rather than re-running phase2 (spec.md §4.5
// "Idempotence").
func (c *Context) DeliverDecision(commit bool) {
	c.ackMu.Lock()
	if c.decided {
		last := c.lastDecision
		c.ackMu.Unlock()
		if err := c.sendAck(context.Background(), last); err != nil {
			c.log.Error("resend ack failed", zap.Uint64("xid", uint64(c.xid)), zap.Error(err))
		}
		return
	}
	c.ackMu.Unlock()

	select {
	case c.decisionCh <- commit:
	default:
		// a decision is already queued for this transaction's single
		// in-flight preparePhase call; a second one is a duplicate send
		// from a retrying coordinator and can be dropped.
	}
}

func (c *Context) sendPrepare(ctx context.Context, commit bool) error {
	addr := c.addrForNode(c.coordNode)
	if addr == "" {
		return fmt.Errorf("no address known for coordinator node %d", c.coordNode)
	}
	_, err := c.transport.Send(ctx, addr, txnetwork.Envelope{
		Kind: txnetwork.KindPrepare,
		Fields: map[string]any{
			"xid":         float64(c.xid),
			"source_node": float64(c.selfNode),
			"dest_node":   float64(c.coordNode),
			"commit":      commit,
		},
	})
	return err
}

func (c *Context) sendAck(ctx context.Context, commit bool) error {
	addr := c.addrForNode(c.coordNode)
	if addr == "" {
		return fmt.Errorf("no address known for coordinator node %d", c.coordNode)
	}
	_, err := c.transport.Send(ctx, addr, txnetwork.Envelope{
		Kind: txnetwork.KindAck,
		Fields: map[string]any{
			"xid":         float64(c.xid),
			"source_node": float64(c.selfNode),
			"dest_node":   float64(c.coordNode),
			"commit":      commit,
		},
	})
	return err
}

// sendVictimNotice tells this transaction's coordinator it was picked as a
// deadlock victim, ahead of the prepare-abort vote that follows when
// share_nothing is on (with it off, abort only releases locks and responds)
// (original_source/tx_context.cpp's abort(EC_VICTIM) sends TX_VICTIM for a
// distributed transaction instead of only flipping a local sticky flag the
// way a non-distributed victim does).
func (c *Context) sendVictimNotice(ctx context.Context) error {
	addr := c.addrForNode(c.coordNode)
	if addr == "" {
		return fmt.Errorf("no address known for coordinator node %d", c.coordNode)
	}
	_, err := c.transport.Send(ctx, addr, txnetwork.Envelope{
		Kind: txnetwork.KindVictim,
		Fields: map[string]any{
			"xid":    float64(c.xid),
			"source": float64(c.selfNode),
			"dest":   float64(c.coordNode),
		},
	})
	return err
}
