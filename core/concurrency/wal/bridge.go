// Package wal bridges the transaction driver to the on-disk log manager
// (core/write_engine/wal). It translates between core/transaction.Operation
// and the log's wire record, guarantees per-transaction callback ordering,
// and replays the log on startup to reconcile any transaction whose state
// was never durably resolved (spec.md §4.8 "WAL Bridge").
package wal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/metrics"
	"github.com/shardtx/txcore/core/transaction"
	walfile "github.com/shardtx/txcore/core/write_engine/wal"
)

// DecisionType mirrors the RM state machine's four durable decisions.
type DecisionType int

const (
	DecisionCommit DecisionType = iota
	DecisionAbort
	DecisionPrepareCommit
	DecisionPrepareAbort
)

func (d DecisionType) logRecordType() walfile.LogRecordType {
	switch d {
	case DecisionCommit:
		return walfile.LogRecordTypeCommit
	case DecisionAbort:
		return walfile.LogRecordTypeAbort
	case DecisionPrepareCommit:
		return walfile.LogRecordTypePrepareCommit
	case DecisionPrepareAbort:
		return walfile.LogRecordTypePrepareAbort
	default:
		panic(fmt.Sprintf("unknown decision type %d", d))
	}
}

// Entry is one transaction's decision record staged for append.
type Entry struct {
	XID        id.XID
	Decision   DecisionType
	Operations []transaction.Operation
}

// CommitCallback is invoked once a transaction's append group is durable,
// synchronously from Append on the transaction's own goroutine/strand, so
// callbacks for a given transaction follow its append order (spec.md §4.8
// "must not reorder callbacks") without the bridge tracking anything.
type CommitCallback func(xid id.XID, decision DecisionType)

// Bridge serializes appends to the underlying log manager one transaction
// group at a time and fans callbacks back out per xid. Because Append
// blocks its caller until the record is durable, and each transaction's
// Context drives its own operations from a single strand goroutine, two
// append groups for the same xid can never race here — ordering falls out
// of the caller's own serialization rather than anything this type tracks.
type Bridge struct {
	lm       *walfile.LogManager
	log      *zap.Logger
	onCommit CommitCallback
	metrics  *metrics.Core
}

// NewBridge wraps lm. onCommit is called once per Append for the entry's
// xid, after the record is durable. m may be nil.
func NewBridge(lm *walfile.LogManager, onCommit CommitCallback, m *metrics.Core, log *zap.Logger) *Bridge {
	return &Bridge{lm: lm, log: log, onCommit: onCommit, metrics: m}
}

// Append stages entry as one append group and returns once it is durable
// (fsynced). The caller's transaction context blocks on this call from its
// own strand; on return it invokes onCommit synchronously before Append
// returns, preserving per-transaction ordering without extra bookkeeping.
func (b *Bridge) Append(ctx context.Context, entry Entry) error {
	start := time.Now()
	rec := &walfile.LogRecord{
		XID:        uint64(entry.XID),
		Type:       entry.Decision.logRecordType(),
		Operations: make([]walfile.OperationRecord, 0, len(entry.Operations)),
	}
	for _, op := range entry.Operations {
		rec.Operations = append(rec.Operations, walfile.OperationRecord{
			Table:     uint32(op.Table),
			Shard:     uint32(op.Shard),
			Tuple:     uint64(op.Tuple),
			OpType:    byte(op.Type),
			PostImage: op.Payload,
		})
	}

	if _, err := b.lm.Append(rec); err != nil {
		return fmt.Errorf("append decision record for xid %d: %w", entry.XID, err)
	}
	if err := b.lm.Flush(); err != nil {
		return fmt.Errorf("flush decision record for xid %d: %w", entry.XID, err)
	}
	if b.metrics != nil {
		b.metrics.WALAppendLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())
	}

	if b.onCommit != nil {
		b.onCommit(entry.XID, entry.Decision)
	}
	return nil
}

// ReconcileOnRestart replays every decision record in the log, from its
// first segment on, and calls resolve for each, so a node that crashed between
// appending a decision and releasing locks can finish that transaction
// deterministically rather than leaving it stuck (spec.md §7 "WAL append
// failure ... must be reconciled on restart from the log").
func (b *Bridge) ReconcileOnRestart(resolve func(xid id.XID, decision DecisionType, ops []transaction.Operation) error) error {
	return b.lm.Recover(walfile.InvalidLSN, func(lr walfile.LogRecord) error {
		var decision DecisionType
		switch lr.Type {
		case walfile.LogRecordTypeCommit:
			decision = DecisionCommit
		case walfile.LogRecordTypeAbort:
			decision = DecisionAbort
		case walfile.LogRecordTypePrepareCommit:
			decision = DecisionPrepareCommit
		case walfile.LogRecordTypePrepareAbort:
			decision = DecisionPrepareAbort
		default:
			if b.log != nil {
				b.log.Warn("skipping decision record with unknown type", zap.Uint64("xid", lr.XID))
			}
			return nil
		}
		ops := make([]transaction.Operation, 0, len(lr.Operations))
		for _, op := range lr.Operations {
			ops = append(ops, transaction.Operation{
				Type:    transaction.OpType(op.OpType),
				Table:   transaction.TableID(op.Table),
				Shard:   transaction.ShardID(op.Shard),
				Tuple:   transaction.TupleID(op.Tuple),
				Payload: op.PostImage,
			})
		}
		return resolve(id.XID(lr.XID), decision, ops)
	})
}

// Close releases the underlying log manager's resources.
func (b *Bridge) Close() error {
	return b.lm.Close()
}
