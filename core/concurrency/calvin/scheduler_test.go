package calvin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/dsb"
	"github.com/shardtx/txcore/core/concurrency/ec"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lockmgr"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
	"github.com/shardtx/txcore/core/concurrency/txn"
	"github.com/shardtx/txcore/core/concurrency/wal"
	"github.com/shardtx/txcore/core/transaction"
	walfile "github.com/shardtx/txcore/core/write_engine/wal"
)

func newSchedulerRig(t *testing.T, dsbRows map[dsb.Key][]byte) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	lm, err := walfile.NewLogManager(dir+"/active", dir+"/archive", 4096, 1<<20, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	bridge := wal.NewBridge(lm, nil, nil, zap.NewNop())

	srv := txnetwork.NewServer()
	srv.Register(txnetwork.KindReadRequest, func(ctx context.Context, msg txnetwork.Envelope) (txnetwork.Envelope, error) {
		k := dsb.Key{
			Table: transaction.TableID(msg.Fields["table_id"].(float64)),
			Shard: transaction.ShardID(msg.Fields["shard_id"].(float64)),
			Tuple: transaction.TupleID(msg.Fields["tuple_id"].(float64)),
		}
		row, ok := dsbRows[k]
		if !ok {
			return txnetwork.Envelope{Fields: map[string]any{"error_code": float64(ec.NotFoundError)}}, nil
		}
		return txnetwork.Envelope{Fields: map[string]any{
			"error_code": float64(ec.OK),
			"tuple_row":  string(row),
		}}, nil
	})
	ft := txnetwork.NewFakeTransport()
	ft.Listen("dsb-1:9000", srv)
	dsbClient := dsb.NewClient(ft, func(transaction.ShardID) string { return "dsb-1:9000" }, id.NodeID(1))

	return NewScheduler(lockmgr.NewGlobalLockManager(zap.NewNop()), dsb.NewAccessManager(), dsbClient, bridge, nil, zap.NewNop())
}

func TestRunBatchAppliesEachTransactionInOrderAndCommits(t *testing.T) {
	key := dsb.Key{Table: 1, Shard: 1, Tuple: 1}
	s := newSchedulerRig(t, map[dsb.Key][]byte{key: []byte("v0")})

	batch := Batch{Seq: 1, Txns: []txn.Request{
		{XID: 1, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpUpdate, Table: 1, Shard: 1, Tuple: 1, Payload: []byte("v1")},
		}},
		{XID: 2, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpRead, Table: 1, Shard: 1, Tuple: 1},
		}},
	}}

	responses := s.RunBatch(context.Background(), batch)
	require.Len(t, responses, 2)
	require.NoError(t, responses[0].Err)
	require.NoError(t, responses[1].Err)
	require.Equal(t, "v1", string(responses[1].Ops[0].Payload))
}

func TestRunBatchDuplicateInsertAbortsWithoutBlockingLaterTransactions(t *testing.T) {
	key := dsb.Key{Table: 1, Shard: 1, Tuple: 7}
	s := newSchedulerRig(t, map[dsb.Key][]byte{key: []byte("existing")})

	batch := Batch{Seq: 1, Txns: []txn.Request{
		{XID: 10, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpInsert, Table: 1, Shard: 1, Tuple: 7, Payload: []byte("dup")},
		}},
		{XID: 11, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpUpdate, Table: 1, Shard: 1, Tuple: 7, Payload: []byte("ok")},
		}},
	}}

	responses := s.RunBatch(context.Background(), batch)
	require.ErrorIs(t, responses[0].Err, ec.ErrDuplication)
	require.NoError(t, responses[1].Err)
}

// TestRunBatchAbortedTransactionLeavesNoPartialWrite mirrors the review
// scenario directly: a single transaction's first op (an UPDATE) succeeds
// and its second op (an INSERT on a different key) duplicate-fails, so the
// whole transaction aborts. The UPDATE's post-image must never reach the
// access manager — a later transaction reading that key back must still
// see its pre-batch value, and the failing transaction's response must stop
// at the op that actually failed rather than keep applying after it.
func TestRunBatchAbortedTransactionLeavesNoPartialWrite(t *testing.T) {
	key1 := dsb.Key{Table: 1, Shard: 1, Tuple: 1}
	key2 := dsb.Key{Table: 1, Shard: 1, Tuple: 2}
	s := newSchedulerRig(t, map[dsb.Key][]byte{
		key1: []byte("v0"),
		key2: []byte("existing"),
	})

	batch := Batch{Seq: 1, Txns: []txn.Request{
		{XID: 30, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpUpdate, Table: 1, Shard: 1, Tuple: 1, Payload: []byte("v1")},
			{OID: 2, Type: transaction.OpInsert, Table: 1, Shard: 1, Tuple: 2, Payload: []byte("dup")},
		}},
		{XID: 31, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpRead, Table: 1, Shard: 1, Tuple: 1},
		}},
	}}

	responses := s.RunBatch(context.Background(), batch)
	require.ErrorIs(t, responses[0].Err, ec.ErrDuplication)
	require.Len(t, responses[0].Ops, 2) // the loop recorded the failing op, then stopped

	require.NoError(t, responses[1].Err)
	require.Equal(t, "v0", string(responses[1].Ops[0].Payload))
}

func TestRunBatchReplayOnFreshStateYieldsIdenticalResponses(t *testing.T) {
	batch := Batch{Seq: 1, Txns: []txn.Request{
		{XID: 20, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpInsert, Table: 2, Shard: 0, Tuple: 5, Payload: []byte("a")},
		}},
		{XID: 21, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpUpdate, Table: 2, Shard: 0, Tuple: 5, Payload: []byte("b")},
		}},
		{XID: 22, Ops: []transaction.Operation{
			{OID: 1, Type: transaction.OpRead, Table: 2, Shard: 0, Tuple: 5},
		}},
	}}

	s1 := newSchedulerRig(t, nil)
	r1 := s1.RunBatch(context.Background(), batch)

	s2 := newSchedulerRig(t, nil)
	r2 := s2.RunBatch(context.Background(), batch)

	require.Equal(t, len(r1), len(r2))
	for i := range r1 {
		require.Equal(t, r1[i].XID, r2[i].XID)
		require.Equal(t, r1[i].Err, r2[i].Err)
		require.Equal(t, r1[i].Ops, r2[i].Ops)
	}
}
