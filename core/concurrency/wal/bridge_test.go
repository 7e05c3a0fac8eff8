package wal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/transaction"
	walfile "github.com/shardtx/txcore/core/write_engine/wal"
)

func newTestBridge(t *testing.T, onCommit CommitCallback) *Bridge {
	t.Helper()
	dir := t.TempDir()
	lm, err := walfile.NewLogManager(dir+"/active", dir+"/archive", 4096, 1<<20, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	return NewBridge(lm, onCommit, nil, zap.NewNop())
}

func TestAppendInvokesOnCommitAfterDurable(t *testing.T) {
	var got []id.XID
	b := newTestBridge(t, func(xid id.XID, decision DecisionType) {
		got = append(got, xid)
		require.Equal(t, DecisionCommit, decision)
	})

	err := b.Append(context.Background(), Entry{
		XID:      7,
		Decision: DecisionCommit,
		Operations: []transaction.Operation{
			{Type: transaction.OpInsert, Table: 1, Shard: 1, Tuple: 7, Payload: []byte("v")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []id.XID{7}, got)
}

func TestReconcileOnRestartReplaysEveryDecision(t *testing.T) {
	dir := t.TempDir()
	lm1, err := walfile.NewLogManager(dir+"/active", dir+"/archive", 4096, 1<<20, zap.NewNop())
	require.NoError(t, err)
	b1 := NewBridge(lm1, nil, nil, zap.NewNop())

	require.NoError(t, b1.Append(context.Background(), Entry{
		XID: 1, Decision: DecisionCommit,
		Operations: []transaction.Operation{{Type: transaction.OpInsert, Table: 1, Shard: 1, Tuple: 1, Payload: []byte("a")}},
	}))
	require.NoError(t, b1.Append(context.Background(), Entry{
		XID: 2, Decision: DecisionAbort,
	}))
	require.NoError(t, b1.Close())

	lm2, err := walfile.NewLogManager(dir+"/active", dir+"/archive", 4096, 1<<20, zap.NewNop())
	require.NoError(t, err)
	b2 := NewBridge(lm2, nil, nil, zap.NewNop())
	defer b2.Close()

	type resolved struct {
		xid      id.XID
		decision DecisionType
	}
	var got []resolved
	require.NoError(t, b2.ReconcileOnRestart(func(xid id.XID, decision DecisionType, ops []transaction.Operation) error {
		got = append(got, resolved{xid, decision})
		return nil
	}))

	require.Len(t, got, 2)
	require.Equal(t, resolved{1, DecisionCommit}, got[0])
	require.Equal(t, resolved{2, DecisionAbort}, got[1])
}
