package calvin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/txn"
)

func TestSequencerSealsAllPendingRequestsInArrivalOrder(t *testing.T) {
	sealed := make(chan Batch, 4)
	s := NewSequencer(10*time.Millisecond, func(b Batch) { sealed <- b }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	s.Submit(txn.Request{XID: 1})
	s.Submit(txn.Request{XID: 2})
	s.Submit(txn.Request{XID: 3})

	select {
	case batch := <-sealed:
		require.Len(t, batch.Txns, 3)
		require.Equal(t, id.XID(1), batch.Txns[0].XID)
		require.Equal(t, id.XID(2), batch.Txns[1].XID)
		require.Equal(t, id.XID(3), batch.Txns[2].XID)
		require.NotEqual(t, batch.ID.String(), "")
	case <-time.After(2 * time.Second):
		t.Fatal("batch was never sealed")
	}
	cancel()
	<-s.Done()
}

func TestSequencerSealsFinalPartialBatchOnShutdown(t *testing.T) {
	sealed := make(chan Batch, 4)
	s := NewSequencer(time.Hour, func(b Batch) { sealed <- b }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	s.Submit(txn.Request{XID: 7})
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case batch := <-sealed:
		require.Len(t, batch.Txns, 1)
		require.Equal(t, id.XID(7), batch.Txns[0].XID)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown batch was never sealed")
	}
	<-s.Done()
}

func TestSequencerSkipsSealingAnEmptyEpoch(t *testing.T) {
	sealed := make(chan Batch, 4)
	s := NewSequencer(10*time.Millisecond, func(b Batch) { sealed <- b }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	select {
	case <-sealed:
		t.Fatal("unexpected batch sealed with nothing submitted")
	default:
	}
	cancel()
	<-s.Done()
}
