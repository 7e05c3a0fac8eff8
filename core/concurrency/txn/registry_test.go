package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/lockmgr"
	txnetwork "github.com/shardtx/txcore/core/concurrency/net"
)

func TestRegistryAddLookupRemove(t *testing.T) {
	r := NewRegistry()
	c := newBareContext(1, false)

	_, ok := r.Lookup(1)
	require.False(t, ok)

	r.Add(c)
	got, ok := r.Lookup(1)
	require.True(t, ok)
	require.Same(t, c, got)

	r.Remove(1)
	_, ok = r.Lookup(1)
	require.False(t, ok)
}

func TestRegistryDeliverDecisionRoutesToLiveContext(t *testing.T) {
	r := NewRegistry()
	c := newBareContext(1, false)
	c.decisionCh = make(chan bool, 1)
	r.Add(c)

	require.True(t, r.DeliverDecision(1, true))
	require.False(t, r.DeliverDecision(2, true))

	select {
	case v := <-c.decisionCh:
		require.True(t, v)
	default:
		t.Fatal("expected decision to be queued")
	}
}

func TestRegistryDeliverVictimFailsPendingWait(t *testing.T) {
	lockMgr := lockmgr.NewGlobalLockManager(zap.NewNop())
	r := NewRegistry()
	c := newBareContext(1, false)
	r.Add(c)

	require.False(t, r.DeliverVictim(lockMgr, 99))
	require.True(t, r.DeliverVictim(lockMgr, 1))
}

func TestRegistryDeliverEnableViolateMarksLocksViolable(t *testing.T) {
	r := NewRegistry()
	c := newBareContext(1, false)
	r.Add(c)

	require.True(t, r.DeliverEnableViolate(1))
	require.False(t, r.DeliverEnableViolate(7))
}

func TestDecisionHandlerRoutesEnvelopeToDecisionCh(t *testing.T) {
	r := NewRegistry()
	c := newBareContext(1, false)
	c.decisionCh = make(chan bool, 1)
	r.Add(c)

	_, err := r.DecisionHandler()(context.Background(), txnetwork.Envelope{
		Fields: map[string]any{"xid": float64(1), "commit": true},
	})
	require.NoError(t, err)

	select {
	case v := <-c.decisionCh:
		require.True(t, v)
	default:
		t.Fatal("expected decision to be queued")
	}
}

func TestVictimHandlerFailsPendingWait(t *testing.T) {
	lockMgr := lockmgr.NewGlobalLockManager(zap.NewNop())
	r := NewRegistry()
	c := newBareContext(1, false)
	r.Add(c)

	_, err := r.VictimHandler(lockMgr)(context.Background(), txnetwork.Envelope{
		Fields: map[string]any{"xid": float64(1)},
	})
	require.NoError(t, err)
}

func TestEnableViolateHandlerMarksLocksViolable(t *testing.T) {
	r := NewRegistry()
	c := newBareContext(1, false)
	r.Add(c)

	_, err := r.EnableViolateHandler()(context.Background(), txnetwork.Envelope{
		Fields: map[string]any{"xid": float64(1)},
	})
	require.NoError(t, err)
}
