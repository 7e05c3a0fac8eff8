package lockmgr

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/deadlock"
	"github.com/shardtx/txcore/core/concurrency/id"
	"github.com/shardtx/txcore/core/concurrency/lock"
	"github.com/shardtx/txcore/core/transaction"
)

type recordingWaiter struct {
	mu      sync.Mutex
	results []error
}

func (w *recordingWaiter) Notify(xid id.XID, oid transaction.OID, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, err)
}

func (w *recordingWaiter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.results)
}

func TestShardLockManagerGrantsThenPromotesOnRelease(t *testing.T) {
	m := NewShardLockManager(1, deadlock.NewGraph())
	key := lock.Key{Table: 1, Shard: 1, Tuple: 1}

	w1, w2 := &recordingWaiter{}, &recordingWaiter{}
	granted := m.Acquire(&lock.Item{XID: 1, OID: 1, Mode: lock.Write, Key: key, Waiter: w1})
	require.True(t, granted)
	require.Equal(t, 1, w1.count())

	granted = m.Acquire(&lock.Item{XID: 2, OID: 1, Mode: lock.Write, Key: key, Waiter: w2})
	require.False(t, granted)
	require.Equal(t, 0, w2.count())

	m.Release(1, key)
	require.Equal(t, 1, w2.count())
}

func TestShardLockManagerCancelWaiterRemovesWaitForEdge(t *testing.T) {
	graph := deadlock.NewGraph()
	m := NewShardLockManager(1, graph)
	key := lock.Key{Table: 1, Shard: 1, Tuple: 1}

	m.Acquire(&lock.Item{XID: 1, OID: 1, Mode: lock.Write, Key: key, Waiter: &recordingWaiter{}})
	m.Acquire(&lock.Item{XID: 2, OID: 1, Mode: lock.Write, Key: key, Waiter: &recordingWaiter{}})

	require.True(t, m.CancelWaiter(2, 1, key))
	require.False(t, m.CancelWaiter(2, 1, key))

	// xid 2 no longer waits on anything; releasing xid 1 must not notify it.
	w3 := &recordingWaiter{}
	granted := m.Acquire(&lock.Item{XID: 3, OID: 1, Mode: lock.Write, Key: key, Waiter: w3})
	require.False(t, granted)
	m.Release(1, key)
	require.Equal(t, 1, w3.count())
}

func TestShardLockManagerMakeViolableLetsConflictThrough(t *testing.T) {
	m := NewShardLockManager(1, deadlock.NewGraph())
	key := lock.Key{Table: 1, Shard: 1, Tuple: 1}

	m.Acquire(&lock.Item{XID: 1, OID: 1, Mode: lock.Write, Key: key, Waiter: &recordingWaiter{}})
	counters := m.MakeViolable(1, lock.Write, key)
	require.NotNil(t, counters)

	w2 := &recordingWaiter{}
	granted := m.Acquire(&lock.Item{XID: 2, OID: 1, Mode: lock.Write, Key: key, Waiter: w2})
	require.True(t, granted)
	require.Equal(t, 1, counters.WriteViolations)
}

func TestGlobalLockManagerLockRowAndCancelClearPendingEntry(t *testing.T) {
	g := NewGlobalLockManager(zap.NewNop())
	key := lock.Key{Table: 1, Shard: 1, Tuple: 1}

	w1 := &recordingWaiter{}
	g.LockRow(1, 1, lock.Write, 1, 1, key, w1)
	require.Equal(t, 1, w1.count())
	_, pending := g.pending[1]
	require.False(t, pending)

	w2 := &recordingWaiter{}
	g.LockRow(2, 1, lock.Write, 1, 1, key, w2)
	require.Equal(t, 0, w2.count())
	_, pending = g.pending[2]
	require.True(t, pending)

	g.Cancel(2, errors.New("lock wait canceled"))
	require.Equal(t, 1, w2.count())
	_, pending = g.pending[2]
	require.False(t, pending)

	g.Unlock(1, lock.Write, 1, 1, key)
}

func TestGlobalLockManagerFailVictimNoopsIfAlreadyGranted(t *testing.T) {
	g := NewGlobalLockManager(zap.NewNop())
	key := lock.Key{Table: 1, Shard: 1, Tuple: 1}

	w1 := &recordingWaiter{}
	g.LockRow(1, 1, lock.Write, 1, 1, key, w1)
	require.Equal(t, 1, w1.count())

	g.FailVictim(1)
	require.Equal(t, 1, w1.count()) // no duplicate notify
}
