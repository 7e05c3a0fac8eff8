package lock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardtx/txcore/core/concurrency/id"
)

func TestReadLocksAreMutuallyCompatible(t *testing.T) {
	s := NewSlot()
	granted, _ := s.TryAcquire(&Item{XID: 1, OID: 1, Mode: Read})
	require.True(t, granted)
	granted, _ = s.TryAcquire(&Item{XID: 2, OID: 1, Mode: Read})
	require.True(t, granted)
}

func TestWriteLockExcludesEverything(t *testing.T) {
	s := NewSlot()
	granted, _ := s.TryAcquire(&Item{XID: 1, OID: 1, Mode: Write})
	require.True(t, granted)

	granted, holders := s.TryAcquire(&Item{XID: 2, OID: 1, Mode: Read})
	require.False(t, granted)
	require.Equal(t, []id.XID{1}, holders)

	granted, holders = s.TryAcquire(&Item{XID: 3, OID: 1, Mode: Write})
	require.False(t, granted)
	require.Equal(t, []id.XID{1}, holders)
}

func TestFIFONoBarging(t *testing.T) {
	s := NewSlot()
	granted, _ := s.TryAcquire(&Item{XID: 1, OID: 1, Mode: Read})
	require.True(t, granted)

	// xid 2 queues behind the read holder wanting a write.
	granted, _ = s.TryAcquire(&Item{XID: 2, OID: 1, Mode: Write})
	require.False(t, granted)

	// xid 3 wants a read, which *could* be compatible with the current
	// grant set alone, but must not barge past xid 2's queued write.
	granted, _ = s.TryAcquire(&Item{XID: 3, OID: 1, Mode: Read})
	require.False(t, granted)

	promoted := s.Release(1)
	require.Len(t, promoted, 1)
	require.Equal(t, id.XID(2), promoted[0].XID)
}

func TestReleasePromotesContiguousReadersAtHead(t *testing.T) {
	s := NewSlot()
	granted, _ := s.TryAcquire(&Item{XID: 1, OID: 1, Mode: Write})
	require.True(t, granted)
	s.TryAcquire(&Item{XID: 2, OID: 1, Mode: Read})
	s.TryAcquire(&Item{XID: 3, OID: 1, Mode: Read})
	s.TryAcquire(&Item{XID: 4, OID: 1, Mode: Write})

	promoted := s.Release(1)
	require.Len(t, promoted, 2)
	require.Equal(t, id.XID(2), promoted[0].XID)
	require.Equal(t, id.XID(3), promoted[1].XID)
	require.False(t, s.headWaiterGrantable()) // xid 4's write still blocked by 2,3
}

func TestCancelWaiterRemovesQueuedRequestOnly(t *testing.T) {
	s := NewSlot()
	s.TryAcquire(&Item{XID: 1, OID: 1, Mode: Write})
	s.TryAcquire(&Item{XID: 2, OID: 1, Mode: Read})

	require.True(t, s.CancelWaiter(2, 1))
	require.False(t, s.CancelWaiter(2, 1)) // already gone
	require.False(t, s.CancelWaiter(1, 1)) // not queued, it's granted
}

func TestMakeViolableAdmitsConflictingRequestAndCountsIt(t *testing.T) {
	s := NewSlot()
	s.TryAcquire(&Item{XID: 1, OID: 1, Mode: Write})
	counters := s.MakeViolable(1, Write)
	require.NotNil(t, counters)

	granted, _ := s.TryAcquire(&Item{XID: 2, OID: 1, Mode: Write})
	require.True(t, granted)
	require.Equal(t, 1, counters.WriteViolations)
}

// TestMakeViolableDoesNotShieldAnOtherwiseLiveConflictingGrant covers the
// multi-grant case TestMakeViolableAdmitsConflictingRequestAndCountsIt
// doesn't: xid 1 and xid 2 both hold READ(k); only xid 1's grant is made
// violable. A WRITE from xid 3 must still queue behind xid 2's untouched
// READ grant rather than being let through because *some* grant on the slot
// happens to be violable (spec.md §8 property 1: never a WRITE grant live
// alongside any other grant).
func TestMakeViolableDoesNotShieldAnOtherwiseLiveConflictingGrant(t *testing.T) {
	s := NewSlot()
	granted, _ := s.TryAcquire(&Item{XID: 1, OID: 1, Mode: Read})
	require.True(t, granted)
	granted, _ = s.TryAcquire(&Item{XID: 2, OID: 1, Mode: Read})
	require.True(t, granted)

	counters := s.MakeViolable(1, Read)
	require.NotNil(t, counters)

	granted, holders := s.TryAcquire(&Item{XID: 3, OID: 1, Mode: Write})
	require.False(t, granted)
	require.Equal(t, []id.XID{2}, holders)
	require.Zero(t, counters.WriteViolations)
}
