package lock

import (
	"github.com/shardtx/txcore/core/concurrency/id"
)

// ViolationCounters accumulates how many subsequent read/write requests a
// violable lock has tolerated (spec.md §4.1 make_violable, §GLOSSARY
// "Violable lock"). Reported back to the client in the commit response.
type ViolationCounters struct {
	ReadViolations  int
	WriteViolations int
}

type grant struct {
	xid      id.XID
	mode     Mode
	violable bool
	counters *ViolationCounters
}

// Slot is the per-(table, shard, key) structure holding the current grant
// set and an ordered wait queue (spec.md §3 "Lock slot"). A Slot is always
// accessed under its owning bucket's mutex (core/concurrency/lockmgr); it
// holds no lock of its own.
type Slot struct {
	grants []grant
	waitQ  []*Item
}

// NewSlot returns an empty lock slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Empty reports whether the slot has no grants and no waiters, so the
// owning bucket can evict it from its hash table.
func (s *Slot) Empty() bool {
	return len(s.grants) == 0 && len(s.waitQ) == 0
}

// conflictsWithGrants names the grants m cannot be admitted alongside. A
// grant that has been made violable (spec.md §4.1 make_violable: "no longer
// blocking readers/writers that arrive") is skipped — a new arrival rides
// past it rather than queuing behind it — but every other, still-ordinary
// grant on the slot keeps blocking normally. This is what keeps the §3/§8
// invariant intact (never a WRITE grant live alongside any other grant):
// a violable READ grant doesn't shield a live non-violable READ grant from
// conflicting with an incoming WRITE.
func (s *Slot) conflictsWithGrants(m Mode) []id.XID {
	var holders []id.XID
	for _, g := range s.grants {
		if g.violable {
			continue
		}
		if !compatible(m, g.mode) {
			holders = append(holders, g.xid)
		}
	}
	return holders
}

func (s *Slot) queueBlocks(m Mode) bool {
	for _, w := range s.waitQ {
		if !compatible(m, w.Mode) {
			return true
		}
	}
	return false
}

// TryAcquire attempts to grant item immediately. It returns true if granted.
// If not granted, item is appended to the wait queue and conflictingHolders
// names the currently-granted transactions item must wait behind, so the
// caller (lockmgr) can record wait-for edges (spec.md §4.1 "acquire"). A
// request that conflicts only with violable grants is granted immediately,
// with each such grant's counters incremented; any other, non-violable
// conflicting grant still blocks it as usual.
func (s *Slot) TryAcquire(item *Item) (granted bool, conflictingHolders []id.XID) {
	holders := s.conflictsWithGrants(item.Mode)
	if len(holders) == 0 && !s.queueBlocks(item.Mode) {
		s.grants = append(s.grants, grant{xid: item.XID, mode: item.Mode})
		s.countViolations(item.Mode)
		return true, nil
	}
	s.waitQ = append(s.waitQ, item)
	return false, holders
}

// countViolations increments the counters of any violable grant that this
// newly-admitted request is conflicting past.
func (s *Slot) countViolations(admitted Mode) {
	for i := range s.grants {
		g := &s.grants[i]
		if !g.violable || g.counters == nil {
			continue
		}
		if compatible(admitted, g.mode) {
			continue
		}
		if admitted == Read {
			g.counters.ReadViolations++
		} else {
			g.counters.WriteViolations++
		}
	}
}

// Release removes every grant xid holds on the slot and promotes as many
// head-of-queue waiters as are now compatible, stopping at the first
// incompatible waiter to preserve FIFO fairness. READ waiters contiguous at
// the head are granted together; barging is disallowed (spec.md §4.1
// "release").
func (s *Slot) Release(xid id.XID) []*Item {
	kept := s.grants[:0:0]
	for _, g := range s.grants {
		if g.xid != xid {
			kept = append(kept, g)
		}
	}
	s.grants = kept

	var promoted []*Item
	for len(s.waitQ) > 0 {
		head := s.waitQ[0]
		holders := s.conflictsWithGrants(head.Mode)
		if len(holders) != 0 {
			break
		}
		s.waitQ = s.waitQ[1:]
		s.grants = append(s.grants, grant{xid: head.XID, mode: head.Mode})
		s.countViolations(head.Mode)
		promoted = append(promoted, head)
	}
	return promoted
}

// CancelWaiter removes a queued (not yet granted) request, used when a
// transaction is chosen as a deadlock victim (spec.md §5 "Cancellation").
func (s *Slot) CancelWaiter(xid id.XID, oid uint32) bool {
	for i, w := range s.waitQ {
		if w.XID == xid && uint32(w.OID) == oid {
			s.waitQ = append(s.waitQ[:i], s.waitQ[i+1:]...)
			return true
		}
	}
	return false
}

// MakeViolable marks xid's grant of mode as no longer blocking new arrivals
// and returns the counters that will accumulate how many read/write
// requests it goes on to tolerate (spec.md §4.1 make_violable).
func (s *Slot) MakeViolable(xid id.XID, mode Mode) *ViolationCounters {
	for i := range s.grants {
		if s.grants[i].xid == xid && s.grants[i].mode == mode {
			if s.grants[i].counters == nil {
				s.grants[i].counters = &ViolationCounters{}
			}
			s.grants[i].violable = true
			return s.grants[i].counters
		}
	}
	return nil
}

// headWaiterGrantable reports whether the head waiter could be granted
// against the current grant set; used by tests asserting §8 property 7.
func (s *Slot) headWaiterGrantable() bool {
	if len(s.waitQ) == 0 {
		return false
	}
	return len(s.conflictsWithGrants(s.waitQ[0].Mode)) == 0
}
