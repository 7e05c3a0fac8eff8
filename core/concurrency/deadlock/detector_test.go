package deadlock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/id"
)

func TestFindCyclesDetectsSimpleCycle(t *testing.T) {
	g := NewGraph()
	g.AddWaitEdges(1, []id.XID{2})
	g.AddWaitEdges(2, []id.XID{1})

	cycles := g.FindCycles()
	require.Len(t, cycles, 1)
	require.Contains(t, cycles[0], id.XID(1))
	require.Contains(t, cycles[0], id.XID(2))
}

func TestFindCyclesIgnoresAcyclicWaitChain(t *testing.T) {
	g := NewGraph()
	g.AddWaitEdges(1, []id.XID{2})
	g.AddWaitEdges(2, []id.XID{3})

	require.Empty(t, g.FindCycles())
}

func TestVictimPicksHighestXID(t *testing.T) {
	require.Equal(t, id.XID(5), Victim([]id.XID{2, 5, 3}))
}

func TestRemoveNodeDropsIncomingAndOutgoingEdges(t *testing.T) {
	g := NewGraph()
	g.AddWaitEdges(1, []id.XID{2})
	g.AddWaitEdges(3, []id.XID{1})

	g.RemoveNode(1)
	require.Empty(t, g.FindCycles())
	g.mu.Lock()
	_, hasOut := g.edges[1]
	_, hasIn := g.edges[3][1]
	g.mu.Unlock()
	require.False(t, hasOut)
	require.False(t, hasIn)
}

func TestDetectorScanOnceCallsVictimFuncForEachCycle(t *testing.T) {
	g := NewGraph()
	g.AddWaitEdges(1, []id.XID{2})
	g.AddWaitEdges(2, []id.XID{1})
	g.AddWaitEdges(10, []id.XID{11})
	g.AddWaitEdges(11, []id.XID{10})

	var victims []id.XID
	d := NewDetector(g, 0, func(v id.XID) { victims = append(victims, v) }, nil, zap.NewNop())
	d.ScanOnceForTest()

	require.ElementsMatch(t, []id.XID{2, 11}, victims)
}

func TestBoundedDepthSearchTerminatesOnLongChain(t *testing.T) {
	g := NewGraph()
	for i := id.XID(0); i < maxCycleDepth*2; i++ {
		g.AddWaitEdges(i, []id.XID{i + 1})
	}
	require.Empty(t, g.FindCycles())
}
