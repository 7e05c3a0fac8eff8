// Package deadlock maintains the wait-for graph shared by all shard lock
// managers and periodically scans it for cycles (spec.md §4.3). It is
// injected into the lock manager and the transaction context as an explicit
// collaborator rather than a process-wide singleton, per spec.md §9's design
// note on global mutable state.
package deadlock

import (
	"sync"

	"github.com/shardtx/txcore/core/concurrency/id"
)

// Graph is a wait-for graph: an edge A->B means A is waiting on a lock B
// currently holds.
type Graph struct {
	mu    sync.Mutex
	edges map[id.XID]map[id.XID]struct{}
}

// NewGraph returns an empty wait-for graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[id.XID]map[id.XID]struct{})}
}

// AddWaitEdges records that waiter is waiting on each of holders.
func (g *Graph) AddWaitEdges(waiter id.XID, holders []id.XID) {
	if len(holders) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.edges[waiter]
	if !ok {
		out = make(map[id.XID]struct{})
		g.edges[waiter] = out
	}
	for _, h := range holders {
		if h == waiter {
			continue
		}
		out[h] = struct{}{}
	}
}

// RemoveWaitEdges drops every outgoing edge from waiter, used once its
// request is granted or cancelled: it is no longer waiting on anything.
func (g *Graph) RemoveWaitEdges(waiter id.XID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, waiter)
}

// RemoveNode drops xid entirely from the graph: both its outgoing edges and
// any incoming edge naming it as a holder (spec.md's "dl_->tx_finish(xid_)").
func (g *Graph) RemoveNode(xid id.XID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, xid)
	for _, out := range g.edges {
		delete(out, xid)
	}
}

// maxCycleDepth bounds the cycle search so a pathological wait-for graph
// cannot make a detector pass run unbounded (spec.md §4.3 "bounded-depth
// cycle search").
const maxCycleDepth = 64

// FindCycles runs a bounded-depth search over the current graph and returns
// one representative cycle (as a slice of XIDs) per disjoint cycle found.
func (g *Graph) FindCycles() [][]id.XID {
	g.mu.Lock()
	snapshot := make(map[id.XID][]id.XID, len(g.edges))
	for n, out := range g.edges {
		for h := range out {
			snapshot[n] = append(snapshot[n], h)
		}
	}
	g.mu.Unlock()

	var cycles [][]id.XID
	visitedGlobally := make(map[id.XID]bool)

	for start := range snapshot {
		if visitedGlobally[start] {
			continue
		}
		path := []id.XID{start}
		onPath := map[id.XID]int{start: 0}
		if cyc := dfs(snapshot, start, path, onPath, 1, visitedGlobally); cyc != nil {
			cycles = append(cycles, cyc)
		}
	}
	return cycles
}

func dfs(adj map[id.XID][]id.XID, node id.XID, path []id.XID, onPath map[id.XID]int, depth int, visited map[id.XID]bool) []id.XID {
	visited[node] = true
	if depth > maxCycleDepth {
		return nil
	}
	for _, next := range adj[node] {
		if idx, ok := onPath[next]; ok {
			cycle := append([]id.XID{}, path[idx:]...)
			return cycle
		}
		if visited[next] {
			continue
		}
		onPath[next] = len(path)
		if cyc := dfs(adj, next, append(path, next), onPath, depth+1, visited); cyc != nil {
			return cyc
		}
		delete(onPath, next)
	}
	return nil
}

// Victim selects the deadlock victim from a cycle: the highest xid wins,
// i.e. the youngest transaction is aborted, which is simple and
// starvation-free given monotonically increasing xids (spec.md §4.3).
func Victim(cycle []id.XID) id.XID {
	v := cycle[0]
	for _, x := range cycle[1:] {
		if x > v {
			v = x
		}
	}
	return v
}
