// Package depgraph tracks formula reference edges between cells.
//
// An edge A → B means "formula in A reads B". The graph is kept acyclic by
// checking WouldCycle before every SetDependencies; Cycles exists for
// auditing graphs rebuilt from storage.
//
// Graph is NOT safe for concurrent use; it is owned by one broker.
package depgraph

import (
	"container/heap"
	"sort"

	"github.com/roach88/sheetsync/internal/formula"
	"github.com/roach88/sheetsync/internal/grid"
)

type addrSet map[grid.Addr]struct{}

// Graph holds the reference edges of one document.
type Graph struct {
	deps  map[grid.Addr]addrSet // cell → cells it reads
	rdeps map[grid.Addr]addrSet // cell → cells that read it
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		deps:  make(map[grid.Addr]addrSet),
		rdeps: make(map[grid.Addr]addrSet),
	}
}

// ReferencedCells returns the cells expr reads, ranges expanded,
// row-major. expr is a formula body without the leading '='.
func ReferencedCells(expr string) []grid.Addr {
	return formula.References(expr)
}

// SetDependencies replaces the outgoing edges of cell with refs.
// Empty refs removes the cell's edges.
func (g *Graph) SetDependencies(cell grid.Addr, refs []grid.Addr) {
	for ref := range g.deps[cell] {
		if set := g.rdeps[ref]; set != nil {
			delete(set, cell)
			if len(set) == 0 {
				delete(g.rdeps, ref)
			}
		}
	}
	delete(g.deps, cell)

	if len(refs) == 0 {
		return
	}
	out := make(addrSet, len(refs))
	for _, ref := range refs {
		out[ref] = struct{}{}
		in := g.rdeps[ref]
		if in == nil {
			in = make(addrSet)
			g.rdeps[ref] = in
		}
		in[cell] = struct{}{}
	}
	g.deps[cell] = out
}

// Dependencies returns the cells that cell reads directly, row-major.
func (g *Graph) Dependencies(cell grid.Addr) []grid.Addr {
	return sorted(g.deps[cell])
}

// Dependents returns the cells that read cell directly, row-major.
func (g *Graph) Dependents(cell grid.Addr) []grid.Addr {
	return sorted(g.rdeps[cell])
}

// Len returns the number of cells with outgoing edges.
func (g *Graph) Len() int {
	return len(g.deps)
}

// AffectedBy returns every cell whose formula transitively reads cell,
// row-major. cell itself is excluded.
func (g *Graph) AffectedBy(cell grid.Addr) []grid.Addr {
	return sorted(g.affected(cell))
}

func (g *Graph) affected(cell grid.Addr) addrSet {
	seen := make(addrSet)
	queue := []grid.Addr{cell}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for d := range g.rdeps[cur] {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			queue = append(queue, d)
		}
	}
	delete(seen, cell)
	return seen
}

// WouldCycle reports whether giving cell the outgoing edges refs would close
// a cycle. When it would, path is the cycle starting and ending at cell,
// e.g. [A1 B1 C1 A1]; a self reference yields [A1 A1].
//
// The check walks existing edges from each ref looking for cell. The cell's
// current edges are ignored since SetDependencies replaces them.
func (g *Graph) WouldCycle(cell grid.Addr, refs []grid.Addr) ([]grid.Addr, bool) {
	visited := make(addrSet)
	for _, ref := range refs {
		if ref == cell {
			return []grid.Addr{cell, cell}, true
		}
	}
	for _, ref := range refs {
		if path, ok := g.pathTo(ref, cell, visited); ok {
			return append([]grid.Addr{cell}, path...), true
		}
	}
	return nil, false
}

// pathTo finds a path from → ... → to over existing edges, skipping the
// outgoing edges of to. Iterative DFS with parent links keeps deep chains
// off the goroutine stack.
func (g *Graph) pathTo(from, to grid.Addr, visited addrSet) ([]grid.Addr, bool) {
	if _, ok := visited[from]; ok {
		return nil, false
	}
	parent := map[grid.Addr]grid.Addr{}
	stack := []grid.Addr{from}
	visited[from] = struct{}{}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			var path []grid.Addr
			for n := cur; ; n = parent[n] {
				path = append(path, n)
				if n == from {
					break
				}
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path, true
		}
		for _, next := range sorted(g.deps[cur]) {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			parent[next] = cur
			stack = append(stack, next)
		}
	}
	return nil, false
}

// RecomputeOrder returns the transitive dependents of cell in topological
// order: every cell appears after all of the cells it reads that are also
// being recomputed. Ties break row-major, so the order is deterministic.
func (g *Graph) RecomputeOrder(cell grid.Addr) []grid.Addr {
	return g.order(g.affected(cell))
}

// Order returns nodes in topological order over the edges between them.
// Nodes caught in a cycle are omitted; see Cycles.
func (g *Graph) Order(nodes []grid.Addr) []grid.Addr {
	set := make(addrSet, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return g.order(set)
}

// order is Kahn's algorithm restricted to the subgraph induced by nodes.
func (g *Graph) order(nodes addrSet) []grid.Addr {
	indegree := make(map[grid.Addr]int, len(nodes))
	for n := range nodes {
		count := 0
		for d := range g.deps[n] {
			if _, ok := nodes[d]; ok && d != n {
				count++
			}
		}
		if _, self := g.deps[n][n]; self {
			count++
		}
		indegree[n] = count
	}

	ready := &addrHeap{}
	for n, deg := range indegree {
		if deg == 0 {
			*ready = append(*ready, n)
		}
	}
	heap.Init(ready)

	result := make([]grid.Addr, 0, len(nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(grid.Addr)
		result = append(result, n)
		for d := range g.rdeps[n] {
			if _, ok := nodes[d]; !ok || d == n {
				continue
			}
			indegree[d]--
			if indegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	return result
}

// addrHeap is a row-major min-heap of addresses.
type addrHeap []grid.Addr

func (h addrHeap) Len() int           { return len(h) }
func (h addrHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h addrHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *addrHeap) Push(x any)        { *h = append(*h, x.(grid.Addr)) }
func (h *addrHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func sorted(set addrSet) []grid.Addr {
	out := make([]grid.Addr, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sortAddrs(out)
	return out
}

func sortAddrs(addrs []grid.Addr) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}
