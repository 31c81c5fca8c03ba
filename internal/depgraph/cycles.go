package depgraph

import (
	"sort"
	"strings"

	"github.com/roach88/sheetsync/internal/grid"
)

// Cycle is a reference loop found in the graph.
type Cycle struct {
	// Members are the cells of the strongly connected component, row-major.
	Members []grid.Addr

	// Path walks the loop from its first member back to itself,
	// e.g. [A1 B1 A1].
	Path []grid.Addr
}

// String renders the path as "A1 → B1 → A1".
func (c Cycle) String() string {
	return FormatPath(c.Path)
}

// FormatPath renders a cell path as "A1 → B1 → A1".
func FormatPath(path []grid.Addr) string {
	parts := make([]string, len(path))
	for i, a := range path {
		parts[i] = a.String()
	}
	return strings.Join(parts, " → ")
}

// Cycles returns every reference loop in the graph, ordered by first member.
//
// Write-time checks keep a live graph acyclic, so this only finds loops in
// graphs rebuilt from cells that were stored without those checks.
//
// Uses Tarjan's algorithm; components of size > 1 and self-loops are cycles.
func (g *Graph) Cycles() []Cycle {
	var (
		index   = 0
		stack   []grid.Addr
		indices = make(map[grid.Addr]int)
		lowlink = make(map[grid.Addr]int)
		onStack = make(map[grid.Addr]bool)
		cycles  []Cycle
	)

	var strongConnect func(grid.Addr)
	strongConnect = func(v grid.Addr) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range sorted(g.deps[v]) {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var scc []grid.Addr
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		_, selfLoop := g.deps[v][v]
		if len(scc) > 1 || selfLoop {
			sortAddrs(scc)
			cycles = append(cycles, Cycle{Members: scc, Path: g.loopPath(scc)})
		}
	}

	nodes := make([]grid.Addr, 0, len(g.deps))
	for n := range g.deps {
		nodes = append(nodes, n)
	}
	sortAddrs(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].Members[0].Less(cycles[j].Members[0])
	})
	return cycles
}

// loopPath follows edges inside scc from its first member until it returns.
func (g *Graph) loopPath(scc []grid.Addr) []grid.Addr {
	start := scc[0]
	if len(scc) == 1 {
		return []grid.Addr{start, start}
	}
	members := make(addrSet, len(scc))
	for _, a := range scc {
		members[a] = struct{}{}
	}

	path := []grid.Addr{start}
	visited := addrSet{start: {}}
	cur := start
	for {
		var next grid.Addr
		found := false
		for _, n := range sorted(g.deps[cur]) {
			if _, in := members[n]; !in {
				continue
			}
			if n == start {
				return append(path, start)
			}
			if _, seen := visited[n]; !seen {
				next, found = n, true
				break
			}
		}
		if !found {
			return path
		}
		path = append(path, next)
		visited[next] = struct{}{}
		cur = next
	}
}
