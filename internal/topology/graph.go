// Package topology derives the peer mesh for one document from the set of
// registered client ids.
//
// Every client computes the same Graph from the same PeerSet without talking
// to anyone. The graph is the union of two rings: one over the ids in sorted
// order and one over the ids ordered by their xxhash. The sorted ring alone is
// a cycle, so for three or more peers the undirected graph stays connected
// after losing any single edge. The hash ring adds shortcuts that roughly
// halve the hop count for larger meshes. Each client initiates at most two
// connections and accepts at most two, and inserting or removing one id only
// rewires the neighbours of that id on each ring.
package topology

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Graph maps a client id to the ids it initiates connections to.
type Graph map[string][]string

// Build returns the graph for ids. Duplicate and empty ids are ignored.
func Build(ids []string) Graph {
	sorted := normalize(ids)
	graph := make(Graph, len(sorted))
	for _, id := range sorted {
		graph[id] = nil
	}
	if len(sorted) < 2 {
		return graph
	}

	seen := map[edge]struct{}{}
	link := func(from, to string) {
		if from == to {
			return
		}
		key := undirected(from, to)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		graph[from] = append(graph[from], to)
	}

	for i, id := range sorted {
		link(id, sorted[(i+1)%len(sorted)])
	}
	hashed := hashOrder(sorted)
	for i, id := range hashed {
		link(id, hashed[(i+1)%len(hashed)])
	}
	for id := range graph {
		sort.Strings(graph[id])
	}
	return graph
}

// Receivers returns the ids self initiates to.
func (g Graph) Receivers(self string) []string {
	return append([]string(nil), g[self]...)
}

// Senders returns the ids that initiate to self.
func (g Graph) Senders(self string) []string {
	var out []string
	for from, receivers := range g {
		for _, to := range receivers {
			if to == self {
				out = append(out, from)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Neighbors returns every id directly connected to self in either direction.
func (g Graph) Neighbors(self string) []string {
	set := map[string]struct{}{}
	for _, id := range g[self] {
		set[id] = struct{}{}
	}
	for _, id := range g.Senders(self) {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Links returns every neighbour of self mapped to whether self is the
// initiator toward it.
func (g Graph) Links(self string) map[string]bool {
	out := map[string]bool{}
	for _, id := range g.Senders(self) {
		out[id] = false
	}
	for _, id := range g[self] {
		out[id] = true
	}
	return out
}

// Diff reports the neighbours self gains and loses going from prev to next.
// A neighbour whose role flips appears in both.
func Diff(prev, next Graph, self string) (added, removed []string) {
	before, after := prev.Links(self), next.Links(self)
	for id, initiator := range after {
		if was, ok := before[id]; !ok || was != initiator {
			added = append(added, id)
		}
	}
	for id, initiator := range before {
		if now, ok := after[id]; !ok || now != initiator {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Edges returns the number of directed edges.
func (g Graph) Edges() int {
	n := 0
	for _, receivers := range g {
		n += len(receivers)
	}
	return n
}

// Connected reports whether the undirected view of g is connected. The
// optional skip edge is treated as absent.
func (g Graph) Connected(skip ...[2]string) bool {
	if len(g) <= 1 {
		return true
	}
	removed := map[edge]struct{}{}
	for _, e := range skip {
		removed[undirected(e[0], e[1])] = struct{}{}
	}
	adjacency := map[string][]string{}
	for from, receivers := range g {
		for _, to := range receivers {
			if _, ok := removed[undirected(from, to)]; ok {
				continue
			}
			adjacency[from] = append(adjacency[from], to)
			adjacency[to] = append(adjacency[to], from)
		}
	}
	var start string
	for id := range g {
		start = id
		break
	}
	visited := map[string]struct{}{start: {}}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adjacency[current] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return len(visited) == len(g)
}

type edge struct {
	a, b string
}

func undirected(x, y string) edge {
	if x > y {
		x, y = y, x
	}
	return edge{a: x, b: y}
}

func normalize(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func hashOrder(sorted []string) []string {
	out := append([]string(nil), sorted...)
	sort.SliceStable(out, func(i, j int) bool {
		hi, hj := xxhash.Sum64String(out[i]), xxhash.Sum64String(out[j])
		if hi != hj {
			return hi < hj
		}
		return out[i] < out[j]
	})
	return out
}
