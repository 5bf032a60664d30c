package graph

import "sort"

// DefaultMaxPathDepth bounds path enumeration when the caller does not set
// a limit.
const DefaultMaxPathDepth = 5

// arc is one traversable step derived from an edge.
type arc struct {
	to   string
	edge Edge
}

// Traversal holds precomputed adjacency over one scope's edge set.
// Directed adjacency honors each edge's direction, with a reverse arc
// added for bidirectional edges; undirected adjacency ignores direction
// and is used for neighborhood expansion.
type Traversal struct {
	out   map[string][]arc
	undir map[string][]arc
}

// NewTraversal builds adjacency lists from the given edges.
func NewTraversal(edges []Edge) *Traversal {
	t := &Traversal{
		out:   make(map[string][]arc),
		undir: make(map[string][]arc),
	}
	for _, e := range edges {
		t.out[e.FromNodeID] = append(t.out[e.FromNodeID], arc{to: e.ToNodeID, edge: e})
		if e.Bidirectional {
			t.out[e.ToNodeID] = append(t.out[e.ToNodeID], arc{to: e.FromNodeID, edge: e})
		}
		t.undir[e.FromNodeID] = append(t.undir[e.FromNodeID], arc{to: e.ToNodeID, edge: e})
		t.undir[e.ToNodeID] = append(t.undir[e.ToNodeID], arc{to: e.FromNodeID, edge: e})
	}
	return t
}

// FindPaths enumerates cycle-free paths from fromID to toID.
// PathShortest returns at most one path: fewest hops, ties broken by
// highest total strength. PathAll returns every simple path up to the hop
// limit, sorted by (length asc, total strength desc).
func (t *Traversal) FindPaths(fromID, toID string, opts PathOptions) []Path {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxPathDepth
	}

	paths := t.allSimplePaths(fromID, toID, maxDepth)
	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].Length() != paths[j].Length() {
			return paths[i].Length() < paths[j].Length()
		}
		return paths[i].TotalStrength > paths[j].TotalStrength
	})

	if opts.Algorithm == PathShortest && len(paths) > 1 {
		paths = paths[:1]
	}
	return paths
}

// allSimplePaths runs a depth-first walk that never revisits a node
// already on the current path.
func (t *Traversal) allSimplePaths(fromID, toID string, maxDepth int) []Path {
	if fromID == toID {
		return nil
	}

	var paths []Path
	onPath := map[string]bool{fromID: true}
	nodeTrail := []string{fromID}
	var edgeTrail []Edge

	var walk func(current string)
	walk = func(current string) {
		if len(edgeTrail) >= maxDepth {
			return
		}
		for _, a := range t.out[current] {
			if onPath[a.to] {
				continue
			}
			nodeTrail = append(nodeTrail, a.to)
			edgeTrail = append(edgeTrail, a.edge)

			if a.to == toID {
				paths = append(paths, snapshotPath(nodeTrail, edgeTrail))
			} else {
				onPath[a.to] = true
				walk(a.to)
				delete(onPath, a.to)
			}

			nodeTrail = nodeTrail[:len(nodeTrail)-1]
			edgeTrail = edgeTrail[:len(edgeTrail)-1]
		}
	}
	walk(fromID)
	return paths
}

func snapshotPath(nodes []string, edges []Edge) Path {
	p := Path{
		NodeIDs: append([]string(nil), nodes...),
		EdgeIDs: make([]string, len(edges)),
	}
	for i, e := range edges {
		p.EdgeIDs[i] = e.ID
		p.TotalStrength += e.Strength
	}
	return p
}

// Neighborhood returns the set of node ids reachable from startID within
// depth hops, ignoring edge direction. The start node is included.
func (t *Traversal) Neighborhood(startID string, depth int) map[string]bool {
	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for _, a := range t.undir[id] {
				if !visited[a.to] {
					visited[a.to] = true
					next = append(next, a.to)
				}
			}
		}
		frontier = next
	}
	return visited
}
