package cluster

import (
	"context"
	"fmt"

	"github.com/kalambet/weave/internal/graph"
)

// DBSCAN groups the scope's embedded nodes by density and persists the
// result, replacing any previous cluster set. Epsilon is a cosine
// similarity floor: two nodes are neighbors when their similarity is at
// least epsilon. Nodes whose neighborhood never reaches minSamples stay
// unassigned (noise).
func (e *Engine) DBSCAN(ctx context.Context, scope string, epsilon float32, minSamples int) ([]graph.Cluster, error) {
	if minSamples < 1 {
		return nil, fmt.Errorf("min samples must be at least 1, got %d", minSamples)
	}

	nodes, err := e.embeddedNodes(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return e.persist(ctx, scope, nil, nil)
	}

	neighbors := func(i int) []int {
		var out []int
		for j := range nodes {
			if j == i {
				continue
			}
			if graph.CosineSimilarity(nodes[i].Embedding, nodes[j].Embedding) >= epsilon {
				out = append(out, j)
			}
		}
		return out
	}

	const unassigned = -1
	membership := make([]int, len(nodes))
	for i := range membership {
		membership[i] = unassigned
	}
	visited := make([]bool, len(nodes))
	clusterCount := 0

	for i := range nodes {
		if visited[i] {
			continue
		}
		visited[i] = true

		seed := neighbors(i)
		if len(seed)+1 < minSamples {
			continue // noise unless absorbed by a later expansion
		}

		c := clusterCount
		clusterCount++
		membership[i] = c

		// Breadth-first expansion: each dense neighbor contributes its
		// own neighborhood to the frontier.
		queue := seed
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if membership[j] == unassigned {
				membership[j] = c
			}
			if visited[j] {
				continue
			}
			visited[j] = true

			jn := neighbors(j)
			if len(jn)+1 >= minSamples {
				queue = append(queue, jn...)
			}
		}
	}

	// Centroids are derived from the discovered memberships.
	centroids := make([][]float32, clusterCount)
	for c := 0; c < clusterCount; c++ {
		var members [][]float32
		for i, m := range membership {
			if m == c {
				members = append(members, nodes[i].Embedding)
			}
		}
		centroids[c] = graph.MeanVector(members)
	}

	clusters, assignments := buildResult(nodes, membership, centroids)
	return e.persist(ctx, scope, clusters, assignments)
}
