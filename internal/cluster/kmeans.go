package cluster

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/kalambet/weave/internal/graph"
)

// kmeansIterations is fixed rather than convergence-based to keep run
// latency predictable.
const kmeansIterations = 10

// KMeans partitions the scope's embedded nodes into k clusters and
// persists the result, replacing any previous cluster set. Centroids are
// initialized from a random sample, so results vary run to run.
func (e *Engine) KMeans(ctx context.Context, scope string, k int) ([]graph.Cluster, error) {
	if k <= 0 {
		return nil, fmt.Errorf("cluster count must be positive, got %d", k)
	}
	nodes, err := e.embeddedNodes(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return e.persist(ctx, scope, nil, nil)
	}
	if k > len(nodes) {
		k = len(nodes)
	}

	centroids := make([][]float32, k)
	for i, idx := range rand.Perm(len(nodes))[:k] {
		centroids[i] = append([]float32(nil), nodes[idx].Embedding...)
	}

	membership := make([]int, len(nodes))
	for iter := 0; iter < kmeansIterations; iter++ {
		for i, n := range nodes {
			membership[i] = nearestCentroid(n.Embedding, centroids)
		}

		for c := range centroids {
			var members [][]float32
			for i, m := range membership {
				if m == c {
					members = append(members, nodes[i].Embedding)
				}
			}
			// An empty cluster keeps its prior centroid.
			if len(members) > 0 {
				centroids[c] = graph.MeanVector(members)
			}
		}
	}

	clusters, assignments := buildResult(nodes, membership, centroids)
	return e.persist(ctx, scope, clusters, assignments)
}

func nearestCentroid(vec []float32, centroids [][]float32) int {
	best := 0
	bestSim := graph.CosineSimilarity(vec, centroids[0])
	for c := 1; c < len(centroids); c++ {
		if sim := graph.CosineSimilarity(vec, centroids[c]); sim > bestSim {
			best = c
			bestSim = sim
		}
	}
	return best
}

// buildResult turns a membership vector into persistable clusters and
// assignments, dropping clusters that ended up empty.
func buildResult(nodes []graph.Node, membership []int, centroids [][]float32) ([]graph.Cluster, []graph.ClusterAssignment) {
	var clusters []graph.Cluster
	var assignments []graph.ClusterAssignment

	for c, centroid := range centroids {
		var memberIdx []int
		for i, m := range membership {
			if m == c {
				memberIdx = append(memberIdx, i)
			}
		}
		if len(memberIdx) == 0 {
			continue
		}

		cl := graph.Cluster{
			ID:          clusterID(),
			Label:       clusterLabel(nodes, memberIdx, len(clusters)+1),
			Centroid:    centroid,
			MemberCount: len(memberIdx),
		}

		var sum float32
		for _, i := range memberIdx {
			sim := graph.CosineSimilarity(nodes[i].Embedding, centroid)
			sum += sim
			assignments = append(assignments, graph.ClusterAssignment{
				NodeID:     nodes[i].ID,
				ClusterID:  cl.ID,
				Similarity: sim,
			})
		}
		// Cohesion is the mean member similarity to the centroid.
		cl.Cohesion = sum / float32(len(memberIdx))
		cl.AvgSimilarity = meanPairwise(nodes, memberIdx)
		clusters = append(clusters, cl)
	}
	return clusters, assignments
}

// clusterLabel names a cluster after its best-connected member, falling
// back to an ordinal when that member has no label. Ties keep the
// earliest member.
func clusterLabel(nodes []graph.Node, memberIdx []int, ordinal int) string {
	best := memberIdx[0]
	for _, i := range memberIdx[1:] {
		if nodes[i].TotalCount > nodes[best].TotalCount {
			best = i
		}
	}
	if nodes[best].Label != "" {
		return nodes[best].Label
	}
	return fmt.Sprintf("Cluster %d", ordinal)
}

// meanPairwise averages cosine similarity over distinct member pairs. A
// single-member cluster scores 1.
func meanPairwise(nodes []graph.Node, memberIdx []int) float32 {
	if len(memberIdx) < 2 {
		return 1
	}
	var sum float32
	var pairs int
	for a := 0; a < len(memberIdx); a++ {
		for b := a + 1; b < len(memberIdx); b++ {
			sum += graph.CosineSimilarity(nodes[memberIdx[a]].Embedding, nodes[memberIdx[b]].Embedding)
			pairs++
		}
	}
	return sum / float32(pairs)
}
