// Package cluster partitions embedded nodes into clusters and maintains
// cluster membership as the graph evolves.
package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/weave/internal/graph"
)

func clusterID() string { return uuid.New().String() }

// Store is the storage surface the engine needs.
type Store interface {
	graph.GraphStore
	graph.ClusterStore
}

// Engine runs clustering over a scope's embedded nodes.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// NewEngine wires an Engine over the given store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// embeddedNodes loads the scope's nodes that carry an embedding.
func (e *Engine) embeddedNodes(ctx context.Context, scope string) ([]graph.Node, error) {
	all, err := e.store.ListNodes(ctx, scope, graph.NodeFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	nodes := all[:0]
	for _, n := range all {
		if n.HasEmbedding() {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// persist replaces the scope's cluster set in one transaction.
func (e *Engine) persist(ctx context.Context, scope string, clusters []graph.Cluster, assignments []graph.ClusterAssignment) ([]graph.Cluster, error) {
	if err := e.store.ReplaceClusters(ctx, scope, clusters, assignments); err != nil {
		return nil, fmt.Errorf("replacing clusters: %w", err)
	}
	e.logger.Info("clusters replaced",
		"scope", graph.ResolveScope(scope),
		"clusters", len(clusters),
		"assigned", len(assignments))
	return e.store.ListClusters(ctx, scope)
}

// FindBestCluster returns the existing cluster whose centroid is most
// similar to the node's embedding.
func (e *Engine) FindBestCluster(ctx context.Context, scope, nodeID string) (string, float32, error) {
	node, err := e.store.GetNodeByID(ctx, scope, nodeID)
	if err != nil {
		return "", 0, fmt.Errorf("loading node: %w", err)
	}
	if !node.HasEmbedding() {
		return "", 0, fmt.Errorf("node %s has no embedding", nodeID)
	}

	clusters, err := e.store.ListClusters(ctx, scope)
	if err != nil {
		return "", 0, fmt.Errorf("listing clusters: %w", err)
	}
	if len(clusters) == 0 {
		return "", 0, graph.ErrNotFound
	}

	bestID := ""
	var bestSim float32
	for _, c := range clusters {
		sim := graph.CosineSimilarity(node.Embedding, c.Centroid)
		if bestID == "" || sim > bestSim {
			bestID = c.ID
			bestSim = sim
		}
	}
	return bestID, bestSim, nil
}

// AssignToCluster places a single node into its best-matching existing
// cluster without re-running full clustering.
func (e *Engine) AssignToCluster(ctx context.Context, scope, nodeID string) error {
	clusterID, sim, err := e.FindBestCluster(ctx, scope, nodeID)
	if err != nil {
		return err
	}
	if err := e.store.AssignNodeToCluster(ctx, scope, nodeID, clusterID, sim); err != nil {
		return fmt.Errorf("assigning node: %w", err)
	}
	return nil
}

// RecomputeCentroid replaces a cluster's centroid with the mean embedding
// of its current members. A cluster with no embedded members is left
// untouched.
func (e *Engine) RecomputeCentroid(ctx context.Context, scope, clusterID string) error {
	members, err := e.store.ListNodes(ctx, scope, graph.NodeFilter{ClusterID: clusterID})
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}

	vecs := make([][]float32, 0, len(members))
	for _, n := range members {
		if n.HasEmbedding() {
			vecs = append(vecs, n.Embedding)
		}
	}
	if len(vecs) == 0 {
		return nil
	}

	if err := e.store.UpdateClusterCentroid(ctx, scope, clusterID, graph.MeanVector(vecs)); err != nil {
		return fmt.Errorf("updating centroid: %w", err)
	}
	return nil
}
