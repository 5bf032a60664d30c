package memstore

import (
	"context"

	"github.com/kalambet/weave/internal/graph"
)

func (s *Store) GetSettings(ctx context.Context, scope string) (graph.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil || sd.settings == nil {
		return graph.DefaultSettings(scope), nil
	}
	return *sd.settings, nil
}

func (s *Store) UpdateSettings(ctx context.Context, scope string, patch graph.SettingsPatch) (graph.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.scope(scope)
	cur := graph.DefaultSettings(scope)
	if sd.settings != nil {
		cur = *sd.settings
	}

	if patch.EmbeddingModel != nil {
		cur.EmbeddingModel = *patch.EmbeddingModel
	}
	if patch.SimilarityThreshold != nil {
		cur.SimilarityThreshold = *patch.SimilarityThreshold
	}
	if patch.MinConfidence != nil {
		cur.MinConfidence = *patch.MinConfidence
	}
	if patch.AutoApprove != nil {
		cur.AutoApprove = *patch.AutoApprove
	}
	if patch.AutoApproveMinConfidence != nil {
		cur.AutoApproveMinConfidence = *patch.AutoApproveMinConfidence
	}
	if patch.ClusterCount != nil {
		cur.ClusterCount = *patch.ClusterCount
	}
	cur.UpdatedAt = now()

	sd.settings = &cur
	return cur, nil
}

func (s *Store) ResetSettings(ctx context.Context, scope string) (graph.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.scope(scope)
	def := graph.DefaultSettings(scope)
	def.UpdatedAt = now()
	sd.settings = &def
	return def, nil
}

func (s *Store) GetGraph(ctx context.Context, scope string, limit int) (graph.SubGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.SubGraph{}, nil
	}

	nodes := make([]graph.Node, 0, len(sd.nodes))
	for _, n := range sd.nodes {
		nodes = append(nodes, copyNode(n))
	}
	sortNodes(nodes)
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}

	return graph.SubGraph{Nodes: nodes, Edges: sd.edgesAmong(nodes)}, nil
}

// edgesAmong returns copies of the edges whose endpoints are both in nodes.
func (sd *scopeData) edgesAmong(nodes []graph.Node) []graph.Edge {
	included := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		included[n.ID] = true
	}
	var edges []graph.Edge
	for _, e := range sd.edges {
		if included[e.FromNodeID] && included[e.ToNodeID] {
			edges = append(edges, copyEdge(e))
		}
	}
	return edges
}

func (s *Store) ExpandGraph(ctx context.Context, scope, nodeID string, depth int) (graph.SubGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.SubGraph{}, graph.ErrNotFound
	}
	if _, ok := sd.nodes[nodeID]; !ok {
		return graph.SubGraph{}, graph.ErrNotFound
	}
	if depth <= 0 {
		depth = 1
	}

	edges := make([]graph.Edge, 0, len(sd.edges))
	for _, e := range sd.edges {
		edges = append(edges, e)
	}
	reachable := graph.NewTraversal(edges).Neighborhood(nodeID, depth)

	var nodes []graph.Node
	for id := range reachable {
		nodes = append(nodes, copyNode(sd.nodes[id]))
	}
	sortNodes(nodes)

	return graph.SubGraph{Nodes: nodes, Edges: sd.edgesAmong(nodes)}, nil
}

func (s *Store) FindPaths(ctx context.Context, scope, fromID, toID string, opts graph.PathOptions) ([]graph.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return nil, graph.ErrNotFound
	}
	if _, ok := sd.nodes[fromID]; !ok {
		return nil, graph.ErrNotFound
	}
	if _, ok := sd.nodes[toID]; !ok {
		return nil, graph.ErrNotFound
	}

	edges := make([]graph.Edge, 0, len(sd.edges))
	for _, e := range sd.edges {
		edges = append(edges, e)
	}
	return graph.NewTraversal(edges).FindPaths(fromID, toID, opts), nil
}
