package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kalambet/weave/internal/graph"
)

func (s *Store) GetSettings(ctx context.Context, scope string) (graph.Settings, error) {
	resolved := graph.ResolveScope(scope)

	var st graph.Settings
	var autoApprove int
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, embedding_model, similarity_threshold, min_confidence,
			auto_approve, auto_approve_min_confidence, cluster_count, updated_at
		FROM settings WHERE scope = ?`, resolved).Scan(
		&st.Scope, &st.EmbeddingModel, &st.SimilarityThreshold, &st.MinConfidence,
		&autoApprove, &st.AutoApproveMinConfidence, &st.ClusterCount, &updatedAt)
	if err == sql.ErrNoRows {
		return graph.DefaultSettings(scope), nil
	}
	if err != nil {
		return graph.Settings{}, fmt.Errorf("reading settings: %w", err)
	}
	st.AutoApprove = autoApprove != 0
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.Settings{}, err
	}
	return st, nil
}

func (s *Store) UpdateSettings(ctx context.Context, scope string, patch graph.SettingsPatch) (graph.Settings, error) {
	cur, err := s.GetSettings(ctx, scope)
	if err != nil {
		return graph.Settings{}, err
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
	return cur, s.writeSettings(ctx, cur)
}

func (s *Store) ResetSettings(ctx context.Context, scope string) (graph.Settings, error) {
	def := graph.DefaultSettings(scope)
	def.UpdatedAt = now()
	return def, s.writeSettings(ctx, def)
}

func (s *Store) writeSettings(ctx context.Context, st graph.Settings) error {
	autoApprove := 0
	if st.AutoApprove {
		autoApprove = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (scope, embedding_model, similarity_threshold, min_confidence, auto_approve, auto_approve_min_confidence, cluster_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope) DO UPDATE SET
			embedding_model = excluded.embedding_model,
			similarity_threshold = excluded.similarity_threshold,
			min_confidence = excluded.min_confidence,
			auto_approve = excluded.auto_approve,
			auto_approve_min_confidence = excluded.auto_approve_min_confidence,
			cluster_count = excluded.cluster_count,
			updated_at = excluded.updated_at`,
		st.Scope, st.EmbeddingModel, st.SimilarityThreshold, st.MinConfidence,
		autoApprove, st.AutoApproveMinConfidence, st.ClusterCount, fmtTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

func (s *Store) GetGraph(ctx context.Context, scope string, limit int) (graph.SubGraph, error) {
	nodes, err := s.ListNodes(ctx, scope, graph.NodeFilter{Limit: limit})
	if err != nil {
		return graph.SubGraph{}, err
	}
	edges, err := s.edgesAmong(ctx, scope, nodes)
	if err != nil {
		return graph.SubGraph{}, err
	}
	return graph.SubGraph{Nodes: nodes, Edges: edges}, nil
}

// edgesAmong returns the edges whose endpoints are both in nodes.
func (s *Store) edgesAmong(ctx context.Context, scope string, nodes []graph.Node) ([]graph.Edge, error) {
	included := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		included[n.ID] = true
	}
	all, err := s.ListEdges(ctx, scope, graph.EdgeFilter{})
	if err != nil {
		return nil, err
	}
	var edges []graph.Edge
	for _, e := range all {
		if included[e.FromNodeID] && included[e.ToNodeID] {
			edges = append(edges, e)
		}
	}
	return edges, nil
}

func (s *Store) ExpandGraph(ctx context.Context, scope, nodeID string, depth int) (graph.SubGraph, error) {
	if _, err := s.GetNodeByID(ctx, scope, nodeID); err != nil {
		return graph.SubGraph{}, err
	}
	if depth <= 0 {
		depth = 1
	}

	all, err := s.ListEdges(ctx, scope, graph.EdgeFilter{})
	if err != nil {
		return graph.SubGraph{}, err
	}
	reachable := graph.NewTraversal(all).Neighborhood(nodeID, depth)

	var nodes []graph.Node
	allNodes, err := s.ListNodes(ctx, scope, graph.NodeFilter{})
	if err != nil {
		return graph.SubGraph{}, err
	}
	for _, n := range allNodes {
		if reachable[n.ID] {
			nodes = append(nodes, n)
		}
	}

	edges, err := s.edgesAmong(ctx, scope, nodes)
	if err != nil {
		return graph.SubGraph{}, err
	}
	return graph.SubGraph{Nodes: nodes, Edges: edges}, nil
}

func (s *Store) FindPaths(ctx context.Context, scope, fromID, toID string, opts graph.PathOptions) ([]graph.Path, error) {
	if _, err := s.GetNodeByID(ctx, scope, fromID); err != nil {
		return nil, err
	}
	if _, err := s.GetNodeByID(ctx, scope, toID); err != nil {
		return nil, err
	}

	all, err := s.ListEdges(ctx, scope, graph.EdgeFilter{})
	if err != nil {
		return nil, err
	}
	return graph.NewTraversal(all).FindPaths(fromID, toID, opts), nil
}
