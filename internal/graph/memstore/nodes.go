package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/weave/internal/graph"
)

func (s *Store) ListNodes(ctx context.Context, scope string, filter graph.NodeFilter) ([]graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return nil, nil
	}

	var nodes []graph.Node
	for _, n := range sd.nodes {
		if filter.Domain != "" && n.Domain != filter.Domain {
			continue
		}
		if filter.NodeType != "" && n.NodeType != filter.NodeType {
			continue
		}
		if filter.ClusterID != "" && n.ClusterID != filter.ClusterID {
			continue
		}
		if filter.WithoutEmbed && n.HasEmbedding() {
			continue
		}
		nodes = append(nodes, copyNode(n))
	}

	sortNodes(nodes)
	if filter.Limit > 0 && len(nodes) > filter.Limit {
		nodes = nodes[:filter.Limit]
	}
	return nodes, nil
}

func sortNodes(nodes []graph.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func (s *Store) GetNodeByID(ctx context.Context, scope, id string) (graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.Node{}, graph.ErrNotFound
	}
	n, ok := sd.nodes[id]
	if !ok {
		return graph.Node{}, graph.ErrNotFound
	}
	return copyNode(n), nil
}

func (s *Store) GetNodeBySlug(ctx context.Context, scope, slug string) (graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.Node{}, graph.ErrNotFound
	}
	id, ok := sd.slugToID[slug]
	if !ok {
		return graph.Node{}, graph.ErrNotFound
	}
	return copyNode(sd.nodes[id]), nil
}

func (s *Store) CreateNodes(ctx context.Context, scope string, inputs []graph.NodeInput) ([]graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.scope(scope)
	ts := now()

	var created []graph.Node
	for _, in := range inputs {
		slug := in.Slug
		if slug == "" {
			slug = graph.Slugify(in.Label)
		}
		if _, exists := sd.slugToID[slug]; exists {
			continue // deterministic dedup, not an error
		}

		n := graph.Node{
			ID:          uuid.New().String(),
			Scope:       graph.ResolveScope(scope),
			Slug:        slug,
			Label:       in.Label,
			Domain:      in.Domain,
			NodeType:    in.NodeType,
			Summary:     in.Summary,
			Description: in.Description,
			Content:     in.Content,
			Metadata:    in.Metadata,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		sd.nodes[n.ID] = copyNode(n)
		sd.slugToID[slug] = n.ID
		created = append(created, n)
	}
	return created, nil
}

func (s *Store) UpdateNode(ctx context.Context, scope, id string, patch graph.NodePatch) (graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.Node{}, graph.ErrNotFound
	}
	n, ok := sd.nodes[id]
	if !ok {
		return graph.Node{}, graph.ErrNotFound
	}

	if patch.Label != nil {
		n.Label = *patch.Label
	}
	if patch.Domain != nil {
		n.Domain = *patch.Domain
	}
	if patch.NodeType != nil {
		n.NodeType = *patch.NodeType
	}
	if patch.Summary != nil {
		n.Summary = *patch.Summary
	}
	if patch.Description != nil {
		n.Description = *patch.Description
	}
	if patch.Content != nil {
		n.Content = *patch.Content
	}
	if patch.Metadata != nil {
		n.Metadata = patch.Metadata
	}
	n.UpdatedAt = now()

	sd.nodes[id] = copyNode(n)
	return copyNode(n), nil
}

func (s *Store) DeleteNode(ctx context.Context, scope, id string) (graph.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.DeleteResult{}, graph.ErrNotFound
	}
	n, ok := sd.nodes[id]
	if !ok {
		return graph.DeleteResult{}, graph.ErrNotFound
	}

	// Cascade: remove every edge touching the node and remember the
	// surviving endpoints so their counts can be recomputed.
	touched := make(map[string]bool)
	removed := 0
	for eid, e := range sd.edges {
		if e.FromNodeID == id || e.ToNodeID == id {
			delete(sd.edges, eid)
			removed++
			if e.FromNodeID != id {
				touched[e.FromNodeID] = true
			}
			if e.ToNodeID != id {
				touched[e.ToNodeID] = true
			}
		}
	}

	delete(sd.nodes, id)
	delete(sd.slugToID, n.Slug)
	for nid := range touched {
		sd.recountConnections(nid)
	}

	return graph.DeleteResult{Deleted: true, EdgesRemoved: removed}, nil
}

// recountConnections refreshes the cached connection counts for one node.
func (sd *scopeData) recountConnections(nodeID string) {
	n, ok := sd.nodes[nodeID]
	if !ok {
		return
	}
	in, out := 0, 0
	for _, e := range sd.edges {
		if e.ToNodeID == nodeID {
			in++
		}
		if e.FromNodeID == nodeID {
			out++
		}
	}
	n.InboundCount = in
	n.OutboundCount = out
	n.TotalCount = in + out
	sd.nodes[nodeID] = n
}

func (s *Store) SetNodeEmbedding(ctx context.Context, scope, nodeID string, vec []float32, model string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.ErrNotFound
	}
	n, ok := sd.nodes[nodeID]
	if !ok {
		return graph.ErrNotFound
	}

	n.Embedding = append([]float32(nil), vec...)
	n.EmbeddingModel = model
	n.EmbeddingAt = at.UTC()
	n.UpdatedAt = now()
	sd.nodes[nodeID] = n
	return nil
}

func (s *Store) ClearNodeEmbeddings(ctx context.Context, scope string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return 0, nil
	}

	cleared := 0
	for id, n := range sd.nodes {
		if !n.HasEmbedding() {
			continue
		}
		n.Embedding = nil
		n.EmbeddingModel = ""
		n.EmbeddingAt = time.Time{}
		n.UpdatedAt = now()
		sd.nodes[id] = n
		cleared++
	}
	return cleared, nil
}

func (s *Store) FindSimilarNodeIDs(ctx context.Context, scope, nodeID string, opts graph.SimilarityOptions) ([]graph.SimilarNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return nil, graph.ErrNotFound
	}
	base, ok := sd.nodes[nodeID]
	if !ok {
		return nil, graph.ErrNotFound
	}
	if !base.HasEmbedding() {
		return nil, nil
	}

	candidates := make([]graph.NodeVector, 0, len(sd.nodes))
	for id, n := range sd.nodes {
		if n.HasEmbedding() {
			candidates = append(candidates, graph.NodeVector{NodeID: id, Embedding: n.Embedding})
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	return graph.RankBySimilarity(base.Embedding, candidates, nodeID, opts.MinSimilarity, limit), nil
}
