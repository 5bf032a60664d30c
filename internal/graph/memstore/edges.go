package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/kalambet/weave/internal/graph"
)

func edgeKey(from, to, relType string) string {
	return from + "|" + to + "|" + relType
}

func (s *Store) ListEdges(ctx context.Context, scope string, filter graph.EdgeFilter) ([]graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return nil, nil
	}

	var edges []graph.Edge
	for _, e := range sd.edges {
		if filter.NodeID != "" && e.FromNodeID != filter.NodeID && e.ToNodeID != filter.NodeID {
			continue
		}
		if filter.RelationshipType != "" && e.RelationshipType != filter.RelationshipType {
			continue
		}
		if filter.Source != "" && e.Source != filter.Source {
			continue
		}
		edges = append(edges, copyEdge(e))
	}

	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].CreatedAt.Before(edges[j].CreatedAt)
		}
		return edges[i].ID < edges[j].ID
	})
	if filter.Limit > 0 && len(edges) > filter.Limit {
		edges = edges[:filter.Limit]
	}
	return edges, nil
}

func (s *Store) GetEdgeByID(ctx context.Context, scope, id string) (graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.Edge{}, graph.ErrNotFound
	}
	e, ok := sd.edges[id]
	if !ok {
		return graph.Edge{}, graph.ErrNotFound
	}
	return copyEdge(e), nil
}

func (s *Store) CreateEdges(ctx context.Context, scope string, inputs []graph.EdgeInput) ([]graph.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.scope(scope)

	existing := make(map[string]bool, len(sd.edges))
	for _, e := range sd.edges {
		existing[edgeKey(e.FromNodeID, e.ToNodeID, e.RelationshipType)] = true
	}

	ts := now()
	var created []graph.Edge
	touched := make(map[string]bool)
	for _, in := range inputs {
		if _, ok := sd.nodes[in.FromNodeID]; !ok {
			return created, fmt.Errorf("from node %s: %w", in.FromNodeID, graph.ErrNotFound)
		}
		if _, ok := sd.nodes[in.ToNodeID]; !ok {
			return created, fmt.Errorf("to node %s: %w", in.ToNodeID, graph.ErrNotFound)
		}
		key := edgeKey(in.FromNodeID, in.ToNodeID, in.RelationshipType)
		if existing[key] {
			continue // unique on (scope, from, to, type)
		}
		existing[key] = true

		source := in.Source
		if source == "" {
			source = graph.SourceManual
		}
		e := graph.Edge{
			ID:               uuid.New().String(),
			Scope:            graph.ResolveScope(scope),
			FromNodeID:       in.FromNodeID,
			ToNodeID:         in.ToNodeID,
			RelationshipType: in.RelationshipType,
			Strength:         in.Strength,
			Confidence:       in.Confidence,
			Evidence:         in.Evidence,
			Source:           source,
			Bidirectional:    in.Bidirectional,
			CreatedAt:        ts,
			UpdatedAt:        ts,
		}
		sd.edges[e.ID] = copyEdge(e)
		created = append(created, e)
		touched[e.FromNodeID] = true
		touched[e.ToNodeID] = true
	}

	for nid := range touched {
		sd.recountConnections(nid)
	}
	return created, nil
}

func (s *Store) UpdateEdge(ctx context.Context, scope, id string, patch graph.EdgePatch) (graph.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.Edge{}, graph.ErrNotFound
	}
	e, ok := sd.edges[id]
	if !ok {
		return graph.Edge{}, graph.ErrNotFound
	}

	if patch.RelationshipType != nil {
		e.RelationshipType = *patch.RelationshipType
	}
	if patch.Strength != nil {
		e.Strength = *patch.Strength
	}
	if patch.Confidence != nil {
		e.Confidence = *patch.Confidence
	}
	if patch.Evidence != nil {
		e.Evidence = patch.Evidence
	}
	if patch.Bidirectional != nil {
		e.Bidirectional = *patch.Bidirectional
	}
	e.UpdatedAt = now()

	sd.edges[id] = copyEdge(e)
	return copyEdge(e), nil
}

func (s *Store) DeleteEdge(ctx context.Context, scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.ErrNotFound
	}
	e, ok := sd.edges[id]
	if !ok {
		return graph.ErrNotFound
	}

	delete(sd.edges, id)
	sd.recountConnections(e.FromNodeID)
	sd.recountConnections(e.ToNodeID)
	return nil
}
