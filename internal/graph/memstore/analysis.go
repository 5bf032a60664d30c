package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/kalambet/weave/internal/graph"
)

// --- Clusters ---

func (s *Store) ListClusters(ctx context.Context, scope string) ([]graph.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return nil, nil
	}
	clusters := make([]graph.Cluster, 0, len(sd.clusters))
	for _, c := range sd.clusters {
		clusters = append(clusters, copyCluster(c))
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].MemberCount != clusters[j].MemberCount {
			return clusters[i].MemberCount > clusters[j].MemberCount
		}
		return clusters[i].ID < clusters[j].ID
	})
	return clusters, nil
}

func (s *Store) GetClusterByID(ctx context.Context, scope, id string) (graph.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.Cluster{}, graph.ErrNotFound
	}
	c, ok := sd.clusters[id]
	if !ok {
		return graph.Cluster{}, graph.ErrNotFound
	}
	return copyCluster(c), nil
}

func (s *Store) ReplaceClusters(ctx context.Context, scope string, clusters []graph.Cluster, assignments []graph.ClusterAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.scope(scope)
	ts := now()

	// Destructive replacement: drop the old cluster set and every node's
	// membership before installing the new result.
	sd.clusters = make(map[string]graph.Cluster, len(clusters))
	for id, n := range sd.nodes {
		if n.ClusterID != "" {
			n.ClusterID = ""
			n.ClusterSimilarity = 0
			sd.nodes[id] = n
		}
	}

	for _, c := range clusters {
		c.Scope = graph.ResolveScope(scope)
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = ts
		}
		c.UpdatedAt = ts
		sd.clusters[c.ID] = copyCluster(c)
	}

	for _, a := range assignments {
		n, ok := sd.nodes[a.NodeID]
		if !ok {
			continue
		}
		if _, ok := sd.clusters[a.ClusterID]; !ok {
			continue
		}
		n.ClusterID = a.ClusterID
		n.ClusterSimilarity = a.Similarity
		n.UpdatedAt = ts
		sd.nodes[a.NodeID] = n
	}
	return nil
}

func (s *Store) AssignNodeToCluster(ctx context.Context, scope, nodeID, clusterID string, similarity float32) error {
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
	target, ok := sd.clusters[clusterID]
	if !ok {
		return graph.ErrNotFound
	}

	ts := now()
	if prev, ok := sd.clusters[n.ClusterID]; ok && n.ClusterID != clusterID {
		prev.MemberCount--
		prev.UpdatedAt = ts
		sd.clusters[prev.ID] = prev
	}
	if n.ClusterID != clusterID {
		target.MemberCount++
		target.UpdatedAt = ts
		sd.clusters[clusterID] = target
	}

	n.ClusterID = clusterID
	n.ClusterSimilarity = similarity
	n.UpdatedAt = ts
	sd.nodes[nodeID] = n
	return nil
}

func (s *Store) UpdateClusterCentroid(ctx context.Context, scope, clusterID string, centroid []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.ErrNotFound
	}
	c, ok := sd.clusters[clusterID]
	if !ok {
		return graph.ErrNotFound
	}
	c.Centroid = append([]float32(nil), centroid...)
	c.UpdatedAt = now()
	sd.clusters[clusterID] = c
	return nil
}

// --- Suggestions ---

func suggestionKey(from, to, relType string) string {
	return from + "|" + to + "|" + relType
}

func (s *Store) ListSuggestions(ctx context.Context, scope string, status graph.SuggestionStatus) ([]graph.SuggestedEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return nil, nil
	}
	var out []graph.SuggestedEdge
	for _, sg := range sd.suggestions {
		if status != "" && sg.Status != status {
			continue
		}
		out = append(out, copySuggestion(sg))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetSuggestionByID(ctx context.Context, scope, id string) (graph.SuggestedEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.SuggestedEdge{}, graph.ErrNotFound
	}
	sg, ok := sd.suggestions[id]
	if !ok {
		return graph.SuggestedEdge{}, graph.ErrNotFound
	}
	return copySuggestion(sg), nil
}

func (s *Store) UpsertSuggestion(ctx context.Context, scope string, input graph.SuggestionInput) (graph.SuggestedEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.scope(scope)
	ts := now()
	key := suggestionKey(input.FromNodeID, input.ToNodeID, input.RelationshipType)

	for _, sg := range sd.suggestions {
		if suggestionKey(sg.FromNodeID, sg.ToNodeID, sg.RelationshipType) != key {
			continue
		}
		if sg.Status != graph.SuggestionPending {
			// A reviewed decision is final; re-inference does not
			// resurrect it.
			return copySuggestion(sg), nil
		}
		sg.Confidence = input.Confidence
		sg.Reasoning = input.Reasoning
		sg.Evidence = append([]string(nil), input.Evidence...)
		sg.SourceModel = input.SourceModel
		sg.AnalysisRunID = input.AnalysisRunID
		sg.UpdatedAt = ts
		sd.suggestions[sg.ID] = copySuggestion(sg)
		return copySuggestion(sg), nil
	}

	sg := graph.SuggestedEdge{
		ID:               uuid.New().String(),
		Scope:            graph.ResolveScope(scope),
		FromNodeID:       input.FromNodeID,
		ToNodeID:         input.ToNodeID,
		RelationshipType: input.RelationshipType,
		Confidence:       input.Confidence,
		Reasoning:        input.Reasoning,
		Evidence:         input.Evidence,
		Status:           graph.SuggestionPending,
		SourceModel:      input.SourceModel,
		AnalysisRunID:    input.AnalysisRunID,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	sd.suggestions[sg.ID] = copySuggestion(sg)
	return sg, nil
}

func (s *Store) ReviewSuggestion(ctx context.Context, scope, id string, review graph.SuggestionReview) (graph.SuggestedEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.SuggestedEdge{}, graph.ErrNotFound
	}
	sg, ok := sd.suggestions[id]
	if !ok {
		return graph.SuggestedEdge{}, graph.ErrNotFound
	}

	sg.Status = review.Status
	sg.ReviewedBy = review.ReviewedBy
	sg.ReviewReason = review.ReviewReason
	sg.ApprovedEdgeID = review.ApprovedEdgeID
	sg.ReviewedAt = now()
	sg.UpdatedAt = sg.ReviewedAt
	sd.suggestions[id] = copySuggestion(sg)
	return copySuggestion(sg), nil
}

// --- Analysis runs ---

func (s *Store) CreateRun(ctx context.Context, scope string, runType graph.RunType, params map[string]string) (graph.AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.scope(scope)
	ts := now()
	run := graph.AnalysisRun{
		ID:          uuid.New().String(),
		Scope:       graph.ResolveScope(scope),
		RunType:     runType,
		InputParams: params,
		Status:      graph.RunQueued,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	sd.runs[run.ID] = copyRun(run)
	return run, nil
}

func (s *Store) GetRunByID(ctx context.Context, scope, id string) (graph.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.AnalysisRun{}, graph.ErrNotFound
	}
	run, ok := sd.runs[id]
	if !ok {
		return graph.AnalysisRun{}, graph.ErrNotFound
	}
	return copyRun(run), nil
}

func (s *Store) ListRuns(ctx context.Context, scope string, limit int) ([]graph.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd := s.readScope(scope)
	if sd == nil {
		return nil, nil
	}
	runs := make([]graph.AnalysisRun, 0, len(sd.runs))
	for _, r := range sd.runs {
		runs = append(runs, copyRun(r))
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *Store) UpdateRun(ctx context.Context, scope, id string, patch graph.RunPatch) (graph.AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := s.readScope(scope)
	if sd == nil {
		return graph.AnalysisRun{}, graph.ErrNotFound
	}
	run, ok := sd.runs[id]
	if !ok {
		return graph.AnalysisRun{}, graph.ErrNotFound
	}

	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.Progress != nil {
		run.Progress = *patch.Progress
	}
	if patch.Snapshot != nil {
		run.Snapshot = *patch.Snapshot
	}
	if patch.Results != nil {
		run.Results = *patch.Results
	}
	if patch.ErrorMessage != nil {
		run.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorStack != nil {
		run.ErrorStack = *patch.ErrorStack
	}
	if patch.StartedAt != nil {
		run.StartedAt = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = *patch.CompletedAt
	}
	run.UpdatedAt = now()

	sd.runs[id] = copyRun(run)
	return copyRun(run), nil
}
