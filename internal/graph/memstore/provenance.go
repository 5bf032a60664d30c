package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/weave/internal/graph"
)

func sourceKey(scope, connector, name string) string {
	return graph.ResolveScope(scope) + "|" + connector + "|" + name
}

func itemKey(sourceID, externalID string) string {
	return sourceID + "|" + externalID
}

func (s *Store) UpsertSource(ctx context.Context, scope, connector, name string, config map[string]string) (graph.IngestionSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sourceKey(scope, connector, name)
	ts := now()
	if id, ok := s.sourceByKey[key]; ok {
		src := s.sources[id]
		if config != nil {
			src.Config = config
			src.UpdatedAt = ts
			s.sources[id] = copySource(src)
		}
		return copySource(src), nil
	}

	src := graph.IngestionSource{
		ID:        uuid.New().String(),
		Scope:     graph.ResolveScope(scope),
		Connector: connector,
		Name:      name,
		Config:    config,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	s.sources[src.ID] = copySource(src)
	s.sourceByKey[key] = src.ID
	return src, nil
}

func (s *Store) GetSourceByKey(ctx context.Context, scope, connector, name string) (graph.IngestionSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sourceByKey[sourceKey(scope, connector, name)]
	if !ok {
		return graph.IngestionSource{}, graph.ErrNotFound
	}
	return copySource(s.sources[id]), nil
}

func (s *Store) GetSourceItem(ctx context.Context, sourceID, externalID string) (graph.SourceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.itemByKey[itemKey(sourceID, externalID)]
	if !ok {
		return graph.SourceItem{}, graph.ErrNotFound
	}
	return s.items[id], nil
}

func (s *Store) UpsertSourceItem(ctx context.Context, item graph.SourceItem) (graph.SourceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	key := itemKey(item.SourceID, item.ExternalID)
	if id, ok := s.itemByKey[key]; ok {
		existing := s.items[id]
		existing.NodeID = item.NodeID
		existing.ContentHash = item.ContentHash
		existing.LastSeenAt = item.LastSeenAt
		existing.DeletedAt = item.DeletedAt
		existing.UpdatedAt = ts
		s.items[id] = existing
		return existing, nil
	}

	item.ID = uuid.New().String()
	item.CreatedAt = ts
	item.UpdatedAt = ts
	s.items[item.ID] = item
	s.itemByKey[key] = item.ID
	return item, nil
}

func (s *Store) ListSourceItems(ctx context.Context, sourceID string) ([]graph.SourceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []graph.SourceItem
	for _, it := range s.items {
		if it.SourceID == sourceID {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ExternalID < items[j].ExternalID })
	return items, nil
}

func (s *Store) SoftDeleteSourceItem(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return graph.ErrNotFound
	}
	it.DeletedAt = at.UTC()
	it.UpdatedAt = now()
	s.items[id] = it
	return nil
}

func (s *Store) HardDeleteSourceItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return graph.ErrNotFound
	}
	delete(s.items, id)
	delete(s.itemByKey, itemKey(it.SourceID, it.ExternalID))
	return nil
}

func (s *Store) CreateSyncRun(ctx context.Context, run graph.SyncRun) (graph.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = graph.SyncRunning
	}
	s.syncRuns[run.ID] = copySyncRun(run)
	return run, nil
}

func (s *Store) UpdateSyncRun(ctx context.Context, run graph.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.syncRuns[run.ID]; !ok {
		return graph.ErrNotFound
	}
	s.syncRuns[run.ID] = copySyncRun(run)
	return nil
}

func (s *Store) ListSyncRuns(ctx context.Context, sourceID string, limit int) ([]graph.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []graph.SyncRun
	for _, r := range s.syncRuns {
		if r.SourceID == sourceID {
			runs = append(runs, copySyncRun(r))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
