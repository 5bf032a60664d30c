package memstore

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/weave/internal/graph"
)

// dump is the JSON-serializable image of the whole store, used by the
// file-backed store for its snapshot file.
type dump struct {
	Scopes   map[string]scopeDump    `json:"scopes"`
	Sources  []graph.IngestionSource `json:"sources"`
	Items    []graph.SourceItem      `json:"items"`
	SyncRuns []graph.SyncRun         `json:"sync_runs"`
}

type scopeDump struct {
	Nodes       []graph.Node          `json:"nodes"`
	Edges       []graph.Edge          `json:"edges"`
	Clusters    []graph.Cluster       `json:"clusters"`
	Suggestions []graph.SuggestedEdge `json:"suggestions"`
	Runs        []graph.AnalysisRun   `json:"runs"`
	Settings    *graph.Settings       `json:"settings,omitempty"`
}

// Snapshot serializes the entire store to JSON.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := dump{Scopes: make(map[string]scopeDump, len(s.scopes))}
	for name, sd := range s.scopes {
		var sc scopeDump
		for _, n := range sd.nodes {
			sc.Nodes = append(sc.Nodes, n)
		}
		for _, e := range sd.edges {
			sc.Edges = append(sc.Edges, e)
		}
		for _, c := range sd.clusters {
			sc.Clusters = append(sc.Clusters, c)
		}
		for _, sg := range sd.suggestions {
			sc.Suggestions = append(sc.Suggestions, sg)
		}
		for _, r := range sd.runs {
			sc.Runs = append(sc.Runs, r)
		}
		sc.Settings = sd.settings
		d.Scopes[name] = sc
	}
	for _, src := range s.sources {
		d.Sources = append(d.Sources, src)
	}
	for _, it := range s.items {
		d.Items = append(d.Items, it)
	}
	for _, r := range s.syncRuns {
		d.SyncRuns = append(d.SyncRuns, r)
	}

	return json.Marshal(d)
}

// Restore replaces the store's contents with a previously taken snapshot,
// rebuilding all secondary indexes.
func (s *Store) Restore(data []byte) error {
	var d dump
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.scopes = make(map[string]*scopeData, len(d.Scopes))
	for name, sc := range d.Scopes {
		sd := &scopeData{
			nodes:       make(map[string]graph.Node, len(sc.Nodes)),
			slugToID:    make(map[string]string, len(sc.Nodes)),
			edges:       make(map[string]graph.Edge, len(sc.Edges)),
			clusters:    make(map[string]graph.Cluster, len(sc.Clusters)),
			suggestions: make(map[string]graph.SuggestedEdge, len(sc.Suggestions)),
			runs:        make(map[string]graph.AnalysisRun, len(sc.Runs)),
			settings:    sc.Settings,
		}
		for _, n := range sc.Nodes {
			sd.nodes[n.ID] = n
			sd.slugToID[n.Slug] = n.ID
		}
		for _, e := range sc.Edges {
			sd.edges[e.ID] = e
		}
		for _, c := range sc.Clusters {
			sd.clusters[c.ID] = c
		}
		for _, sg := range sc.Suggestions {
			sd.suggestions[sg.ID] = sg
		}
		for _, r := range sc.Runs {
			sd.runs[r.ID] = r
		}
		s.scopes[name] = sd
	}

	s.sources = make(map[string]graph.IngestionSource, len(d.Sources))
	s.sourceByKey = make(map[string]string, len(d.Sources))
	for _, src := range d.Sources {
		s.sources[src.ID] = src
		s.sourceByKey[sourceKey(src.Scope, src.Connector, src.Name)] = src.ID
	}
	s.items = make(map[string]graph.SourceItem, len(d.Items))
	s.itemByKey = make(map[string]string, len(d.Items))
	for _, it := range d.Items {
		s.items[it.ID] = it
		s.itemByKey[itemKey(it.SourceID, it.ExternalID)] = it.ID
	}
	s.syncRuns = make(map[string]graph.SyncRun, len(d.SyncRuns))
	for _, r := range d.SyncRuns {
		s.syncRuns[r.ID] = r
	}
	return nil
}
