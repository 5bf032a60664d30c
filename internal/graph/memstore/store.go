// Package memstore implements the graph storage contract with in-process
// maps. It is the reference backend: the file-backed store reuses it for
// its live state, and the conformance suite pins the other backends to its
// observable behavior.
package memstore

import (
	"sync"
	"time"

	"github.com/kalambet/weave/internal/graph"
)

// Store holds all graph state in memory, guarded by a single RWMutex.
// Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	scopes map[string]*scopeData

	// Provenance rows are keyed by source id, not scope, so they live on
	// the store itself.
	sources     map[string]graph.IngestionSource
	sourceByKey map[string]string // scope|connector|name -> source id
	items       map[string]graph.SourceItem
	itemByKey   map[string]string // sourceID|externalID -> item id
	syncRuns    map[string]graph.SyncRun
}

// Compile-time check that Store implements the full contract.
var _ graph.Store = (*Store)(nil)

type scopeData struct {
	nodes       map[string]graph.Node
	slugToID    map[string]string
	edges       map[string]graph.Edge
	clusters    map[string]graph.Cluster
	suggestions map[string]graph.SuggestedEdge
	runs        map[string]graph.AnalysisRun
	settings    *graph.Settings
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		scopes:      make(map[string]*scopeData),
		sources:     make(map[string]graph.IngestionSource),
		sourceByKey: make(map[string]string),
		items:       make(map[string]graph.SourceItem),
		itemByKey:   make(map[string]string),
		syncRuns:    make(map[string]graph.SyncRun),
	}
}

// scope returns the data for scope, creating it on first use.
// Callers must hold the write lock.
func (s *Store) scope(scope string) *scopeData {
	scope = graph.ResolveScope(scope)
	sd, ok := s.scopes[scope]
	if !ok {
		sd = &scopeData{
			nodes:       make(map[string]graph.Node),
			slugToID:    make(map[string]string),
			edges:       make(map[string]graph.Edge),
			clusters:    make(map[string]graph.Cluster),
			suggestions: make(map[string]graph.SuggestedEdge),
			runs:        make(map[string]graph.AnalysisRun),
		}
		s.scopes[scope] = sd
	}
	return sd
}

// readScope returns the data for scope or nil when nothing was ever
// written there. Callers must hold at least the read lock.
func (s *Store) readScope(scope string) *scopeData {
	return s.scopes[graph.ResolveScope(scope)]
}

func now() time.Time {
	return time.Now().UTC()
}

// copyNode returns a deep copy so callers cannot alias internal state.
func copyNode(n graph.Node) graph.Node {
	out := n
	if n.Metadata != nil {
		out.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	if n.Embedding != nil {
		out.Embedding = append([]float32(nil), n.Embedding...)
	}
	return out
}

func copyEdge(e graph.Edge) graph.Edge {
	out := e
	if e.Evidence != nil {
		out.Evidence = append([]string(nil), e.Evidence...)
	}
	return out
}

func copyCluster(c graph.Cluster) graph.Cluster {
	out := c
	if c.Centroid != nil {
		out.Centroid = append([]float32(nil), c.Centroid...)
	}
	return out
}

func copySuggestion(sg graph.SuggestedEdge) graph.SuggestedEdge {
	out := sg
	if sg.Evidence != nil {
		out.Evidence = append([]string(nil), sg.Evidence...)
	}
	return out
}

func copyRun(r graph.AnalysisRun) graph.AnalysisRun {
	out := r
	if r.InputParams != nil {
		out.InputParams = make(map[string]string, len(r.InputParams))
		for k, v := range r.InputParams {
			out.InputParams[k] = v
		}
	}
	if r.Results.Errors != nil {
		out.Results.Errors = append([]graph.ItemError(nil), r.Results.Errors...)
	}
	return out
}

func copySource(src graph.IngestionSource) graph.IngestionSource {
	out := src
	if src.Config != nil {
		out.Config = make(map[string]string, len(src.Config))
		for k, v := range src.Config {
			out.Config[k] = v
		}
	}
	return out
}

func copySyncRun(r graph.SyncRun) graph.SyncRun {
	out := r
	if r.Errors != nil {
		out.Errors = append([]graph.ItemError(nil), r.Errors...)
	}
	return out
}
