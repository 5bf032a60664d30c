package graph

import (
	"context"
	"time"
)

// NodeInput describes one node to create. Slug is derived from Label when
// empty.
type NodeInput struct {
	Slug        string
	Label       string
	Domain      string
	NodeType    string
	Summary     string
	Description string
	Content     string
	Metadata    map[string]string
}

// NodePatch updates node fields. Nil pointers leave the field untouched.
// Slug is deliberately absent: slugs are immutable after creation.
type NodePatch struct {
	Label       *string
	Domain      *string
	NodeType    *string
	Summary     *string
	Description *string
	Content     *string
	Metadata    map[string]string // nil = untouched, non-nil = replace
}

// NodeFilter narrows ListNodes results.
type NodeFilter struct {
	Domain       string
	NodeType     string
	ClusterID    string
	WithoutEmbed bool // only nodes missing an embedding
	Limit        int  // 0 = no limit
}

// DeleteResult reports the outcome of a cascading node delete.
type DeleteResult struct {
	Deleted      bool
	EdgesRemoved int
}

// EdgeInput describes one edge to create. Duplicate (from, to, type) keys
// already present in-scope are skipped, not errors.
type EdgeInput struct {
	FromNodeID       string
	ToNodeID         string
	RelationshipType string
	Strength         float32
	Confidence       float32
	Evidence         []string
	Source           EdgeSource
	Bidirectional    bool
}

// EdgePatch updates edge fields. Nil pointers leave the field untouched.
type EdgePatch struct {
	RelationshipType *string
	Strength         *float32
	Confidence       *float32
	Evidence         []string // nil = untouched, non-nil = replace
	Bidirectional    *bool
}

// EdgeFilter narrows ListEdges results.
type EdgeFilter struct {
	NodeID           string // edges touching this node (either endpoint)
	RelationshipType string
	Source           EdgeSource
	Limit            int
}

// SettingsPatch updates per-scope settings. Nil pointers leave the field
// untouched.
type SettingsPatch struct {
	EmbeddingModel           *string
	SimilarityThreshold      *float32
	MinConfidence            *float32
	AutoApprove              *bool
	AutoApproveMinConfidence *float32
	ClusterCount             *int
}

// PathAlgorithm selects the FindPaths strategy.
type PathAlgorithm string

const (
	// PathShortest returns the single best path: fewest hops, ties broken
	// by highest total edge strength.
	PathShortest PathAlgorithm = "shortest"
	// PathAll returns every simple path up to MaxDepth hops, sorted by
	// (length asc, total strength desc).
	PathAll PathAlgorithm = "all"
)

// PathOptions configures FindPaths.
type PathOptions struct {
	Algorithm PathAlgorithm
	MaxDepth  int // hop limit for PathAll; defaults to 5
}

// Path is one cycle-free route between two nodes.
type Path struct {
	NodeIDs       []string
	EdgeIDs       []string
	TotalStrength float32
}

// Length returns the number of hops in the path.
func (p Path) Length() int { return len(p.EdgeIDs) }

// SubGraph is a bounded view of nodes plus the edges between them.
type SubGraph struct {
	Nodes []Node
	Edges []Edge
}

// SimilarityOptions configures FindSimilarNodeIDs.
type SimilarityOptions struct {
	MinSimilarity float32
	Limit         int // defaults to 10
}

// SimilarNode pairs a node id with its cosine similarity to the base node.
type SimilarNode struct {
	NodeID     string
	Similarity float32
}

// GraphStore is the backend-agnostic graph contract. Every method resolves
// an absent scope to DefaultScope before touching storage, and no method
// ever returns data from another scope. All backends implement identical
// observable behavior, validated by the shared storetest suite.
type GraphStore interface {
	ListNodes(ctx context.Context, scope string, filter NodeFilter) ([]Node, error)
	GetNodeByID(ctx context.Context, scope, id string) (Node, error)
	GetNodeBySlug(ctx context.Context, scope, slug string) (Node, error)
	// CreateNodes inserts the given nodes, silently skipping any input
	// whose slug already exists in-scope. Returns the nodes actually
	// created, in input order.
	CreateNodes(ctx context.Context, scope string, inputs []NodeInput) ([]Node, error)
	UpdateNode(ctx context.Context, scope, id string, patch NodePatch) (Node, error)
	// DeleteNode removes the node and every edge touching it, then
	// recomputes connection counts for the surviving endpoints.
	DeleteNode(ctx context.Context, scope, id string) (DeleteResult, error)

	ListEdges(ctx context.Context, scope string, filter EdgeFilter) ([]Edge, error)
	GetEdgeByID(ctx context.Context, scope, id string) (Edge, error)
	CreateEdges(ctx context.Context, scope string, inputs []EdgeInput) ([]Edge, error)
	UpdateEdge(ctx context.Context, scope, id string, patch EdgePatch) (Edge, error)
	DeleteEdge(ctx context.Context, scope, id string) error

	GetSettings(ctx context.Context, scope string) (Settings, error)
	UpdateSettings(ctx context.Context, scope string, patch SettingsPatch) (Settings, error)
	ResetSettings(ctx context.Context, scope string) (Settings, error)

	GetGraph(ctx context.Context, scope string, limit int) (SubGraph, error)
	ExpandGraph(ctx context.Context, scope, nodeID string, depth int) (SubGraph, error)
	FindPaths(ctx context.Context, scope, fromID, toID string, opts PathOptions) ([]Path, error)

	// SetNodeEmbedding stores vector, model, and timestamp as a unit.
	SetNodeEmbedding(ctx context.Context, scope, nodeID string, vec []float32, model string, at time.Time) error
	// ClearNodeEmbeddings clears all embedding records in-scope and
	// returns how many nodes were affected.
	ClearNodeEmbeddings(ctx context.Context, scope string) (int, error)
	// FindSimilarNodeIDs ranks in-scope candidates by cosine similarity
	// to the base node's embedding, excluding the base node.
	FindSimilarNodeIDs(ctx context.Context, scope, nodeID string, opts SimilarityOptions) ([]SimilarNode, error)
}

// ClusterAssignment maps one node into a cluster.
type ClusterAssignment struct {
	NodeID     string
	ClusterID  string
	Similarity float32
}

// ClusterStore persists clustering results.
type ClusterStore interface {
	ListClusters(ctx context.Context, scope string) ([]Cluster, error)
	GetClusterByID(ctx context.Context, scope, id string) (Cluster, error)
	// ReplaceClusters atomically deletes the scope's entire cluster set
	// and installs the new clusters and node assignments. Nodes not
	// assigned have their cluster fields cleared.
	ReplaceClusters(ctx context.Context, scope string, clusters []Cluster, assignments []ClusterAssignment) error
	// AssignNodeToCluster updates a single node's cluster membership and
	// the affected clusters' member counts, without a full re-run.
	AssignNodeToCluster(ctx context.Context, scope, nodeID, clusterID string, similarity float32) error
	// UpdateClusterCentroid replaces one cluster's centroid vector.
	UpdateClusterCentroid(ctx context.Context, scope, clusterID string, centroid []float32) error
}

// SuggestionInput describes one staged edge proposal.
type SuggestionInput struct {
	FromNodeID       string
	ToNodeID         string
	RelationshipType string
	Confidence       float32
	Reasoning        string
	Evidence         []string
	SourceModel      string
	AnalysisRunID    string
}

// SuggestionReview carries the review decision for a pending suggestion.
type SuggestionReview struct {
	Status         SuggestionStatus
	ReviewedBy     string
	ReviewReason   string
	ApprovedEdgeID string
}

// SuggestionStore persists governance staging rows.
type SuggestionStore interface {
	ListSuggestions(ctx context.Context, scope string, status SuggestionStatus) ([]SuggestedEdge, error)
	GetSuggestionByID(ctx context.Context, scope, id string) (SuggestedEdge, error)
	// UpsertSuggestion inserts a proposal or, when a row for the same
	// (from, to, type) key exists, overwrites it only while its status is
	// still pending. A reviewed row is returned unchanged so a past
	// decision is never resurrected.
	UpsertSuggestion(ctx context.Context, scope string, input SuggestionInput) (SuggestedEdge, error)
	ReviewSuggestion(ctx context.Context, scope, id string, review SuggestionReview) (SuggestedEdge, error)
}

// RunPatch mutates an analysis run row.
type RunPatch struct {
	Status       *RunStatus
	Progress     *int
	Snapshot     *ProgressSnapshot
	Results      *RunResults
	ErrorMessage *string
	ErrorStack   *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// RunStore persists analysis run rows.
type RunStore interface {
	CreateRun(ctx context.Context, scope string, runType RunType, params map[string]string) (AnalysisRun, error)
	GetRunByID(ctx context.Context, scope, id string) (AnalysisRun, error)
	ListRuns(ctx context.Context, scope string, limit int) ([]AnalysisRun, error)
	UpdateRun(ctx context.Context, scope, id string, patch RunPatch) (AnalysisRun, error)
}

// ProvenanceStore tracks external sources, their items, and sync runs.
type ProvenanceStore interface {
	// UpsertSource finds or creates the source keyed by (connector, name).
	UpsertSource(ctx context.Context, scope, connector, name string, config map[string]string) (IngestionSource, error)
	GetSourceByKey(ctx context.Context, scope, connector, name string) (IngestionSource, error)

	GetSourceItem(ctx context.Context, sourceID, externalID string) (SourceItem, error)
	UpsertSourceItem(ctx context.Context, item SourceItem) (SourceItem, error)
	ListSourceItems(ctx context.Context, sourceID string) ([]SourceItem, error)
	// SoftDeleteSourceItem stamps DeletedAt without removing the row.
	SoftDeleteSourceItem(ctx context.Context, id string, at time.Time) error
	HardDeleteSourceItem(ctx context.Context, id string) error

	CreateSyncRun(ctx context.Context, run SyncRun) (SyncRun, error)
	UpdateSyncRun(ctx context.Context, run SyncRun) error
	ListSyncRuns(ctx context.Context, sourceID string, limit int) ([]SyncRun, error)
}

// Store is the complete storage contract: every backend implements all of
// it against its own medium.
type Store interface {
	GraphStore
	ClusterStore
	SuggestionStore
	RunStore
	ProvenanceStore
}
