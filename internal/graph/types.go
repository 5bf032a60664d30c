// Package graph defines the knowledge-graph data model and the storage
// contracts implemented by the in-memory, file-backed, and SQLite backends.
package graph

import (
	"errors"
	"time"
)

// DefaultScope is the tenant key used when a caller does not supply one.
const DefaultScope = "default"

// ResolveScope maps an absent or blank scope to DefaultScope.
func ResolveScope(scope string) string {
	if scope == "" {
		return DefaultScope
	}
	return scope
}

// ErrNotFound is returned when a requested record does not exist in-scope.
var ErrNotFound = errors.New("not found")

// EdgeSource identifies how an edge came to exist.
type EdgeSource string

const (
	SourceManual     EdgeSource = "manual"
	SourceAIInferred EdgeSource = "ai_inferred"
	SourceImported   EdgeSource = "imported"
)

// Node is a graph vertex. Embedding, EmbeddingModel, and EmbeddingAt are
// set or cleared together: a node either has a complete embedding record
// or none at all.
type Node struct {
	ID          string
	Scope       string
	Slug        string
	Label       string
	Domain      string
	NodeType    string
	Summary     string
	Description string
	Content     string
	Metadata    map[string]string

	Embedding      []float32
	EmbeddingModel string
	EmbeddingAt    time.Time

	ClusterID         string
	ClusterSimilarity float32

	InboundCount  int
	OutboundCount int
	TotalCount    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEmbedding reports whether the node carries a complete embedding record.
func (n *Node) HasEmbedding() bool {
	return len(n.Embedding) > 0 && n.EmbeddingModel != "" && !n.EmbeddingAt.IsZero()
}

// Edge is a directed relationship between two nodes. Unique per scope on
// (from, to, relationship type).
type Edge struct {
	ID               string
	Scope            string
	FromNodeID       string
	ToNodeID         string
	RelationshipType string
	Strength         float32 // [0,1]
	Confidence       float32 // [0,1]
	Evidence         []string
	Source           EdgeSource
	Bidirectional    bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SuggestionStatus is the review state of a staged edge proposal.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

// SuggestedEdge is a staged, human-reviewable AI-inferred edge proposal.
// Unique per scope on (from, to, relationship type).
type SuggestedEdge struct {
	ID               string
	Scope            string
	FromNodeID       string
	ToNodeID         string
	RelationshipType string
	Confidence       float32
	Reasoning        string
	Evidence         []string
	Status           SuggestionStatus
	SourceModel      string
	AnalysisRunID    string
	ReviewedBy       string
	ReviewedAt       time.Time
	ReviewReason     string
	ApprovedEdgeID   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Cluster is one group from a clustering run. The full cluster set for a
// scope is replaced wholesale on every re-clustering.
type Cluster struct {
	ID            string
	Scope         string
	Label         string
	Centroid      []float32
	MemberCount   int
	AvgSimilarity float32
	Cohesion      float32
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunType identifies which pipeline stages an analysis run covers.
type RunType string

const (
	RunEmbedding  RunType = "embedding"
	RunClustering RunType = "clustering"
	RunInference  RunType = "relationship_inference"
	RunFull       RunType = "full_analysis"
)

// RunStatus is the lifecycle state of an analysis run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// ItemError records one per-item failure inside a run.
type ItemError struct {
	Item    string `json:"item"`
	Message string `json:"message"`
}

// RunResults summarizes what a run accomplished.
type RunResults struct {
	NodesEmbedded   int         `json:"nodes_embedded,omitempty"`
	ClustersCreated int         `json:"clusters_created,omitempty"`
	EdgesSuggested  int         `json:"edges_suggested,omitempty"`
	EdgesApproved   int         `json:"edges_approved,omitempty"`
	Errors          []ItemError `json:"errors,omitempty"`
}

// ProgressSnapshot is the latest per-stage progress persisted on a run so
// pollers can resume without replaying events.
type ProgressSnapshot struct {
	Stage           string `json:"stage"`
	CurrentItem     string `json:"current_item"`
	ItemsProcessed  int    `json:"items_processed"`
	TotalItems      int    `json:"total_items"`
	OverallProgress int    `json:"overall_progress"`
}

// AnalysisRun is one tracked execution of pipeline stages.
type AnalysisRun struct {
	ID           string
	Scope        string
	RunType      RunType
	InputParams  map[string]string
	Results      RunResults
	Status       RunStatus
	Progress     int // 0-100
	Snapshot     ProgressSnapshot
	ErrorMessage string
	ErrorStack   string
	StartedAt    time.Time
	CompletedAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Settings holds per-scope analysis configuration.
type Settings struct {
	Scope                    string
	EmbeddingModel           string
	SimilarityThreshold      float32
	MinConfidence            float32
	AutoApprove              bool
	AutoApproveMinConfidence float32
	ClusterCount             int
	UpdatedAt                time.Time
}

// DefaultSettings returns the settings a scope starts with (and returns to
// on reset).
func DefaultSettings(scope string) Settings {
	return Settings{
		Scope:                    ResolveScope(scope),
		EmbeddingModel:           "nomic-embed-text",
		SimilarityThreshold:      0.75,
		MinConfidence:            0.6,
		AutoApprove:              false,
		AutoApproveMinConfidence: 0.9,
		ClusterCount:             8,
	}
}

// IngestionSource is one registered external source, keyed per scope by
// (connector type, name).
type IngestionSource struct {
	ID        string
	Scope     string
	Connector string
	Name      string
	Config    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceItem is the provenance record for one external record, keyed by
// (source id, external id).
type SourceItem struct {
	ID          string
	SourceID    string
	ExternalID  string
	NodeID      string
	ContentHash string
	LastSeenAt  time.Time
	DeletedAt   time.Time // zero unless soft-deleted
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SyncStatus is the outcome of one ingestion execution.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncPartial   SyncStatus = "partial"
	SyncFailed    SyncStatus = "failed"
)

// SyncStats counts what one ingestion run did.
type SyncStats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Deleted   int `json:"deleted"`
	Errors    int `json:"errors"`
	EdgesMade int `json:"edges_made"`
}

// SyncRun records one ingestion execution. StartedAt is strictly increasing
// per engine instance so it can serve as a change-detection watermark.
type SyncRun struct {
	ID         string
	SourceID   string
	Status     SyncStatus
	Stats      SyncStats
	Errors     []ItemError
	StartedAt  time.Time
	FinishedAt time.Time
}
