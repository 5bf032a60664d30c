// Package relate proposes, scores, and stages new edges between embedded
// nodes, with a governance workflow gating AI-inferred edges behind human
// review.
package relate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/provider"
)

const (
	// DefaultMaxPerNode caps accepted inferences per node; the candidate
	// search fans out to three times this.
	DefaultMaxPerNode = 5
	// DefaultRateLimit is pair inferences per minute.
	DefaultRateLimit = 60
	// DefaultMaxRetries bounds per-pair provider retries.
	DefaultMaxRetries = 3
	// DefaultModel is the LLM used for pair inference.
	DefaultModel = "mistral-nemo"
)

// Store is the storage surface the engine needs. Suggestions may be
// absent; see NewEngine.
type Store interface {
	graph.GraphStore
	graph.SuggestionStore
}

// Inference is one accepted pair judgment.
type Inference struct {
	FromNodeID       string
	ToNodeID         string
	RelationshipType string
	Confidence       float32
	Reasoning        string
	Evidence         []string
}

// Result summarizes an inference pass.
type Result struct {
	Suggested int
	Approved  int
	Errors    []graph.ItemError
}

// Progress is reported after every fully processed node.
type Progress struct {
	Processed   int
	Total       int
	CurrentItem string
}

// Options configures an Engine. Zero values fall back to the defaults.
type Options struct {
	Model      string
	MaxPerNode int
	RateLimit  int
	MaxRetries int
	Logger     *slog.Logger
}

// Engine infers relationships between similar nodes and stages them as
// reviewable suggestions.
type Engine struct {
	store      Store
	llm        provider.LLMProvider
	model      string
	maxPerNode int
	rateLimit  int
	maxRetries int
	logger     *slog.Logger
}

// NewEngine wires an Engine over the given store and LLM provider.
func NewEngine(store Store, llm provider.LLMProvider, opts Options) *Engine {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxPerNode <= 0 {
		opts.MaxPerNode = DefaultMaxPerNode
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:      store,
		llm:        llm,
		model:      opts.Model,
		maxPerNode: opts.MaxPerNode,
		rateLimit:  opts.RateLimit,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
}

// FindCandidates returns up to maxPerNode similar nodes that clear the
// scope's similarity threshold, searched over a 3x wider neighborhood.
func (e *Engine) FindCandidates(ctx context.Context, scope, nodeID string) ([]graph.SimilarNode, error) {
	settings, err := e.store.GetSettings(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	similar, err := e.store.FindSimilarNodeIDs(ctx, scope, nodeID, graph.SimilarityOptions{
		Limit: 3 * e.maxPerNode,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	var out []graph.SimilarNode
	for _, s := range similar {
		if s.Similarity < settings.SimilarityThreshold {
			continue
		}
		out = append(out, s)
		if len(out) == e.maxPerNode {
			break
		}
	}
	return out, nil
}

// inferenceResponse mirrors the structured LLM output.
type inferenceResponse struct {
	HasRelationship  bool     `json:"has_relationship"`
	RelationshipType string   `json:"relationship_type"`
	Confidence       float32  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
	Evidence         []string `json:"evidence"`
}

// InferPair asks the LLM whether a relationship exists from one node to
// another. Returns nil when the model reports no relationship or its
// confidence is below the scope's minimum.
func (e *Engine) InferPair(ctx context.Context, scope string, from, to graph.Node) (*Inference, error) {
	settings, err := e.store.GetSettings(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	var raw string
	err = provider.Retry(ctx, e.maxRetries, func() error {
		var llmErr error
		raw, llmErr = e.llm.Complete(ctx, e.model, buildPrompt(from, to), inferenceSchema())
		return llmErr
	})
	if err != nil {
		return nil, err
	}

	var resp inferenceResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decoding inference response: %w", err)
	}

	if !resp.HasRelationship {
		return nil, nil
	}
	if resp.Confidence < settings.MinConfidence {
		return nil, nil
	}
	return &Inference{
		FromNodeID:       from.ID,
		ToNodeID:         to.ID,
		RelationshipType: resp.RelationshipType,
		Confidence:       resp.Confidence,
		Reasoning:        resp.Reasoning,
		Evidence:         resp.Evidence,
	}, nil
}

// InferForNodes runs candidate search and pair inference for each node in
// sequence, staging accepted inferences. Per-pair failures are collected,
// not fatal; cancellation is checked between pairs.
func (e *Engine) InferForNodes(ctx context.Context, scope, runID string, nodeIDs []string, onProgress func(Progress)) (Result, error) {
	var res Result
	seen := make(map[string]bool)

	for i, nodeID := range nodeIDs {
		if ctx.Err() != nil {
			return res, provider.NewError(provider.CodeCanceled, ctx.Err())
		}

		if err := e.inferForNode(ctx, scope, runID, nodeID, seen, &res); err != nil {
			if provider.CodeOf(err) == provider.CodeCanceled {
				return res, err
			}
			res.Errors = append(res.Errors, graph.ItemError{Item: nodeID, Message: err.Error()})
		}

		if onProgress != nil {
			onProgress(Progress{Processed: i + 1, Total: len(nodeIDs), CurrentItem: nodeID})
		}
	}
	return res, nil
}

func (e *Engine) inferForNode(ctx context.Context, scope, runID, nodeID string, seen map[string]bool, res *Result) error {
	from, err := e.store.GetNodeByID(ctx, scope, nodeID)
	if err != nil {
		return fmt.Errorf("loading node: %w", err)
	}
	if !from.HasEmbedding() {
		return nil
	}

	candidates, err := e.FindCandidates(ctx, scope, nodeID)
	if err != nil {
		return err
	}

	for _, cand := range candidates {
		if ctx.Err() != nil {
			return provider.NewError(provider.CodeCanceled, ctx.Err())
		}
		pair := pairKey(from.ID, cand.NodeID)
		if seen[pair] {
			continue
		}
		seen[pair] = true

		to, err := e.store.GetNodeByID(ctx, scope, cand.NodeID)
		if err != nil {
			res.Errors = append(res.Errors, graph.ItemError{Item: cand.NodeID, Message: err.Error()})
			continue
		}

		inf, err := e.InferPair(ctx, scope, from, to)
		if err != nil {
			if provider.CodeOf(err) == provider.CodeCanceled {
				return err
			}
			res.Errors = append(res.Errors, graph.ItemError{
				Item:    from.ID + "->" + to.ID,
				Message: err.Error(),
			})
			continue
		}
		if inf != nil {
			if err := e.persistInference(ctx, scope, runID, *inf, res); err != nil {
				res.Errors = append(res.Errors, graph.ItemError{
					Item:    from.ID + "->" + to.ID,
					Message: err.Error(),
				})
			}
		}

		if err := e.throttle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pairKey is direction-insensitive so a pair is inferred at most once per
// pass.
func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// persistInference stages the inference as a SuggestedEdge, auto-approving
// when settings allow. When the suggestion store fails the edge is written
// directly so the inference is not lost.
func (e *Engine) persistInference(ctx context.Context, scope, runID string, inf Inference, res *Result) error {
	sg, err := e.store.UpsertSuggestion(ctx, scope, graph.SuggestionInput{
		FromNodeID:       inf.FromNodeID,
		ToNodeID:         inf.ToNodeID,
		RelationshipType: inf.RelationshipType,
		Confidence:       inf.Confidence,
		Reasoning:        inf.Reasoning,
		Evidence:         inf.Evidence,
		SourceModel:      e.model,
		AnalysisRunID:    runID,
	})
	if err != nil {
		e.logger.Warn("suggestion staging unavailable, writing edge directly",
			"scope", graph.ResolveScope(scope),
			"error", err)
		if _, edgeErr := e.ensureEdge(ctx, scope, inf); edgeErr != nil {
			return fmt.Errorf("direct edge fallback: %w", edgeErr)
		}
		res.Approved++
		return nil
	}
	// A suggestion that was already reviewed is returned unchanged by the
	// upsert; nothing new was staged for it.
	if sg.Status == graph.SuggestionPending {
		res.Suggested++
	}

	settings, err := e.store.GetSettings(ctx, scope)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if settings.AutoApprove && inf.Confidence >= settings.AutoApproveMinConfidence && sg.Status == graph.SuggestionPending {
		if _, err := e.Approve(ctx, scope, sg.ID, "auto-approve"); err != nil {
			return fmt.Errorf("auto-approving: %w", err)
		}
		res.Approved++
	}
	return nil
}

// ensureEdge creates the ai_inferred edge for an inference, or returns the
// existing edge for the same (from, to, type) key.
func (e *Engine) ensureEdge(ctx context.Context, scope string, inf Inference) (graph.Edge, error) {
	created, err := e.store.CreateEdges(ctx, scope, []graph.EdgeInput{{
		FromNodeID:       inf.FromNodeID,
		ToNodeID:         inf.ToNodeID,
		RelationshipType: inf.RelationshipType,
		Strength:         inf.Confidence,
		Confidence:       inf.Confidence,
		Evidence:         inf.Evidence,
		Source:           graph.SourceAIInferred,
	}})
	if err != nil {
		return graph.Edge{}, err
	}
	if len(created) == 1 {
		return created[0], nil
	}

	// The key already exists; find the edge it maps to.
	edges, err := e.store.ListEdges(ctx, scope, graph.EdgeFilter{NodeID: inf.FromNodeID})
	if err != nil {
		return graph.Edge{}, err
	}
	for _, edge := range edges {
		if edge.FromNodeID == inf.FromNodeID && edge.ToNodeID == inf.ToNodeID && edge.RelationshipType == inf.RelationshipType {
			return edge, nil
		}
	}
	return graph.Edge{}, fmt.Errorf("edge %s->%s (%s): %w", inf.FromNodeID, inf.ToNodeID, inf.RelationshipType, graph.ErrNotFound)
}

// Approve marks a suggestion approved, ensuring exactly one backing edge
// exists. Re-approving an approved suggestion returns the same edge id
// without creating a duplicate.
func (e *Engine) Approve(ctx context.Context, scope, suggestionID, reviewer string) (graph.SuggestedEdge, error) {
	sg, err := e.store.GetSuggestionByID(ctx, scope, suggestionID)
	if err != nil {
		return graph.SuggestedEdge{}, err
	}

	switch sg.Status {
	case graph.SuggestionApproved:
		return sg, nil
	case graph.SuggestionRejected:
		return graph.SuggestedEdge{}, fmt.Errorf("suggestion %s was rejected", suggestionID)
	}

	edge, err := e.ensureEdge(ctx, scope, Inference{
		FromNodeID:       sg.FromNodeID,
		ToNodeID:         sg.ToNodeID,
		RelationshipType: sg.RelationshipType,
		Confidence:       sg.Confidence,
		Evidence:         sg.Evidence,
	})
	if err != nil {
		return graph.SuggestedEdge{}, fmt.Errorf("ensuring edge: %w", err)
	}

	return e.store.ReviewSuggestion(ctx, scope, suggestionID, graph.SuggestionReview{
		Status:         graph.SuggestionApproved,
		ReviewedBy:     reviewer,
		ApprovedEdgeID: edge.ID,
	})
}

// Reject marks a pending suggestion rejected. Re-rejecting is a no-op that
// preserves the original reviewer and reason.
func (e *Engine) Reject(ctx context.Context, scope, suggestionID, reviewer, reason string) (graph.SuggestedEdge, error) {
	sg, err := e.store.GetSuggestionByID(ctx, scope, suggestionID)
	if err != nil {
		return graph.SuggestedEdge{}, err
	}

	switch sg.Status {
	case graph.SuggestionRejected:
		return sg, nil
	case graph.SuggestionApproved:
		return graph.SuggestedEdge{}, fmt.Errorf("suggestion %s was approved", suggestionID)
	}

	return e.store.ReviewSuggestion(ctx, scope, suggestionID, graph.SuggestionReview{
		Status:       graph.SuggestionRejected,
		ReviewedBy:   reviewer,
		ReviewReason: reason,
	})
}

// throttle waits the fixed per-pair delay of 60000/rateLimit ms.
func (e *Engine) throttle(ctx context.Context) error {
	delay := time.Duration(60000/e.rateLimit) * time.Millisecond
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return provider.NewError(provider.CodeCanceled, ctx.Err())
	case <-time.After(delay):
		return nil
	}
}
