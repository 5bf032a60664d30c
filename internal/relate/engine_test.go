package relate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/graph/memstore"
	"github.com/kalambet/weave/internal/provider"
)

// fakeLLM answers pair prompts from a scripted response.
type fakeLLM struct {
	calls    int
	response inferenceResponse
	err      error
}

func (f *fakeLLM) Complete(ctx context.Context, model string, messages []provider.Message, schema *provider.Schema) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	b, _ := json.Marshal(f.response)
	return string(b), nil
}

func relatedResponse(confidence float32) inferenceResponse {
	return inferenceResponse{
		HasRelationship:  true,
		RelationshipType: "related_to",
		Confidence:       confidence,
		Reasoning:        "overlapping subject matter",
		Evidence:         []string{"both discuss graphs"},
	}
}

func newTestEngine(t *testing.T, llm provider.LLMProvider, opts Options) (*Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	if opts.RateLimit == 0 {
		opts.RateLimit = 600000 // negligible per-pair delay in tests
	}
	return NewEngine(store, llm, opts), store
}

// seedPair creates two embedded nodes close in vector space.
func seedPair(t *testing.T, store *memstore.Store) (graph.Node, graph.Node) {
	t.Helper()
	ctx := context.Background()
	nodes, err := store.CreateNodes(ctx, "", []graph.NodeInput{
		{Label: "Graph Theory", Content: "nodes and edges"},
		{Label: "Network Science", Content: "vertices and links"},
	})
	if err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	vecs := [][]float32{{1, 0}, {0.95, 0.05}}
	for i, n := range nodes {
		if err := store.SetNodeEmbedding(ctx, "", n.ID, vecs[i], "m", time.Now()); err != nil {
			t.Fatalf("SetNodeEmbedding: %v", err)
		}
	}
	return nodes[0], nodes[1]
}

func TestFindCandidates_ThresholdFiltering(t *testing.T) {
	e, store := newTestEngine(t, &fakeLLM{}, Options{})
	from, near := seedPair(t, store)
	ctx := context.Background()

	// A third node far below the similarity threshold.
	far, err := store.CreateNodes(ctx, "", []graph.NodeInput{{Label: "Cooking"}})
	if err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	if err := store.SetNodeEmbedding(ctx, "", far[0].ID, []float32{-1, 0}, "m", time.Now()); err != nil {
		t.Fatalf("SetNodeEmbedding: %v", err)
	}

	candidates, err := e.FindCandidates(ctx, "", from.ID)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1 (threshold filters the far node)", len(candidates))
	}
	if candidates[0].NodeID != near.ID {
		t.Errorf("candidate = %s, want %s", candidates[0].NodeID, near.ID)
	}
}

func TestInferPair_AcceptsConfidentRelationship(t *testing.T) {
	llm := &fakeLLM{response: relatedResponse(0.8)}
	e, store := newTestEngine(t, llm, Options{})
	from, to := seedPair(t, store)

	inf, err := e.InferPair(context.Background(), "", from, to)
	if err != nil {
		t.Fatalf("InferPair: %v", err)
	}
	if inf == nil {
		t.Fatal("expected an inference")
	}
	if inf.RelationshipType != "related_to" || inf.Confidence != 0.8 {
		t.Errorf("inference = %+v", inf)
	}
}

func TestInferPair_RejectsBelowMinConfidence(t *testing.T) {
	llm := &fakeLLM{response: relatedResponse(0.3)} // default minConfidence is 0.6
	e, store := newTestEngine(t, llm, Options{})
	from, to := seedPair(t, store)

	inf, err := e.InferPair(context.Background(), "", from, to)
	if err != nil {
		t.Fatalf("InferPair: %v", err)
	}
	if inf != nil {
		t.Errorf("expected nil inference, got %+v", inf)
	}
}

func TestInferPair_NoRelationship(t *testing.T) {
	llm := &fakeLLM{response: inferenceResponse{HasRelationship: false}}
	e, store := newTestEngine(t, llm, Options{})
	from, to := seedPair(t, store)

	inf, err := e.InferPair(context.Background(), "", from, to)
	if err != nil {
		t.Fatalf("InferPair: %v", err)
	}
	if inf != nil {
		t.Errorf("expected nil inference, got %+v", inf)
	}
}

func TestInferForNodes_StagesSuggestions(t *testing.T) {
	llm := &fakeLLM{response: relatedResponse(0.8)}
	e, store := newTestEngine(t, llm, Options{})
	from, to := seedPair(t, store)
	ctx := context.Background()

	res, err := e.InferForNodes(ctx, "", "run-1", []string{from.ID, to.ID}, nil)
	if err != nil {
		t.Fatalf("InferForNodes: %v", err)
	}
	if res.Suggested != 1 {
		t.Errorf("suggested = %d, want 1 (pair deduplicated across directions)", res.Suggested)
	}

	pending, err := store.ListSuggestions(ctx, "", graph.SuggestionPending)
	if err != nil {
		t.Fatalf("ListSuggestions: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].AnalysisRunID != "run-1" {
		t.Errorf("run id = %q, want run-1", pending[0].AnalysisRunID)
	}

	// No real edge yet: governance gates it behind review.
	edges, err := store.ListEdges(ctx, "", graph.EdgeFilter{})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("edges = %d, want 0 before review", len(edges))
	}
}

func TestInferForNodes_ReviewedSuggestionNotRecounted(t *testing.T) {
	llm := &fakeLLM{response: relatedResponse(0.8)}
	e, store := newTestEngine(t, llm, Options{})
	from, to := seedPair(t, store)
	ctx := context.Background()

	res, err := e.InferForNodes(ctx, "", "run-1", []string{from.ID, to.ID}, nil)
	if err != nil {
		t.Fatalf("InferForNodes: %v", err)
	}
	if res.Suggested != 1 {
		t.Fatalf("first pass suggested = %d, want 1", res.Suggested)
	}

	pending, err := store.ListSuggestions(ctx, "", graph.SuggestionPending)
	if err != nil {
		t.Fatalf("ListSuggestions: %v", err)
	}
	if _, err := e.Reject(ctx, "", pending[0].ID, "alice", "not meaningful"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	// Re-inference hits the rejected suggestion, which the upsert leaves
	// untouched. Nothing was staged, so nothing is counted.
	res, err = e.InferForNodes(ctx, "", "run-2", []string{from.ID, to.ID}, nil)
	if err != nil {
		t.Fatalf("InferForNodes: %v", err)
	}
	if res.Suggested != 0 {
		t.Errorf("second pass suggested = %d, want 0 (suggestion already reviewed)", res.Suggested)
	}

	rejected, err := store.ListSuggestions(ctx, "", graph.SuggestionRejected)
	if err != nil {
		t.Fatalf("ListSuggestions: %v", err)
	}
	if len(rejected) != 1 {
		t.Errorf("rejected = %d, want 1", len(rejected))
	}
}

func TestInferForNodes_AutoApprove(t *testing.T) {
	llm := &fakeLLM{response: relatedResponse(0.95)}
	e, store := newTestEngine(t, llm, Options{})
	from, _ := seedPair(t, store)
	ctx := context.Background()

	enabled := true
	if _, err := store.UpdateSettings(ctx, "", graph.SettingsPatch{AutoApprove: &enabled}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	res, err := e.InferForNodes(ctx, "", "run-1", []string{from.ID}, nil)
	if err != nil {
		t.Fatalf("InferForNodes: %v", err)
	}
	if res.Approved != 1 {
		t.Errorf("approved = %d, want 1", res.Approved)
	}

	edges, err := store.ListEdges(ctx, "", graph.EdgeFilter{Source: graph.SourceAIInferred})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}

	approved, err := store.ListSuggestions(ctx, "", graph.SuggestionApproved)
	if err != nil {
		t.Fatalf("ListSuggestions: %v", err)
	}
	if len(approved) != 1 || approved[0].ApprovedEdgeID != edges[0].ID {
		t.Errorf("approved suggestion not linked to edge: %+v", approved)
	}
}

func TestApprove_Idempotent(t *testing.T) {
	e, store := newTestEngine(t, &fakeLLM{}, Options{})
	from, to := seedPair(t, store)
	ctx := context.Background()

	sg, err := store.UpsertSuggestion(ctx, "", graph.SuggestionInput{
		FromNodeID:       from.ID,
		ToNodeID:         to.ID,
		RelationshipType: "related_to",
		Confidence:       0.8,
	})
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}

	first, err := e.Approve(ctx, "", sg.ID, "alice")
	if err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	second, err := e.Approve(ctx, "", sg.ID, "bob")
	if err != nil {
		t.Fatalf("second Approve: %v", err)
	}

	if first.ApprovedEdgeID == "" || first.ApprovedEdgeID != second.ApprovedEdgeID {
		t.Errorf("edge ids differ: %q vs %q", first.ApprovedEdgeID, second.ApprovedEdgeID)
	}
	if second.ReviewedBy != "alice" {
		t.Errorf("re-approval overwrote reviewer: %q", second.ReviewedBy)
	}

	edges, err := store.ListEdges(ctx, "", graph.EdgeFilter{})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("edges = %d, want exactly 1", len(edges))
	}
}

func TestReject_PreservesOriginalReason(t *testing.T) {
	e, store := newTestEngine(t, &fakeLLM{}, Options{})
	from, to := seedPair(t, store)
	ctx := context.Background()

	sg, err := store.UpsertSuggestion(ctx, "", graph.SuggestionInput{
		FromNodeID:       from.ID,
		ToNodeID:         to.ID,
		RelationshipType: "related_to",
		Confidence:       0.7,
	})
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}

	if _, err := e.Reject(ctx, "", sg.ID, "alice", "not meaningful"); err != nil {
		t.Fatalf("first Reject: %v", err)
	}
	got, err := e.Reject(ctx, "", sg.ID, "bob", "different reason")
	if err != nil {
		t.Fatalf("second Reject: %v", err)
	}

	if got.ReviewedBy != "alice" || got.ReviewReason != "not meaningful" {
		t.Errorf("re-reject overwrote review: by=%q reason=%q", got.ReviewedBy, got.ReviewReason)
	}
}

func TestApprove_RejectedSuggestionFails(t *testing.T) {
	e, store := newTestEngine(t, &fakeLLM{}, Options{})
	from, to := seedPair(t, store)
	ctx := context.Background()

	sg, err := store.UpsertSuggestion(ctx, "", graph.SuggestionInput{
		FromNodeID:       from.ID,
		ToNodeID:         to.ID,
		RelationshipType: "related_to",
		Confidence:       0.7,
	})
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}
	if _, err := e.Reject(ctx, "", sg.ID, "alice", "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if _, err := e.Approve(ctx, "", sg.ID, "bob"); err == nil {
		t.Fatal("expected error approving a rejected suggestion")
	}
}

// failingSuggestions simulates the governance table being unavailable.
type failingSuggestions struct {
	*memstore.Store
}

func (f *failingSuggestions) UpsertSuggestion(ctx context.Context, scope string, input graph.SuggestionInput) (graph.SuggestedEdge, error) {
	return graph.SuggestedEdge{}, errors.New("suggested_edges table missing")
}

func TestPersistInference_DirectEdgeFallback(t *testing.T) {
	llm := &fakeLLM{response: relatedResponse(0.8)}
	base := memstore.New()
	e := NewEngine(&failingSuggestions{Store: base}, llm, Options{RateLimit: 600000})
	from, _ := seedPair(t, base)
	ctx := context.Background()

	res, err := e.InferForNodes(ctx, "", "run-1", []string{from.ID}, nil)
	if err != nil {
		t.Fatalf("InferForNodes: %v", err)
	}
	if res.Approved != 1 {
		t.Errorf("approved = %d, want 1 (direct edge fallback)", res.Approved)
	}

	edges, err := base.ListEdges(ctx, "", graph.EdgeFilter{Source: graph.SourceAIInferred})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("edges = %d, want 1 written despite governance failure", len(edges))
	}
}

func TestInferForNodes_PairErrorContained(t *testing.T) {
	llm := &fakeLLM{err: provider.NewError(provider.CodeInvalidRequest, fmt.Errorf("bad prompt"))}
	e, store := newTestEngine(t, llm, Options{})
	from, to := seedPair(t, store)
	ctx := context.Background()

	res, err := e.InferForNodes(ctx, "", "run-1", []string{from.ID, to.ID}, nil)
	if err != nil {
		t.Fatalf("InferForNodes: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %d, want 1 (pair failure contained)", len(res.Errors))
	}
	if res.Suggested != 0 {
		t.Errorf("suggested = %d, want 0", res.Suggested)
	}
}
