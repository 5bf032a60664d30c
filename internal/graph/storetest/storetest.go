// Package storetest holds the behavioral conformance suite that every
// storage backend must pass. The three backends implement the same
// contract; running this suite against each of them is what guarantees
// identical observable behavior.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/weave/internal/graph"
)

// Factory creates a fresh, empty store for one subtest.
type Factory func(t *testing.T) graph.Store

// Run executes the full conformance suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("NodeLifecycle", func(t *testing.T) { testNodeLifecycle(t, factory(t)) })
	t.Run("SlugDedup", func(t *testing.T) { testSlugDedup(t, factory(t)) })
	t.Run("ScopeIsolation", func(t *testing.T) { testScopeIsolation(t, factory(t)) })
	t.Run("DefaultScopeResolution", func(t *testing.T) { testDefaultScopeResolution(t, factory(t)) })
	t.Run("EdgeLifecycle", func(t *testing.T) { testEdgeLifecycle(t, factory(t)) })
	t.Run("DeleteNodeCascades", func(t *testing.T) { testDeleteNodeCascades(t, factory(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, factory(t)) })
	t.Run("GraphQueries", func(t *testing.T) { testGraphQueries(t, factory(t)) })
	t.Run("FindPaths", func(t *testing.T) { testFindPaths(t, factory(t)) })
	t.Run("Embeddings", func(t *testing.T) { testEmbeddings(t, factory(t)) })
	t.Run("SimilarityRanking", func(t *testing.T) { testSimilarityRanking(t, factory(t)) })
	t.Run("ClusterReplacement", func(t *testing.T) { testClusterReplacement(t, factory(t)) })
	t.Run("ClusterAssignment", func(t *testing.T) { testClusterAssignment(t, factory(t)) })
	t.Run("Suggestions", func(t *testing.T) { testSuggestions(t, factory(t)) })
	t.Run("AnalysisRuns", func(t *testing.T) { testAnalysisRuns(t, factory(t)) })
	t.Run("Provenance", func(t *testing.T) { testProvenance(t, factory(t)) })
}

func mustCreateNodes(t *testing.T, s graph.Store, scope string, labels ...string) []graph.Node {
	t.Helper()
	inputs := make([]graph.NodeInput, len(labels))
	for i, l := range labels {
		inputs[i] = graph.NodeInput{Label: l, Domain: "test", NodeType: "concept"}
	}
	nodes, err := s.CreateNodes(context.Background(), scope, inputs)
	if err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	if len(nodes) != len(labels) {
		t.Fatalf("created %d nodes, want %d", len(nodes), len(labels))
	}
	return nodes
}

func mustCreateEdge(t *testing.T, s graph.Store, scope, from, to, relType string, strength float32) graph.Edge {
	t.Helper()
	edges, err := s.CreateEdges(context.Background(), scope, []graph.EdgeInput{{
		FromNodeID: from, ToNodeID: to, RelationshipType: relType, Strength: strength, Confidence: 1,
	}})
	if err != nil {
		t.Fatalf("CreateEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("created %d edges, want 1", len(edges))
	}
	return edges[0]
}

func testNodeLifecycle(t *testing.T, s graph.Store) {
	ctx := context.Background()

	nodes, err := s.CreateNodes(ctx, "", []graph.NodeInput{{
		Label:    "Graph Theory",
		Domain:   "math",
		NodeType: "topic",
		Content:  "the study of graphs",
		Metadata: map[string]string{"origin": "seed"},
	}})
	if err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	n := nodes[0]
	if n.Slug != "graph-theory" {
		t.Errorf("slug = %q, want graph-theory", n.Slug)
	}
	if n.Scope != graph.DefaultScope {
		t.Errorf("scope = %q, want default", n.Scope)
	}

	byID, err := s.GetNodeByID(ctx, "", n.ID)
	if err != nil {
		t.Fatalf("GetNodeByID: %v", err)
	}
	if byID.Metadata["origin"] != "seed" {
		t.Errorf("metadata lost: %+v", byID.Metadata)
	}

	bySlug, err := s.GetNodeBySlug(ctx, "", "graph-theory")
	if err != nil || bySlug.ID != n.ID {
		t.Fatalf("GetNodeBySlug: %v (id %q)", err, bySlug.ID)
	}

	newLabel := "Graph theory (updated)"
	updated, err := s.UpdateNode(ctx, "", n.ID, graph.NodePatch{Label: &newLabel})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if updated.Label != newLabel {
		t.Errorf("label = %q, want %q", updated.Label, newLabel)
	}
	if updated.Slug != "graph-theory" {
		t.Errorf("slug must be immutable, got %q", updated.Slug)
	}

	if _, err := s.GetNodeByID(ctx, "", "missing"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("missing node should be ErrNotFound, got %v", err)
	}

	res, err := s.DeleteNode(ctx, "", n.ID)
	if err != nil || !res.Deleted {
		t.Fatalf("DeleteNode: %v %+v", err, res)
	}
	if _, err := s.GetNodeByID(ctx, "", n.ID); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("deleted node still readable, err %v", err)
	}
}

func testSlugDedup(t *testing.T, s graph.Store) {
	ctx := context.Background()

	nodes, err := s.CreateNodes(ctx, "", []graph.NodeInput{{Label: "Alpha"}, {Label: "Alpha"}})
	if err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("duplicate slugs in one batch: created %d, want 1", len(nodes))
	}
	if nodes[0].Slug != "alpha" {
		t.Errorf("slug = %q, want alpha", nodes[0].Slug)
	}

	// Second call with the same label is also skipped.
	again, err := s.CreateNodes(ctx, "", []graph.NodeInput{{Label: "Alpha"}})
	if err != nil {
		t.Fatalf("CreateNodes again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("existing slug re-created: %+v", again)
	}
}

func testScopeIsolation(t *testing.T, s graph.Store) {
	ctx := context.Background()

	a := mustCreateNodes(t, s, "tenant-a", "Shared Name", "Other A")
	mustCreateEdge(t, s, "tenant-a", a[0].ID, a[1].ID, "related_to", 0.5)

	// Same slug in another scope is allowed.
	b := mustCreateNodes(t, s, "tenant-b", "Shared Name")
	if b[0].Slug != a[0].Slug {
		t.Errorf("slugs should match across scopes: %q vs %q", b[0].Slug, a[0].Slug)
	}

	nodesB, err := s.ListNodes(ctx, "tenant-b", graph.NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodesB) != 1 {
		t.Errorf("scope b sees %d nodes, want 1", len(nodesB))
	}

	if _, err := s.GetNodeByID(ctx, "tenant-b", a[0].ID); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("cross-scope GetNodeByID should fail, got %v", err)
	}

	edgesB, err := s.ListEdges(ctx, "tenant-b", graph.EdgeFilter{})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edgesB) != 0 {
		t.Errorf("scope b sees %d edges, want 0", len(edgesB))
	}

	sub, err := s.GetGraph(ctx, "tenant-b", 0)
	if err != nil {
		t.Fatalf("GetGraph: %v", err)
	}
	if len(sub.Nodes) != 1 || len(sub.Edges) != 0 {
		t.Errorf("cross-scope graph leak: %d nodes %d edges", len(sub.Nodes), len(sub.Edges))
	}
}

func testDefaultScopeResolution(t *testing.T, s graph.Store) {
	ctx := context.Background()

	mustCreateNodes(t, s, "", "Implicit")

	// Blank and explicit default are the same scope.
	byBlank, err := s.ListNodes(ctx, "", graph.NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes blank: %v", err)
	}
	byDefault, err := s.ListNodes(ctx, graph.DefaultScope, graph.NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes default: %v", err)
	}
	if len(byBlank) != 1 || len(byDefault) != 1 {
		t.Errorf("blank scope not resolved to default: %d vs %d", len(byBlank), len(byDefault))
	}
}

func testEdgeLifecycle(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "From", "To")
	from, to := nodes[0].ID, nodes[1].ID

	e := mustCreateEdge(t, s, "", from, to, "references", 0.7)
	if e.Source != graph.SourceManual {
		t.Errorf("default source = %q, want manual", e.Source)
	}

	// Duplicate (from, to, type) is skipped, not an error.
	dup, err := s.CreateEdges(ctx, "", []graph.EdgeInput{{FromNodeID: from, ToNodeID: to, RelationshipType: "references"}})
	if err != nil {
		t.Fatalf("CreateEdges dup: %v", err)
	}
	if len(dup) != 0 {
		t.Errorf("duplicate edge created: %+v", dup)
	}

	// Same pair with a different type is a distinct edge.
	other, err := s.CreateEdges(ctx, "", []graph.EdgeInput{{FromNodeID: from, ToNodeID: to, RelationshipType: "part_of"}})
	if err != nil || len(other) != 1 {
		t.Fatalf("distinct type edge: %v, created %d", err, len(other))
	}

	// Missing endpoints are an error.
	if _, err := s.CreateEdges(ctx, "", []graph.EdgeInput{{FromNodeID: from, ToNodeID: "missing", RelationshipType: "x"}}); err == nil {
		t.Error("edge to missing node should error")
	}

	// Connection counts are maintained.
	nFrom, err := s.GetNodeByID(ctx, "", from)
	if err != nil {
		t.Fatalf("GetNodeByID: %v", err)
	}
	if nFrom.OutboundCount != 2 || nFrom.TotalCount != 2 {
		t.Errorf("from counts = out %d total %d, want 2/2", nFrom.OutboundCount, nFrom.TotalCount)
	}
	nTo, _ := s.GetNodeByID(ctx, "", to)
	if nTo.InboundCount != 2 {
		t.Errorf("to inbound = %d, want 2", nTo.InboundCount)
	}

	strength := float32(0.9)
	upd, err := s.UpdateEdge(ctx, "", e.ID, graph.EdgePatch{Strength: &strength})
	if err != nil || upd.Strength != 0.9 {
		t.Fatalf("UpdateEdge: %v (strength %v)", err, upd.Strength)
	}

	if err := s.DeleteEdge(ctx, "", e.ID); err != nil {
		t.Fatalf("DeleteEdge: %v", err)
	}
	nFrom, _ = s.GetNodeByID(ctx, "", from)
	if nFrom.OutboundCount != 1 {
		t.Errorf("outbound after delete = %d, want 1", nFrom.OutboundCount)
	}
	if err := s.DeleteEdge(ctx, "", e.ID); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("double delete should be ErrNotFound, got %v", err)
	}
}

func testDeleteNodeCascades(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "Hub", "SpokeA", "SpokeB")
	hub, a, b := nodes[0].ID, nodes[1].ID, nodes[2].ID

	mustCreateEdge(t, s, "", hub, a, "references", 0.5)
	mustCreateEdge(t, s, "", b, hub, "references", 0.5)
	mustCreateEdge(t, s, "", a, b, "references", 0.5)

	res, err := s.DeleteNode(ctx, "", hub)
	if err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if res.EdgesRemoved != 2 {
		t.Errorf("edgesRemoved = %d, want 2", res.EdgesRemoved)
	}

	edges, err := s.ListEdges(ctx, "", graph.EdgeFilter{})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("surviving edges = %d, want 1", len(edges))
	}
	for _, e := range edges {
		if e.FromNodeID == hub || e.ToNodeID == hub {
			t.Errorf("edge %s still references deleted node", e.ID)
		}
	}

	// Survivors' counts were recomputed.
	na, _ := s.GetNodeByID(ctx, "", a)
	if na.InboundCount != 0 || na.OutboundCount != 1 {
		t.Errorf("a counts = in %d out %d, want 0/1", na.InboundCount, na.OutboundCount)
	}
	nb, _ := s.GetNodeByID(ctx, "", b)
	if nb.InboundCount != 1 || nb.OutboundCount != 0 {
		t.Errorf("b counts = in %d out %d, want 1/0", nb.InboundCount, nb.OutboundCount)
	}
}

func testSettings(t *testing.T, s graph.Store) {
	ctx := context.Background()

	got, err := s.GetSettings(ctx, "")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	def := graph.DefaultSettings("")
	if got.SimilarityThreshold != def.SimilarityThreshold || got.EmbeddingModel != def.EmbeddingModel {
		t.Errorf("fresh scope should have defaults, got %+v", got)
	}

	thresh := float32(0.5)
	auto := true
	upd, err := s.UpdateSettings(ctx, "", graph.SettingsPatch{SimilarityThreshold: &thresh, AutoApprove: &auto})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if upd.SimilarityThreshold != 0.5 || !upd.AutoApprove {
		t.Errorf("patch not applied: %+v", upd)
	}
	if upd.EmbeddingModel != def.EmbeddingModel {
		t.Errorf("untouched field changed: %+v", upd)
	}

	reread, _ := s.GetSettings(ctx, "")
	if reread.SimilarityThreshold != 0.5 {
		t.Errorf("settings not persisted: %+v", reread)
	}

	reset, err := s.ResetSettings(ctx, "")
	if err != nil {
		t.Fatalf("ResetSettings: %v", err)
	}
	if reset.SimilarityThreshold != def.SimilarityThreshold || reset.AutoApprove {
		t.Errorf("reset did not restore defaults: %+v", reset)
	}

	// Settings are scope-local.
	other, _ := s.GetSettings(ctx, "tenant-b")
	if other.SimilarityThreshold != def.SimilarityThreshold {
		t.Errorf("other scope affected: %+v", other)
	}
}

func testGraphQueries(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "A", "B", "C", "D")
	a, b, c, d := nodes[0].ID, nodes[1].ID, nodes[2].ID, nodes[3].ID

	mustCreateEdge(t, s, "", a, b, "references", 0.5)
	mustCreateEdge(t, s, "", b, c, "references", 0.5)
	mustCreateEdge(t, s, "", c, d, "references", 0.5)

	sub, err := s.GetGraph(ctx, "", 0)
	if err != nil {
		t.Fatalf("GetGraph: %v", err)
	}
	if len(sub.Nodes) != 4 || len(sub.Edges) != 3 {
		t.Errorf("full graph = %d nodes %d edges, want 4/3", len(sub.Nodes), len(sub.Edges))
	}

	limited, err := s.GetGraph(ctx, "", 2)
	if err != nil {
		t.Fatalf("GetGraph limited: %v", err)
	}
	if len(limited.Nodes) != 2 {
		t.Errorf("limited graph = %d nodes, want 2", len(limited.Nodes))
	}
	for _, e := range limited.Edges {
		found := 0
		for _, n := range limited.Nodes {
			if e.FromNodeID == n.ID || e.ToNodeID == n.ID {
				found++
			}
		}
		if found < 2 {
			t.Errorf("edge %s has endpoint outside returned nodes", e.ID)
		}
	}

	exp, err := s.ExpandGraph(ctx, "", a, 2)
	if err != nil {
		t.Fatalf("ExpandGraph: %v", err)
	}
	if len(exp.Nodes) != 3 {
		t.Errorf("expand depth 2 from a = %d nodes, want 3 (a,b,c)", len(exp.Nodes))
	}

	if _, err := s.ExpandGraph(ctx, "", "missing", 1); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expand from missing node should be ErrNotFound, got %v", err)
	}
}

func testFindPaths(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "A", "B", "C")
	a, b, c := nodes[0].ID, nodes[1].ID, nodes[2].ID

	mustCreateEdge(t, s, "", a, b, "references", 0.4)
	mustCreateEdge(t, s, "", b, c, "references", 0.4)
	mustCreateEdge(t, s, "", a, c, "shortcut", 0.9)

	shortest, err := s.FindPaths(ctx, "", a, c, graph.PathOptions{Algorithm: graph.PathShortest})
	if err != nil {
		t.Fatalf("FindPaths shortest: %v", err)
	}
	if len(shortest) != 1 {
		t.Fatalf("shortest returned %d paths, want 1", len(shortest))
	}
	if len(shortest[0].NodeIDs) != 2 {
		t.Errorf("shortest path = %v, want direct hop", shortest[0].NodeIDs)
	}

	all, err := s.FindPaths(ctx, "", a, c, graph.PathOptions{Algorithm: graph.PathAll})
	if err != nil {
		t.Fatalf("FindPaths all: %v", err)
	}
	if len(all) < 2 {
		t.Fatalf("all returned %d paths, want >= 2", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Length() < all[i-1].Length() {
			t.Errorf("paths not sorted by length")
		}
	}

	if _, err := s.FindPaths(ctx, "", a, "missing", graph.PathOptions{}); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("path to missing node should be ErrNotFound, got %v", err)
	}
}

func testEmbeddings(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "Embedded", "Bare")
	id := nodes[0].ID

	at := time.Now().UTC().Truncate(time.Second)
	if err := s.SetNodeEmbedding(ctx, "", id, []float32{0.1, 0.2}, "test-model", at); err != nil {
		t.Fatalf("SetNodeEmbedding: %v", err)
	}

	n, err := s.GetNodeByID(ctx, "", id)
	if err != nil {
		t.Fatalf("GetNodeByID: %v", err)
	}
	if !n.HasEmbedding() {
		t.Fatalf("embedding record incomplete: model=%q at=%v len=%d", n.EmbeddingModel, n.EmbeddingAt, len(n.Embedding))
	}
	if n.EmbeddingModel != "test-model" {
		t.Errorf("model = %q", n.EmbeddingModel)
	}

	// Filter for nodes missing embeddings.
	missing, err := s.ListNodes(ctx, "", graph.NodeFilter{WithoutEmbed: true})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(missing) != 1 || missing[0].Slug != "bare" {
		t.Errorf("WithoutEmbed filter wrong: %+v", missing)
	}

	cleared, err := s.ClearNodeEmbeddings(ctx, "")
	if err != nil || cleared != 1 {
		t.Fatalf("ClearNodeEmbeddings = %d, %v; want 1", cleared, err)
	}
	n, _ = s.GetNodeByID(ctx, "", id)
	// Cleared as a unit: vector, model, and timestamp all gone.
	if len(n.Embedding) != 0 || n.EmbeddingModel != "" || !n.EmbeddingAt.IsZero() {
		t.Errorf("embedding not cleared as a unit: %+v", n)
	}
}

func testSimilarityRanking(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "Base", "Close", "Far", "NoVec")
	at := time.Now().UTC()

	vecs := map[string][]float32{
		nodes[0].ID: {1, 0},
		nodes[1].ID: {0.9, 0.1},
		nodes[2].ID: {-1, 0},
	}
	for id, v := range vecs {
		if err := s.SetNodeEmbedding(ctx, "", id, v, "m", at); err != nil {
			t.Fatalf("SetNodeEmbedding: %v", err)
		}
	}

	// Cross-scope candidate must never appear.
	other := mustCreateNodes(t, s, "tenant-b", "Alien")
	if err := s.SetNodeEmbedding(ctx, "tenant-b", other[0].ID, []float32{1, 0}, "m", at); err != nil {
		t.Fatalf("SetNodeEmbedding other scope: %v", err)
	}

	got, err := s.FindSimilarNodeIDs(ctx, "", nodes[0].ID, graph.SimilarityOptions{MinSimilarity: -1, Limit: 10})
	if err != nil {
		t.Fatalf("FindSimilarNodeIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2 (base and unembedded excluded)", len(got))
	}
	if got[0].NodeID != nodes[1].ID || got[1].NodeID != nodes[2].ID {
		t.Errorf("ranking order wrong: %+v", got)
	}
	if got[0].Similarity <= 0.99 {
		t.Errorf("similarity = %v, want > 0.99", got[0].Similarity)
	}
	for _, r := range got {
		if r.NodeID == other[0].ID {
			t.Error("cross-scope candidate leaked into similarity results")
		}
	}

	// minSimilarity filters, limit truncates.
	filtered, _ := s.FindSimilarNodeIDs(ctx, "", nodes[0].ID, graph.SimilarityOptions{MinSimilarity: 0.5, Limit: 10})
	if len(filtered) != 1 {
		t.Errorf("minSimilarity filter: got %d, want 1", len(filtered))
	}
	truncated, _ := s.FindSimilarNodeIDs(ctx, "", nodes[0].ID, graph.SimilarityOptions{MinSimilarity: -1, Limit: 1})
	if len(truncated) != 1 {
		t.Errorf("limit truncation: got %d, want 1", len(truncated))
	}
}

func testClusterReplacement(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "N1", "N2", "N3")

	first := []graph.Cluster{
		{ID: "c1", Label: "first", Centroid: []float32{1, 0}, MemberCount: 2},
		{ID: "c2", Label: "second", Centroid: []float32{0, 1}, MemberCount: 1},
	}
	assign := []graph.ClusterAssignment{
		{NodeID: nodes[0].ID, ClusterID: "c1", Similarity: 0.9},
		{NodeID: nodes[1].ID, ClusterID: "c1", Similarity: 0.8},
		{NodeID: nodes[2].ID, ClusterID: "c2", Similarity: 0.7},
	}
	if err := s.ReplaceClusters(ctx, "", first, assign); err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}

	clusters, err := s.ListClusters(ctx, "")
	if err != nil || len(clusters) != 2 {
		t.Fatalf("ListClusters: %v (%d)", err, len(clusters))
	}
	n0, _ := s.GetNodeByID(ctx, "", nodes[0].ID)
	if n0.ClusterID != "c1" || n0.ClusterSimilarity != 0.9 {
		t.Errorf("assignment not applied: %+v", n0)
	}

	// Re-clustering fully replaces: no residue from the previous run.
	second := []graph.Cluster{{ID: "c3", Label: "only", Centroid: []float32{1, 1}, MemberCount: 1}}
	if err := s.ReplaceClusters(ctx, "", second, []graph.ClusterAssignment{
		{NodeID: nodes[0].ID, ClusterID: "c3", Similarity: 0.6},
	}); err != nil {
		t.Fatalf("ReplaceClusters second: %v", err)
	}

	clusters, _ = s.ListClusters(ctx, "")
	if len(clusters) != 1 || clusters[0].ID != "c3" {
		t.Errorf("old clusters survived: %+v", clusters)
	}
	n1, _ := s.GetNodeByID(ctx, "", nodes[1].ID)
	if n1.ClusterID != "" {
		t.Errorf("node kept stale membership %q", n1.ClusterID)
	}
	if _, err := s.GetClusterByID(ctx, "", "c1"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("replaced cluster still readable, err %v", err)
	}
}

func testClusterAssignment(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "M1", "M2")

	clusters := []graph.Cluster{
		{ID: "ca", Label: "a", Centroid: []float32{1, 0}, MemberCount: 1},
		{ID: "cb", Label: "b", Centroid: []float32{0, 1}, MemberCount: 0},
	}
	if err := s.ReplaceClusters(ctx, "", clusters, []graph.ClusterAssignment{
		{NodeID: nodes[0].ID, ClusterID: "ca", Similarity: 0.9},
	}); err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}

	if err := s.AssignNodeToCluster(ctx, "", nodes[1].ID, "cb", 0.8); err != nil {
		t.Fatalf("AssignNodeToCluster: %v", err)
	}
	n, _ := s.GetNodeByID(ctx, "", nodes[1].ID)
	if n.ClusterID != "cb" {
		t.Errorf("node not assigned: %+v", n)
	}
	cb, _ := s.GetClusterByID(ctx, "", "cb")
	if cb.MemberCount != 1 {
		t.Errorf("member count = %d, want 1", cb.MemberCount)
	}

	if err := s.UpdateClusterCentroid(ctx, "", "cb", []float32{0.5, 0.5}); err != nil {
		t.Fatalf("UpdateClusterCentroid: %v", err)
	}
	cb, _ = s.GetClusterByID(ctx, "", "cb")
	if len(cb.Centroid) != 2 || cb.Centroid[0] != 0.5 {
		t.Errorf("centroid not updated: %v", cb.Centroid)
	}
}

func testSuggestions(t *testing.T, s graph.Store) {
	ctx := context.Background()
	nodes := mustCreateNodes(t, s, "", "S1", "S2")
	from, to := nodes[0].ID, nodes[1].ID

	in := graph.SuggestionInput{
		FromNodeID: from, ToNodeID: to, RelationshipType: "related_to",
		Confidence: 0.7, Reasoning: "first pass", SourceModel: "llm-a", AnalysisRunID: "run-1",
	}
	sg, err := s.UpsertSuggestion(ctx, "", in)
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}
	if sg.Status != graph.SuggestionPending {
		t.Errorf("status = %q, want pending", sg.Status)
	}

	// Re-inferring while pending overwrites the proposal in place.
	in.Confidence = 0.85
	in.Reasoning = "second pass"
	sg2, err := s.UpsertSuggestion(ctx, "", in)
	if err != nil {
		t.Fatalf("UpsertSuggestion pending overwrite: %v", err)
	}
	if sg2.ID != sg.ID {
		t.Errorf("pending overwrite created a new row: %s vs %s", sg2.ID, sg.ID)
	}
	if sg2.Confidence != 0.85 || sg2.Reasoning != "second pass" {
		t.Errorf("pending row not overwritten: %+v", sg2)
	}

	// Review it, then re-infer: the decision must stand.
	reviewed, err := s.ReviewSuggestion(ctx, "", sg.ID, graph.SuggestionReview{
		Status: graph.SuggestionRejected, ReviewedBy: "alex", ReviewReason: "spurious",
	})
	if err != nil {
		t.Fatalf("ReviewSuggestion: %v", err)
	}
	if reviewed.Status != graph.SuggestionRejected || reviewed.ReviewedAt.IsZero() {
		t.Errorf("review not applied: %+v", reviewed)
	}

	in.Confidence = 0.99
	sg3, err := s.UpsertSuggestion(ctx, "", in)
	if err != nil {
		t.Fatalf("UpsertSuggestion after review: %v", err)
	}
	if sg3.Status != graph.SuggestionRejected || sg3.Confidence != 0.85 {
		t.Errorf("reviewed decision resurrected: %+v", sg3)
	}

	pending, _ := s.ListSuggestions(ctx, "", graph.SuggestionPending)
	if len(pending) != 0 {
		t.Errorf("pending list should be empty, got %d", len(pending))
	}
	rejected, _ := s.ListSuggestions(ctx, "", graph.SuggestionRejected)
	if len(rejected) != 1 {
		t.Errorf("rejected list = %d, want 1", len(rejected))
	}
}

func testAnalysisRuns(t *testing.T, s graph.Store) {
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "", graph.RunFull, map[string]string{"force": "true"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != graph.RunQueued {
		t.Errorf("new run status = %q, want queued", run.Status)
	}

	running := graph.RunRunning
	started := time.Now().UTC()
	prog := 40
	snap := graph.ProgressSnapshot{Stage: "embeddings", CurrentItem: "node-7", ItemsProcessed: 4, TotalItems: 10, OverallProgress: 40}
	upd, err := s.UpdateRun(ctx, "", run.ID, graph.RunPatch{
		Status: &running, StartedAt: &started, Progress: &prog, Snapshot: &snap,
	})
	if err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if upd.Status != graph.RunRunning || upd.Progress != 40 || upd.Snapshot.Stage != "embeddings" {
		t.Errorf("run patch not applied: %+v", upd)
	}
	if upd.InputParams["force"] != "true" {
		t.Errorf("params lost: %+v", upd.InputParams)
	}

	done := graph.RunCompleted
	results := graph.RunResults{NodesEmbedded: 10, Errors: []graph.ItemError{{Item: "node-3", Message: "provider error"}}}
	upd, err = s.UpdateRun(ctx, "", run.ID, graph.RunPatch{Status: &done, Results: &results})
	if err != nil {
		t.Fatalf("UpdateRun complete: %v", err)
	}
	if upd.Results.NodesEmbedded != 10 || len(upd.Results.Errors) != 1 {
		t.Errorf("results not persisted: %+v", upd.Results)
	}

	listed, err := s.ListRuns(ctx, "", 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListRuns: %v (%d)", err, len(listed))
	}
}

func testProvenance(t *testing.T, s graph.Store) {
	ctx := context.Background()

	src, err := s.UpsertSource(ctx, "", "files", "notes", map[string]string{"root": "/tmp"})
	if err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	again, err := s.UpsertSource(ctx, "", "files", "notes", nil)
	if err != nil || again.ID != src.ID {
		t.Fatalf("UpsertSource should find existing: %v (%s vs %s)", err, again.ID, src.ID)
	}

	if _, err := s.GetSourceByKey(ctx, "", "files", "other"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("unknown source should be ErrNotFound, got %v", err)
	}

	seen := time.Now().UTC()
	item, err := s.UpsertSourceItem(ctx, graph.SourceItem{
		SourceID: src.ID, ExternalID: "doc-1", NodeID: "n1", ContentHash: "h1", LastSeenAt: seen,
	})
	if err != nil {
		t.Fatalf("UpsertSourceItem: %v", err)
	}

	got, err := s.GetSourceItem(ctx, src.ID, "doc-1")
	if err != nil || got.ContentHash != "h1" {
		t.Fatalf("GetSourceItem: %v %+v", err, got)
	}

	// Update path keeps the same row.
	got.ContentHash = "h2"
	upd, err := s.UpsertSourceItem(ctx, got)
	if err != nil || upd.ID != item.ID || upd.ContentHash != "h2" {
		t.Fatalf("item upsert update: %v %+v", err, upd)
	}

	if err := s.SoftDeleteSourceItem(ctx, item.ID, seen); err != nil {
		t.Fatalf("SoftDeleteSourceItem: %v", err)
	}
	got, _ = s.GetSourceItem(ctx, src.ID, "doc-1")
	if got.DeletedAt.IsZero() {
		t.Error("soft delete did not stamp DeletedAt")
	}

	items, err := s.ListSourceItems(ctx, src.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("ListSourceItems: %v (%d)", err, len(items))
	}

	run, err := s.CreateSyncRun(ctx, graph.SyncRun{SourceID: src.ID, StartedAt: seen})
	if err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}
	if run.Status != graph.SyncRunning {
		t.Errorf("new sync run status = %q, want running", run.Status)
	}
	run.Status = graph.SyncPartial
	run.Stats = graph.SyncStats{Created: 9, Errors: 1}
	run.Errors = []graph.ItemError{{Item: "doc-9", Message: "bad payload"}}
	run.FinishedAt = seen.Add(time.Second)
	if err := s.UpdateSyncRun(ctx, run); err != nil {
		t.Fatalf("UpdateSyncRun: %v", err)
	}
	runs, err := s.ListSyncRuns(ctx, src.ID, 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListSyncRuns: %v (%d)", err, len(runs))
	}
	if runs[0].Status != graph.SyncPartial || runs[0].Stats.Errors != 1 || len(runs[0].Errors) != 1 {
		t.Errorf("sync run not persisted: %+v", runs[0])
	}

	if err := s.HardDeleteSourceItem(ctx, item.ID); err != nil {
		t.Fatalf("HardDeleteSourceItem: %v", err)
	}
	if _, err := s.GetSourceItem(ctx, src.ID, "doc-1"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("hard-deleted item still readable, err %v", err)
	}
}
