package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/graph/memstore"
)

func newTestEngine(t *testing.T) (*Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return NewEngine(store, nil), store
}

// seedEmbedded creates one node per vector and stores the embedding.
func seedEmbedded(t *testing.T, store *memstore.Store, vectors map[string][]float32) map[string]string {
	t.Helper()
	ctx := context.Background()
	ids := make(map[string]string, len(vectors))
	for label, vec := range vectors {
		nodes, err := store.CreateNodes(ctx, "", []graph.NodeInput{{Label: label}})
		if err != nil {
			t.Fatalf("CreateNodes(%s): %v", label, err)
		}
		if err := store.SetNodeEmbedding(ctx, "", nodes[0].ID, vec, "m", time.Now()); err != nil {
			t.Fatalf("SetNodeEmbedding(%s): %v", label, err)
		}
		ids[label] = nodes[0].ID
	}
	return ids
}

// twoGroups is two well-separated directions in 2D.
func twoGroups() map[string][]float32 {
	return map[string][]float32{
		"x1": {1, 0},
		"x2": {0.95, 0.05},
		"x3": {0.9, 0.1},
		"y1": {0, 1},
		"y2": {0.05, 0.95},
		"y3": {0.1, 0.9},
	}
}

func TestKMeans_SeparatesGroups(t *testing.T) {
	e, store := newTestEngine(t)
	ids := seedEmbedded(t, store, twoGroups())
	ctx := context.Background()

	clusters, err := e.KMeans(ctx, "", 2)
	if err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(clusters))
	}

	// All x nodes must share a cluster, all y nodes another.
	clusterOf := func(label string) string {
		n, err := store.GetNodeByID(ctx, "", ids[label])
		if err != nil {
			t.Fatalf("GetNodeByID(%s): %v", label, err)
		}
		if n.ClusterID == "" {
			t.Fatalf("node %s unassigned", label)
		}
		return n.ClusterID
	}
	if clusterOf("x1") != clusterOf("x2") || clusterOf("x2") != clusterOf("x3") {
		t.Error("x group split across clusters")
	}
	if clusterOf("y1") != clusterOf("y2") || clusterOf("y2") != clusterOf("y3") {
		t.Error("y group split across clusters")
	}
	if clusterOf("x1") == clusterOf("y1") {
		t.Error("x and y groups merged into one cluster")
	}
}

func TestKMeans_KClampedToNodeCount(t *testing.T) {
	e, store := newTestEngine(t)
	seedEmbedded(t, store, map[string][]float32{"only": {1, 0}})

	clusters, err := e.KMeans(context.Background(), "", 8)
	if err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	if len(clusters) != 1 {
		t.Errorf("clusters = %d, want 1 (k clamped)", len(clusters))
	}
}

func TestKMeans_NoEmbeddedNodes(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	if _, err := store.CreateNodes(ctx, "", []graph.NodeInput{{Label: "bare"}}); err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}

	clusters, err := e.KMeans(ctx, "", 3)
	if err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	if len(clusters) != 0 {
		t.Errorf("clusters = %d, want 0", len(clusters))
	}
}

func TestKMeans_RejectsNonPositiveK(t *testing.T) {
	e, _ := newTestEngine(t)
	// The count is validated before anything else, even on an empty graph.
	if _, err := e.KMeans(context.Background(), "", 0); err == nil {
		t.Fatal("expected error for k = 0 on an empty graph")
	}
	if _, err := e.KMeans(context.Background(), "", -2); err == nil {
		t.Fatal("expected error for k = -2")
	}
}

func TestKMeans_LabelAndCohesion(t *testing.T) {
	e, store := newTestEngine(t)
	vectors := map[string][]float32{
		"Hub":     {1, 0},
		"Spoke A": {0.8, 0.6},
		"Spoke B": {0.6, 0.8},
	}
	ids := seedEmbedded(t, store, vectors)
	ctx := context.Background()

	// Hub ends up with degree 2, the spokes with degree 1 each.
	if _, err := store.CreateEdges(ctx, "", []graph.EdgeInput{
		{FromNodeID: ids["Hub"], ToNodeID: ids["Spoke A"], RelationshipType: "references", Source: graph.SourceManual},
		{FromNodeID: ids["Hub"], ToNodeID: ids["Spoke B"], RelationshipType: "references", Source: graph.SourceManual},
	}); err != nil {
		t.Fatalf("CreateEdges: %v", err)
	}

	clusters, err := e.KMeans(ctx, "", 1)
	if err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("clusters = %d, want 1", len(clusters))
	}
	cl := clusters[0]

	if cl.Label != "Hub" {
		t.Errorf("Label = %q, want %q (best-connected member)", cl.Label, "Hub")
	}

	var sims []float32
	var mean, lowest float32
	for _, vec := range vectors {
		sim := graph.CosineSimilarity(vec, cl.Centroid)
		sims = append(sims, sim)
		mean += sim
		if lowest == 0 || sim < lowest {
			lowest = sim
		}
	}
	mean /= float32(len(sims))
	if diff := cl.Cohesion - mean; diff > 1e-5 || diff < -1e-5 {
		t.Errorf("Cohesion = %v, want mean member similarity %v", cl.Cohesion, mean)
	}
	if cl.Cohesion <= lowest {
		t.Errorf("Cohesion = %v not above the minimum similarity %v", cl.Cohesion, lowest)
	}

	pairMean := (graph.CosineSimilarity(vectors["Hub"], vectors["Spoke A"]) +
		graph.CosineSimilarity(vectors["Hub"], vectors["Spoke B"]) +
		graph.CosineSimilarity(vectors["Spoke A"], vectors["Spoke B"])) / 3
	if diff := cl.AvgSimilarity - pairMean; diff > 1e-5 || diff < -1e-5 {
		t.Errorf("AvgSimilarity = %v, want mean pairwise similarity %v", cl.AvgSimilarity, pairMean)
	}
}

func TestKMeans_RerunReplacesClusters(t *testing.T) {
	e, store := newTestEngine(t)
	seedEmbedded(t, store, twoGroups())
	ctx := context.Background()

	first, err := e.KMeans(ctx, "", 2)
	if err != nil {
		t.Fatalf("first KMeans: %v", err)
	}
	second, err := e.KMeans(ctx, "", 3)
	if err != nil {
		t.Fatalf("second KMeans: %v", err)
	}

	oldIDs := make(map[string]bool)
	for _, c := range first {
		oldIDs[c.ID] = true
	}
	for _, c := range second {
		if oldIDs[c.ID] {
			t.Errorf("cluster %s survived the re-run", c.ID)
		}
	}

	// No node may still point at a first-run cluster.
	nodes, err := store.ListNodes(ctx, "", graph.NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	for _, n := range nodes {
		if oldIDs[n.ClusterID] {
			t.Errorf("node %s kept stale membership %s", n.Slug, n.ClusterID)
		}
	}
}

func TestDBSCAN_NoiseStaysUnassigned(t *testing.T) {
	e, store := newTestEngine(t)
	vectors := twoGroups()
	vectors["noise"] = []float32{-1, -1} // far from both groups
	ids := seedEmbedded(t, store, vectors)
	ctx := context.Background()

	clusters, err := e.DBSCAN(ctx, "", 0.95, 2)
	if err != nil {
		t.Fatalf("DBSCAN: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(clusters))
	}

	n, err := store.GetNodeByID(ctx, "", ids["noise"])
	if err != nil {
		t.Fatalf("GetNodeByID: %v", err)
	}
	if n.ClusterID != "" {
		t.Errorf("noise node assigned to cluster %s", n.ClusterID)
	}
}

func TestDBSCAN_MinSamplesValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.DBSCAN(context.Background(), "", 0.9, 0); err == nil {
		t.Fatal("expected error for minSamples < 1")
	}
}

func TestFindBestCluster(t *testing.T) {
	e, store := newTestEngine(t)
	ids := seedEmbedded(t, store, twoGroups())
	ctx := context.Background()

	if _, err := e.KMeans(ctx, "", 2); err != nil {
		t.Fatalf("KMeans: %v", err)
	}

	// A new node near the x group must land in the x cluster.
	newIDs := seedEmbedded(t, store, map[string][]float32{"x-new": {0.92, 0.08}})
	clusterID, sim, err := e.FindBestCluster(ctx, "", newIDs["x-new"])
	if err != nil {
		t.Fatalf("FindBestCluster: %v", err)
	}
	if sim < 0.9 {
		t.Errorf("similarity = %v, want > 0.9", sim)
	}

	x1, err := store.GetNodeByID(ctx, "", ids["x1"])
	if err != nil {
		t.Fatalf("GetNodeByID: %v", err)
	}
	if clusterID != x1.ClusterID {
		t.Errorf("best cluster = %s, want x group's %s", clusterID, x1.ClusterID)
	}
}

func TestAssignToCluster_UpdatesMemberCounts(t *testing.T) {
	e, store := newTestEngine(t)
	seedEmbedded(t, store, twoGroups())
	ctx := context.Background()

	if _, err := e.KMeans(ctx, "", 2); err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	newIDs := seedEmbedded(t, store, map[string][]float32{"x-new": {0.93, 0.07}})
	if err := e.AssignToCluster(ctx, "", newIDs["x-new"]); err != nil {
		t.Fatalf("AssignToCluster: %v", err)
	}

	n, err := store.GetNodeByID(ctx, "", newIDs["x-new"])
	if err != nil {
		t.Fatalf("GetNodeByID: %v", err)
	}
	c, err := store.GetClusterByID(ctx, "", n.ClusterID)
	if err != nil {
		t.Fatalf("GetClusterByID: %v", err)
	}
	if c.MemberCount != 4 {
		t.Errorf("member count = %d, want 4 after assignment", c.MemberCount)
	}
}

func TestRecomputeCentroid(t *testing.T) {
	e, store := newTestEngine(t)
	ids := seedEmbedded(t, store, twoGroups())
	ctx := context.Background()

	if _, err := e.KMeans(ctx, "", 2); err != nil {
		t.Fatalf("KMeans: %v", err)
	}
	x1, err := store.GetNodeByID(ctx, "", ids["x1"])
	if err != nil {
		t.Fatalf("GetNodeByID: %v", err)
	}

	// Shift one member drastically, then recompute.
	if err := store.SetNodeEmbedding(ctx, "", ids["x1"], []float32{0.5, 0.5}, "m", time.Now()); err != nil {
		t.Fatalf("SetNodeEmbedding: %v", err)
	}
	before, err := store.GetClusterByID(ctx, "", x1.ClusterID)
	if err != nil {
		t.Fatalf("GetClusterByID: %v", err)
	}
	if err := e.RecomputeCentroid(ctx, "", x1.ClusterID); err != nil {
		t.Fatalf("RecomputeCentroid: %v", err)
	}
	after, err := store.GetClusterByID(ctx, "", x1.ClusterID)
	if err != nil {
		t.Fatalf("GetClusterByID: %v", err)
	}

	same := len(before.Centroid) == len(after.Centroid)
	if same {
		for i := range before.Centroid {
			if before.Centroid[i] != after.Centroid[i] {
				same = false
				break
			}
		}
	}
	if same {
		t.Error("centroid unchanged after member embedding moved")
	}
}
