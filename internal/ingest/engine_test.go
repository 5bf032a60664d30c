package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/graph/memstore"
)

type fakeConnector struct {
	records  []Record
	itemErrs []graph.ItemError
	err      error
}

func (f *fakeConnector) Name() string              { return "fake" }
func (f *fakeConnector) Config() map[string]string { return map[string]string{"kind": "fake"} }
func (f *fakeConnector) Fetch(ctx context.Context) ([]Record, []graph.ItemError, error) {
	return f.records, f.itemErrs, f.err
}

func record(id, title, content string) Record {
	return Record{ExternalID: id, Title: title, Content: content, NodeType: "document"}
}

func TestSync_ReRunStability(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	conn := &fakeConnector{records: []Record{
		record("a", "Alpha", "alpha body"),
		record("b", "Beta", "beta body"),
	}}
	ctx := context.Background()

	first, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"})
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.Status != graph.SyncCompleted {
		t.Fatalf("status = %s, want completed", first.Status)
	}
	if first.Stats.Created != 2 || first.Stats.Updated != 0 || first.Stats.Skipped != 0 {
		t.Fatalf("first stats = %+v", first.Stats)
	}

	second, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Stats.Created != 0 || second.Stats.Updated != 0 || second.Stats.Skipped != 2 {
		t.Errorf("second stats = %+v, want skipped=2", second.Stats)
	}
	if !second.StartedAt.After(first.StartedAt) {
		t.Errorf("run starts not increasing: %v then %v", first.StartedAt, second.StartedAt)
	}

	nodes, err := store.ListNodes(ctx, "", graph.NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("nodes = %d, want 2", len(nodes))
	}
}

func TestSync_UpdatedRecordPatchesNode(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	conn := &fakeConnector{records: []Record{record("a", "Alpha", "v1")}}
	ctx := context.Background()

	if _, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"}); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	conn.records = []Record{record("a", "Alpha", "v2")}
	run, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if run.Stats.Updated != 1 {
		t.Fatalf("stats = %+v, want updated=1", run.Stats)
	}

	node, err := store.GetNodeBySlug(ctx, "", nodeSlug(conn.records[0], "fake", "docs"))
	if err != nil {
		t.Fatalf("GetNodeBySlug: %v", err)
	}
	if node.Content != "v2" {
		t.Errorf("content = %q, want v2", node.Content)
	}
}

// failingItemStore corrupts provenance lookups for one external id.
type failingItemStore struct {
	*memstore.Store
	failID string
}

func (s *failingItemStore) GetSourceItem(ctx context.Context, sourceID, externalID string) (graph.SourceItem, error) {
	if externalID == s.failID {
		return graph.SourceItem{}, errors.New("corrupt provenance row")
	}
	return s.Store.GetSourceItem(ctx, sourceID, externalID)
}

func TestSync_PartialFailureContained(t *testing.T) {
	store := &failingItemStore{Store: memstore.New(), failID: "rec-3"}
	engine := NewEngine(store, nil)
	var records []Record
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("rec-%d", i)
		records = append(records, record(id, "Record "+id, "body "+id))
	}
	conn := &fakeConnector{records: records}

	run, err := engine.Sync(context.Background(), "", conn, SyncOptions{SourceName: "docs"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if run.Status != graph.SyncPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	if run.Stats.Errors != 1 || run.Stats.Created != 9 {
		t.Errorf("stats = %+v, want errors=1 created=9", run.Stats)
	}
	if len(run.Errors) != 1 || run.Errors[0].Item != "rec-3" {
		t.Errorf("errors = %+v, want one entry for rec-3", run.Errors)
	}
}

func TestSync_FetchItemErrorsRecorded(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	conn := &fakeConnector{
		records:  []Record{record("doc-1", "Doc 1", "body")},
		itemErrs: []graph.ItemError{{Item: "broken.pdf", Message: "opening pdf: malformed"}},
	}

	run, err := engine.Sync(context.Background(), "", conn, SyncOptions{SourceName: "docs"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if run.Status != graph.SyncPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	if run.Stats.Errors != 1 || run.Stats.Created != 1 {
		t.Errorf("stats = %+v, want errors=1 created=1", run.Stats)
	}
	if len(run.Errors) != 1 || run.Errors[0].Item != "broken.pdf" {
		t.Errorf("errors = %+v, want one entry for broken.pdf", run.Errors)
	}
}

func TestSync_FetchFailureMarksRunFailed(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	conn := &fakeConnector{err: errors.New("upstream down")}

	run, err := engine.Sync(context.Background(), "", conn, SyncOptions{SourceName: "docs"})
	if err == nil {
		t.Fatal("expected a fetch error")
	}
	if run.Status != graph.SyncFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
}

func TestSync_IntraRunEdgesOnly(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	a := record("a", "Alpha", "alpha body")
	a.References = []string{"b", "missing"}
	conn := &fakeConnector{records: []Record{a, record("b", "Beta", "beta body")}}
	ctx := context.Background()

	run, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if run.Stats.EdgesMade != 1 {
		t.Errorf("edges = %d, want 1 (dangling reference dropped)", run.Stats.EdgesMade)
	}

	edges, err := store.ListEdges(ctx, "", graph.EdgeFilter{})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].RelationshipType != "references" {
		t.Fatalf("edges = %+v, want one references edge", edges)
	}
	if edges[0].Source != graph.SourceImported {
		t.Errorf("edge source = %s, want imported", edges[0].Source)
	}

	// A second identical run hits the duplicate skip.
	run, err = engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if run.Stats.EdgesMade != 0 {
		t.Errorf("second run edges = %d, want 0", run.Stats.EdgesMade)
	}
}

func TestSync_SoftDeletion(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	conn := &fakeConnector{records: []Record{
		record("a", "Alpha", "alpha body"),
		record("b", "Beta", "beta body"),
	}}
	ctx := context.Background()

	if _, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"}); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	conn.records = conn.records[:1]
	run, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs", Deletion: DeleteSoft})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if run.Stats.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", run.Stats.Deleted)
	}

	source, err := store.GetSourceByKey(ctx, "", "fake", "docs")
	if err != nil {
		t.Fatalf("GetSourceByKey: %v", err)
	}
	item, err := store.GetSourceItem(ctx, source.ID, "b")
	if err != nil {
		t.Fatalf("GetSourceItem: %v", err)
	}
	if item.DeletedAt.IsZero() {
		t.Error("item b not soft-deleted")
	}

	// The node survives a soft delete.
	if _, err := store.GetNodeByID(ctx, "", item.NodeID); err != nil {
		t.Errorf("node gone after soft delete: %v", err)
	}

	// Reappearing clears the stamp.
	conn.records = append(conn.records, record("b", "Beta", "beta body"))
	if _, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"}); err != nil {
		t.Fatalf("third sync: %v", err)
	}
	item, err = store.GetSourceItem(ctx, source.ID, "b")
	if err != nil {
		t.Fatalf("GetSourceItem: %v", err)
	}
	if !item.DeletedAt.IsZero() {
		t.Error("soft-delete stamp not cleared on reappearance")
	}
}

func TestSync_HardDeletion(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	conn := &fakeConnector{records: []Record{
		record("a", "Alpha", "alpha body"),
		record("b", "Beta", "beta body"),
	}}
	ctx := context.Background()

	if _, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	source, err := store.GetSourceByKey(ctx, "", "fake", "docs")
	if err != nil {
		t.Fatalf("GetSourceByKey: %v", err)
	}
	stale, err := store.GetSourceItem(ctx, source.ID, "b")
	if err != nil {
		t.Fatalf("GetSourceItem: %v", err)
	}

	conn.records = conn.records[:1]
	run, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs", Deletion: DeleteHard})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if run.Stats.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", run.Stats.Deleted)
	}

	if _, err := store.GetSourceItem(ctx, source.ID, "b"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("item b still present: %v", err)
	}
	if _, err := store.GetNodeByID(ctx, "", stale.NodeID); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("node for item b still present: %v", err)
	}
}

func TestSync_DryRun(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	conn := &fakeConnector{records: []Record{
		record("a", "Alpha", "v1"),
		record("b", "Beta", "beta body"),
	}}
	ctx := context.Background()

	if _, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs"}); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	conn.records = []Record{
		record("a", "Alpha", "v2"),
		record("b", "Beta", "beta body"),
		record("c", "Gamma", "gamma body"),
	}
	run, err := engine.Sync(ctx, "", conn, SyncOptions{SourceName: "docs", DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if run.Stats.Created != 1 || run.Stats.Updated != 1 || run.Stats.Skipped != 1 {
		t.Errorf("stats = %+v, want created=1 updated=1 skipped=1", run.Stats)
	}

	// Nothing was written.
	nodes, err := store.ListNodes(ctx, "", graph.NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("nodes = %d after dry run, want 2", len(nodes))
	}
	for _, n := range nodes {
		if n.Content == "v2" {
			t.Error("dry run patched a node")
		}
	}
	source, err := store.GetSourceByKey(ctx, "", "fake", "docs")
	if err != nil {
		t.Fatalf("GetSourceByKey: %v", err)
	}
	runs, err := store.ListSyncRuns(ctx, source.ID, 0)
	if err != nil {
		t.Fatalf("ListSyncRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("sync runs = %d after dry run, want 1", len(runs))
	}
}

func TestSync_DryRunUnknownSource(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(store, nil)
	conn := &fakeConnector{records: []Record{record("a", "Alpha", "alpha body")}}

	run, err := engine.Sync(context.Background(), "", conn, SyncOptions{SourceName: "docs", DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if run.Stats.Created != 1 {
		t.Errorf("stats = %+v, want created=1", run.Stats)
	}
}
