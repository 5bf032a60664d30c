package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func recordsByID(records []Record) map[string]Record {
	m := make(map[string]Record, len(records))
	for _, r := range records {
		m[r.ExternalID] = r
	}
	return m
}

func TestFilesConnector(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "guide.md", "Intro, see [details](notes/details.txt) and [site](https://example.com).")
	writeFile(t, dir, "notes/details.txt", "the details")
	writeFile(t, dir, "notes/skip.log", "not a document")
	writeFile(t, dir, "drafts/wip.md", "unfinished")

	conn := &FilesConnector{
		Root:    dir,
		Include: []string{"**/*.md", "**/*.txt"},
		Exclude: []string{"drafts/**"},
	}
	records, _, err := conn.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2: %+v", len(records), records)
	}

	byID := recordsByID(records)
	guide, ok := byID["guide.md"]
	if !ok {
		t.Fatal("guide.md missing")
	}
	if guide.Title != "guide" {
		t.Errorf("title = %q, want guide", guide.Title)
	}
	if len(guide.References) != 1 || guide.References[0] != "notes/details.txt" {
		t.Errorf("references = %v, want [notes/details.txt]", guide.References)
	}
	if _, ok := byID["notes/details.txt"]; !ok {
		t.Error("notes/details.txt missing")
	}
}

func TestFilesConnector_UnreadableFileSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.md", "still ingested")
	writeFile(t, dir, "broken.pdf", "not actually a pdf")

	conn := &FilesConnector{Root: dir}
	records, itemErrs, err := conn.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 1 || records[0].ExternalID != "good.md" {
		t.Errorf("records = %+v, want only good.md", records)
	}
	if len(itemErrs) != 1 {
		t.Fatalf("item errors = %d, want 1", len(itemErrs))
	}
	if itemErrs[0].Item != "broken.pdf" {
		t.Errorf("item = %q, want broken.pdf", itemErrs[0].Item)
	}
}

const rssBody = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Release Notes</title>
    <link>https://example.com/releases</link>
    <item>
      <guid>rel-1</guid>
      <title>v1.0</title>
      <link>https://example.com/releases/1</link>
      <description>&lt;p&gt;First &lt;b&gt;stable&lt;/b&gt; release.&lt;/p&gt;</description>
    </item>
    <item>
      <guid>rel-2</guid>
      <title>v1.1</title>
      <link>https://example.com/releases/2</link>
      <description>Bug fixes.</description>
    </item>
  </channel>
</rss>`

func TestFeedConnector_RSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssBody))
	}))
	t.Cleanup(srv.Close)

	conn := &FeedConnector{URL: srv.URL}
	records, _, err := conn.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3 (feed + 2 items)", len(records))
	}

	byID := recordsByID(records)
	feed := byID["https://example.com/releases"]
	if feed.Title != "Release Notes" || feed.NodeType != "feed" {
		t.Errorf("feed record = %+v", feed)
	}
	rel1 := byID["rel-1"]
	if rel1.Content != "First stable release." {
		t.Errorf("content = %q, want markup stripped", rel1.Content)
	}
	if rel1.PartOf != "https://example.com/releases" {
		t.Errorf("part_of = %q, want the feed id", rel1.PartOf)
	}
}

const atomBody = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Changelog</title>
  <id>urn:changelog</id>
  <entry>
    <id>entry-1</id>
    <title>Added clustering</title>
    <summary>New analysis stage.</summary>
  </entry>
</feed>`

func TestFeedConnector_Atom(t *testing.T) {
	records, err := parseFeed([]byte(atomBody))
	if err != nil {
		t.Fatalf("parseFeed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[1].ExternalID != "entry-1" || records[1].PartOf != "urn:changelog" {
		t.Errorf("entry = %+v", records[1])
	}
}

func TestFeedConnector_Unrecognized(t *testing.T) {
	if _, err := parseFeed([]byte(`{"not": "xml"}`)); err == nil {
		t.Fatal("expected an error for non-feed input")
	}
}

func TestTrackerConnector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
  {"id": 101, "title": "Crash on empty graph", "body": "steps to reproduce", "labels": ["bug", "p1"], "state": "open"},
  {"id": "TASK-7", "title": "Document scoping", "body": "", "labels": [], "state": "closed"},
  {"title": "No id at all", "state": "open"}
]`))
	}))
	t.Cleanup(srv.Close)

	conn := &TrackerConnector{URL: srv.URL}
	records, itemErrs, err := conn.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if len(itemErrs) != 1 || itemErrs[0].Item != "No id at all" {
		t.Errorf("item errors = %+v, want the id-less issue reported", itemErrs)
	}

	byID := recordsByID(records)
	bug := byID["101"]
	if bug.Title != "Crash on empty graph" || bug.NodeType != "issue" {
		t.Errorf("issue record = %+v", bug)
	}
	if bug.Metadata["labels"] != "bug,p1" || bug.Domain != "active" {
		t.Errorf("metadata = %v domain = %q", bug.Metadata, bug.Domain)
	}
	if byID["TASK-7"].Domain != "archived" {
		t.Errorf("closed issue domain = %q, want archived", byID["TASK-7"].Domain)
	}
}

func TestTrackerConnector_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	conn := &TrackerConnector{URL: srv.URL}
	if _, _, err := conn.Fetch(context.Background()); err == nil {
		t.Fatal("expected an error for non-200 status")
	}
}
