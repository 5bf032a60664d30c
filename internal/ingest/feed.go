package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kalambet/weave/internal/graph"
)

// FeedConnector ingests an RSS or Atom feed over HTTP. Each entry becomes
// a record keyed by its guid (or link), with a part_of reference to a
// record representing the feed itself.
type FeedConnector struct {
	URL    string
	Client *http.Client
}

func (c *FeedConnector) Name() string { return "feed" }

func (c *FeedConnector) Config() map[string]string {
	return map[string]string{"url": c.URL}
}

type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Link  string    `xml:"link"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID        string `xml:"guid"`
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	ID      string      `xml:"id"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string `xml:"id"`
	Title   string `xml:"title"`
	Summary string `xml:"summary"`
	Content string `xml:"content"`
}

func (c *FeedConnector) Fetch(ctx context.Context) ([]Record, []graph.ItemError, error) {
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, nil, fmt.Errorf("fetching feed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading feed: %w", err)
	}
	records, err := parseFeed(body)
	if err != nil {
		return nil, nil, err
	}
	return records, nil, nil
}

func parseFeed(body []byte) ([]Record, error) {
	var rss rssFeed
	if err := xml.Unmarshal(body, &rss); err == nil && len(rss.Channel.Items) > 0 {
		return rssRecords(rss), nil
	}
	var atom atomFeed
	if err := xml.Unmarshal(body, &atom); err == nil && len(atom.Entries) > 0 {
		return atomRecords(atom), nil
	}
	return nil, fmt.Errorf("unrecognized feed format")
}

func rssRecords(feed rssFeed) []Record {
	feedID := feed.Channel.Link
	if feedID == "" {
		feedID = "feed"
	}
	records := []Record{{
		ExternalID: feedID,
		Title:      feed.Channel.Title,
		NodeType:   "feed",
	}}
	for _, item := range feed.Channel.Items {
		id := item.GUID
		if id == "" {
			id = item.Link
		}
		records = append(records, Record{
			ExternalID: id,
			Title:      item.Title,
			Content:    stripHTML(item.Description),
			NodeType:   "article",
			Metadata:   map[string]string{"link": item.Link},
			PartOf:     feedID,
		})
	}
	return records
}

func atomRecords(feed atomFeed) []Record {
	feedID := feed.ID
	if feedID == "" {
		feedID = "feed"
	}
	records := []Record{{
		ExternalID: feedID,
		Title:      feed.Title,
		NodeType:   "feed",
	}}
	for _, entry := range feed.Entries {
		content := entry.Content
		if content == "" {
			content = entry.Summary
		}
		records = append(records, Record{
			ExternalID: entry.ID,
			Title:      entry.Title,
			Content:    stripHTML(content),
			NodeType:   "article",
			PartOf:     feedID,
		})
	}
	return records
}

// stripHTML reduces markup to its text content. Unparseable input is
// returned as-is.
func stripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return strings.TrimSpace(s)
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String())
}
