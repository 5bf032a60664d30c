package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/weave/internal/graph"
)

// TrackerConnector ingests an issue-tracker export: a JSON array of
// issues served over HTTP. The issue id is the external id; labels land
// in node metadata and the state maps to the node domain.
type TrackerConnector struct {
	URL    string
	Client *http.Client
}

func (c *TrackerConnector) Name() string { return "tracker" }

func (c *TrackerConnector) Config() map[string]string {
	return map[string]string{"url": c.URL}
}

// issueID accepts both numeric and string ids.
type issueID string

func (id *issueID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = issueID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = issueID(n.String())
	return nil
}

type trackerIssue struct {
	ID     issueID  `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	State  string   `json:"state"`
}

func (c *TrackerConnector) Fetch(ctx context.Context) ([]Record, []graph.ItemError, error) {
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
		return nil, nil, fmt.Errorf("fetching issues: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, nil, fmt.Errorf("fetching issues: status %d", resp.StatusCode)
	}

	var issues []trackerIssue
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return nil, nil, fmt.Errorf("decoding issues: %w", err)
	}

	var itemErrs []graph.ItemError
	records := make([]Record, 0, len(issues))
	for _, issue := range issues {
		if issue.ID == "" {
			itemErrs = append(itemErrs, graph.ItemError{Item: issue.Title, Message: "missing issue id"})
			continue
		}
		meta := map[string]string{"state": issue.State}
		if len(issue.Labels) > 0 {
			meta["labels"] = strings.Join(issue.Labels, ",")
		}
		records = append(records, Record{
			ExternalID: string(issue.ID),
			Title:      issue.Title,
			Content:    issue.Body,
			NodeType:   "issue",
			Domain:     issueDomain(issue.State),
			Metadata:   meta,
		})
	}
	return records, itemErrs, nil
}

func issueDomain(state string) string {
	switch strings.ToLower(state) {
	case "open", "in_progress":
		return "active"
	case "closed", "done":
		return "archived"
	default:
		return ""
	}
}
