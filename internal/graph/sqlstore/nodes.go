package sqlstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/weave/internal/graph"
)

const nodeColumns = `id, scope, slug, label, domain, node_type, summary, description, content,
	metadata, embedding, embedding_model, embedding_at, cluster_id, cluster_similarity,
	inbound_count, outbound_count, total_count, created_at, updated_at`

func encodeJSONMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func decodeJSONMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	data, _ := json.Marshal(ss)
	return string(data)
}

func decodeStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil, fmt.Errorf("decoding string list: %w", err)
	}
	return ss, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (graph.Node, error) {
	var n graph.Node
	var metadata string
	var embedding []byte
	var embeddingAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&n.ID, &n.Scope, &n.Slug, &n.Label, &n.Domain, &n.NodeType, &n.Summary,
		&n.Description, &n.Content, &metadata, &embedding, &n.EmbeddingModel,
		&embeddingAt, &n.ClusterID, &n.ClusterSimilarity,
		&n.InboundCount, &n.OutboundCount, &n.TotalCount, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return graph.Node{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.Node{}, err
	}

	if n.Metadata, err = decodeJSONMap(metadata); err != nil {
		return graph.Node{}, err
	}
	if n.Embedding, err = graph.DecodeVector(embedding); err != nil {
		return graph.Node{}, err
	}
	if n.EmbeddingAt, err = parseNullTime(embeddingAt); err != nil {
		return graph.Node{}, err
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.Node{}, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.Node{}, err
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context, scope string, filter graph.NodeFilter) ([]graph.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE scope = ?`
	args := []any{graph.ResolveScope(scope)}

	if filter.Domain != "" {
		query += " AND domain = ?"
		args = append(args, filter.Domain)
	}
	if filter.NodeType != "" {
		query += " AND node_type = ?"
		args = append(args, filter.NodeType)
	}
	if filter.ClusterID != "" {
		query += " AND cluster_id = ?"
		args = append(args, filter.ClusterID)
	}
	if filter.WithoutEmbed {
		query += " AND embedding IS NULL"
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []graph.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *Store) GetNodeByID(ctx context.Context, scope, id string) (graph.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE scope = ? AND id = ?`,
		graph.ResolveScope(scope), id)
	return scanNode(row)
}

func (s *Store) GetNodeBySlug(ctx context.Context, scope, slug string) (graph.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE scope = ? AND slug = ?`,
		graph.ResolveScope(scope), slug)
	return scanNode(row)
}

func (s *Store) CreateNodes(ctx context.Context, scope string, inputs []graph.NodeInput) ([]graph.Node, error) {
	resolved := graph.ResolveScope(scope)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (id, scope, slug, label, domain, node_type, summary, description, content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, slug) DO NOTHING`)
	if err != nil {
		return nil, fmt.Errorf("preparing node insert: %w", err)
	}
	defer stmt.Close()

	ts := fmtTime(now())
	var created []graph.Node
	for _, in := range inputs {
		slug := in.Slug
		if slug == "" {
			slug = graph.Slugify(in.Label)
		}

		id := uuid.New().String()
		res, err := stmt.ExecContext(ctx, id, resolved, slug, in.Label, in.Domain,
			in.NodeType, in.Summary, in.Description, in.Content, encodeJSONMap(in.Metadata), ts, ts)
		if err != nil {
			return nil, fmt.Errorf("inserting node %q: %w", slug, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue // slug already exists in-scope
		}

		createdAt, _ := parseTime(ts)
		created = append(created, graph.Node{
			ID: id, Scope: resolved, Slug: slug, Label: in.Label, Domain: in.Domain,
			NodeType: in.NodeType, Summary: in.Summary, Description: in.Description,
			Content: in.Content, Metadata: in.Metadata, CreatedAt: createdAt, UpdatedAt: createdAt,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing node create: %w", err)
	}
	return created, nil
}

func (s *Store) UpdateNode(ctx context.Context, scope, id string, patch graph.NodePatch) (graph.Node, error) {
	resolved := graph.ResolveScope(scope)

	var sets []string
	var args []any
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if patch.Label != nil {
		add("label", *patch.Label)
	}
	if patch.Domain != nil {
		add("domain", *patch.Domain)
	}
	if patch.NodeType != nil {
		add("node_type", *patch.NodeType)
	}
	if patch.Summary != nil {
		add("summary", *patch.Summary)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.Metadata != nil {
		add("metadata", encodeJSONMap(patch.Metadata))
	}
	add("updated_at", fmtTime(now()))

	query := "UPDATE nodes SET " + joinSets(sets) + " WHERE scope = ? AND id = ?"
	args = append(args, resolved, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return graph.Node{}, fmt.Errorf("updating node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return graph.Node{}, err
	}
	if affected == 0 {
		return graph.Node{}, graph.ErrNotFound
	}
	return s.GetNodeByID(ctx, scope, id)
}

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func (s *Store) DeleteNode(ctx context.Context, scope, id string) (graph.DeleteResult, error) {
	resolved := graph.ResolveScope(scope)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return graph.DeleteResult{}, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE scope = ? AND id = ?`, resolved, id).Scan(&exists); err != nil {
		return graph.DeleteResult{}, err
	}
	if exists == 0 {
		return graph.DeleteResult{}, graph.ErrNotFound
	}

	// Collect surviving endpoints before the cascade removes the edges.
	rows, err := tx.QueryContext(ctx, `
		SELECT from_node_id, to_node_id FROM edges
		WHERE scope = ? AND (from_node_id = ? OR to_node_id = ?)`, resolved, id, id)
	if err != nil {
		return graph.DeleteResult{}, err
	}
	touched := make(map[string]bool)
	removed := 0
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			rows.Close()
			return graph.DeleteResult{}, err
		}
		removed++
		if from != id {
			touched[from] = true
		}
		if to != id {
			touched[to] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return graph.DeleteResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE scope = ? AND (from_node_id = ? OR to_node_id = ?)`, resolved, id, id); err != nil {
		return graph.DeleteResult{}, fmt.Errorf("cascading edge delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE scope = ? AND id = ?`, resolved, id); err != nil {
		return graph.DeleteResult{}, fmt.Errorf("deleting node: %w", err)
	}
	for nid := range touched {
		if err := recountConnectionsTx(ctx, tx, resolved, nid); err != nil {
			return graph.DeleteResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return graph.DeleteResult{}, fmt.Errorf("committing node delete: %w", err)
	}
	return graph.DeleteResult{Deleted: true, EdgesRemoved: removed}, nil
}

// recountConnectionsTx refreshes one node's cached connection counts.
func recountConnectionsTx(ctx context.Context, tx *sql.Tx, scope, nodeID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE nodes SET
			inbound_count = (SELECT COUNT(*) FROM edges WHERE scope = ? AND to_node_id = ?),
			outbound_count = (SELECT COUNT(*) FROM edges WHERE scope = ? AND from_node_id = ?),
			total_count = (SELECT COUNT(*) FROM edges WHERE scope = ? AND (to_node_id = ? OR from_node_id = ?))
		WHERE scope = ? AND id = ?`,
		scope, nodeID, scope, nodeID, scope, nodeID, nodeID, scope, nodeID)
	if err != nil {
		return fmt.Errorf("recomputing connection counts for %s: %w", nodeID, err)
	}
	return nil
}

func (s *Store) SetNodeEmbedding(ctx context.Context, scope, nodeID string, vec []float32, model string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET embedding = ?, embedding_model = ?, embedding_at = ?, updated_at = ?
		WHERE scope = ? AND id = ?`,
		graph.EncodeVector(vec), model, fmtTime(at), fmtTime(now()),
		graph.ResolveScope(scope), nodeID)
	if err != nil {
		return fmt.Errorf("setting embedding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return graph.ErrNotFound
	}
	return nil
}

func (s *Store) ClearNodeEmbeddings(ctx context.Context, scope string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET embedding = NULL, embedding_model = '', embedding_at = NULL, updated_at = ?
		WHERE scope = ? AND embedding IS NOT NULL`,
		fmtTime(now()), graph.ResolveScope(scope))
	if err != nil {
		return 0, fmt.Errorf("clearing embeddings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// idScore holds only the id and score during the scan phase of the
// similarity search.
type idScore struct {
	ID    string
	Score float32
}

// idScoreHeap is a min-heap so the worst of the current top-K sits at the
// root and can be evicted cheaply.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (s *Store) FindSimilarNodeIDs(ctx context.Context, scope, nodeID string, opts graph.SimilarityOptions) ([]graph.SimilarNode, error) {
	resolved := graph.ResolveScope(scope)

	base, err := s.GetNodeByID(ctx, scope, nodeID)
	if err != nil {
		return nil, err
	}
	if !base.HasEmbedding() {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM nodes WHERE scope = ? AND embedding IS NOT NULL AND id != ?`,
		resolved, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := graph.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		score := graph.CosineSimilarity(base.Embedding, vec)
		if score < opts.MinSimilarity {
			continue
		}
		if h.Len() < limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Drain the heap into descending order.
	out := make([]graph.SimilarNode, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		is := heap.Pop(h).(idScore)
		out[i] = graph.SimilarNode{NodeID: is.ID, Similarity: is.Score}
	}
	return out, nil
}
