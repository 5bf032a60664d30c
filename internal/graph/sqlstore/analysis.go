package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kalambet/weave/internal/graph"
)

// --- Clusters ---

const clusterColumns = `id, scope, label, centroid, member_count, avg_similarity, cohesion, created_at, updated_at`

func scanCluster(row rowScanner) (graph.Cluster, error) {
	var c graph.Cluster
	var centroid []byte
	var createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.Scope, &c.Label, &centroid, &c.MemberCount,
		&c.AvgSimilarity, &c.Cohesion, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return graph.Cluster{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.Cluster{}, err
	}

	if c.Centroid, err = graph.DecodeVector(centroid); err != nil {
		return graph.Cluster{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.Cluster{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.Cluster{}, err
	}
	return c, nil
}

func (s *Store) ListClusters(ctx context.Context, scope string) ([]graph.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE scope = ? ORDER BY member_count DESC, id ASC`,
		graph.ResolveScope(scope))
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	defer rows.Close()

	var clusters []graph.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func (s *Store) GetClusterByID(ctx context.Context, scope, id string) (graph.Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE scope = ? AND id = ?`,
		graph.ResolveScope(scope), id)
	return scanCluster(row)
}

func (s *Store) ReplaceClusters(ctx context.Context, scope string, clusters []graph.Cluster, assignments []graph.ClusterAssignment) error {
	resolved := graph.ResolveScope(scope)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cluster replacement: %w", err)
	}
	defer tx.Rollback()

	ts := fmtTime(now())

	// Destructive replacement: drop the old cluster set and every node's
	// membership before installing the new result.
	if _, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE scope = ?`, resolved); err != nil {
		return fmt.Errorf("clearing clusters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes SET cluster_id = '', cluster_similarity = 0
		WHERE scope = ? AND cluster_id != ''`, resolved); err != nil {
		return fmt.Errorf("clearing cluster memberships: %w", err)
	}

	valid := make(map[string]bool, len(clusters))
	for _, c := range clusters {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		createdAt := ts
		if !c.CreatedAt.IsZero() {
			createdAt = fmtTime(c.CreatedAt)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clusters (id, scope, label, centroid, member_count, avg_similarity, cohesion, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, resolved, c.Label, graph.EncodeVector(c.Centroid),
			c.MemberCount, c.AvgSimilarity, c.Cohesion, createdAt, ts); err != nil {
			return fmt.Errorf("inserting cluster %s: %w", c.ID, err)
		}
		valid[c.ID] = true
	}

	for _, a := range assignments {
		if !valid[a.ClusterID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE nodes SET cluster_id = ?, cluster_similarity = ?, updated_at = ?
			WHERE scope = ? AND id = ?`,
			a.ClusterID, a.Similarity, ts, resolved, a.NodeID); err != nil {
			return fmt.Errorf("assigning node %s: %w", a.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cluster replacement: %w", err)
	}
	return nil
}

func (s *Store) AssignNodeToCluster(ctx context.Context, scope, nodeID, clusterID string, similarity float32) error {
	resolved := graph.ResolveScope(scope)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cluster assignment: %w", err)
	}
	defer tx.Rollback()

	var prevClusterID string
	err = tx.QueryRowContext(ctx, `SELECT cluster_id FROM nodes WHERE scope = ? AND id = ?`, resolved, nodeID).Scan(&prevClusterID)
	if err == sql.ErrNoRows {
		return graph.ErrNotFound
	}
	if err != nil {
		return err
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM clusters WHERE scope = ? AND id = ?`, resolved, clusterID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return graph.ErrNotFound
	}

	ts := fmtTime(now())
	if prevClusterID != clusterID {
		if prevClusterID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE clusters SET member_count = member_count - 1, updated_at = ?
				WHERE scope = ? AND id = ?`, ts, resolved, prevClusterID); err != nil {
				return fmt.Errorf("decrementing previous cluster: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE clusters SET member_count = member_count + 1, updated_at = ?
			WHERE scope = ? AND id = ?`, ts, resolved, clusterID); err != nil {
			return fmt.Errorf("incrementing target cluster: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes SET cluster_id = ?, cluster_similarity = ?, updated_at = ?
		WHERE scope = ? AND id = ?`,
		clusterID, similarity, ts, resolved, nodeID); err != nil {
		return fmt.Errorf("updating node membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cluster assignment: %w", err)
	}
	return nil
}

func (s *Store) UpdateClusterCentroid(ctx context.Context, scope, clusterID string, centroid []float32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clusters SET centroid = ?, updated_at = ?
		WHERE scope = ? AND id = ?`,
		graph.EncodeVector(centroid), fmtTime(now()), graph.ResolveScope(scope), clusterID)
	if err != nil {
		return fmt.Errorf("updating centroid: %w", err)
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

// --- Suggestions ---

const suggestionColumns = `id, scope, from_node_id, to_node_id, relationship_type, confidence,
	reasoning, evidence, status, source_model, analysis_run_id, reviewed_by, reviewed_at,
	review_reason, approved_edge_id, created_at, updated_at`

func scanSuggestion(row rowScanner) (graph.SuggestedEdge, error) {
	var sg graph.SuggestedEdge
	var evidence string
	var reviewedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&sg.ID, &sg.Scope, &sg.FromNodeID, &sg.ToNodeID, &sg.RelationshipType,
		&sg.Confidence, &sg.Reasoning, &evidence, &sg.Status, &sg.SourceModel,
		&sg.AnalysisRunID, &sg.ReviewedBy, &reviewedAt, &sg.ReviewReason,
		&sg.ApprovedEdgeID, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return graph.SuggestedEdge{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.SuggestedEdge{}, err
	}

	if sg.Evidence, err = decodeStrings(evidence); err != nil {
		return graph.SuggestedEdge{}, err
	}
	if sg.ReviewedAt, err = parseNullTime(reviewedAt); err != nil {
		return graph.SuggestedEdge{}, err
	}
	if sg.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.SuggestedEdge{}, err
	}
	if sg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.SuggestedEdge{}, err
	}
	return sg, nil
}

func (s *Store) ListSuggestions(ctx context.Context, scope string, status graph.SuggestionStatus) ([]graph.SuggestedEdge, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggested_edges WHERE scope = ?`
	args := []any{graph.ResolveScope(scope)}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing suggestions: %w", err)
	}
	defer rows.Close()

	var out []graph.SuggestedEdge
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *Store) GetSuggestionByID(ctx context.Context, scope, id string) (graph.SuggestedEdge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggested_edges WHERE scope = ? AND id = ?`,
		graph.ResolveScope(scope), id)
	return scanSuggestion(row)
}

func (s *Store) UpsertSuggestion(ctx context.Context, scope string, input graph.SuggestionInput) (graph.SuggestedEdge, error) {
	resolved := graph.ResolveScope(scope)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return graph.SuggestedEdge{}, fmt.Errorf("beginning suggestion upsert: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+suggestionColumns+` FROM suggested_edges
		WHERE scope = ? AND from_node_id = ? AND to_node_id = ? AND relationship_type = ?`,
		resolved, input.FromNodeID, input.ToNodeID, input.RelationshipType)
	existing, err := scanSuggestion(row)
	if err != nil && err != graph.ErrNotFound {
		return graph.SuggestedEdge{}, err
	}

	ts := fmtTime(now())
	if err == nil {
		if existing.Status != graph.SuggestionPending {
			// A reviewed decision is final; re-inference does not
			// resurrect it.
			return existing, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE suggested_edges SET confidence = ?, reasoning = ?, evidence = ?, source_model = ?, analysis_run_id = ?, updated_at = ?
			WHERE scope = ? AND id = ?`,
			input.Confidence, input.Reasoning, encodeStrings(input.Evidence),
			input.SourceModel, input.AnalysisRunID, ts, resolved, existing.ID); err != nil {
			return graph.SuggestedEdge{}, fmt.Errorf("updating suggestion: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return graph.SuggestedEdge{}, err
		}
		return s.GetSuggestionByID(ctx, scope, existing.ID)
	}

	id := uuid.New().String()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO suggested_edges (id, scope, from_node_id, to_node_id, relationship_type, confidence, reasoning, evidence, status, source_model, analysis_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, resolved, input.FromNodeID, input.ToNodeID, input.RelationshipType,
		input.Confidence, input.Reasoning, encodeStrings(input.Evidence),
		string(graph.SuggestionPending), input.SourceModel, input.AnalysisRunID, ts, ts); err != nil {
		return graph.SuggestedEdge{}, fmt.Errorf("inserting suggestion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return graph.SuggestedEdge{}, err
	}
	return s.GetSuggestionByID(ctx, scope, id)
}

func (s *Store) ReviewSuggestion(ctx context.Context, scope, id string, review graph.SuggestionReview) (graph.SuggestedEdge, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE suggested_edges SET status = ?, reviewed_by = ?, review_reason = ?, approved_edge_id = ?, reviewed_at = ?, updated_at = ?
		WHERE scope = ? AND id = ?`,
		string(review.Status), review.ReviewedBy, review.ReviewReason,
		review.ApprovedEdgeID, fmtTime(now()), fmtTime(now()),
		graph.ResolveScope(scope), id)
	if err != nil {
		return graph.SuggestedEdge{}, fmt.Errorf("reviewing suggestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return graph.SuggestedEdge{}, err
	}
	if n == 0 {
		return graph.SuggestedEdge{}, graph.ErrNotFound
	}
	return s.GetSuggestionByID(ctx, scope, id)
}

// --- Analysis runs ---

const runColumns = `id, scope, run_type, input_params, results, status, progress, snapshot,
	error_message, error_stack, started_at, completed_at, created_at, updated_at`

func scanRun(row rowScanner) (graph.AnalysisRun, error) {
	var r graph.AnalysisRun
	var params, results, snapshot string
	var startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&r.ID, &r.Scope, &r.RunType, &params, &results, &r.Status, &r.Progress,
		&snapshot, &r.ErrorMessage, &r.ErrorStack, &startedAt, &completedAt,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return graph.AnalysisRun{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.AnalysisRun{}, err
	}

	if r.InputParams, err = decodeJSONMap(params); err != nil {
		return graph.AnalysisRun{}, err
	}
	if results != "" {
		if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
			return graph.AnalysisRun{}, fmt.Errorf("decoding run results: %w", err)
		}
	}
	if snapshot != "" {
		if err := json.Unmarshal([]byte(snapshot), &r.Snapshot); err != nil {
			return graph.AnalysisRun{}, fmt.Errorf("decoding run snapshot: %w", err)
		}
	}
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return graph.AnalysisRun{}, err
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return graph.AnalysisRun{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.AnalysisRun{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.AnalysisRun{}, err
	}
	return r, nil
}

func (s *Store) CreateRun(ctx context.Context, scope string, runType graph.RunType, params map[string]string) (graph.AnalysisRun, error) {
	resolved := graph.ResolveScope(scope)
	id := uuid.New().String()
	ts := fmtTime(now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_runs (id, scope, run_type, input_params, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, resolved, string(runType), encodeJSONMap(params), string(graph.RunQueued), ts, ts)
	if err != nil {
		return graph.AnalysisRun{}, fmt.Errorf("creating run: %w", err)
	}
	return s.GetRunByID(ctx, scope, id)
}

func (s *Store) GetRunByID(ctx context.Context, scope, id string) (graph.AnalysisRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs WHERE scope = ? AND id = ?`,
		graph.ResolveScope(scope), id)
	return scanRun(row)
}

func (s *Store) ListRuns(ctx context.Context, scope string, limit int) ([]graph.AnalysisRun, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_runs WHERE scope = ? ORDER BY created_at DESC, id ASC`
	args := []any{graph.ResolveScope(scope)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []graph.AnalysisRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, scope, id string, patch graph.RunPatch) (graph.AnalysisRun, error) {
	var sets []string
	var args []any
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.Snapshot != nil {
		data, err := json.Marshal(patch.Snapshot)
		if err != nil {
			return graph.AnalysisRun{}, fmt.Errorf("encoding run snapshot: %w", err)
		}
		add("snapshot", string(data))
	}
	if patch.Results != nil {
		data, err := json.Marshal(patch.Results)
		if err != nil {
			return graph.AnalysisRun{}, fmt.Errorf("encoding run results: %w", err)
		}
		add("results", string(data))
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.ErrorStack != nil {
		add("error_stack", *patch.ErrorStack)
	}
	if patch.StartedAt != nil {
		add("started_at", fmtTime(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		add("completed_at", fmtTime(*patch.CompletedAt))
	}
	add("updated_at", fmtTime(now()))

	query := "UPDATE analysis_runs SET " + joinSets(sets) + " WHERE scope = ? AND id = ?"
	args = append(args, graph.ResolveScope(scope), id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return graph.AnalysisRun{}, fmt.Errorf("updating run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return graph.AnalysisRun{}, err
	}
	if n == 0 {
		return graph.AnalysisRun{}, graph.ErrNotFound
	}
	return s.GetRunByID(ctx, scope, id)
}
