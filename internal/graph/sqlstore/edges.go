package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/kalambet/weave/internal/graph"
)

const edgeColumns = `id, scope, from_node_id, to_node_id, relationship_type,
	strength, confidence, evidence, source, bidirectional, created_at, updated_at`

func scanEdge(row rowScanner) (graph.Edge, error) {
	var e graph.Edge
	var evidence string
	var bidirectional int
	var createdAt, updatedAt string

	err := row.Scan(
		&e.ID, &e.Scope, &e.FromNodeID, &e.ToNodeID, &e.RelationshipType,
		&e.Strength, &e.Confidence, &evidence, &e.Source, &bidirectional,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return graph.Edge{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.Edge{}, err
	}

	if e.Evidence, err = decodeStrings(evidence); err != nil {
		return graph.Edge{}, err
	}
	e.Bidirectional = bidirectional != 0
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.Edge{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.Edge{}, err
	}
	return e, nil
}

func (s *Store) ListEdges(ctx context.Context, scope string, filter graph.EdgeFilter) ([]graph.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE scope = ?`
	args := []any{graph.ResolveScope(scope)}

	if filter.NodeID != "" {
		query += " AND (from_node_id = ? OR to_node_id = ?)"
		args = append(args, filter.NodeID, filter.NodeID)
	}
	if filter.RelationshipType != "" {
		query += " AND relationship_type = ?"
		args = append(args, filter.RelationshipType)
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, string(filter.Source))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) GetEdgeByID(ctx context.Context, scope, id string) (graph.Edge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE scope = ? AND id = ?`,
		graph.ResolveScope(scope), id)
	return scanEdge(row)
}

func (s *Store) CreateEdges(ctx context.Context, scope string, inputs []graph.EdgeInput) ([]graph.Edge, error) {
	resolved := graph.ResolveScope(scope)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning edge transaction: %w", err)
	}
	defer tx.Rollback()

	ts := fmtTime(now())
	createdAt, _ := parseTime(ts)
	var created []graph.Edge
	touched := make(map[string]bool)
	for _, in := range inputs {
		for _, endpoint := range []struct{ role, id string }{{"from", in.FromNodeID}, {"to", in.ToNodeID}} {
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE scope = ? AND id = ?`, resolved, endpoint.id).Scan(&count); err != nil {
				return created, err
			}
			if count == 0 {
				return created, fmt.Errorf("%s node %s: %w", endpoint.role, endpoint.id, graph.ErrNotFound)
			}
		}

		source := in.Source
		if source == "" {
			source = graph.SourceManual
		}
		bidirectional := 0
		if in.Bidirectional {
			bidirectional = 1
		}
		id := uuid.New().String()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO edges (id, scope, from_node_id, to_node_id, relationship_type, strength, confidence, evidence, source, bidirectional, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope, from_node_id, to_node_id, relationship_type) DO NOTHING`,
			id, resolved, in.FromNodeID, in.ToNodeID, in.RelationshipType,
			in.Strength, in.Confidence, encodeStrings(in.Evidence), string(source), bidirectional, ts, ts)
		if err != nil {
			return created, fmt.Errorf("inserting edge: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return created, err
		}
		if n == 0 {
			continue // unique on (scope, from, to, type)
		}

		created = append(created, graph.Edge{
			ID: id, Scope: resolved, FromNodeID: in.FromNodeID, ToNodeID: in.ToNodeID,
			RelationshipType: in.RelationshipType, Strength: in.Strength,
			Confidence: in.Confidence, Evidence: in.Evidence, Source: source,
			Bidirectional: in.Bidirectional, CreatedAt: createdAt, UpdatedAt: createdAt,
		})
		touched[in.FromNodeID] = true
		touched[in.ToNodeID] = true
	}

	for nid := range touched {
		if err := recountConnectionsTx(ctx, tx, resolved, nid); err != nil {
			return created, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing edge create: %w", err)
	}
	return created, nil
}

func (s *Store) UpdateEdge(ctx context.Context, scope, id string, patch graph.EdgePatch) (graph.Edge, error) {
	resolved := graph.ResolveScope(scope)

	var sets []string
	var args []any
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if patch.RelationshipType != nil {
		add("relationship_type", *patch.RelationshipType)
	}
	if patch.Strength != nil {
		add("strength", *patch.Strength)
	}
	if patch.Confidence != nil {
		add("confidence", *patch.Confidence)
	}
	if patch.Evidence != nil {
		add("evidence", encodeStrings(patch.Evidence))
	}
	if patch.Bidirectional != nil {
		b := 0
		if *patch.Bidirectional {
			b = 1
		}
		add("bidirectional", b)
	}
	add("updated_at", fmtTime(now()))

	query := "UPDATE edges SET " + joinSets(sets) + " WHERE scope = ? AND id = ?"
	args = append(args, resolved, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return graph.Edge{}, fmt.Errorf("updating edge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return graph.Edge{}, err
	}
	if affected == 0 {
		return graph.Edge{}, graph.ErrNotFound
	}
	return s.GetEdgeByID(ctx, scope, id)
}

func (s *Store) DeleteEdge(ctx context.Context, scope, id string) error {
	resolved := graph.ResolveScope(scope)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning edge delete: %w", err)
	}
	defer tx.Rollback()

	var from, to string
	err = tx.QueryRowContext(ctx, `SELECT from_node_id, to_node_id FROM edges WHERE scope = ? AND id = ?`, resolved, id).Scan(&from, &to)
	if err == sql.ErrNoRows {
		return graph.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE scope = ? AND id = ?`, resolved, id); err != nil {
		return fmt.Errorf("deleting edge: %w", err)
	}
	for _, nid := range []string{from, to} {
		if err := recountConnectionsTx(ctx, tx, resolved, nid); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing edge delete: %w", err)
	}
	return nil
}
