package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/weave/internal/graph"
)

const sourceColumns = `id, scope, connector, name, config, created_at, updated_at`

func scanSource(row rowScanner) (graph.IngestionSource, error) {
	var src graph.IngestionSource
	var config string
	var createdAt, updatedAt string

	err := row.Scan(&src.ID, &src.Scope, &src.Connector, &src.Name, &config, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return graph.IngestionSource{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.IngestionSource{}, err
	}

	if src.Config, err = decodeJSONMap(config); err != nil {
		return graph.IngestionSource{}, err
	}
	if src.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.IngestionSource{}, err
	}
	if src.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.IngestionSource{}, err
	}
	return src, nil
}

func (s *Store) UpsertSource(ctx context.Context, scope, connector, name string, config map[string]string) (graph.IngestionSource, error) {
	existing, err := s.GetSourceByKey(ctx, scope, connector, name)
	if err == nil {
		if config != nil {
			if _, err := s.db.ExecContext(ctx, `UPDATE sources SET config = ?, updated_at = ? WHERE id = ?`,
				encodeJSONMap(config), fmtTime(now()), existing.ID); err != nil {
				return graph.IngestionSource{}, fmt.Errorf("updating source config: %w", err)
			}
			existing.Config = config
		}
		return existing, nil
	}
	if err != graph.ErrNotFound {
		return graph.IngestionSource{}, err
	}

	id := uuid.New().String()
	ts := fmtTime(now())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, scope, connector, name, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, graph.ResolveScope(scope), connector, name, encodeJSONMap(config), ts, ts); err != nil {
		return graph.IngestionSource{}, fmt.Errorf("inserting source: %w", err)
	}
	return s.GetSourceByKey(ctx, scope, connector, name)
}

func (s *Store) GetSourceByKey(ctx context.Context, scope, connector, name string) (graph.IngestionSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE scope = ? AND connector = ? AND name = ?`,
		graph.ResolveScope(scope), connector, name)
	return scanSource(row)
}

const itemColumns = `id, source_id, external_id, node_id, content_hash, last_seen_at, deleted_at, created_at, updated_at`

func scanItem(row rowScanner) (graph.SourceItem, error) {
	var it graph.SourceItem
	var lastSeenAt, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&it.ID, &it.SourceID, &it.ExternalID, &it.NodeID, &it.ContentHash,
		&lastSeenAt, &deletedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return graph.SourceItem{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.SourceItem{}, err
	}

	if it.LastSeenAt, err = parseNullTime(lastSeenAt); err != nil {
		return graph.SourceItem{}, err
	}
	if it.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return graph.SourceItem{}, err
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.SourceItem{}, err
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.SourceItem{}, err
	}
	return it, nil
}

func (s *Store) GetSourceItem(ctx context.Context, sourceID, externalID string) (graph.SourceItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM source_items WHERE source_id = ? AND external_id = ?`,
		sourceID, externalID)
	return scanItem(row)
}

func (s *Store) UpsertSourceItem(ctx context.Context, item graph.SourceItem) (graph.SourceItem, error) {
	ts := fmtTime(now())

	existing, err := s.GetSourceItem(ctx, item.SourceID, item.ExternalID)
	if err == nil {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE source_items SET node_id = ?, content_hash = ?, last_seen_at = ?, deleted_at = ?, updated_at = ?
			WHERE id = ?`,
			item.NodeID, item.ContentHash, fmtNullTime(item.LastSeenAt),
			fmtNullTime(item.DeletedAt), ts, existing.ID); err != nil {
			return graph.SourceItem{}, fmt.Errorf("updating source item: %w", err)
		}
		return s.GetSourceItem(ctx, item.SourceID, item.ExternalID)
	}
	if err != graph.ErrNotFound {
		return graph.SourceItem{}, err
	}

	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO source_items (id, source_id, external_id, node_id, content_hash, last_seen_at, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, item.SourceID, item.ExternalID, item.NodeID, item.ContentHash,
		fmtNullTime(item.LastSeenAt), fmtNullTime(item.DeletedAt), ts, ts); err != nil {
		return graph.SourceItem{}, fmt.Errorf("inserting source item: %w", err)
	}
	return s.GetSourceItem(ctx, item.SourceID, item.ExternalID)
}

func (s *Store) ListSourceItems(ctx context.Context, sourceID string) ([]graph.SourceItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM source_items WHERE source_id = ? ORDER BY external_id ASC`,
		sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing source items: %w", err)
	}
	defer rows.Close()

	var items []graph.SourceItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) SoftDeleteSourceItem(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_items SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(at.UTC()), fmtTime(now()), id)
	if err != nil {
		return fmt.Errorf("soft-deleting source item: %w", err)
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

func (s *Store) HardDeleteSourceItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM source_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting source item: %w", err)
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

func (s *Store) CreateSyncRun(ctx context.Context, run graph.SyncRun) (graph.SyncRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = graph.SyncRunning
	}

	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return graph.SyncRun{}, fmt.Errorf("encoding sync stats: %w", err)
	}
	errs := ""
	if len(run.Errors) > 0 {
		data, err := json.Marshal(run.Errors)
		if err != nil {
			return graph.SyncRun{}, fmt.Errorf("encoding sync errors: %w", err)
		}
		errs = string(data)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, source_id, status, stats, errors, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceID, string(run.Status), string(stats), errs,
		fmtNullTime(run.StartedAt), fmtNullTime(run.FinishedAt)); err != nil {
		return graph.SyncRun{}, fmt.Errorf("inserting sync run: %w", err)
	}
	return run, nil
}

func (s *Store) UpdateSyncRun(ctx context.Context, run graph.SyncRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("encoding sync stats: %w", err)
	}
	errs := ""
	if len(run.Errors) > 0 {
		data, err := json.Marshal(run.Errors)
		if err != nil {
			return fmt.Errorf("encoding sync errors: %w", err)
		}
		errs = string(data)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET status = ?, stats = ?, errors = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), string(stats), errs,
		fmtNullTime(run.StartedAt), fmtNullTime(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("updating sync run: %w", err)
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

func (s *Store) ListSyncRuns(ctx context.Context, sourceID string, limit int) ([]graph.SyncRun, error) {
	query := `SELECT id, source_id, status, stats, errors, started_at, finished_at
		FROM sync_runs WHERE source_id = ? ORDER BY started_at DESC`
	args := []any{sourceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []graph.SyncRun
	for rows.Next() {
		var r graph.SyncRun
		var stats, errs string
		var startedAt, finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Status, &stats, &errs, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if stats != "" {
			if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
				return nil, fmt.Errorf("decoding sync stats: %w", err)
			}
		}
		if errs != "" {
			if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
				return nil, fmt.Errorf("decoding sync errors: %w", err)
			}
		}
		if r.StartedAt, err = parseNullTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
