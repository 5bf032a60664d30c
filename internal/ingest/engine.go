// Package ingest brings external records into the graph with idempotent
// re-runs. Connectors fetch records; the engine classifies each against
// its provenance row, materializes nodes and intra-batch edges, and
// records the outcome as a SyncRun.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/weave/internal/graph"
)

// maxPersistedErrors caps the error list stored on a SyncRun. Stats keep
// the full count.
const maxPersistedErrors = 50

// Record is one external record as a connector presents it.
type Record struct {
	ExternalID string
	Title      string
	Content    string
	Domain     string
	NodeType   string
	Metadata   map[string]string

	// References and PartOf name other records by external id. Edges are
	// created only when the referenced record is part of the same batch.
	References []string
	PartOf     string
}

// Connector fetches the current records of one external source. Items the
// connector could not read come back as item errors alongside the records
// it did read; the error return is reserved for failures of the fetch as a
// whole.
type Connector interface {
	Name() string
	Config() map[string]string
	Fetch(ctx context.Context) ([]Record, []graph.ItemError, error)
}

// DeletionMode controls what happens to items the source no longer returns.
type DeletionMode string

const (
	DeleteNone DeletionMode = "none"
	DeleteSoft DeletionMode = "soft"
	DeleteHard DeletionMode = "hard"
)

// SyncOptions tunes one ingestion call.
type SyncOptions struct {
	// SourceName distinguishes multiple sources of the same connector type.
	SourceName string
	Deletion   DeletionMode
	// DryRun classifies records without writing anything.
	DryRun bool
}

// Store is the storage surface the engine needs.
type Store interface {
	graph.GraphStore
	graph.ProvenanceStore
}

// Engine ingests connector records into the graph.
type Engine struct {
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	lastStart time.Time
}

// NewEngine wires an Engine. A nil logger falls back to slog.Default.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// runStart returns a strictly increasing timestamp per engine instance so
// LastSeenAt comparisons against it never tie on coarse clocks.
func (e *Engine) runStart() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := time.Now().UTC()
	if !ts.After(e.lastStart) {
		ts = e.lastStart.Add(time.Millisecond)
	}
	e.lastStart = ts
	return ts
}

func contentHash(rec Record) string {
	h := sha256.New()
	h.Write([]byte(rec.Title))
	h.Write([]byte{0})
	h.Write([]byte(rec.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// recordClass is the change-detection outcome for one record.
type recordClass int

const (
	classCreated recordClass = iota
	classUnchanged
	classUpdated
)

// nodeSlug derives the stable in-scope slug for a record. The source key
// participates so two sources with identically titled records do not
// collide.
func nodeSlug(rec Record, connector, sourceName string) string {
	return graph.Slugify(fmt.Sprintf("%s %s %s %s", rec.Title, connector, sourceName, rec.ExternalID))
}

// Sync runs one ingestion pass for the connector's source. Per-record
// failures are contained: they are counted and itemized on the SyncRun,
// which finishes partial instead of failed.
func (e *Engine) Sync(ctx context.Context, scope string, conn Connector, opts SyncOptions) (graph.SyncRun, error) {
	if opts.Deletion == "" {
		opts.Deletion = DeleteNone
	}
	if opts.DryRun {
		return e.dryRun(ctx, scope, conn, opts)
	}

	start := e.runStart()
	source, err := e.store.UpsertSource(ctx, scope, conn.Name(), opts.SourceName, conn.Config())
	if err != nil {
		return graph.SyncRun{}, fmt.Errorf("upserting source: %w", err)
	}

	run, err := e.store.CreateSyncRun(ctx, graph.SyncRun{
		SourceID:  source.ID,
		Status:    graph.SyncRunning,
		StartedAt: start,
	})
	if err != nil {
		return graph.SyncRun{}, fmt.Errorf("creating sync run: %w", err)
	}

	records, fetchErrs, err := conn.Fetch(ctx)
	if err != nil {
		run.Status = graph.SyncFailed
		run.Errors = []graph.ItemError{{Item: source.ID, Message: err.Error()}}
		run.Stats.Errors = 1
		run.FinishedAt = time.Now().UTC()
		if uerr := e.store.UpdateSyncRun(ctx, run); uerr != nil {
			e.logger.Warn("recording failed sync run", "run", run.ID, "error", uerr)
		}
		return run, fmt.Errorf("fetching records: %w", err)
	}

	itemErrs := fetchErrs
	run.Stats.Errors += len(fetchErrs)
	for _, ie := range fetchErrs {
		e.logger.Warn("record fetch failed",
			"source", source.Name,
			"item", ie.Item,
			"error", ie.Message)
	}
	// external id -> node id, for the records resolved in this pass.
	resolved := make(map[string]string, len(records))

	for _, rec := range records {
		nodeID, err := e.ingestRecord(ctx, scope, source, conn, opts, rec, start, &run.Stats)
		if err != nil {
			run.Stats.Errors++
			itemErrs = append(itemErrs, graph.ItemError{Item: rec.ExternalID, Message: err.Error()})
			e.logger.Warn("record ingestion failed",
				"source", source.Name,
				"external_id", rec.ExternalID,
				"error", err)
			continue
		}
		resolved[rec.ExternalID] = nodeID
	}

	e.materializeEdges(ctx, scope, records, resolved, &run.Stats, &itemErrs)

	if opts.Deletion != DeleteNone {
		if err := e.applyDeletions(ctx, scope, source.ID, start, opts.Deletion, &run.Stats); err != nil {
			run.Stats.Errors++
			itemErrs = append(itemErrs, graph.ItemError{Item: source.ID, Message: err.Error()})
		}
	}

	run.Status = graph.SyncCompleted
	if run.Stats.Errors > 0 {
		run.Status = graph.SyncPartial
	}
	if len(itemErrs) > maxPersistedErrors {
		itemErrs = itemErrs[:maxPersistedErrors]
	}
	run.Errors = itemErrs
	run.FinishedAt = time.Now().UTC()
	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		return run, fmt.Errorf("finishing sync run: %w", err)
	}

	e.logger.Info("sync finished",
		"source", source.Name,
		"status", string(run.Status),
		"created", run.Stats.Created,
		"updated", run.Stats.Updated,
		"skipped", run.Stats.Skipped,
		"deleted", run.Stats.Deleted,
		"errors", run.Stats.Errors)
	return run, nil
}

// classify compares a record against its provenance row.
func (e *Engine) classify(ctx context.Context, sourceID string, rec Record, hash string) (recordClass, error) {
	item, err := e.store.GetSourceItem(ctx, sourceID, rec.ExternalID)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		return classCreated, nil
	case err != nil:
		return 0, fmt.Errorf("looking up item: %w", err)
	case item.ContentHash == hash:
		return classUnchanged, nil
	default:
		return classUpdated, nil
	}
}

// ingestRecord upserts the provenance row and materializes the record's
// node. Returns the node id for edge resolution.
func (e *Engine) ingestRecord(ctx context.Context, scope string, source graph.IngestionSource, conn Connector, opts SyncOptions, rec Record, seenAt time.Time, stats *graph.SyncStats) (string, error) {
	hash := contentHash(rec)
	class, err := e.classify(ctx, source.ID, rec, hash)
	if err != nil {
		return "", err
	}

	nodeID, err := e.materializeNode(ctx, scope, conn, opts, rec, class)
	if err != nil {
		return "", err
	}

	// Reappearing items lose their soft-delete stamp.
	if _, err := e.store.UpsertSourceItem(ctx, graph.SourceItem{
		SourceID:    source.ID,
		ExternalID:  rec.ExternalID,
		NodeID:      nodeID,
		ContentHash: hash,
		LastSeenAt:  seenAt,
	}); err != nil {
		return "", fmt.Errorf("upserting item: %w", err)
	}

	switch class {
	case classCreated:
		stats.Created++
	case classUnchanged:
		stats.Skipped++
	case classUpdated:
		stats.Updated++
	}
	return nodeID, nil
}

// materializeNode creates or patches the node behind a record. Unchanged
// records leave an existing node untouched.
func (e *Engine) materializeNode(ctx context.Context, scope string, conn Connector, opts SyncOptions, rec Record, class recordClass) (string, error) {
	slug := nodeSlug(rec, conn.Name(), opts.SourceName)
	node, err := e.store.GetNodeBySlug(ctx, scope, slug)
	if errors.Is(err, graph.ErrNotFound) {
		created, err := e.store.CreateNodes(ctx, scope, []graph.NodeInput{{
			Slug:     slug,
			Label:    rec.Title,
			Domain:   rec.Domain,
			NodeType: rec.NodeType,
			Content:  rec.Content,
			Metadata: rec.Metadata,
		}})
		if err != nil {
			return "", fmt.Errorf("creating node: %w", err)
		}
		if len(created) == 0 {
			// Slug claimed concurrently; fall through to the existing node.
			node, err = e.store.GetNodeBySlug(ctx, scope, slug)
			if err != nil {
				return "", fmt.Errorf("resolving node after slug conflict: %w", err)
			}
			return node.ID, nil
		}
		return created[0].ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving node: %w", err)
	}
	if class == classUnchanged {
		return node.ID, nil
	}

	patch := graph.NodePatch{
		Label:   &rec.Title,
		Content: &rec.Content,
	}
	if rec.Domain != "" {
		patch.Domain = &rec.Domain
	}
	if rec.Metadata != nil {
		patch.Metadata = rec.Metadata
	}
	updated, err := e.store.UpdateNode(ctx, scope, node.ID, patch)
	if err != nil {
		return "", fmt.Errorf("updating node: %w", err)
	}
	return updated.ID, nil
}

// materializeEdges creates reference and containment edges between records
// of this batch. A record pointing at an external id that was not resolved
// in this call produces no edge. Duplicate keys are skipped by the store.
func (e *Engine) materializeEdges(ctx context.Context, scope string, records []Record, resolved map[string]string, stats *graph.SyncStats, itemErrs *[]graph.ItemError) {
	var inputs []graph.EdgeInput
	for _, rec := range records {
		from, ok := resolved[rec.ExternalID]
		if !ok {
			continue
		}
		for _, ref := range rec.References {
			if to, ok := resolved[ref]; ok && to != from {
				inputs = append(inputs, graph.EdgeInput{
					FromNodeID:       from,
					ToNodeID:         to,
					RelationshipType: "references",
					Strength:         0.5,
					Source:           graph.SourceImported,
				})
			}
		}
		if rec.PartOf != "" {
			if to, ok := resolved[rec.PartOf]; ok && to != from {
				inputs = append(inputs, graph.EdgeInput{
					FromNodeID:       from,
					ToNodeID:         to,
					RelationshipType: "part_of",
					Strength:         0.7,
					Source:           graph.SourceImported,
				})
			}
		}
	}
	if len(inputs) == 0 {
		return
	}

	created, err := e.store.CreateEdges(ctx, scope, inputs)
	if err != nil {
		stats.Errors++
		*itemErrs = append(*itemErrs, graph.ItemError{Item: "edges", Message: err.Error()})
	}
	stats.EdgesMade += len(created)
}

// applyDeletions handles items the source stopped returning: every item
// last seen before this run started is stale.
func (e *Engine) applyDeletions(ctx context.Context, scope, sourceID string, start time.Time, mode DeletionMode, stats *graph.SyncStats) error {
	items, err := e.store.ListSourceItems(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}

	for _, item := range items {
		if !item.LastSeenAt.Before(start) {
			continue
		}
		switch mode {
		case DeleteSoft:
			if !item.DeletedAt.IsZero() {
				continue
			}
			if err := e.store.SoftDeleteSourceItem(ctx, item.ID, start); err != nil {
				return fmt.Errorf("soft-deleting item %s: %w", item.ExternalID, err)
			}
			stats.Deleted++
		case DeleteHard:
			if item.NodeID != "" {
				if _, err := e.store.DeleteNode(ctx, scope, item.NodeID); err != nil && !errors.Is(err, graph.ErrNotFound) {
					return fmt.Errorf("deleting node for item %s: %w", item.ExternalID, err)
				}
			}
			if err := e.store.HardDeleteSourceItem(ctx, item.ID); err != nil {
				return fmt.Errorf("hard-deleting item %s: %w", item.ExternalID, err)
			}
			stats.Deleted++
		}
	}
	return nil
}

// dryRun classifies the connector's records against existing provenance
// without writing anything.
func (e *Engine) dryRun(ctx context.Context, scope string, conn Connector, opts SyncOptions) (graph.SyncRun, error) {
	start := time.Now().UTC()
	run := graph.SyncRun{Status: graph.SyncCompleted, StartedAt: start}

	source, err := e.store.GetSourceByKey(ctx, scope, conn.Name(), opts.SourceName)
	known := err == nil
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return graph.SyncRun{}, fmt.Errorf("looking up source: %w", err)
	}

	records, fetchErrs, err := conn.Fetch(ctx)
	if err != nil {
		return graph.SyncRun{}, fmt.Errorf("fetching records: %w", err)
	}
	run.Stats.Errors += len(fetchErrs)
	run.Errors = append(run.Errors, fetchErrs...)

	for _, rec := range records {
		if !known {
			run.Stats.Created++
			continue
		}
		class, err := e.classify(ctx, source.ID, rec, contentHash(rec))
		if err != nil {
			run.Stats.Errors++
			run.Errors = append(run.Errors, graph.ItemError{Item: rec.ExternalID, Message: err.Error()})
			continue
		}
		switch class {
		case classCreated:
			run.Stats.Created++
		case classUnchanged:
			run.Stats.Skipped++
		case classUpdated:
			run.Stats.Updated++
		}
	}
	if run.Stats.Errors > 0 {
		run.Status = graph.SyncPartial
	}
	run.SourceID = source.ID
	run.FinishedAt = time.Now().UTC()
	return run, nil
}
