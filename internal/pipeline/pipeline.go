// Package pipeline orchestrates analysis jobs over the graph: embedding
// generation, clustering, and relationship inference, tracked as
// cancellable AnalysisRun rows.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/kalambet/weave/internal/cluster"
	"github.com/kalambet/weave/internal/embed"
	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/provider"
	"github.com/kalambet/weave/internal/relate"
)

// Store is the storage surface the pipeline needs directly; the stage
// engines carry their own.
type Store interface {
	graph.GraphStore
	graph.RunStore
}

// RunOptions tunes one job.
type RunOptions struct {
	// NodeIDs restricts the embedding stage to explicit nodes. When empty
	// the stage covers nodes without an embedding, or all nodes when
	// ForceRecompute is set.
	NodeIDs        []string
	ForceRecompute bool

	// Per-stage skip flags, honored by full runs.
	SkipEmbeddings    bool
	SkipClustering    bool
	SkipRelationships bool

	// ClusterCount overrides the scope settings when positive.
	ClusterCount int
}

// Pipeline coordinates the stage engines and persists job state.
type Pipeline struct {
	store    Store
	embedder *embed.Service
	cluster  *cluster.Engine
	relate   *relate.Engine
	registry *Registry
	logger   *slog.Logger
}

// New wires a Pipeline.
func New(store Store, embedder *embed.Service, clusterEngine *cluster.Engine, relateEngine *relate.Engine, registry *Registry, logger *slog.Logger) *Pipeline {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		embedder: embedder,
		cluster:  clusterEngine,
		relate:   relateEngine,
		registry: registry,
		logger:   logger,
	}
}

func now() time.Time { return time.Now().UTC() }

func timePtr(t time.Time) *time.Time { return &t }

// Registry exposes the job registry for cancellation.
func (p *Pipeline) Registry() *Registry { return p.registry }

// CancelJob signals an active job's cancellation token. Stages observe it
// between items; the job marks its own row cancelled. Returns false for
// unknown or already-terminal jobs.
func (p *Pipeline) CancelJob(id string) bool {
	return p.registry.Cancel(id)
}

// RunFull executes embeddings, clustering, and relationship inference in
// order, honoring the skip flags.
func (p *Pipeline) RunFull(ctx context.Context, scope string, opts RunOptions) (graph.AnalysisRun, error) {
	return p.run(ctx, scope, graph.RunFull, opts)
}

// RunEmbeddings executes only the embedding stage.
func (p *Pipeline) RunEmbeddings(ctx context.Context, scope string, opts RunOptions) (graph.AnalysisRun, error) {
	return p.run(ctx, scope, graph.RunEmbedding, opts)
}

// RunClustering executes only the clustering stage.
func (p *Pipeline) RunClustering(ctx context.Context, scope string, opts RunOptions) (graph.AnalysisRun, error) {
	return p.run(ctx, scope, graph.RunClustering, opts)
}

// RunRelationships executes only the relationship inference stage.
func (p *Pipeline) RunRelationships(ctx context.Context, scope string, opts RunOptions) (graph.AnalysisRun, error) {
	return p.run(ctx, scope, graph.RunInference, opts)
}

// stage is one unit of a job's fixed execution order.
type stage struct {
	name string
	fn   func(ctx context.Context, scope, runID string, opts RunOptions, results *graph.RunResults, report func(stageProgress int, item string, processed, total int)) error
}

func (p *Pipeline) stagesFor(runType graph.RunType, opts RunOptions) []stage {
	var stages []stage
	add := func(name string, fn func(context.Context, string, string, RunOptions, *graph.RunResults, func(int, string, int, int)) error) {
		stages = append(stages, stage{name: name, fn: fn})
	}

	switch runType {
	case graph.RunEmbedding:
		add("embeddings", p.runEmbeddingStage)
	case graph.RunClustering:
		add("clustering", p.runClusteringStage)
	case graph.RunInference:
		add("relationships", p.runRelationshipStage)
	case graph.RunFull:
		if !opts.SkipEmbeddings {
			add("embeddings", p.runEmbeddingStage)
		}
		if !opts.SkipClustering {
			add("clustering", p.runClusteringStage)
		}
		if !opts.SkipRelationships {
			add("relationships", p.runRelationshipStage)
		}
	}
	return stages
}

func runParams(opts RunOptions) map[string]string {
	params := map[string]string{}
	if opts.ForceRecompute {
		params["force_recompute"] = "true"
	}
	if len(opts.NodeIDs) > 0 {
		params["node_ids"] = strconv.Itoa(len(opts.NodeIDs))
	}
	if opts.ClusterCount > 0 {
		params["cluster_count"] = strconv.Itoa(opts.ClusterCount)
	}
	return params
}

// run creates the job row, executes its stages in order, and drives the
// queued -> running -> terminal state machine.
func (p *Pipeline) run(ctx context.Context, scope string, runType graph.RunType, opts RunOptions) (graph.AnalysisRun, error) {
	run, err := p.store.CreateRun(ctx, scope, runType, runParams(opts))
	if err != nil {
		return graph.AnalysisRun{}, fmt.Errorf("creating run: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.registry.register(run.ID, cancel)
	defer p.registry.unregister(run.ID)

	running := graph.RunRunning
	startedAt := now()
	if run, err = p.store.UpdateRun(ctx, scope, run.ID, graph.RunPatch{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		return graph.AnalysisRun{}, fmt.Errorf("marking run started: %w", err)
	}

	p.logger.Info("analysis run started",
		"run", run.ID,
		"scope", graph.ResolveScope(scope),
		"type", string(runType))

	var results graph.RunResults
	stages := p.stagesFor(runType, opts)
	stageErr := p.executeStages(jobCtx, scope, run.ID, opts, stages, &results)

	// Terminal updates go through the parent context so a cancelled job
	// can still record its final state.
	switch {
	case stageErr == nil:
		return p.finish(ctx, scope, run.ID, graph.RunCompleted, results, nil)
	case provider.CodeOf(stageErr) == provider.CodeCanceled:
		return p.finish(ctx, scope, run.ID, graph.RunCancelled, results, stageErr)
	default:
		return p.finish(ctx, scope, run.ID, graph.RunFailed, results, stageErr)
	}
}

func (p *Pipeline) executeStages(ctx context.Context, scope, runID string, opts RunOptions, stages []stage, results *graph.RunResults) error {
	for i, st := range stages {
		if ctx.Err() != nil {
			return provider.NewError(provider.CodeCanceled, ctx.Err())
		}

		stageIdx := i
		report := func(stageProgress int, item string, processed, total int) {
			overall := (stageIdx*100 + stageProgress) / len(stages)
			p.persistProgress(ctx, scope, runID, graph.ProgressSnapshot{
				Stage:           st.name,
				CurrentItem:     item,
				ItemsProcessed:  processed,
				TotalItems:      total,
				OverallProgress: overall,
			})
		}
		report(0, "", 0, 0)

		if err := st.fn(ctx, scope, runID, opts, results, report); err != nil {
			return fmt.Errorf("%s stage: %w", st.name, err)
		}
		report(100, "", 0, 0)
	}
	return nil
}

// persistProgress stores the latest snapshot on the run row so pollers can
// resume without replaying events. Persistence failures are logged, not
// fatal.
func (p *Pipeline) persistProgress(ctx context.Context, scope, runID string, snap graph.ProgressSnapshot) {
	if _, err := p.store.UpdateRun(ctx, scope, runID, graph.RunPatch{
		Progress: &snap.OverallProgress,
		Snapshot: &snap,
	}); err != nil {
		p.logger.Warn("persisting progress failed", "run", runID, "error", err)
	}
}

func (p *Pipeline) finish(ctx context.Context, scope, runID string, status graph.RunStatus, results graph.RunResults, cause error) (graph.AnalysisRun, error) {
	patch := graph.RunPatch{
		Status:      &status,
		Results:     &results,
		CompletedAt: timePtr(now()),
	}
	if status == graph.RunCompleted {
		full := 100
		patch.Progress = &full
	}
	if cause != nil && status == graph.RunFailed {
		msg := cause.Error()
		stack := string(debug.Stack())
		patch.ErrorMessage = &msg
		patch.ErrorStack = &stack
	}

	run, err := p.store.UpdateRun(ctx, scope, runID, patch)
	if err != nil {
		return graph.AnalysisRun{}, fmt.Errorf("finishing run: %w", err)
	}

	p.logger.Info("analysis run finished",
		"run", runID,
		"status", string(status),
		"errors", len(results.Errors))
	return run, nil
}

// resolveEmbeddingTargets picks the embedding stage's node set: explicit
// ids win, then all nodes under ForceRecompute, otherwise only nodes
// still missing an embedding.
func (p *Pipeline) resolveEmbeddingTargets(ctx context.Context, scope string, opts RunOptions) ([]string, error) {
	if len(opts.NodeIDs) > 0 {
		return opts.NodeIDs, nil
	}

	filter := graph.NodeFilter{WithoutEmbed: !opts.ForceRecompute}
	nodes, err := p.store.ListNodes(ctx, scope, filter)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids, nil
}

func (p *Pipeline) runEmbeddingStage(ctx context.Context, scope, runID string, opts RunOptions, results *graph.RunResults, report func(int, string, int, int)) error {
	ids, err := p.resolveEmbeddingTargets(ctx, scope, opts)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	res, err := p.embedder.EmbedNodes(ctx, scope, ids, func(pr embed.Progress) {
		report(pr.Processed*100/pr.Total, pr.CurrentItem, pr.Processed, pr.Total)
	})
	results.NodesEmbedded += res.Embedded
	results.Errors = append(results.Errors, res.Errors...)
	return err
}

func (p *Pipeline) runClusteringStage(ctx context.Context, scope, runID string, opts RunOptions, results *graph.RunResults, report func(int, string, int, int)) error {
	k := opts.ClusterCount
	if k <= 0 {
		settings, err := p.store.GetSettings(ctx, scope)
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		k = settings.ClusterCount
	}

	clusters, err := p.cluster.KMeans(ctx, scope, k)
	if err != nil {
		return err
	}
	results.ClustersCreated += len(clusters)
	return nil
}

func (p *Pipeline) runRelationshipStage(ctx context.Context, scope, runID string, opts RunOptions, results *graph.RunResults, report func(int, string, int, int)) error {
	nodes, err := p.store.ListNodes(ctx, scope, graph.NodeFilter{})
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	var ids []string
	for _, n := range nodes {
		if n.HasEmbedding() {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	res, err := p.relate.InferForNodes(ctx, scope, runID, ids, func(pr relate.Progress) {
		report(pr.Processed*100/pr.Total, pr.CurrentItem, pr.Processed, pr.Total)
	})
	results.EdgesSuggested += res.Suggested
	results.EdgesApproved += res.Approved
	results.Errors = append(results.Errors, res.Errors...)
	return err
}
