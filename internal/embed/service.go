// Package embed produces and caches embedding vectors for node content.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/provider"
)

const (
	// DefaultChunkSize is the number of nodes embedded per provider call.
	DefaultChunkSize = 10
	// DefaultRateLimit is requests per minute; the post-chunk delay is
	// 60000/rateLimit milliseconds.
	DefaultRateLimit = 60
	// DefaultMaxRetries bounds per-chunk provider retries.
	DefaultMaxRetries = 3
	// DefaultCacheTTL is how long a stored embedding stays valid.
	DefaultCacheTTL = 30 * 24 * time.Hour
)

// Progress is reported after every processed chunk.
type Progress struct {
	Processed   int
	Total       int
	CurrentItem string
}

// Result summarizes a batch embedding call. Per-node failures are
// collected, not fatal.
type Result struct {
	Embedded int
	Errors   []graph.ItemError
}

// Options configures a Service. Zero values fall back to the defaults.
type Options struct {
	ChunkSize  int
	RateLimit  int
	MaxRetries int
	CacheTTL   time.Duration
	Logger     *slog.Logger
}

// Service embeds node content through an EmbeddingProvider and stores the
// vectors on the nodes.
type Service struct {
	store      graph.GraphStore
	provider   provider.EmbeddingProvider
	chunkSize  int
	rateLimit  int
	maxRetries int
	cacheTTL   time.Duration
	logger     *slog.Logger

	group singleflight.Group
}

// NewService wires a Service over the given store and provider.
func NewService(store graph.GraphStore, p provider.EmbeddingProvider, opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:      store,
		provider:   p,
		chunkSize:  opts.ChunkSize,
		rateLimit:  opts.RateLimit,
		maxRetries: opts.MaxRetries,
		cacheTTL:   opts.CacheTTL,
		logger:     opts.Logger,
	}
}

// Text assembles the text a node is embedded from.
func Text(n graph.Node) string {
	parts := make([]string, 0, 3)
	if n.Label != "" {
		parts = append(parts, n.Label)
	}
	if n.Summary != "" {
		parts = append(parts, n.Summary)
	}
	if n.Content != "" {
		parts = append(parts, n.Content)
	}
	return strings.Join(parts, "\n\n")
}

// cacheValid reports whether the stored embedding can be reused: the model
// must match and the vector must be younger than the TTL.
func (s *Service) cacheValid(n graph.Node, model string) bool {
	if !n.HasEmbedding() {
		return false
	}
	if n.EmbeddingModel != model {
		return false
	}
	return time.Since(n.EmbeddingAt) < s.cacheTTL
}

// EmbedNode returns the node's embedding, generating and storing it when
// the cached one is missing or stale. Concurrent calls for the same node
// share one provider request.
func (s *Service) EmbedNode(ctx context.Context, scope, nodeID string) ([]float32, error) {
	key := graph.ResolveScope(scope) + "|" + nodeID
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.embedNode(ctx, scope, nodeID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (s *Service) embedNode(ctx context.Context, scope, nodeID string) ([]float32, error) {
	node, err := s.store.GetNodeByID(ctx, scope, nodeID)
	if err != nil {
		return nil, fmt.Errorf("loading node: %w", err)
	}
	settings, err := s.store.GetSettings(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	if s.cacheValid(node, settings.EmbeddingModel) {
		return node.Embedding, nil
	}

	var vec []float32
	err = provider.Retry(ctx, s.maxRetries, func() error {
		var embedErr error
		vec, embedErr = s.provider.Embed(ctx, settings.EmbeddingModel, Text(node))
		return embedErr
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.SetNodeEmbedding(ctx, scope, nodeID, vec, settings.EmbeddingModel, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("storing embedding: %w", err)
	}
	return vec, nil
}

// EmbedNodes embeds the given nodes in fixed-size chunks, reporting
// progress after every chunk. A failing chunk records an error for each of
// its nodes and processing continues with the next chunk. Cancellation is
// checked before each chunk and returns a canceled provider error.
func (s *Service) EmbedNodes(ctx context.Context, scope string, nodeIDs []string, onProgress func(Progress)) (Result, error) {
	settings, err := s.store.GetSettings(ctx, scope)
	if err != nil {
		return Result{}, fmt.Errorf("loading settings: %w", err)
	}

	var res Result
	total := len(nodeIDs)
	processed := 0
	for start := 0; start < total; start += s.chunkSize {
		if ctx.Err() != nil {
			return res, provider.NewError(provider.CodeCanceled, ctx.Err())
		}

		end := start + s.chunkSize
		if end > total {
			end = total
		}
		chunk := nodeIDs[start:end]

		embedded, chunkErr := s.embedChunk(ctx, scope, settings.EmbeddingModel, chunk)
		if chunkErr != nil {
			if provider.CodeOf(chunkErr) == provider.CodeCanceled {
				return res, chunkErr
			}
			s.logger.Warn("embedding chunk failed",
				"scope", graph.ResolveScope(scope),
				"size", len(chunk),
				"error", chunkErr)
			for _, id := range chunk {
				res.Errors = append(res.Errors, graph.ItemError{Item: id, Message: chunkErr.Error()})
			}
		} else {
			res.Embedded += embedded
		}

		processed += len(chunk)
		if onProgress != nil {
			onProgress(Progress{
				Processed:   processed,
				Total:       total,
				CurrentItem: chunk[len(chunk)-1],
			})
		}

		if chunkErr == nil && end < total {
			if err := s.throttle(ctx); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// embedChunk loads the chunk's nodes, embeds their texts in one provider
// call, and stores the vectors in input order.
func (s *Service) embedChunk(ctx context.Context, scope, model string, nodeIDs []string) (int, error) {
	nodes := make([]graph.Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		n, err := s.store.GetNodeByID(ctx, scope, id)
		if err != nil {
			return 0, fmt.Errorf("loading node %s: %w", id, err)
		}
		nodes = append(nodes, n)
	}

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = Text(n)
	}

	var vecs [][]float32
	err := provider.Retry(ctx, s.maxRetries, func() error {
		var embedErr error
		vecs, embedErr = s.provider.EmbedBatch(ctx, model, texts)
		return embedErr
	})
	if err != nil {
		return 0, err
	}

	at := time.Now().UTC()
	for i, n := range nodes {
		if err := s.store.SetNodeEmbedding(ctx, scope, n.ID, vecs[i], model, at); err != nil {
			return i, fmt.Errorf("storing embedding for %s: %w", n.ID, err)
		}
	}
	return len(nodes), nil
}

// throttle waits the fixed post-chunk delay of 60000/rateLimit ms.
func (s *Service) throttle(ctx context.Context) error {
	delay := time.Duration(60000/s.rateLimit) * time.Millisecond
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return provider.NewError(provider.CodeCanceled, ctx.Err())
	case <-time.After(delay):
		return nil
	}
}
