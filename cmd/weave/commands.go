package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/weave/internal/cluster"
	"github.com/kalambet/weave/internal/config"
	"github.com/kalambet/weave/internal/embed"
	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/graph/filestore"
	"github.com/kalambet/weave/internal/graph/memstore"
	"github.com/kalambet/weave/internal/graph/sqlstore"
	"github.com/kalambet/weave/internal/ingest"
	"github.com/kalambet/weave/internal/pipeline"
	"github.com/kalambet/weave/internal/provider/ollama"
	"github.com/kalambet/weave/internal/relate"
)

var (
	flagConfig string
	flagScope  string
)

var rootCmd = &cobra.Command{
	Use:          "weave",
	Short:        "Typed knowledge graph with AI-assisted analysis",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagScope, "scope", "", `graph scope (default "default")`)
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	reviewCmd.AddCommand(reviewListCmd, reviewApproveCmd, reviewRejectCmd)
	rootCmd.AddCommand(analyzeCmd, ingestCmd, reviewCmd, statusCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	setupLogger(cfg.Log.Level)
	return cfg, nil
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openStore(cfg config.Config) (graph.Store, func() error, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memstore.New(), func() error { return nil }, nil
	case "file":
		s, err := filestore.Open(filepath.Join(cfg.Storage.DataDir, "graph.json"), filestore.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("opening file store: %w", err)
		}
		return s, s.Close, nil
	default:
		s, err := sqlstore.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, s.Close, nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildPipeline(cfg config.Config, store graph.Store) *pipeline.Pipeline {
	client := ollama.New(cfg.Ollama.BaseURL)
	embedder := embed.NewService(store, client, embed.Options{
		ChunkSize:  cfg.Analysis.ChunkSize,
		RateLimit:  cfg.Analysis.RateLimit,
		MaxRetries: cfg.Analysis.MaxRetries,
	})
	clusterEngine := cluster.NewEngine(store, nil)
	relateEngine := relate.NewEngine(store, client, relate.Options{
		Model:      cfg.Ollama.InferModel,
		RateLimit:  cfg.Analysis.RateLimit,
		MaxRetries: cfg.Analysis.MaxRetries,
	})
	return pipeline.New(store, embedder, clusterEngine, relateEngine, nil, slog.Default())
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run graph analysis: embeddings, clustering, relationship inference",
	Long: `Run graph analysis.

Examples:
  weave analyze
  weave analyze --type embeddings --force
  weave analyze --type clustering --cluster-count 12
  weave analyze --skip-relationships`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runType, _ := cmd.Flags().GetString("type")
		force, _ := cmd.Flags().GetBool("force")
		clusterCount, _ := cmd.Flags().GetInt("cluster-count")
		nodesStr, _ := cmd.Flags().GetString("nodes")
		skipEmbed, _ := cmd.Flags().GetBool("skip-embeddings")
		skipCluster, _ := cmd.Flags().GetBool("skip-clustering")
		skipRelate, _ := cmd.Flags().GetBool("skip-relationships")

		switch runType {
		case "full", "embeddings", "clustering", "relationships":
		default:
			return fmt.Errorf("unknown analysis type %q", runType)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		client := ollama.New(cfg.Ollama.BaseURL)
		if !client.IsRunning(ctx) {
			return fmt.Errorf("ollama is not reachable at %s", cfg.Ollama.BaseURL)
		}
		if !client.HasModel(ctx, cfg.Ollama.EmbedModel) {
			printWarning("model %s not found; pull it with: ollama pull %s", cfg.Ollama.EmbedModel, cfg.Ollama.EmbedModel)
		}

		opts := pipeline.RunOptions{
			ForceRecompute:    force,
			ClusterCount:      clusterCount,
			SkipEmbeddings:    skipEmbed,
			SkipClustering:    skipCluster,
			SkipRelationships: skipRelate,
		}
		if nodesStr != "" {
			opts.NodeIDs = splitList(nodesStr)
		}

		p := buildPipeline(cfg, store)
		printStep("starting %s analysis", runType)

		var run graph.AnalysisRun
		switch runType {
		case "full":
			run, err = p.RunFull(ctx, flagScope, opts)
		case "embeddings":
			run, err = p.RunEmbeddings(ctx, flagScope, opts)
		case "clustering":
			run, err = p.RunClustering(ctx, flagScope, opts)
		case "relationships":
			run, err = p.RunRelationships(ctx, flagScope, opts)
		default:
			return fmt.Errorf("unknown analysis type %q", runType)
		}
		if err != nil {
			return err
		}

		printRun(run)
		if run.Status != graph.RunCompleted {
			return fmt.Errorf("analysis %s", run.Status)
		}
		return nil
	},
}

func printRun(run graph.AnalysisRun) {
	switch run.Status {
	case graph.RunCompleted:
		printSuccess("run %s completed", run.ID)
	default:
		printWarning("run %s %s", run.ID, run.Status)
		if run.ErrorMessage != "" {
			printStatus("Error", "%s", run.ErrorMessage)
		}
	}
	printStatus("Embedded", "%d", run.Results.NodesEmbedded)
	printStatus("Clusters", "%d", run.Results.ClustersCreated)
	printStatus("Suggested", "%d", run.Results.EdgesSuggested)
	printStatus("Approved", "%d", run.Results.EdgesApproved)
	if len(run.Results.Errors) > 0 {
		printStatus("Errors", "%d", len(run.Results.Errors))
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	analyzeCmd.Flags().String("type", "full", "analysis type: full, embeddings, clustering, relationships")
	analyzeCmd.Flags().Bool("force", false, "re-embed nodes that already have embeddings")
	analyzeCmd.Flags().Int("cluster-count", 0, "override the configured cluster count")
	analyzeCmd.Flags().String("nodes", "", "comma-separated node ids to embed")
	analyzeCmd.Flags().Bool("skip-embeddings", false, "skip the embedding stage of a full run")
	analyzeCmd.Flags().Bool("skip-clustering", false, "skip the clustering stage of a full run")
	analyzeCmd.Flags().Bool("skip-relationships", false, "skip the relationship stage of a full run")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Sync an external source into the graph",
	Long: `Sync an external source into the graph.

Examples:
  weave ingest --connector files --name docs --root ./docs --include '**/*.md'
  weave ingest --connector feed --name blog --url https://example.com/rss.xml
  weave ingest --connector tracker --name issues --url https://example.com/issues.json --deletion soft
  weave ingest --connector files --name docs --root ./docs --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		connectorType, _ := cmd.Flags().GetString("connector")
		name, _ := cmd.Flags().GetString("name")
		root, _ := cmd.Flags().GetString("root")
		url, _ := cmd.Flags().GetString("url")
		includeStr, _ := cmd.Flags().GetString("include")
		excludeStr, _ := cmd.Flags().GetString("exclude")
		deletion, _ := cmd.Flags().GetString("deletion")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if name == "" {
			return fmt.Errorf("--name is required")
		}

		var conn ingest.Connector
		switch connectorType {
		case "files":
			if root == "" {
				return fmt.Errorf("--root is required for the files connector")
			}
			conn = &ingest.FilesConnector{
				Root:    root,
				Include: splitList(includeStr),
				Exclude: splitList(excludeStr),
			}
		case "feed":
			if url == "" {
				return fmt.Errorf("--url is required for the feed connector")
			}
			conn = &ingest.FeedConnector{URL: url}
		case "tracker":
			if url == "" {
				return fmt.Errorf("--url is required for the tracker connector")
			}
			conn = &ingest.TrackerConnector{URL: url}
		default:
			return fmt.Errorf("unknown connector %q", connectorType)
		}

		switch ingest.DeletionMode(deletion) {
		case ingest.DeleteNone, ingest.DeleteSoft, ingest.DeleteHard:
		default:
			return fmt.Errorf("unknown deletion mode %q", deletion)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		engine := ingest.NewEngine(store, slog.Default())
		run, err := engine.Sync(ctx, flagScope, conn, ingest.SyncOptions{
			SourceName: name,
			Deletion:   ingest.DeletionMode(deletion),
			DryRun:     dryRun,
		})
		if err != nil {
			return err
		}

		if dryRun {
			printStep("dry run, nothing written")
		}
		switch run.Status {
		case graph.SyncCompleted:
			printSuccess("sync %s", run.Status)
		default:
			printWarning("sync %s", run.Status)
		}
		printStatus("Created", "%d", run.Stats.Created)
		printStatus("Updated", "%d", run.Stats.Updated)
		printStatus("Skipped", "%d", run.Stats.Skipped)
		printStatus("Deleted", "%d", run.Stats.Deleted)
		printStatus("Edges", "%d", run.Stats.EdgesMade)
		if run.Stats.Errors > 0 {
			printStatus("Errors", "%d", run.Stats.Errors)
			for _, e := range run.Errors {
				printWarning("%s: %s", e.Item, e.Message)
			}
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("connector", "files", "connector type: files, feed, tracker")
	ingestCmd.Flags().String("name", "", "source name, unique per connector type")
	ingestCmd.Flags().String("root", "", "root directory (files connector)")
	ingestCmd.Flags().String("url", "", "source URL (feed and tracker connectors)")
	ingestCmd.Flags().String("include", "", "comma-separated include globs (files connector)")
	ingestCmd.Flags().String("exclude", "", "comma-separated exclude globs (files connector)")
	ingestCmd.Flags().String("deletion", "none", "handling of disappeared items: none, soft, hard")
	ingestCmd.Flags().Bool("dry-run", false, "classify records without writing")
}

// --- review ---

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review AI-suggested edges",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suggested edges",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		suggestions, err := store.ListSuggestions(ctx, flagScope, graph.SuggestionStatus(status))
		if err != nil {
			return err
		}
		if len(suggestions) == 0 {
			printStep("no suggestions")
			return nil
		}
		for _, s := range suggestions {
			fmt.Fprintf(os.Stdout, "%s  %s -[%s]-> %s  confidence=%.2f  %s\n",
				s.ID, s.FromNodeID, s.RelationshipType, s.ToNodeID, s.Confidence, s.Status)
			if s.Reasoning != "" {
				fmt.Fprintf(os.Stdout, "    %s\n", s.Reasoning)
			}
		}
		return nil
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <suggestion-id>",
	Short: "Approve a suggestion, creating its edge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reviewer, _ := cmd.Flags().GetString("by")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		engine := relate.NewEngine(store, nil, relate.Options{})
		suggestion, err := engine.Approve(ctx, flagScope, args[0], reviewer)
		if err != nil {
			return err
		}
		printSuccess("approved, edge %s", suggestion.ApprovedEdgeID)
		return nil
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <suggestion-id>",
	Short: "Reject a suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reviewer, _ := cmd.Flags().GetString("by")
		reason, _ := cmd.Flags().GetString("reason")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		engine := relate.NewEngine(store, nil, relate.Options{})
		if _, err := engine.Reject(ctx, flagScope, args[0], reviewer, reason); err != nil {
			return err
		}
		printSuccess("rejected")
		return nil
	},
}

func init() {
	reviewListCmd.Flags().String("status", "pending", "filter by status: pending, approved, rejected (empty for all)")
	reviewApproveCmd.Flags().String("by", "cli", "reviewer name")
	reviewRejectCmd.Flags().String("by", "cli", "reviewer name")
	reviewRejectCmd.Flags().String("reason", "", "rejection reason")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show graph and analysis status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		client := ollama.New(cfg.Ollama.BaseURL)
		if client.IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		} else {
			printStatus("Ollama", "not reachable at %s", cfg.Ollama.BaseURL)
		}
		printStatus("Backend", "%s", cfg.Storage.Backend)

		nodes, err := store.ListNodes(ctx, flagScope, graph.NodeFilter{})
		if err != nil {
			return err
		}
		edges, err := store.ListEdges(ctx, flagScope, graph.EdgeFilter{})
		if err != nil {
			return err
		}
		embedded := 0
		for _, n := range nodes {
			if n.HasEmbedding() {
				embedded++
			}
		}
		printStatus("Nodes", "%d (%d embedded)", len(nodes), embedded)
		printStatus("Edges", "%d", len(edges))

		clusters, err := store.ListClusters(ctx, flagScope)
		if err != nil {
			return err
		}
		printStatus("Clusters", "%d", len(clusters))

		pending, err := store.ListSuggestions(ctx, flagScope, graph.SuggestionPending)
		if err != nil {
			return err
		}
		printStatus("Pending suggestions", "%d", len(pending))

		runs, err := store.ListRuns(ctx, flagScope, 3)
		if err != nil {
			return err
		}
		for _, r := range runs {
			printStatus("Run", "%s %s %s progress=%d%%", r.ID, r.RunType, r.Status, r.Progress)
		}
		return nil
	},
}
