package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/allsmog/revgraph/internal/config"
	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/observability"
	"github.com/allsmog/revgraph/internal/similarity"
)

var (
	configPath string
	verbose    bool

	// cfg is populated by loadConfig before any command runs.
	cfg *config.Config
	log *slog.Logger

	tracerProvider *sdktrace.TracerProvider
)

var rootCmd = &cobra.Command{
	Use:   "revgraph",
	Short: "Revgraph - binary analysis graph store and analytics",
	Long: `Revgraph loads normalized static-analysis artifacts into a Neo4j
property graph and runs analytics over it: basic block rank, embedding
similarity search, clustering, and cross-binary diffing.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if tracerProvider == nil {
			return
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := observability.ShutdownTracing(shutdownCtx, tracerProvider); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	return rootCmd.ExecuteContext(ctx)
}

// loadConfig is called before any command runs to load configuration and
// set up logging.
func loadConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = os.Getenv("REVGRAPH_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath()
	}

	loaded, err := config.NewLoader(config.NewValidator()).LoadWithDefaults(path)
	if err != nil {
		return err
	}
	cfg = loaded

	log = newLogger(cfg.Logging)
	slog.SetDefault(log)

	tracerProvider, err = observability.InitTracing(cmd.Context(), cfg.Tracing)
	if err != nil {
		return err
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "revgraph.yaml"
	}
	return filepath.Join(home, ".revgraph", "config.yaml")
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// connectClient builds a traced graph client from config and connects it.
// The caller closes it.
func connectClient(ctx context.Context) (graph.Client, error) {
	inner, err := graph.NewNeo4jClient(cfg.Neo4j)
	if err != nil {
		return nil, err
	}
	client := graph.NewTracedClient(inner, otel.Tracer("revgraph"))
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// newEmbedder builds the configured embedder.
func newEmbedder() (similarity.Embedder, error) {
	return similarity.NewEmbedder(cfg.Embeddings)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to config file (default ~/.revgraph/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(configCmd)
}
