package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/allsmog/revgraph/internal/analysis"
	"github.com/allsmog/revgraph/internal/similarity"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run analytics over loaded binaries",
}

var (
	bbrFunction   string
	bbrDamping    float64
	bbrIterations int
	bbrTolerance  float64
	bbrAlgorithm  string
	bbrTop        int
)

var analyzeBBRCmd = &cobra.Command{
	Use:   "bbr <sha256>",
	Short: "Compute basic block rank scores",
	Long: `Computes PageRank-style importance scores over the control-flow graph
of a binary, or of one function with --function, writes them to the
graph, and prints the top-ranked blocks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sha := args[0]

		scope := analysis.RankScope{SHA256: sha}
		if bbrFunction != "" {
			addr, err := parseAddress(bbrFunction)
			if err != nil {
				return err
			}
			scope.FunctionAddr = &addr
		}

		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		params := analysis.RankParams{
			Damping:       cfg.Analysis.BBR.Damping,
			MaxIterations: cfg.Analysis.BBR.MaxIterations,
			Tolerance:     cfg.Analysis.BBR.Tolerance,
		}
		if cmd.Flags().Changed("damping") {
			params.Damping = bbrDamping
		}
		if cmd.Flags().Changed("iterations") {
			params.MaxIterations = bbrIterations
		}
		if cmd.Flags().Changed("tolerance") {
			params.Tolerance = bbrTolerance
		}

		engine := analysis.NewRankEngine(client, log)
		result, err := engine.Compute(ctx, scope, params)
		if err != nil {
			return err
		}
		if err := engine.WriteScores(ctx, sha, bbrAlgorithm, result); err != nil {
			return err
		}

		if result.Converged {
			color.Green("Ranked %d blocks in %d iterations", len(result.Scores), result.Iterations)
		} else {
			color.Yellow("Ranked %d blocks, iteration bound reached without convergence", len(result.Scores))
		}

		blocks, err := engine.TopBlocks(ctx, sha, bbrAlgorithm, bbrTop)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BLOCK\tSCORE")
		for _, b := range blocks {
			fmt.Fprintf(w, "%#x\t%.6f\n", b.Address, b.Score)
		}
		return w.Flush()
	},
}

var (
	simModel       string
	simTopK        int
	simThreshold   float64
	simCrossBinary bool
)

var analyzeSimilarityCmd = &cobra.Command{
	Use:   "similarity <sha256> <address>",
	Short: "Find functions similar to the given one",
	Long: `Finds stored function embeddings most similar to the given function's,
by cosine similarity, within the same binary (or across all loaded
binaries with --cross-binary). Only embeddings under the same model are
compared.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		addr, err := parseAddress(args[1])
		if err != nil {
			return err
		}

		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		engine := similarity.NewEngine(client, nil, log)
		matches, err := engine.FindSimilar(ctx,
			similarity.EntityRef{Type: similarity.EntityFunction, SHA256: args[0], Address: addr},
			similarity.FindOptions{
				Model:       similarityModel(),
				TopK:        simTopK,
				Threshold:   simThreshold,
				CrossBinary: simCrossBinary,
			})
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			cmd.Println("No matches")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tFUNCTION\tADDRESS\tBINARY")
		for _, m := range matches {
			fmt.Fprintf(w, "%.4f\t%s\t%#x\t%s\n", m.Score, m.Name, m.Ref.Address, shortID(m.Ref.SHA256))
		}
		return w.Flush()
	},
}

var (
	clusterMethod    string
	clusterK         int
	clusterMinPoints int
	clusterEps       float64
	clusterModel     string
	clusterSHA       string
)

var analyzeClusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Cluster function embeddings",
	Long: `Groups stored function embeddings by vector proximity using DBSCAN or
KMeans. With --binary the set is restricted to one binary; otherwise all
loaded binaries are clustered together.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		params := analysis.DefaultClusterParams(analysis.ClusterMethod(clusterMethod))
		params.K = clusterK
		params.MinSamples = clusterMinPoints
		params.Epsilon = clusterEps

		engine := similarity.NewEngine(client, nil, log)
		outcome, err := engine.Cluster(ctx, similarity.ClusterScope{
			SHA256: clusterSHA,
			Type:   similarity.EntityFunction,
			Model:  clusterModel,
		}, params)
		if err != nil {
			return err
		}

		for _, c := range outcome.Result.Clusters {
			if c.Label == analysis.NoiseLabel {
				color.Yellow("Noise (%d members)", len(c.Members))
			} else {
				color.Green("Cluster %d (%d members, representative %s)",
					c.Label, len(c.Members), c.Representative)
			}
			for _, member := range c.Members {
				cmd.Printf("  %s\n", member)
			}
		}
		return nil
	},
}

// similarityModel falls back to the configured embedding model when no
// --model flag is given.
func similarityModel() string {
	if simModel != "" {
		return simModel
	}
	return cfg.Embeddings.Model
}

// parseAddress accepts decimal or 0x-prefixed hex.
func parseAddress(s string) (uint64, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	addr, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}

func shortID(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func init() {
	analyzeBBRCmd.Flags().StringVar(&bbrFunction, "function", "",
		"Restrict ranking to one function by address")
	analyzeBBRCmd.Flags().Float64Var(&bbrDamping, "damping", 0.85, "Damping factor")
	analyzeBBRCmd.Flags().IntVar(&bbrIterations, "iterations", 100, "Maximum iterations")
	analyzeBBRCmd.Flags().Float64Var(&bbrTolerance, "tolerance", 1e-9, "Convergence tolerance")
	analyzeBBRCmd.Flags().StringVar(&bbrAlgorithm, "algorithm", analysis.DefaultAlgorithm,
		"Algorithm tag stored on the scores")
	analyzeBBRCmd.Flags().IntVar(&bbrTop, "top", 10, "Top blocks to print")

	analyzeSimilarityCmd.Flags().StringVar(&simModel, "model", "",
		"Embedding model to compare under (default from config)")
	analyzeSimilarityCmd.Flags().IntVar(&simTopK, "top-k", 10, "Maximum matches")
	analyzeSimilarityCmd.Flags().Float64Var(&simThreshold, "threshold", 0, "Minimum score")
	analyzeSimilarityCmd.Flags().BoolVar(&simCrossBinary, "cross-binary", false,
		"Search across all loaded binaries")

	analyzeClusterCmd.Flags().StringVar(&clusterMethod, "method", "dbscan",
		"Clustering method: dbscan or kmeans")
	analyzeClusterCmd.Flags().IntVar(&clusterK, "k", 8, "Cluster count for kmeans")
	analyzeClusterCmd.Flags().IntVar(&clusterMinPoints, "min-points", 2,
		"Minimum neighborhood size for dbscan")
	analyzeClusterCmd.Flags().Float64Var(&clusterEps, "eps", 0.3,
		"Neighborhood radius (cosine distance) for dbscan")
	analyzeClusterCmd.Flags().StringVar(&clusterModel, "model", "",
		"Embedding model (required when multiple models are stored)")
	analyzeClusterCmd.Flags().StringVar(&clusterSHA, "binary", "",
		"Restrict clustering to one binary by sha256")

	analyzeCmd.AddCommand(analyzeBBRCmd)
	analyzeCmd.AddCommand(analyzeSimilarityCmd)
	analyzeCmd.AddCommand(analyzeClusterCmd)
}
