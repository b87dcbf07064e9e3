package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/allsmog/revgraph/internal/similarity"
)

var (
	embedScope       string
	embedModel       string
	embedBatchSize   int
	embedBBRWeighted bool
)

var embedCmd = &cobra.Command{
	Use:   "embed <sha256>",
	Short: "Generate embeddings for a loaded binary",
	Long: `Builds text renderings of the binary's functions (or basic blocks with
--scope blocks), embeds them through the configured provider, and stores
the vectors on Embedding nodes. Re-running with the same model replaces
the stored vectors; a different model adds a second set alongside.

With --bbr-weighted, function vectors are computed as the rank-weighted
mean of their block vectors, so hot blocks dominate the function's
representation. Requires bbr scores to have been computed first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if embedModel != "" {
			cfg.Embeddings.Model = embedModel
		}
		embedder, err := newEmbedder()
		if err != nil {
			return err
		}

		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		scope, err := parseEmbedScope(embedScope)
		if err != nil {
			return err
		}

		engine := similarity.NewEngine(client, embedder, log)
		count, err := engine.Generate(ctx, args[0], similarity.GenerateOptions{
			Scope:        scope,
			BatchSize:    embedBatchSize,
			RankWeighted: embedBBRWeighted,
		})
		if err != nil {
			return err
		}
		if count == 0 {
			color.Yellow("Nothing to embed for %s", shortID(args[0]))
			return nil
		}
		color.Green("Stored %d embeddings (model %s)", count, embedder.Model())
		return nil
	},
}

func parseEmbedScope(s string) (similarity.EntityType, error) {
	switch s {
	case "functions":
		return similarity.EntityFunction, nil
	case "blocks":
		return similarity.EntityBlock, nil
	default:
		return "", fmt.Errorf("invalid scope %q: must be functions or blocks", s)
	}
}

func init() {
	embedCmd.Flags().StringVar(&embedScope, "scope", "functions",
		"Entities to embed: functions or blocks")
	embedCmd.Flags().StringVar(&embedModel, "model", "",
		"Override the configured embedding model")
	embedCmd.Flags().IntVar(&embedBatchSize, "batch-size", similarity.DefaultBatchSize,
		"Texts per provider request")
	embedCmd.Flags().BoolVar(&embedBBRWeighted, "bbr-weighted", false,
		"Aggregate function vectors from rank-weighted block vectors")
}
