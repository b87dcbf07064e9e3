package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/allsmog/revgraph/internal/crossbinary"
	"github.com/allsmog/revgraph/internal/similarity"
)

var (
	diffThreshold float64
	diffStrategy  string
	diffModel     string
	diffShared    bool
)

var diffCmd = &cobra.Command{
	Use:   "diff <sha256-a> <sha256-b>",
	Short: "Compare two loaded binaries",
	Long: `Matches functions between two binaries and reports added, removed, and
matched functions. The embedding strategy pairs functions by vector
similarity and falls back to exact name matching when either side has no
stored embeddings; --strategy name skips embeddings entirely.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		shaA, shaB := args[0], args[1]

		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		engine := similarity.NewEngine(client, nil, log)
		analyzer := crossbinary.NewAnalyzer(client, engine, log)

		diff, err := analyzer.DiffFunctions(ctx, shaA, shaB, crossbinary.DiffOptions{
			Threshold: diffThreshold,
			Strategy:  crossbinary.DiffStrategy(diffStrategy),
			Model:     diffModel,
		})
		if err != nil {
			return err
		}

		color.Green("%s vs %s: %d matched, %d removed, %d added",
			shortID(shaA), shortID(shaB),
			len(diff.Matched), len(diff.Removed), len(diff.Added))

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, m := range diff.Matched {
			fmt.Fprintf(w, "matched\t%s\t%#x\t%s\t%#x\t%.4f\t%s\n",
				m.A.Name, m.A.Address, m.B.Name, m.B.Address, m.Score, m.Strategy)
		}
		for _, f := range diff.Removed {
			fmt.Fprintf(w, "removed\t%s\t%#x\n", f.Name, f.Address)
		}
		for _, f := range diff.Added {
			fmt.Fprintf(w, "added\t%s\t%#x\n", f.Name, f.Address)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if !diffShared {
			return nil
		}

		imports, err := analyzer.FindSharedImports(ctx, shaA, shaB)
		if err != nil {
			return err
		}
		strings_, err := analyzer.FindSharedStrings(ctx, shaA, shaB)
		if err != nil {
			return err
		}
		cmd.Println()
		color.Cyan("Shared imports: %d, shared strings: %d", len(imports), len(strings_))
		for _, imp := range imports {
			cmd.Printf("  import %s\n", imp.Name)
		}
		for _, s := range strings_ {
			cmd.Printf("  string %q\n", s.Value)
		}
		return nil
	},
}

func init() {
	diffCmd.Flags().Float64Var(&diffThreshold, "threshold", 0.8,
		"Minimum similarity for an embedding match")
	diffCmd.Flags().StringVar(&diffStrategy, "strategy", string(crossbinary.StrategyEmbedding),
		"Matching strategy: embedding or name")
	diffCmd.Flags().StringVar(&diffModel, "model", "",
		"Embedding model (required when multiple models are stored)")
	diffCmd.Flags().BoolVar(&diffShared, "shared", false,
		"Also list shared imports and strings")
}
