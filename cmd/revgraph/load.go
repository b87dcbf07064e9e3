package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/allsmog/revgraph/internal/artifact"
	"github.com/allsmog/revgraph/internal/graph/loader"
	"github.com/allsmog/revgraph/internal/graph/schema"
)

var (
	loadReplace   bool
	loadBatchSize int
)

var loadCmd = &cobra.Command{
	Use:   "load <artifact.json>",
	Short: "Load a binary analysis artifact into the graph",
	Long: `Load decodes a normalized analysis artifact (JSON), validates it, and
loads the binary's functions, blocks, instructions, strings, and imports
into the graph.

Loading the same artifact twice is a no-op unless --replace is given, in
which case the binary's existing subtree is deleted and reloaded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open artifact: %w", err)
		}
		defer f.Close()

		bin, err := artifact.Decode(f)
		if err != nil {
			return err
		}

		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		l := loader.New(client, schema.NewManager(client, log), log)
		stats, err := l.LoadBinary(ctx, bin, loader.Options{
			Replace:   loadReplace,
			BatchSize: loadBatchSize,
		})
		if err != nil {
			return err
		}

		if stats.NoOp {
			color.Yellow("Binary %s already loaded, nothing to do (use --replace to reload)", bin.SHA256)
			return nil
		}

		color.Green("Loaded %s (%s)", bin.Name, bin.SHA256)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Functions\t%d\n", stats.Functions)
		fmt.Fprintf(w, "Basic blocks\t%d\n", stats.Blocks)
		fmt.Fprintf(w, "Instructions\t%d\n", stats.Instructions)
		fmt.Fprintf(w, "Strings\t%d\n", stats.Strings)
		fmt.Fprintf(w, "Imports\t%d\n", stats.Imports)
		fmt.Fprintf(w, "Call edges\t%d\n", stats.CallEdges)
		fmt.Fprintf(w, "Flow edges\t%d\n", stats.FlowEdges)
		return w.Flush()
	},
}

func init() {
	loadCmd.Flags().BoolVar(&loadReplace, "replace", false,
		"Delete any existing data for this binary before loading")
	loadCmd.Flags().IntVar(&loadBatchSize, "batch-size", loader.DefaultBatchSize,
		"Rows per batched write")
}
