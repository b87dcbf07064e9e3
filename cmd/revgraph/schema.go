package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/allsmog/revgraph/internal/graph/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the graph schema",
	Long: `The schema command creates, drops, and inspects the constraint and
index set the loader depends on. Create is idempotent; run it before the
first load and after upgrades.`,
}

var schemaCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create constraints and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		if err := schema.NewManager(client, log).Create(ctx); err != nil {
			return err
		}
		color.Green("Schema created")
		return nil
	},
}

var schemaDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop all revgraph constraints and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		if err := schema.NewManager(client, log).Drop(ctx); err != nil {
			return err
		}
		color.Yellow("Schema dropped")
		return nil
	},
}

var schemaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show constraints, indexes, and node counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		summary, err := schema.NewManager(client, log).Show(ctx)
		if err != nil {
			return err
		}
		cmd.Println(summary.String())
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaCreateCmd)
	schemaCmd.AddCommand(schemaDropCmd)
	schemaCmd.AddCommand(schemaShowCmd)
}
