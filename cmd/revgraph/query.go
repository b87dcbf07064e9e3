package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var queryParams []string

var queryCmd = &cobra.Command{
	Use:   "query <cypher>",
	Short: "Run a read-only Cypher query",
	Long: `Runs an arbitrary Cypher query in a read session and prints the result
as a table. Parameters are passed with repeated --param key=value flags;
values parse as JSON when possible and fall back to plain strings.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		params, err := parseQueryParams(queryParams)
		if err != nil {
			return err
		}

		client, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		result, err := client.Query(ctx, args[0], params)
		if err != nil {
			return err
		}
		if len(result.Records) == 0 {
			cmd.Println("No records")
			return nil
		}

		keys := result.Columns
		if len(keys) == 0 {
			keys = recordKeys(result.Records[0])
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.ToUpper(strings.Join(keys, "\t")))
		for _, rec := range result.Records {
			vals := make([]string, len(keys))
			for i, k := range keys {
				vals[i] = formatValue(rec[k])
			}
			fmt.Fprintln(w, strings.Join(vals, "\t"))
		}
		return w.Flush()
	},
}

func parseQueryParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		params[key] = parsed
	}
	return params, nil
}

func recordKeys(record map[string]any) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%g", val)
	case int64:
		return fmt.Sprintf("%d", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

func init() {
	queryCmd.Flags().StringArrayVar(&queryParams, "param", nil,
		"Query parameter as key=value (repeatable)")
}
