package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/types"
)

func constraintRows(names ...string) graph.QueryResult {
	result := graph.QueryResult{Columns: []string{"name"}}
	for _, name := range names {
		result.Records = append(result.Records, map[string]any{"name": name})
	}
	return result
}

func TestCreate_AppliesAllStatements(t *testing.T) {
	client := graph.NewMockClient()
	mgr := NewManager(client, nil)

	require.NoError(t, mgr.Create(context.Background()))

	assert.Len(t, client.CallsMatching("CREATE CONSTRAINT"), len(requiredConstraints))
	assert.Len(t, client.CallsMatching("CREATE INDEX"), len(indexes))
	assert.Len(t, client.CallsMatching("CREATE FULLTEXT INDEX"), len(fulltextIndexes))
	assert.Len(t, client.CallsMatching("CREATE VECTOR INDEX"), 1)
}

func TestCreate_Idempotent(t *testing.T) {
	client := graph.NewMockClient()
	mgr := NewManager(client, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Create(ctx))
	firstPass := client.WriteCount()

	// Second create issues the same IF NOT EXISTS statements and succeeds.
	require.NoError(t, mgr.Create(ctx))
	assert.Equal(t, firstPass*2, client.WriteCount())
}

func TestCreate_ConstraintFailureAborts(t *testing.T) {
	client := graph.NewMockClient()
	client.SetWriteError(errors.New("store down"))
	mgr := NewManager(client, nil)

	err := mgr.Create(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.SCHEMA_APPLY_FAILED, types.CodeOf(err))
}

func TestReady(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		want     bool
	}{
		{"all present", ConstraintNames(), true},
		{"none present", nil, false},
		{"partial", []string{"binary_sha", "func_addr"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := graph.NewMockClient()
			client.HandleResult("SHOW CONSTRAINTS", constraintRows(tt.existing...))
			mgr := NewManager(client, nil)

			ready, err := mgr.Ready(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ready)
		})
	}
}

func TestReady_QueryError(t *testing.T) {
	client := graph.NewMockClient()
	client.SetQueryError(errors.New("connection lost"))
	mgr := NewManager(client, nil)

	_, err := mgr.Ready(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_QUERY_FAILED, types.CodeOf(err))
}

func TestDrop(t *testing.T) {
	client := graph.NewMockClient()
	client.HandleResult("SHOW CONSTRAINTS", constraintRows("binary_sha", "func_addr"))
	client.HandleResult("SHOW INDEXES", constraintRows("func_name"))
	mgr := NewManager(client, nil)

	require.NoError(t, mgr.Drop(context.Background()))

	assert.Len(t, client.CallsMatching("DROP CONSTRAINT"), 2)
	assert.Len(t, client.CallsMatching("DROP INDEX"), 1)
}

func TestShow(t *testing.T) {
	client := graph.NewMockClient()
	client.HandleResult("SHOW CONSTRAINTS", constraintRows("binary_sha"))
	client.HandleResult("SHOW INDEXES", constraintRows("func_name", "bb_binary"))
	client.HandleResult("RETURN count(n) AS cnt", graph.QueryResult{
		Records: []map[string]any{{"cnt": int64(7)}},
	})
	mgr := NewManager(client, nil)

	summary, err := mgr.Show(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"binary_sha"}, summary.Constraints)
	assert.Equal(t, []string{"func_name", "bb_binary"}, summary.Indexes)
	assert.Equal(t, int64(7), summary.NodeCounts[LabelBinaryFile])

	rendered := summary.String()
	assert.Contains(t, rendered, "binary_sha")
	assert.Contains(t, rendered, "BinaryFile: 7")
}
