package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/allsmog/revgraph/internal/types"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "secret"
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty uri", func(c *Config) { c.URI = "" }},
		{"empty username", func(c *Config) { c.Username = "" }},
		{"empty password", func(c *Config) { c.Password = "" }},
		{"zero connection timeout", func(c *Config) { c.ConnectionTimeout = 0 }},
		{"zero retry time", func(c *Config) { c.MaxTransactionRetryTime = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := DefaultConfig()
			bad.Password = "secret"
			tt.mutate(&bad)
			err := bad.Validate()
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.GRAPH_INVALID_CONFIG))
		})
	}
}

func TestMockClientHandlers(t *testing.T) {
	client := NewMockClient()
	client.HandleResult("MATCH (f:Function", QueryResult{
		Records: []map[string]any{{"name": "main"}},
	})
	client.Handle("MATCH (bb:BasicBlock", func(cypher string, params map[string]any) (QueryResult, error) {
		assert.Equal(t, "abc", params["sha256"])
		return QueryResult{Records: []map[string]any{{"address": int64(0x1000)}}}, nil
	})

	result, err := client.Query(context.Background(), "MATCH (f:Function) RETURN f.name AS name", nil)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "main", result.Records[0]["name"])

	result, err = client.Query(context.Background(),
		"MATCH (bb:BasicBlock {binary_sha256: $sha256}) RETURN bb.address AS address",
		map[string]any{"sha256": "abc"})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	// Unmatched statements get an empty result, not an error.
	result, err = client.Query(context.Background(), "MATCH (x:Other) RETURN x", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Records)
}

func TestMockClientFirstMatchWins(t *testing.T) {
	client := NewMockClient()
	client.HandleResult("MATCH", QueryResult{Records: []map[string]any{{"who": "first"}}})
	client.HandleResult("MATCH (f:Function", QueryResult{Records: []map[string]any{{"who": "second"}}})

	result, err := client.Query(context.Background(), "MATCH (f:Function) RETURN f", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", result.Records[0]["who"])
}

func TestMockClientErrors(t *testing.T) {
	client := NewMockClient()
	client.SetQueryError(errors.New("query boom"))
	client.SetWriteError(errors.New("write boom"))

	_, err := client.Query(context.Background(), "MATCH (n) RETURN n", nil)
	assert.EqualError(t, err, "query boom")

	_, err = client.Write(context.Background(), "CREATE (n)", nil)
	assert.EqualError(t, err, "write boom")
}

func TestMockClientRecordsCalls(t *testing.T) {
	client := NewMockClient()
	require.NoError(t, client.Connect(context.Background()))

	_, _ = client.Query(context.Background(), "MATCH (n) RETURN n", nil)
	_, _ = client.Write(context.Background(), "CREATE (n)", nil)

	calls := client.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "Connect", calls[0].Method)
	assert.Equal(t, 1, client.WriteCount())
	assert.Len(t, client.CallsMatching("MATCH"), 1)
}

func TestMockClientHealth(t *testing.T) {
	client := NewMockClient()
	assert.Equal(t, types.HealthStateUnhealthy, client.Health(context.Background()).State)

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, types.HealthStateHealthy, client.Health(context.Background()).State)

	require.NoError(t, client.Close(context.Background()))
	assert.Equal(t, types.HealthStateUnhealthy, client.Health(context.Background()).State)
}

func TestTracedClientDelegates(t *testing.T) {
	inner := NewMockClient()
	inner.HandleResult("RETURN 1", QueryResult{Records: []map[string]any{{"one": int64(1)}}})

	traced := NewTracedClient(inner, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, traced.Connect(context.Background()))

	result, err := traced.Query(context.Background(), "RETURN 1 AS one", nil)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	_, err = traced.Write(context.Background(), "CREATE (n)", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.WriteCount())

	assert.Equal(t, types.HealthStateHealthy, traced.Health(context.Background()).State)
	require.NoError(t, traced.Close(context.Background()))
}

func TestTracedClientPropagatesErrors(t *testing.T) {
	inner := NewMockClient()
	inner.SetQueryError(types.NewRetryableError(types.GRAPH_QUERY_FAILED, "down"))

	traced := NewTracedClient(inner, noop.NewTracerProvider().Tracer("test"))
	_, err := traced.Query(context.Background(), "MATCH (n) RETURN n", nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.GRAPH_QUERY_FAILED))
	assert.True(t, types.IsRetryable(err))
}
