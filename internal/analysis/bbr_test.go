package analysis

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/types"
)

const testSHA = "0011223344556677001122334455667700112233445566770011223344556677"

func scoreSum(scores map[uint64]float64) float64 {
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum
}

func TestRankEmptyGraph(t *testing.T) {
	result := Rank(nil, nil, DefaultRankParams())
	assert.Empty(t, result.Scores)
	assert.True(t, result.Converged)
}

func TestRankSingleBlock(t *testing.T) {
	result := Rank([]uint64{0x1000}, nil, DefaultRankParams())
	require.Len(t, result.Scores, 1)
	assert.Equal(t, 1.0, result.Scores[0x1000])
	assert.True(t, result.Converged)
}

func TestRankScoresSumToOne(t *testing.T) {
	nodes := []uint64{0x1000, 0x1010, 0x1020, 0x1030, 0x1040}
	edges := []Edge{
		{From: 0x1000, To: 0x1010},
		{From: 0x1000, To: 0x1020},
		{From: 0x1010, To: 0x1030},
		{From: 0x1020, To: 0x1030},
		{From: 0x1030, To: 0x1040},
		// 0x1040 is a sink; its mass redistributes.
	}
	result := Rank(nodes, edges, DefaultRankParams())
	require.True(t, result.Converged)
	assert.InDelta(t, 1.0, scoreSum(result.Scores), 1e-6)
}

func TestRankMergePointScoresHighest(t *testing.T) {
	// Two branches converge on 0x1030, which should outrank the branch
	// blocks it collects from.
	nodes := []uint64{0x1000, 0x1010, 0x1020, 0x1030}
	edges := []Edge{
		{From: 0x1000, To: 0x1010},
		{From: 0x1000, To: 0x1020},
		{From: 0x1010, To: 0x1030},
		{From: 0x1020, To: 0x1030},
	}
	result := Rank(nodes, edges, DefaultRankParams())
	assert.Greater(t, result.Scores[0x1030], result.Scores[0x1010])
	assert.Greater(t, result.Scores[0x1030], result.Scores[0x1020])
	assert.Greater(t, result.Scores[0x1030], result.Scores[0x1000])
}

func TestRankDanglingMassRetained(t *testing.T) {
	// All blocks are sinks. Without dangling redistribution most of the
	// mass would leak away each iteration.
	nodes := []uint64{0x1000, 0x2000, 0x3000}
	result := Rank(nodes, nil, DefaultRankParams())
	require.True(t, result.Converged)
	assert.InDelta(t, 1.0, scoreSum(result.Scores), 1e-6)
	for _, s := range result.Scores {
		assert.InDelta(t, 1.0/3.0, s, 1e-6)
	}
}

func TestRankIgnoresForeignEdges(t *testing.T) {
	nodes := []uint64{0x1000, 0x1010}
	edges := []Edge{
		{From: 0x1000, To: 0x1010},
		{From: 0x9000, To: 0x1010}, // source outside scope
		{From: 0x1010, To: 0x9000}, // target outside scope
	}
	result := Rank(nodes, edges, DefaultRankParams())
	assert.InDelta(t, 1.0, scoreSum(result.Scores), 1e-6)
}

func TestRankHitsIterationBound(t *testing.T) {
	nodes := []uint64{0x1000, 0x1010, 0x1020}
	edges := []Edge{
		{From: 0x1000, To: 0x1010},
		{From: 0x1010, To: 0x1020},
		{From: 0x1020, To: 0x1000},
	}
	params := RankParams{Damping: 0.85, MaxIterations: 2, Tolerance: 1e-15}
	result := Rank(nodes, edges, params)
	assert.False(t, result.Converged)
	assert.Equal(t, 2, result.Iterations)
	// Unconverged scores are still a valid distribution.
	assert.InDelta(t, 1.0, scoreSum(result.Scores), 1e-6)
}

func TestRankDeterministicAcrossInputOrder(t *testing.T) {
	edges := []Edge{
		{From: 0x1000, To: 0x1010},
		{From: 0x1010, To: 0x1020},
	}
	a := Rank([]uint64{0x1000, 0x1010, 0x1020}, edges, DefaultRankParams())
	b := Rank([]uint64{0x1020, 0x1000, 0x1010}, edges, DefaultRankParams())
	require.Equal(t, len(a.Scores), len(b.Scores))
	for addr, score := range a.Scores {
		assert.InDelta(t, score, b.Scores[addr], 1e-12)
	}
}

func TestRankParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		params RankParams
	}{
		{"zero damping", RankParams{Damping: 0, MaxIterations: 10, Tolerance: 1e-6}},
		{"damping one", RankParams{Damping: 1, MaxIterations: 10, Tolerance: 1e-6}},
		{"zero iterations", RankParams{Damping: 0.85, MaxIterations: 0, Tolerance: 1e-6}},
		{"zero tolerance", RankParams{Damping: 0.85, MaxIterations: 10, Tolerance: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			assert.True(t, types.IsCode(err, types.ANALYSIS_INVALID_PARAMETER))
		})
	}
	assert.NoError(t, DefaultRankParams().Validate())
}

func TestComputeEmptyScope(t *testing.T) {
	client := graph.NewMockClient()
	client.HandleResult("MATCH (bb:BasicBlock", graph.QueryResult{})
	client.HandleResult("FLOW_TO", graph.QueryResult{})

	engine := NewRankEngine(client, nil)
	result, err := engine.Compute(context.Background(), RankScope{SHA256: testSHA}, DefaultRankParams())
	require.NoError(t, err)
	assert.Empty(t, result.Scores)
	assert.True(t, result.Converged)
}

func TestComputeFromStore(t *testing.T) {
	client := graph.NewMockClient()
	client.HandleResult("FLOW_TO", graph.QueryResult{
		Records: []map[string]any{
			{"source": int64(0x1000), "target": int64(0x1010)},
			{"source": int64(0x1000), "target": int64(0x1020)},
		},
	})
	client.HandleResult("MATCH (bb:BasicBlock", graph.QueryResult{
		Records: []map[string]any{
			{"address": int64(0x1000)},
			{"address": int64(0x1010)},
			{"address": int64(0x1020)},
		},
	})

	engine := NewRankEngine(client, nil)
	result, err := engine.Compute(context.Background(), RankScope{SHA256: testSHA}, DefaultRankParams())
	require.NoError(t, err)
	require.Len(t, result.Scores, 3)
	assert.InDelta(t, 1.0, scoreSum(result.Scores), 1e-6)
}

func TestComputeFunctionScope(t *testing.T) {
	client := graph.NewMockClient()
	client.HandleResult("Function {address: $func", graph.QueryResult{
		Records: []map[string]any{{"address": int64(0x1000)}},
	})

	fn := uint64(0x1000)
	engine := NewRankEngine(client, nil)
	result, err := engine.Compute(context.Background(),
		RankScope{SHA256: testSHA, FunctionAddr: &fn}, DefaultRankParams())
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Scores[0x1000])

	// Both node and edge queries must carry the function address.
	for _, call := range client.Calls() {
		assert.Equal(t, int64(0x1000), call.Params["func"])
	}
}

func TestComputeQueryFailure(t *testing.T) {
	client := graph.NewMockClient()
	client.SetQueryError(types.NewRetryableError(types.GRAPH_QUERY_FAILED, "boom"))

	engine := NewRankEngine(client, nil)
	_, err := engine.Compute(context.Background(), RankScope{SHA256: testSHA}, DefaultRankParams())
	assert.True(t, types.IsCode(err, types.GRAPH_QUERY_FAILED))
}

func TestWriteScores(t *testing.T) {
	client := graph.NewMockClient()
	engine := NewRankEngine(client, nil)

	result := RankResult{
		Scores:     map[uint64]float64{0x1000: 0.6, 0x1010: 0.4},
		Iterations: 12,
		Converged:  true,
	}
	require.NoError(t, engine.WriteScores(context.Background(), testSHA, "", result))

	writes := client.CallsMatching("RankScore")
	require.Len(t, writes, 1)
	assert.Equal(t, DefaultAlgorithm, writes[0].Params["algorithm"])
	assert.Equal(t, true, writes[0].Params["converged"])

	rows, ok := writes[0].Params["rows"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(0x1000), rows[0]["address"])
	assert.Equal(t, int64(0x1010), rows[1]["address"])
}

func TestWriteScoresFailure(t *testing.T) {
	client := graph.NewMockClient()
	client.SetWriteError(types.NewError(types.GRAPH_QUERY_FAILED, "down"))

	engine := NewRankEngine(client, nil)
	err := engine.WriteScores(context.Background(), testSHA, "bbr-v1",
		RankResult{Scores: map[uint64]float64{0x1000: 1.0}})
	assert.True(t, types.IsCode(err, types.GRAPH_QUERY_FAILED))
}

func TestTopBlocks(t *testing.T) {
	client := graph.NewMockClient()
	client.HandleResult("ORDER BY rs.score DESC", graph.QueryResult{
		Records: []map[string]any{
			{"address": int64(0x1030), "score": 0.5},
			{"address": int64(0x1000), "score": 0.3},
		},
	})

	engine := NewRankEngine(client, nil)
	blocks, err := engine.TopBlocks(context.Background(), testSHA, "", 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(0x1030), blocks[0].Address)
	assert.Equal(t, 0.5, blocks[0].Score)
}

func TestTopFunctions(t *testing.T) {
	client := graph.NewMockClient()
	client.HandleResult("max(rs.score)", graph.QueryResult{
		Records: []map[string]any{
			{"name": "main", "address": int64(0x1000), "avg_score": 0.2, "max_score": 0.5, "block_count": int64(4)},
		},
	})

	engine := NewRankEngine(client, nil)
	funcs, err := engine.TopFunctions(context.Background(), testSHA, "", 5)
	require.NoError(t, err)
	require.Len(t, funcs, 1)
	assert.Equal(t, "main", funcs[0].Name)
	assert.Equal(t, uint64(0x1000), funcs[0].Address)
	assert.Equal(t, int64(4), funcs[0].BlockCount)
	assert.False(t, math.IsNaN(funcs[0].AvgScore))
}
