// Package analysis computes derived analytics over the loaded graph:
// basic block rank (a PageRank-style importance score over control-flow
// edges) and function clustering over embedding vectors.
package analysis

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/types"
)

// DefaultAlgorithm tags RankScore nodes written without an explicit
// algorithm-version string. Different parameterizations coexist under
// different tags.
const DefaultAlgorithm = "bbr-v1"

// RankParams control a rank computation.
type RankParams struct {
	// Damping is the PageRank damping factor, in (0, 1).
	Damping float64

	// MaxIterations bounds the power iteration. Hitting the bound is not
	// an error; the best available iterate is returned unconverged.
	MaxIterations int

	// Tolerance is the L1 convergence threshold between iterations.
	Tolerance float64
}

// DefaultRankParams returns the parameters used by the CLI defaults.
func DefaultRankParams() RankParams {
	return RankParams{
		Damping:       0.85,
		MaxIterations: 100,
		Tolerance:     1e-9,
	}
}

// Validate checks parameter ranges.
func (p RankParams) Validate() error {
	if p.Damping <= 0 || p.Damping >= 1 {
		return types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
			"damping must be in (0, 1), got %v", p.Damping)
	}
	if p.MaxIterations <= 0 {
		return types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
			"max iterations must be positive, got %d", p.MaxIterations)
	}
	if p.Tolerance <= 0 {
		return types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
			"tolerance must be positive, got %v", p.Tolerance)
	}
	return nil
}

// RankScope selects the control-flow subgraph to rank: a whole binary, or
// one function inside it when FunctionAddr is non-nil.
type RankScope struct {
	SHA256       string
	FunctionAddr *uint64
}

// RankResult holds the computed block scores.
type RankResult struct {
	// Scores maps block address to importance score. Scores over a scope
	// sum to 1 within floating-point tolerance.
	Scores map[uint64]float64

	// Iterations is the number of power iterations performed.
	Iterations int

	// Converged is false when MaxIterations was reached before the L1
	// delta fell below Tolerance.
	Converged bool
}

// Edge is a directed control-flow edge between two block addresses.
type Edge struct {
	From uint64
	To   uint64
}

// RankEngine reads control-flow subgraphs from the store and computes
// block importance scores.
type RankEngine struct {
	client graph.Client
	log    *slog.Logger
}

// NewRankEngine creates a rank engine bound to client.
func NewRankEngine(client graph.Client, log *slog.Logger) *RankEngine {
	if log == nil {
		log = slog.Default()
	}
	return &RankEngine{client: client, log: log}
}

// Compute fetches the scoped control-flow subgraph and runs Rank over it.
// An empty scope returns an empty result, not an error.
func (e *RankEngine) Compute(ctx context.Context, scope RankScope, params RankParams) (RankResult, error) {
	if err := params.Validate(); err != nil {
		return RankResult{}, err
	}

	nodes, edges, err := e.fetchCFG(ctx, scope)
	if err != nil {
		return RankResult{}, err
	}
	if len(nodes) == 0 {
		e.log.Warn("no basic blocks in scope", "sha256", scope.SHA256)
		return RankResult{Scores: map[uint64]float64{}, Converged: true}, nil
	}

	result := Rank(nodes, edges, params)
	e.log.Info("rank computed",
		"sha256", scope.SHA256,
		"blocks", len(nodes),
		"iterations", result.Iterations,
		"converged", result.Converged)
	return result, nil
}

// Rank runs power-iteration PageRank over the given node set and edge list.
//
// Each block's score is (1-d)/N + d*Σ(incoming neighbor score / that
// neighbor's out-degree). Blocks with zero out-degree contribute their full
// score as dangling mass redistributed uniformly across all blocks in
// scope, so no rank leaks. Edges whose endpoints are outside the node set
// are ignored.
func Rank(nodes []uint64, edges []Edge, params RankParams) RankResult {
	n := len(nodes)
	if n == 0 {
		return RankResult{Scores: map[uint64]float64{}, Converged: true}
	}
	if n == 1 {
		return RankResult{Scores: map[uint64]float64{nodes[0]: 1.0}, Converged: true}
	}

	// Deterministic index order regardless of input order.
	sorted := make([]uint64, n)
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := make(map[uint64]int, n)
	for i, addr := range sorted {
		idx[addr] = i
	}

	incoming := make([][]int, n) // incoming[i] = indices with an edge into i
	outDegree := make([]int, n)
	for _, e := range edges {
		src, okSrc := idx[e.From]
		tgt, okTgt := idx[e.To]
		if !okSrc || !okTgt {
			continue
		}
		incoming[tgt] = append(incoming[tgt], src)
		outDegree[src]++
	}

	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	d := params.Damping
	base := (1 - d) / float64(n)
	converged := false
	iterations := 0

	for iter := 0; iter < params.MaxIterations; iter++ {
		iterations = iter + 1

		// Dangling mass from sinks, spread uniformly.
		dangling := 0.0
		for i := 0; i < n; i++ {
			if outDegree[i] == 0 {
				dangling += rank[i]
			}
		}
		danglingShare := d * dangling / float64(n)

		for i := 0; i < n; i++ {
			sum := 0.0
			for _, src := range incoming[i] {
				sum += rank[src] / float64(outDegree[src])
			}
			next[i] = base + danglingShare + d*sum
		}

		delta := 0.0
		for i := 0; i < n; i++ {
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank

		if delta < params.Tolerance {
			converged = true
			break
		}
	}

	scores := make(map[uint64]float64, n)
	for i, addr := range sorted {
		scores[addr] = rank[i]
	}
	return RankResult{Scores: scores, Iterations: iterations, Converged: converged}
}

// WriteScores persists a rank result as RankScore nodes keyed by
// (block address, binary sha256, algorithm), linked from their blocks via
// HAS_RANK. Recomputation under the same algorithm tag overwrites; other
// tags coexist untouched.
func (e *RankEngine) WriteScores(ctx context.Context, sha256, algorithm string, result RankResult) error {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}

	rows := make([]map[string]any, 0, len(result.Scores))
	for addr, score := range result.Scores {
		rows = append(rows, map[string]any{
			"address": int64(addr),
			"score":   score,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["address"].(int64) < rows[j]["address"].(int64)
	})

	const batchSize = 500
	now := time.Now().UTC().Format(time.RFC3339)

	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		_, err := e.client.Write(ctx,
			"UNWIND $rows AS r "+
				"MERGE (rs:RankScore {block_address: r.address, binary_sha256: $sha256, algorithm: $algorithm}) "+
				"SET rs.score = r.score, rs.converged = $converged, "+
				"rs.iterations = $iterations, rs.computed_at = $computed_at "+
				"WITH rs, r "+
				"MATCH (bb:BasicBlock {address: r.address, binary_sha256: $sha256}) "+
				"MERGE (bb)-[:HAS_RANK]->(rs)",
			map[string]any{
				"rows":        rows[i:end],
				"sha256":      sha256,
				"algorithm":   algorithm,
				"converged":   result.Converged,
				"iterations":  result.Iterations,
				"computed_at": now,
			})
		if err != nil {
			return types.WrapError(types.GRAPH_QUERY_FAILED, "failed to write rank scores", err)
		}
	}

	e.log.Info("rank scores written",
		"sha256", sha256, "algorithm", algorithm, "count", len(rows))
	return nil
}

// BlockRank is one ranked block row returned by TopBlocks.
type BlockRank struct {
	Address uint64
	Score   float64
}

// TopBlocks returns the highest-scored blocks for a binary under the given
// algorithm tag.
func (e *RankEngine) TopBlocks(ctx context.Context, sha256, algorithm string, limit int) ([]BlockRank, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	result, err := e.client.Query(ctx,
		"MATCH (rs:RankScore {binary_sha256: $sha256, algorithm: $algorithm}) "+
			"RETURN rs.block_address AS address, rs.score AS score "+
			"ORDER BY rs.score DESC, rs.block_address ASC LIMIT $limit",
		map[string]any{"sha256": sha256, "algorithm": algorithm, "limit": limit})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch top blocks", err)
	}

	out := make([]BlockRank, 0, len(result.Records))
	for _, record := range result.Records {
		addr, _ := record["address"].(int64)
		score, _ := record["score"].(float64)
		out = append(out, BlockRank{Address: uint64(addr), Score: score})
	}
	return out, nil
}

// FunctionRank is one ranked function row returned by TopFunctions.
type FunctionRank struct {
	Name       string
	Address    uint64
	AvgScore   float64
	MaxScore   float64
	BlockCount int64
}

// TopFunctions returns functions ranked by the maximum rank score of their
// blocks, with the per-function average attached.
func (e *RankEngine) TopFunctions(ctx context.Context, sha256, algorithm string, limit int) ([]FunctionRank, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	result, err := e.client.Query(ctx,
		"MATCH (f:Function {binary_sha256: $sha256})-[:CONTAINS]->(bb:BasicBlock)"+
			"-[:HAS_RANK]->(rs:RankScore {algorithm: $algorithm}) "+
			"WITH f, avg(rs.score) AS avg_score, max(rs.score) AS max_score, count(bb) AS block_count "+
			"RETURN f.name AS name, f.address AS address, avg_score, max_score, block_count "+
			"ORDER BY max_score DESC, f.address ASC LIMIT $limit",
		map[string]any{"sha256": sha256, "algorithm": algorithm, "limit": limit})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch top functions", err)
	}

	out := make([]FunctionRank, 0, len(result.Records))
	for _, record := range result.Records {
		name, _ := record["name"].(string)
		addr, _ := record["address"].(int64)
		avg, _ := record["avg_score"].(float64)
		max, _ := record["max_score"].(float64)
		count, _ := record["block_count"].(int64)
		out = append(out, FunctionRank{
			Name: name, Address: uint64(addr),
			AvgScore: avg, MaxScore: max, BlockCount: count,
		})
	}
	return out, nil
}

// fetchCFG reads block addresses and FLOW_TO edges restricted to scope.
func (e *RankEngine) fetchCFG(ctx context.Context, scope RankScope) ([]uint64, []Edge, error) {
	nodeQuery := "MATCH (bb:BasicBlock {binary_sha256: $sha256}) RETURN bb.address AS address"
	edgeQuery := "MATCH (src:BasicBlock {binary_sha256: $sha256})-[:FLOW_TO]->(tgt:BasicBlock) " +
		"RETURN src.address AS source, tgt.address AS target"
	params := map[string]any{"sha256": scope.SHA256}

	if scope.FunctionAddr != nil {
		nodeQuery = "MATCH (f:Function {address: $func, binary_sha256: $sha256})" +
			"-[:CONTAINS]->(bb:BasicBlock) RETURN bb.address AS address"
		edgeQuery = "MATCH (f:Function {address: $func, binary_sha256: $sha256})" +
			"-[:CONTAINS]->(src:BasicBlock)-[:FLOW_TO]->(tgt:BasicBlock)" +
			"<-[:CONTAINS]-(f) " +
			"RETURN src.address AS source, tgt.address AS target"
		params["func"] = int64(*scope.FunctionAddr)
	}

	nodeResult, err := e.client.Query(ctx, nodeQuery, params)
	if err != nil {
		return nil, nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch blocks", err)
	}
	var nodes []uint64
	for _, record := range nodeResult.Records {
		if addr, ok := record["address"].(int64); ok {
			nodes = append(nodes, uint64(addr))
		}
	}

	edgeResult, err := e.client.Query(ctx, edgeQuery, params)
	if err != nil {
		return nil, nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch flow edges", err)
	}
	var edges []Edge
	for _, record := range edgeResult.Records {
		src, okSrc := record["source"].(int64)
		tgt, okTgt := record["target"].(int64)
		if okSrc && okTgt {
			edges = append(edges, Edge{From: uint64(src), To: uint64(tgt)})
		}
	}

	return nodes, edges, nil
}
