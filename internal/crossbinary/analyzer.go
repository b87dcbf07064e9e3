// Package crossbinary compares two loaded binaries: shared imports,
// shared strings, same-name functions, and a function-level diff driven by
// embedding similarity or exact names.
package crossbinary

import (
	"context"
	"log/slog"
	"sort"

	"github.com/allsmog/revgraph/internal/analysis"
	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/similarity"
	"github.com/allsmog/revgraph/internal/types"
)

// DiffStrategy selects how DiffFunctions pairs functions across binaries.
type DiffStrategy string

const (
	// StrategyEmbedding pairs by best same-model cosine similarity above
	// the threshold, falling back to exact names when either binary has
	// no stored function embeddings.
	StrategyEmbedding DiffStrategy = "embedding"

	// StrategyName pairs by exact function name only.
	StrategyName DiffStrategy = "name"
)

// DiffOptions control DiffFunctions.
type DiffOptions struct {
	// Threshold is the minimum similarity for an embedding match.
	Threshold float64

	// Strategy selects the pairing method.
	Strategy DiffStrategy

	// Model restricts embedding comparison to one model. Empty uses the
	// engine embedder's model.
	Model string
}

// DefaultDiffOptions returns the documented defaults: embedding strategy
// at threshold 0.8.
func DefaultDiffOptions() DiffOptions {
	return DiffOptions{Threshold: 0.8, Strategy: StrategyEmbedding}
}

// SharedImport is an import referenced by both binaries.
type SharedImport struct {
	Name       string
	Library    string
	FunctionsA []string
	FunctionsB []string
}

// SharedString is a string value present in both binaries.
type SharedString struct {
	Value      string
	FunctionsA []string
	FunctionsB []string
}

// SharedFunction is a function name defined in both binaries.
type SharedFunction struct {
	Name     string
	AddressA uint64
	AddressB uint64
}

// FunctionInfo identifies one function in a diff result.
type FunctionInfo struct {
	Name    string
	Address uint64
	SHA256  string
}

// MatchedPair is one cross-binary function correspondence.
type MatchedPair struct {
	A        FunctionInfo
	B        FunctionInfo
	Score    float64
	Strategy DiffStrategy
}

// FunctionDiff is the outcome of DiffFunctions: functions only in B
// (Added), only in A (Removed), and paired across both (Matched).
type FunctionDiff struct {
	Added   []FunctionInfo
	Removed []FunctionInfo
	Matched []MatchedPair
}

// Analyzer runs cross-binary comparisons over the graph.
type Analyzer struct {
	client graph.Client
	engine *similarity.Engine
	log    *slog.Logger
}

// NewAnalyzer creates an analyzer. The engine is used for embedding-based
// diffs; a nil engine restricts DiffFunctions to the name strategy.
func NewAnalyzer(client graph.Client, engine *similarity.Engine, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{client: client, engine: engine, log: log}
}

// FindSharedImports returns imports referenced by both binaries, with the
// names of referencing functions on each side.
func (a *Analyzer) FindSharedImports(ctx context.Context, shaA, shaB string) ([]SharedImport, error) {
	result, err := a.client.Query(ctx,
		"MATCH (ia:Import {binary_sha256: $sha_a}), (ib:Import {binary_sha256: $sha_b}) "+
			"WHERE ia.name = ib.name "+
			"OPTIONAL MATCH (fa:Function)-[:REFERENCES_IMPORT]->(ia) "+
			"OPTIONAL MATCH (fb:Function)-[:REFERENCES_IMPORT]->(ib) "+
			"RETURN ia.name AS name, ia.library AS library, "+
			"collect(DISTINCT fa.name) AS funcs_a, collect(DISTINCT fb.name) AS funcs_b "+
			"ORDER BY name ASC",
		map[string]any{"sha_a": shaA, "sha_b": shaB})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to find shared imports", err)
	}

	out := make([]SharedImport, 0, len(result.Records))
	for _, record := range result.Records {
		name, _ := record["name"].(string)
		library, _ := record["library"].(string)
		out = append(out, SharedImport{
			Name:       name,
			Library:    library,
			FunctionsA: toStringSlice(record["funcs_a"]),
			FunctionsB: toStringSlice(record["funcs_b"]),
		})
	}
	return out, nil
}

// FindSharedStrings returns string values present in both binaries, with
// the names of referencing functions on each side.
func (a *Analyzer) FindSharedStrings(ctx context.Context, shaA, shaB string) ([]SharedString, error) {
	result, err := a.client.Query(ctx,
		"MATCH (sa:String {binary_sha256: $sha_a}), (sb:String {binary_sha256: $sha_b}) "+
			"WHERE sa.value = sb.value "+
			"OPTIONAL MATCH (fa:Function)-[:REFERENCES_STRING]->(sa) "+
			"OPTIONAL MATCH (fb:Function)-[:REFERENCES_STRING]->(sb) "+
			"RETURN DISTINCT sa.value AS value, "+
			"collect(DISTINCT fa.name) AS funcs_a, collect(DISTINCT fb.name) AS funcs_b "+
			"ORDER BY value ASC",
		map[string]any{"sha_a": shaA, "sha_b": shaB})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to find shared strings", err)
	}

	out := make([]SharedString, 0, len(result.Records))
	for _, record := range result.Records {
		value, _ := record["value"].(string)
		out = append(out, SharedString{
			Value:      value,
			FunctionsA: toStringSlice(record["funcs_a"]),
			FunctionsB: toStringSlice(record["funcs_b"]),
		})
	}
	return out, nil
}

// FindSharedFunctions returns function names defined in both binaries.
func (a *Analyzer) FindSharedFunctions(ctx context.Context, shaA, shaB string) ([]SharedFunction, error) {
	result, err := a.client.Query(ctx,
		"MATCH (fa:Function {binary_sha256: $sha_a}), (fb:Function {binary_sha256: $sha_b}) "+
			"WHERE fa.name = fb.name "+
			"RETURN fa.name AS name, fa.address AS addr_a, fb.address AS addr_b "+
			"ORDER BY name ASC",
		map[string]any{"sha_a": shaA, "sha_b": shaB})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to find shared functions", err)
	}

	out := make([]SharedFunction, 0, len(result.Records))
	for _, record := range result.Records {
		name, _ := record["name"].(string)
		addrA, _ := record["addr_a"].(int64)
		addrB, _ := record["addr_b"].(int64)
		out = append(out, SharedFunction{
			Name:     name,
			AddressA: uint64(addrA),
			AddressB: uint64(addrB),
		})
	}
	return out, nil
}

// DiffFunctions computes the function-level diff from binary A to binary
// B. With the embedding strategy, a function pair is matched when its
// same-model similarity reaches opts.Threshold; when either side carries
// no function embeddings the diff falls back to exact-name matching.
func (a *Analyzer) DiffFunctions(ctx context.Context, shaA, shaB string, opts DiffOptions) (*FunctionDiff, error) {
	switch opts.Strategy {
	case StrategyEmbedding, StrategyName:
	default:
		return nil, types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
			"unknown diff strategy %q", opts.Strategy)
	}

	funcsA, err := a.listFunctions(ctx, shaA)
	if err != nil {
		return nil, err
	}
	funcsB, err := a.listFunctions(ctx, shaB)
	if err != nil {
		return nil, err
	}

	if opts.Strategy == StrategyEmbedding && a.engine != nil {
		diff, ok, err := a.diffByEmbedding(ctx, shaA, shaB, funcsA, funcsB, opts)
		if err != nil {
			return nil, err
		}
		if ok {
			return diff, nil
		}
		a.log.Warn("function embeddings absent on at least one side, diffing by name",
			"sha_a", shaA, "sha_b", shaB)
	}
	return diffByName(funcsA, funcsB), nil
}

func (a *Analyzer) listFunctions(ctx context.Context, sha string) ([]FunctionInfo, error) {
	result, err := a.client.Query(ctx,
		"MATCH (f:Function {binary_sha256: $sha256}) "+
			"RETURN f.address AS address, f.name AS name ORDER BY f.address ASC",
		map[string]any{"sha256": sha})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to list functions", err)
	}

	out := make([]FunctionInfo, 0, len(result.Records))
	for _, record := range result.Records {
		addr, _ := record["address"].(int64)
		name, _ := record["name"].(string)
		out = append(out, FunctionInfo{Name: name, Address: uint64(addr), SHA256: sha})
	}
	return out, nil
}

// diffByEmbedding pairs functions greedily by descending similarity. The
// bool result is false when either side has no embeddings to compare.
func (a *Analyzer) diffByEmbedding(ctx context.Context, shaA, shaB string, funcsA, funcsB []FunctionInfo, opts DiffOptions) (*FunctionDiff, bool, error) {
	store := a.engine.Store()

	model := opts.Model
	if model == "" {
		models, err := store.Models(ctx, similarity.EntityFunction, shaA)
		if err != nil {
			return nil, false, err
		}
		if len(models) != 1 {
			return nil, false, nil
		}
		model = models[0]
	}

	embsA, err := store.List(ctx, similarity.EntityFunction, shaA, model)
	if err != nil {
		return nil, false, err
	}
	embsB, err := store.List(ctx, similarity.EntityFunction, shaB, model)
	if err != nil {
		return nil, false, err
	}
	if len(embsA) == 0 || len(embsB) == 0 {
		return nil, false, nil
	}

	vecsA := make(map[uint64][]float64, len(embsA))
	for _, e := range embsA {
		vecsA[e.SourceAddress] = e.Vector
	}
	vecsB := make(map[uint64][]float64, len(embsB))
	for _, e := range embsB {
		vecsB[e.SourceAddress] = e.Vector
	}

	type pair struct {
		ia, ib int
		score  float64
	}
	var pairs []pair
	for ia, fa := range funcsA {
		va, ok := vecsA[fa.Address]
		if !ok {
			continue
		}
		for ib, fb := range funcsB {
			vb, ok := vecsB[fb.Address]
			if !ok {
				continue
			}
			score := analysis.CosineSimilarity(va, vb)
			if score >= opts.Threshold {
				pairs = append(pairs, pair{ia: ia, ib: ib, score: score})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		if pairs[i].ia != pairs[j].ia {
			return pairs[i].ia < pairs[j].ia
		}
		return pairs[i].ib < pairs[j].ib
	})

	diff := &FunctionDiff{}
	usedA := make(map[int]bool, len(funcsA))
	usedB := make(map[int]bool, len(funcsB))
	for _, p := range pairs {
		if usedA[p.ia] || usedB[p.ib] {
			continue
		}
		usedA[p.ia] = true
		usedB[p.ib] = true
		diff.Matched = append(diff.Matched, MatchedPair{
			A:        funcsA[p.ia],
			B:        funcsB[p.ib],
			Score:    p.score,
			Strategy: StrategyEmbedding,
		})
	}

	// Functions without embeddings still pair up on exact names.
	nameToA := make(map[string]int)
	for ia, fa := range funcsA {
		if !usedA[ia] {
			nameToA[fa.Name] = ia
		}
	}
	for ib, fb := range funcsB {
		if usedB[ib] {
			continue
		}
		if ia, ok := nameToA[fb.Name]; ok && !usedA[ia] {
			usedA[ia] = true
			usedB[ib] = true
			diff.Matched = append(diff.Matched, MatchedPair{
				A:        funcsA[ia],
				B:        funcsB[ib],
				Score:    1.0,
				Strategy: StrategyName,
			})
		}
	}

	for ia, fa := range funcsA {
		if !usedA[ia] {
			diff.Removed = append(diff.Removed, fa)
		}
	}
	for ib, fb := range funcsB {
		if !usedB[ib] {
			diff.Added = append(diff.Added, fb)
		}
	}
	return diff, true, nil
}

// diffByName pairs functions by exact name.
func diffByName(funcsA, funcsB []FunctionInfo) *FunctionDiff {
	diff := &FunctionDiff{}

	nameToA := make(map[string]int, len(funcsA))
	usedA := make(map[int]bool, len(funcsA))
	for ia, fa := range funcsA {
		if _, dup := nameToA[fa.Name]; !dup {
			nameToA[fa.Name] = ia
		}
	}
	for _, fb := range funcsB {
		ia, ok := nameToA[fb.Name]
		if ok && !usedA[ia] {
			usedA[ia] = true
			diff.Matched = append(diff.Matched, MatchedPair{
				A:        funcsA[ia],
				B:        fb,
				Score:    1.0,
				Strategy: StrategyName,
			})
			continue
		}
		diff.Added = append(diff.Added, fb)
	}
	for ia, fa := range funcsA {
		if !usedA[ia] {
			diff.Removed = append(diff.Removed, fa)
		}
	}
	return diff
}

func toStringSlice(value any) []string {
	items, ok := value.([]any)
	if !ok {
		if direct, ok := value.([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
