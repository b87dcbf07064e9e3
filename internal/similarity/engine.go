package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/allsmog/revgraph/internal/analysis"
	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/types"
)

// DefaultBatchSize is the number of texts sent per provider request.
const DefaultBatchSize = 64

// embedParallelism caps concurrent provider requests.
const embedParallelism = 4

// EntityRef identifies one embeddable entity.
type EntityRef struct {
	Type    EntityType
	SHA256  string
	Address uint64
}

// ID renders the ref in "sha256:0xaddr" form, used as cluster member ID.
func (r EntityRef) ID() string {
	return fmt.Sprintf("%s:%#x", r.SHA256, r.Address)
}

// Match is one similarity search hit.
type Match struct {
	Ref   EntityRef
	Name  string
	Score float64
}

// GenerateOptions control embedding generation.
type GenerateOptions struct {
	// Scope selects what to embed: functions or blocks.
	Scope EntityType

	// BatchSize is texts per provider request. Zero uses DefaultBatchSize.
	BatchSize int

	// RankWeighted embeds blocks and aggregates them into function
	// vectors weighted by stored rank scores. Functions scope only.
	RankWeighted bool

	// RankAlgorithm selects which rank scores weight the aggregation.
	// Empty uses the default algorithm tag.
	RankAlgorithm string
}

// FindOptions control similarity search.
type FindOptions struct {
	// Model restricts the comparison set. Empty uses the engine
	// embedder's model.
	Model string

	// TopK caps the result count. Zero means 10.
	TopK int

	// Threshold drops matches scoring below it.
	Threshold float64

	// CrossBinary widens the comparison set to all loaded binaries.
	CrossBinary bool

	// Lenient returns an empty result instead of EMBEDDING_MISSING when
	// the query entity has no embedding.
	Lenient bool
}

// ClusterScope selects the embedding set to cluster.
type ClusterScope struct {
	// SHA256 restricts to one binary; empty clusters across binaries.
	SHA256 string

	// Type is the entity type to cluster.
	Type EntityType

	// Model selects the embedding model. Empty is allowed only when the
	// scope holds a single model.
	Model string
}

// ClusterOutcome pairs the clustering result with entity assignments.
type ClusterOutcome struct {
	Result      analysis.ClusterResult
	Assignments map[EntityRef]int
	Refs        map[string]EntityRef
}

// Engine generates embeddings and runs vector search and clustering over
// the stored set.
type Engine struct {
	client   graph.Client
	embedder Embedder
	store    *Store
	log      *slog.Logger
}

// NewEngine creates an engine. The embedder may be nil for search-only and
// cluster-only use; Generate then fails with EMBEDDING_INVALID_CONFIG.
func NewEngine(client graph.Client, embedder Embedder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		client:   client,
		embedder: embedder,
		store:    NewStore(client, log),
		log:      log,
	}
}

// Store exposes the engine's embedding store.
func (e *Engine) Store() *Store { return e.store }

// Generate embeds every entity of opts.Scope inside the binary and writes
// the vectors to the store. Returns the number of embeddings written.
// Re-running with the same model upserts in place; a different model adds
// siblings instead of replacing.
func (e *Engine) Generate(ctx context.Context, sha256 string, opts GenerateOptions) (int, error) {
	if e.embedder == nil {
		return 0, types.NewError(types.EMBEDDING_INVALID_CONFIG, "engine has no embedder configured")
	}
	if opts.Scope == "" {
		opts.Scope = EntityFunction
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.RankWeighted {
		if opts.Scope != EntityFunction {
			return 0, types.NewError(types.ANALYSIS_INVALID_PARAMETER,
				"rank-weighted aggregation applies to functions scope only")
		}
		return e.generateRankWeighted(ctx, sha256, opts)
	}

	var entities []embedEntity
	var err error
	switch opts.Scope {
	case EntityFunction:
		entities, err = e.functionTexts(ctx, sha256)
	case EntityBlock:
		entities, err = e.blockTexts(ctx, sha256)
	default:
		return 0, types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
			"unknown embed scope %q", opts.Scope)
	}
	if err != nil {
		return 0, err
	}
	if len(entities) == 0 {
		e.log.Warn("nothing to embed", "sha256", sha256, "scope", opts.Scope)
		return 0, nil
	}

	vectors, err := e.embedAll(ctx, entities, opts.BatchSize)
	if err != nil {
		return 0, err
	}

	embeddings := make([]Embedding, len(entities))
	for i, entity := range entities {
		embeddings[i] = Embedding{
			EntityType:    opts.Scope,
			SourceAddress: entity.address,
			BinarySHA256:  sha256,
			Model:         e.embedder.Model(),
			Vector:        vectors[i],
		}
	}
	if err := e.store.PutBatch(ctx, embeddings); err != nil {
		return 0, err
	}

	e.log.Info("embeddings generated",
		"sha256", shortSHA(sha256), "scope", opts.Scope,
		"model", e.embedder.Model(), "count", len(embeddings))
	return len(embeddings), nil
}

// FindSimilar returns the entities most similar to ref by cosine score,
// descending, ties broken by ascending (binary, address). The comparison
// set holds only embeddings under the same model; the query entity itself
// is excluded.
func (e *Engine) FindSimilar(ctx context.Context, ref EntityRef, opts FindOptions) ([]Match, error) {
	model := opts.Model
	if model == "" && e.embedder != nil {
		model = e.embedder.Model()
	}
	if model == "" {
		return nil, types.NewError(types.EMBEDDING_INVALID_CONFIG, "no embedding model specified")
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}

	query, err := e.store.Get(ctx, ref.Type, ref.SHA256, ref.Address, model)
	if err != nil {
		if opts.Lenient && types.IsCode(err, types.EMBEDDING_MISSING) {
			return nil, nil
		}
		return nil, err
	}

	scopeSHA := ref.SHA256
	if opts.CrossBinary {
		scopeSHA = ""
	}
	candidates, err := e.store.List(ctx, ref.Type, scopeSHA, model)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.BinarySHA256 == ref.SHA256 && candidate.SourceAddress == ref.Address {
			continue
		}
		score := analysis.CosineSimilarity(query.Vector, candidate.Vector)
		if score < opts.Threshold {
			continue
		}
		matches = append(matches, Match{
			Ref: EntityRef{
				Type:    ref.Type,
				SHA256:  candidate.BinarySHA256,
				Address: candidate.SourceAddress,
			},
			Score: score,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Ref.SHA256 != matches[j].Ref.SHA256 {
			return matches[i].Ref.SHA256 < matches[j].Ref.SHA256
		}
		return matches[i].Ref.Address < matches[j].Ref.Address
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	if ref.Type == EntityFunction {
		if err := e.resolveNames(ctx, matches); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// Cluster groups the scoped embedding set. When scope.Model is empty the
// set must hold exactly one model; mixed sets are EMBEDDING_MODEL_MISMATCH.
func (e *Engine) Cluster(ctx context.Context, scope ClusterScope, params analysis.ClusterParams) (*ClusterOutcome, error) {
	if scope.Type == "" {
		scope.Type = EntityFunction
	}

	model := scope.Model
	if model == "" {
		models, err := e.store.Models(ctx, scope.Type, scope.SHA256)
		if err != nil {
			return nil, err
		}
		switch len(models) {
		case 0:
			// Nothing stored; the degenerate empty result below covers it.
			model = "-"
		case 1:
			model = models[0]
		default:
			return nil, types.NewErrorf(types.EMBEDDING_MODEL_MISMATCH,
				"embedding set holds multiple models %v, pass one explicitly", models)
		}
	}

	embeddings, err := e.store.List(ctx, scope.Type, scope.SHA256, model)
	if err != nil {
		return nil, err
	}

	points := make([]analysis.Point, len(embeddings))
	refs := make(map[string]EntityRef, len(embeddings))
	for i, emb := range embeddings {
		ref := EntityRef{Type: scope.Type, SHA256: emb.BinarySHA256, Address: emb.SourceAddress}
		points[i] = analysis.Point{ID: ref.ID(), Vector: emb.Vector}
		refs[ref.ID()] = ref
	}

	result, err := analysis.ClusterPoints(points, params)
	if err != nil {
		return nil, err
	}

	assignments := make(map[EntityRef]int, len(points))
	for _, cluster := range result.Clusters {
		for _, member := range cluster.Members {
			assignments[refs[member]] = cluster.Label
		}
	}

	e.log.Info("embeddings clustered",
		"model", model, "method", params.Method,
		"entities", len(points), "clusters", len(result.Clusters))
	return &ClusterOutcome{Result: result, Assignments: assignments, Refs: refs}, nil
}

type embedEntity struct {
	address uint64
	text    string
}

// functionTexts builds one embedding text per function: name, decompiled
// code, referenced strings and imports.
func (e *Engine) functionTexts(ctx context.Context, sha256 string) ([]embedEntity, error) {
	result, err := e.client.Query(ctx,
		"MATCH (f:Function {binary_sha256: $sha256}) "+
			"OPTIONAL MATCH (f)-[:REFERENCES_STRING]->(s:String) "+
			"WITH f, collect(DISTINCT s.value) AS strs "+
			"OPTIONAL MATCH (f)-[:REFERENCES_IMPORT]->(i:Import) "+
			"RETURN f.address AS address, f.name AS name, "+
			"f.decompiled_code AS code, strs, collect(DISTINCT i.name) AS imports "+
			"ORDER BY f.address ASC",
		map[string]any{"sha256": sha256})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch function texts", err)
	}

	entities := make([]embedEntity, 0, len(result.Records))
	for _, record := range result.Records {
		addr, _ := record["address"].(int64)
		name, _ := record["name"].(string)
		code, _ := record["code"].(string)

		var b strings.Builder
		fmt.Fprintf(&b, "function %s\n", name)
		if code != "" {
			b.WriteString(code)
			b.WriteByte('\n')
		}
		if strs := toStringSlice(record["strs"]); len(strs) > 0 {
			fmt.Fprintf(&b, "strings: %s\n", strings.Join(strs, " "))
		}
		if imports := toStringSlice(record["imports"]); len(imports) > 0 {
			fmt.Fprintf(&b, "imports: %s\n", strings.Join(imports, " "))
		}
		entities = append(entities, embedEntity{address: uint64(addr), text: b.String()})
	}
	return entities, nil
}

// blockTexts builds one embedding text per basic block: its mnemonic
// sequence in address order.
func (e *Engine) blockTexts(ctx context.Context, sha256 string) ([]embedEntity, error) {
	result, err := e.client.Query(ctx,
		"MATCH (bb:BasicBlock {binary_sha256: $sha256})-[:CONTAINS]->(i:Instruction) "+
			"WITH bb, i ORDER BY i.address ASC "+
			"WITH bb, collect(i.mnemonic) AS mnemonics "+
			"RETURN bb.address AS address, mnemonics ORDER BY bb.address ASC",
		map[string]any{"sha256": sha256})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch block texts", err)
	}

	entities := make([]embedEntity, 0, len(result.Records))
	for _, record := range result.Records {
		addr, _ := record["address"].(int64)
		mnemonics := toStringSlice(record["mnemonics"])
		entities = append(entities, embedEntity{
			address: uint64(addr),
			text:    strings.Join(mnemonics, " "),
		})
	}
	return entities, nil
}

// generateRankWeighted embeds each function's blocks and aggregates them
// into a single function vector weighted by stored rank scores. Functions
// whose blocks carry no scores fall back to a uniform mean.
func (e *Engine) generateRankWeighted(ctx context.Context, sha256 string, opts GenerateOptions) (int, error) {
	result, err := e.client.Query(ctx,
		"MATCH (f:Function {binary_sha256: $sha256})-[:CONTAINS]->(bb:BasicBlock) "+
			"OPTIONAL MATCH (bb)-[:CONTAINS]->(i:Instruction) "+
			"WITH f, bb, i ORDER BY i.address ASC "+
			"WITH f, bb, collect(i.mnemonic) AS mnemonics "+
			"RETURN f.address AS func_address, bb.address AS block_address, mnemonics "+
			"ORDER BY f.address ASC, bb.address ASC",
		map[string]any{"sha256": sha256})
	if err != nil {
		return 0, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch function blocks", err)
	}
	if len(result.Records) == 0 {
		return 0, nil
	}

	algorithm := opts.RankAlgorithm
	if algorithm == "" {
		algorithm = analysis.DefaultAlgorithm
	}
	weights, err := e.rankWeights(ctx, sha256, algorithm)
	if err != nil {
		return 0, err
	}

	type blockRow struct {
		funcAddr  uint64
		blockAddr uint64
	}
	var rows []blockRow
	var entities []embedEntity
	for _, record := range result.Records {
		funcAddr, _ := record["func_address"].(int64)
		blockAddr, _ := record["block_address"].(int64)
		mnemonics := toStringSlice(record["mnemonics"])
		rows = append(rows, blockRow{funcAddr: uint64(funcAddr), blockAddr: uint64(blockAddr)})
		entities = append(entities, embedEntity{
			address: uint64(blockAddr),
			text:    strings.Join(mnemonics, " "),
		})
	}

	vectors, err := e.embedAll(ctx, entities, opts.BatchSize)
	if err != nil {
		return 0, err
	}

	// Group block vectors per function, preserving address order.
	funcOrder := make([]uint64, 0)
	funcVectors := make(map[uint64][][]float64)
	funcWeights := make(map[uint64][]float64)
	for i, row := range rows {
		if _, seen := funcVectors[row.funcAddr]; !seen {
			funcOrder = append(funcOrder, row.funcAddr)
		}
		funcVectors[row.funcAddr] = append(funcVectors[row.funcAddr], vectors[i])
		funcWeights[row.funcAddr] = append(funcWeights[row.funcAddr], weights[row.blockAddr])
	}

	embeddings := make([]Embedding, 0, len(funcOrder))
	for _, funcAddr := range funcOrder {
		vec, err := Aggregate(funcVectors[funcAddr], funcWeights[funcAddr])
		if err != nil {
			return 0, err
		}
		embeddings = append(embeddings, Embedding{
			EntityType:    EntityFunction,
			SourceAddress: funcAddr,
			BinarySHA256:  sha256,
			Model:         e.embedder.Model(),
			Vector:        vec,
		})
	}
	if err := e.store.PutBatch(ctx, embeddings); err != nil {
		return 0, err
	}

	e.log.Info("rank-weighted embeddings generated",
		"sha256", shortSHA(sha256), "algorithm", algorithm,
		"functions", len(embeddings), "blocks", len(rows))
	return len(embeddings), nil
}

// rankWeights fetches stored block scores. Missing scores read as zero,
// which Aggregate treats as uniform when a whole function has none.
func (e *Engine) rankWeights(ctx context.Context, sha256, algorithm string) (map[uint64]float64, error) {
	result, err := e.client.Query(ctx,
		"MATCH (rs:RankScore {binary_sha256: $sha256, algorithm: $algorithm}) "+
			"RETURN rs.block_address AS address, rs.score AS score",
		map[string]any{"sha256": sha256, "algorithm": algorithm})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch rank weights", err)
	}

	weights := make(map[uint64]float64, len(result.Records))
	for _, record := range result.Records {
		addr, _ := record["address"].(int64)
		score, _ := record["score"].(float64)
		weights[uint64(addr)] = score
	}
	return weights, nil
}

// embedAll embeds entity texts in batches, with bounded parallel provider
// requests. Output order matches input order.
func (e *Engine) embedAll(ctx context.Context, entities []embedEntity, batchSize int) ([][]float64, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	type chunk struct {
		start int
		texts []string
	}
	var chunks []chunk
	for i := 0; i < len(entities); i += batchSize {
		end := i + batchSize
		if end > len(entities) {
			end = len(entities)
		}
		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = entities[j].text
		}
		chunks = append(chunks, chunk{start: i, texts: texts})
	}

	vectors := make([][]float64, len(entities))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(embedParallelism)
	for _, c := range chunks {
		eg.Go(func() error {
			out, err := e.embedder.EmbedBatch(ectx, c.texts)
			if err != nil {
				return err
			}
			if len(out) != len(c.texts) {
				return types.NewErrorf(types.EMBEDDING_PROVIDER_FAILED,
					"embedding batch size mismatch: got %d want %d", len(out), len(c.texts))
			}
			copy(vectors[c.start:], out)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// resolveNames fills function names on matches.
func (e *Engine) resolveNames(ctx context.Context, matches []Match) error {
	if len(matches) == 0 {
		return nil
	}

	refs := make([]map[string]any, len(matches))
	for i, m := range matches {
		refs[i] = map[string]any{
			"address": int64(m.Ref.Address),
			"sha256":  m.Ref.SHA256,
		}
	}
	result, err := e.client.Query(ctx,
		"UNWIND $refs AS r "+
			"MATCH (f:Function {address: r.address, binary_sha256: r.sha256}) "+
			"RETURN f.address AS address, f.binary_sha256 AS sha256, f.name AS name",
		map[string]any{"refs": refs})
	if err != nil {
		return types.WrapError(types.GRAPH_QUERY_FAILED, "failed to resolve function names", err)
	}

	type key struct {
		sha  string
		addr uint64
	}
	names := make(map[key]string, len(result.Records))
	for _, record := range result.Records {
		addr, _ := record["address"].(int64)
		sha, _ := record["sha256"].(string)
		name, _ := record["name"].(string)
		names[key{sha, uint64(addr)}] = name
	}
	for i := range matches {
		matches[i].Name = names[key{matches[i].Ref.SHA256, matches[i].Ref.Address}]
	}
	return nil
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

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
