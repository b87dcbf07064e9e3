// Package loader turns a validated binary artifact into graph state.
//
// Loading is idempotent by construction: every node write is an
// identity-keyed MERGE, so loading the same binary twice (or concurrently
// from two callers) converges to one graph state. The store-side uniqueness
// constraints applied by the schema package are the enforcement backstop,
// which is why an un-created schema is a hard precondition failure here.
package loader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/allsmog/revgraph/internal/artifact"
	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/graph/schema"
	"github.com/allsmog/revgraph/internal/types"
)

// DefaultBatchSize bounds the number of rows per UNWIND transaction.
const DefaultBatchSize = 1000

// Options control a single load operation.
type Options struct {
	// Replace deletes the existing subtree for the binary and reloads it.
	// Without it, loading an already-present binary is a no-op.
	Replace bool

	// BatchSize overrides DefaultBatchSize when positive.
	BatchSize int
}

// LoadStats reports what a load operation wrote.
type LoadStats struct {
	Binaries     int  `json:"binaries"`
	Functions    int  `json:"functions"`
	Blocks       int  `json:"blocks"`
	Instructions int  `json:"instructions"`
	Strings      int  `json:"strings"`
	Imports      int  `json:"imports"`
	CallEdges    int  `json:"call_edges"`
	FlowEdges    int  `json:"flow_edges"`
	NoOp         bool `json:"no_op"`
}

// Loader loads binary artifacts into the graph using batched UNWIND MERGE
// statements in dependency order.
type Loader struct {
	client graph.Client
	schema *schema.Manager
	log    *slog.Logger
}

// New creates a Loader bound to client; schema readiness is checked against mgr.
func New(client graph.Client, mgr *schema.Manager, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{client: client, schema: mgr, log: log}
}

// LoadBinary loads a complete binary artifact into the graph.
//
// The artifact is validated first; an internally inconsistent artifact
// (address collisions, edges to missing nodes) is rejected before any
// write reaches the store. If a BinaryFile with the same sha256 already
// exists and Replace is not set, the call is a no-op and the returned
// stats carry NoOp=true with zero write counts.
//
// Writes happen in dependency order: BinaryFile, Functions, Blocks,
// Instructions, Strings, Imports, then CALLS and FLOW_TO edges. Each batch
// is chunked; a chunk failure aborts the remaining chunks. On stores
// without multi-statement transactions this can leave a partial subtree,
// which a subsequent replace-load repairs.
func (l *Loader) LoadBinary(ctx context.Context, bin *artifact.Binary, opts Options) (LoadStats, error) {
	var stats LoadStats

	if bin == nil {
		return stats, types.NewError(types.ARTIFACT_MALFORMED, "artifact is nil")
	}
	if err := bin.Validate(); err != nil {
		return stats, err
	}
	if err := bin.ValidateReferences(); err != nil {
		return stats, err
	}

	ready, err := l.schema.Ready(ctx)
	if err != nil {
		return stats, err
	}
	if !ready {
		return stats, types.NewError(types.SCHEMA_NOT_READY,
			"graph schema constraints are missing; run schema create first")
	}

	exists, err := l.Exists(ctx, bin.SHA256)
	if err != nil {
		return stats, err
	}
	if exists {
		if !opts.Replace {
			l.log.Info("binary already loaded, skipping",
				"sha256", shortSHA(bin.SHA256), "name", bin.Name)
			stats.NoOp = true
			return stats, nil
		}
		if err := l.Delete(ctx, bin.SHA256); err != nil {
			return stats, err
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if err := l.loadBinaryNode(ctx, bin); err != nil {
		return stats, err
	}
	stats.Binaries = 1

	if stats.Functions, err = l.loadFunctions(ctx, bin, batchSize); err != nil {
		return stats, err
	}
	if stats.Blocks, err = l.loadBlocks(ctx, bin, batchSize); err != nil {
		return stats, err
	}
	if stats.Instructions, err = l.loadInstructions(ctx, bin, batchSize); err != nil {
		return stats, err
	}
	if stats.Strings, err = l.loadStrings(ctx, bin, batchSize); err != nil {
		return stats, err
	}
	if stats.Imports, err = l.loadImports(ctx, bin, batchSize); err != nil {
		return stats, err
	}
	if stats.CallEdges, err = l.loadCallEdges(ctx, bin, batchSize); err != nil {
		return stats, err
	}
	if stats.FlowEdges, err = l.loadFlowEdges(ctx, bin, batchSize); err != nil {
		return stats, err
	}

	l.log.Info("binary loaded",
		"sha256", shortSHA(bin.SHA256),
		"name", bin.Name,
		"functions", stats.Functions,
		"blocks", stats.Blocks,
		"instructions", stats.Instructions,
		"flow_edges", stats.FlowEdges)
	return stats, nil
}

// Exists reports whether a BinaryFile with the given sha256 is present.
func (l *Loader) Exists(ctx context.Context, sha256 string) (bool, error) {
	result, err := l.client.Query(ctx,
		"MATCH (b:BinaryFile {sha256: $sha256}) RETURN b.sha256 AS sha256 LIMIT 1",
		map[string]any{"sha256": sha256})
	if err != nil {
		return false, types.WrapError(types.GRAPH_QUERY_FAILED, "existence check failed", err)
	}
	return len(result.Records) > 0, nil
}

// Delete removes the whole subtree for a binary: the BinaryFile node and
// every node carrying its binary_sha256 (functions, blocks, instructions,
// strings, imports, embeddings, rank scores). Used by replace loads.
func (l *Loader) Delete(ctx context.Context, sha256 string) error {
	_, err := l.client.Write(ctx,
		"MATCH (n {binary_sha256: $sha256}) DETACH DELETE n",
		map[string]any{"sha256": sha256})
	if err != nil {
		return types.WrapError(types.LOAD_FAILED, "failed to delete binary subtree", err)
	}
	_, err = l.client.Write(ctx,
		"MATCH (b:BinaryFile {sha256: $sha256}) DETACH DELETE b",
		map[string]any{"sha256": sha256})
	if err != nil {
		return types.WrapError(types.LOAD_FAILED, "failed to delete binary node", err)
	}
	l.log.Info("binary deleted", "sha256", shortSHA(sha256))
	return nil
}

// ClearAll deletes every node and relationship. Test/reset flows only.
func (l *Loader) ClearAll(ctx context.Context) error {
	_, err := l.client.Write(ctx, "MATCH (n) DETACH DELETE n", nil)
	if err != nil {
		return types.WrapError(types.LOAD_FAILED, "failed to clear graph", err)
	}
	l.log.Info("graph cleared")
	return nil
}

func (l *Loader) loadBinaryNode(ctx context.Context, bin *artifact.Binary) error {
	_, err := l.client.Write(ctx,
		"MERGE (b:BinaryFile {sha256: $sha256}) "+
			"SET b.name = $name, b.architecture = $arch, "+
			"b.endianness = $endian, b.file_type = $ftype, b.word_size = $ws",
		map[string]any{
			"sha256": bin.SHA256,
			"name":   bin.Name,
			"arch":   bin.Architecture,
			"endian": bin.Endianness,
			"ftype":  bin.FileType,
			"ws":     bin.WordSize,
		})
	if err != nil {
		return types.WrapError(types.LOAD_FAILED, "failed to write BinaryFile node", err)
	}
	return nil
}

func (l *Loader) loadFunctions(ctx context.Context, bin *artifact.Binary, batchSize int) (int, error) {
	rows := make([]map[string]any, 0, len(bin.Functions))
	for _, f := range bin.Functions {
		rows = append(rows, map[string]any{
			"address":         int64(f.Address),
			"name":            f.Name,
			"size":            f.Size,
			"decompiled_code": f.DecompiledCode,
			"binary_sha256":   bin.SHA256,
		})
	}
	err := l.batchUnwind(ctx, rows, batchSize,
		"UNWIND $rows AS r "+
			"MERGE (f:Function {address: r.address, binary_sha256: r.binary_sha256}) "+
			"SET f.name = r.name, f.size = r.size, f.decompiled_code = r.decompiled_code "+
			"WITH f, r "+
			"MATCH (b:BinaryFile {sha256: r.binary_sha256}) "+
			"MERGE (b)-[:DEFINES]->(f)")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (l *Loader) loadBlocks(ctx context.Context, bin *artifact.Binary, batchSize int) (int, error) {
	var rows []map[string]any
	for _, f := range bin.Functions {
		for _, blk := range f.Blocks {
			rows = append(rows, map[string]any{
				"address":          int64(blk.Address),
				"size":             blk.Size,
				"num_instructions": blk.InstructionCount,
				"binary_sha256":    bin.SHA256,
				"func_address":     int64(f.Address),
			})
		}
	}
	err := l.batchUnwind(ctx, rows, batchSize,
		"UNWIND $rows AS r "+
			"MERGE (bb:BasicBlock {address: r.address, binary_sha256: r.binary_sha256}) "+
			"SET bb.size = r.size, bb.num_instructions = r.num_instructions "+
			"WITH bb, r "+
			"MATCH (f:Function {address: r.func_address, binary_sha256: r.binary_sha256}) "+
			"MERGE (f)-[:CONTAINS]->(bb)")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (l *Loader) loadInstructions(ctx context.Context, bin *artifact.Binary, batchSize int) (int, error) {
	var rows []map[string]any
	for _, f := range bin.Functions {
		for _, blk := range f.Blocks {
			for _, insn := range blk.Instructions {
				rows = append(rows, map[string]any{
					"address":       int64(insn.Address),
					"mnemonic":      insn.Mnemonic,
					"opcode":        insn.Opcode,
					"category":      insn.Category,
					"vex_ir":        insn.VexIR,
					"binary_sha256": bin.SHA256,
					"bb_address":    int64(blk.Address),
				})
			}
		}
	}
	err := l.batchUnwind(ctx, rows, batchSize,
		"UNWIND $rows AS r "+
			"MERGE (i:Instruction {address: r.address, binary_sha256: r.binary_sha256}) "+
			"SET i.mnemonic = r.mnemonic, i.opcode = r.opcode, "+
			"i.category = r.category, i.vex_ir = r.vex_ir "+
			"WITH i, r "+
			"MATCH (bb:BasicBlock {address: r.bb_address, binary_sha256: r.binary_sha256}) "+
			"MERGE (bb)-[:CONTAINS]->(i)")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (l *Loader) loadStrings(ctx context.Context, bin *artifact.Binary, batchSize int) (int, error) {
	type key struct {
		value string
		addr  uint64
	}
	seen := make(map[key]struct{})
	var rows []map[string]any
	var funcRows []map[string]any

	for _, f := range bin.Functions {
		for _, s := range f.Strings {
			if _, ok := seen[key{s.Value, s.Address}]; !ok {
				seen[key{s.Value, s.Address}] = struct{}{}
				rows = append(rows, map[string]any{
					"value":         s.Value,
					"address":       int64(s.Address),
					"binary_sha256": bin.SHA256,
				})
			}
			funcRows = append(funcRows, map[string]any{
				"address":       int64(s.Address),
				"func_address":  int64(f.Address),
				"binary_sha256": bin.SHA256,
			})
		}
	}
	for _, s := range bin.Strings {
		if _, ok := seen[key{s.Value, s.Address}]; ok {
			continue
		}
		seen[key{s.Value, s.Address}] = struct{}{}
		rows = append(rows, map[string]any{
			"value":         s.Value,
			"address":       int64(s.Address),
			"binary_sha256": bin.SHA256,
		})
	}

	err := l.batchUnwind(ctx, rows, batchSize,
		"UNWIND $rows AS r "+
			"MERGE (s:String {address: r.address, binary_sha256: r.binary_sha256}) "+
			"SET s.value = r.value")
	if err != nil {
		return 0, err
	}

	err = l.batchUnwind(ctx, funcRows, batchSize,
		"UNWIND $rows AS r "+
			"MATCH (f:Function {address: r.func_address, binary_sha256: r.binary_sha256}) "+
			"MATCH (s:String {address: r.address, binary_sha256: r.binary_sha256}) "+
			"MERGE (f)-[:REFERENCES_STRING]->(s)")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (l *Loader) loadImports(ctx context.Context, bin *artifact.Binary, batchSize int) (int, error) {
	type key struct {
		name string
		addr uint64
	}
	seen := make(map[key]struct{})
	var rows []map[string]any
	var funcRows []map[string]any

	for _, f := range bin.Functions {
		for _, imp := range f.Imports {
			if _, ok := seen[key{imp.Name, imp.Address}]; !ok {
				seen[key{imp.Name, imp.Address}] = struct{}{}
				rows = append(rows, map[string]any{
					"name":          imp.Name,
					"library":       imp.Library,
					"address":       int64(imp.Address),
					"binary_sha256": bin.SHA256,
				})
			}
			funcRows = append(funcRows, map[string]any{
				"address":       int64(imp.Address),
				"func_address":  int64(f.Address),
				"binary_sha256": bin.SHA256,
			})
		}
	}
	for _, imp := range bin.Imports {
		if _, ok := seen[key{imp.Name, imp.Address}]; ok {
			continue
		}
		seen[key{imp.Name, imp.Address}] = struct{}{}
		rows = append(rows, map[string]any{
			"name":          imp.Name,
			"library":       imp.Library,
			"address":       int64(imp.Address),
			"binary_sha256": bin.SHA256,
		})
	}

	err := l.batchUnwind(ctx, rows, batchSize,
		"UNWIND $rows AS r "+
			"MERGE (i:Import {address: r.address, binary_sha256: r.binary_sha256}) "+
			"SET i.name = r.name, i.library = r.library")
	if err != nil {
		return 0, err
	}

	err = l.batchUnwind(ctx, funcRows, batchSize,
		"UNWIND $rows AS r "+
			"MATCH (f:Function {address: r.func_address, binary_sha256: r.binary_sha256}) "+
			"MATCH (i:Import {address: r.address, binary_sha256: r.binary_sha256}) "+
			"MERGE (f)-[:REFERENCES_IMPORT]->(i)")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (l *Loader) loadCallEdges(ctx context.Context, bin *artifact.Binary, batchSize int) (int, error) {
	edges := bin.CallEdges()
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{
			"caller":        int64(e.Caller),
			"callee":        int64(e.Callee),
			"binary_sha256": bin.SHA256,
		})
	}
	err := l.batchUnwind(ctx, rows, batchSize,
		"UNWIND $rows AS r "+
			"MATCH (caller:Function {address: r.caller, binary_sha256: r.binary_sha256}) "+
			"MATCH (callee:Function {address: r.callee, binary_sha256: r.binary_sha256}) "+
			"MERGE (caller)-[:CALLS]->(callee)")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (l *Loader) loadFlowEdges(ctx context.Context, bin *artifact.Binary, batchSize int) (int, error) {
	edges := bin.FlowEdges()
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{
			"source":        int64(e.From),
			"target":        int64(e.To),
			"binary_sha256": bin.SHA256,
		})
	}
	err := l.batchUnwind(ctx, rows, batchSize,
		"UNWIND $rows AS r "+
			"MATCH (src:BasicBlock {address: r.source, binary_sha256: r.binary_sha256}) "+
			"MATCH (tgt:BasicBlock {address: r.target, binary_sha256: r.binary_sha256}) "+
			"MERGE (src)-[:FLOW_TO]->(tgt)")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// batchUnwind executes cypher once per chunk of rows. A chunk failure
// aborts the remaining chunks; mid-chunk cancellation leaves that chunk
// either fully applied or not applied.
func (l *Loader) batchUnwind(ctx context.Context, rows []map[string]any, batchSize int, cypher string) error {
	for i := 0; i < len(rows); i += batchSize {
		if err := ctx.Err(); err != nil {
			return types.WrapError(types.LOAD_FAILED, "load cancelled", err)
		}
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		_, err := l.client.Write(ctx, cypher, map[string]any{"rows": rows[i:end]})
		if err != nil {
			return types.WrapError(types.LOAD_FAILED,
				fmt.Sprintf("batch write failed at rows [%d, %d)", i, end), err)
		}
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
