// Package schema declares the constraint and index set for the revgraph
// property graph and applies it to the store. The uniqueness constraints
// are a precondition for loader correctness: identity-keyed MERGE upserts
// are only race-safe when the store enforces the identity keys.
package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/types"
)

// Node labels used across the graph.
const (
	LabelBinaryFile  = "BinaryFile"
	LabelFunction    = "Function"
	LabelBasicBlock  = "BasicBlock"
	LabelInstruction = "Instruction"
	LabelString      = "String"
	LabelImport      = "Import"
	LabelEmbedding   = "Embedding"
	LabelRankScore   = "RankScore"
)

// Relationship types used across the graph.
const (
	RelDefines          = "DEFINES"
	RelContains         = "CONTAINS"
	RelCalls            = "CALLS"
	RelFlowTo           = "FLOW_TO"
	RelReferencesString = "REFERENCES_STRING"
	RelReferencesImport = "REFERENCES_IMPORT"
	RelHasEmbedding     = "HAS_EMBEDDING"
	RelHasRank          = "HAS_RANK"
)

// VectorDimensions is the dimensionality declared on the Embedding vector
// index. It matches the default embedding model (text-embedding-3-large).
const VectorDimensions = 3072

// requiredConstraints maps constraint name to its CREATE statement.
// The names are what Ready() checks against SHOW CONSTRAINTS output.
var requiredConstraints = map[string]string{
	"binary_sha": "CREATE CONSTRAINT binary_sha IF NOT EXISTS FOR (b:BinaryFile) REQUIRE b.sha256 IS UNIQUE",
	"func_addr":  "CREATE CONSTRAINT func_addr IF NOT EXISTS FOR (f:Function) REQUIRE (f.address, f.binary_sha256) IS UNIQUE",
	"bb_addr":    "CREATE CONSTRAINT bb_addr IF NOT EXISTS FOR (b:BasicBlock) REQUIRE (b.address, b.binary_sha256) IS UNIQUE",
	"insn_addr":  "CREATE CONSTRAINT insn_addr IF NOT EXISTS FOR (i:Instruction) REQUIRE (i.address, i.binary_sha256) IS UNIQUE",
	"emb_id":     "CREATE CONSTRAINT emb_id IF NOT EXISTS FOR (e:Embedding) REQUIRE e.id IS UNIQUE",
	"rank_id":    "CREATE CONSTRAINT rank_id IF NOT EXISTS FOR (r:RankScore) REQUIRE (r.block_address, r.binary_sha256, r.algorithm) IS UNIQUE",
}

var indexes = []string{
	"CREATE INDEX func_name IF NOT EXISTS FOR (f:Function) ON (f.name)",
	"CREATE INDEX func_binary IF NOT EXISTS FOR (f:Function) ON (f.binary_sha256)",
	"CREATE INDEX bb_binary IF NOT EXISTS FOR (b:BasicBlock) ON (b.binary_sha256)",
	"CREATE INDEX string_binary IF NOT EXISTS FOR (s:String) ON (s.binary_sha256)",
	"CREATE INDEX import_binary IF NOT EXISTS FOR (i:Import) ON (i.binary_sha256)",
}

var fulltextIndexes = []string{
	"CREATE FULLTEXT INDEX func_name_ft IF NOT EXISTS FOR (f:Function) ON EACH [f.name]",
	"CREATE FULLTEXT INDEX string_value_ft IF NOT EXISTS FOR (s:String) ON EACH [s.value]",
}

var vectorIndex = fmt.Sprintf(
	"CREATE VECTOR INDEX embedding_vector IF NOT EXISTS "+
		"FOR (e:Embedding) ON (e.vector) "+
		"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
	VectorDimensions)

// countLabels are the labels reported by Show in node-count order.
var countLabels = []string{
	LabelBinaryFile, LabelFunction, LabelBasicBlock, LabelInstruction,
	LabelString, LabelImport, LabelEmbedding, LabelRankScore,
}

// Manager applies and inspects the graph schema.
type Manager struct {
	client graph.Client
	log    *slog.Logger
}

// NewManager creates a schema manager bound to client.
func NewManager(client graph.Client, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{client: client, log: log}
}

// Create applies all constraints and indexes. Every statement carries
// IF NOT EXISTS, so Create on an already-created schema is a no-op.
func (m *Manager) Create(ctx context.Context) error {
	for name, stmt := range requiredConstraints {
		if _, err := m.client.Write(ctx, stmt, nil); err != nil {
			return types.WrapError(types.SCHEMA_APPLY_FAILED,
				fmt.Sprintf("failed to create constraint %s", name), err)
		}
		m.log.Debug("constraint applied", "name", name)
	}

	for _, stmt := range indexes {
		if _, err := m.client.Write(ctx, stmt, nil); err != nil {
			return types.WrapError(types.SCHEMA_APPLY_FAILED, "failed to create index", err)
		}
	}

	// Fulltext and vector indexes need newer store versions; a failure here
	// degrades search but does not block structural loading.
	for _, stmt := range fulltextIndexes {
		if _, err := m.client.Write(ctx, stmt, nil); err != nil {
			m.log.Warn("fulltext index skipped", "error", err)
		}
	}
	if _, err := m.client.Write(ctx, vectorIndex, nil); err != nil {
		m.log.Warn("vector index skipped", "error", err)
	}

	m.log.Info("schema created",
		"constraints", len(requiredConstraints),
		"indexes", len(indexes)+len(fulltextIndexes)+1)
	return nil
}

// Drop removes every constraint and index in the store. Destructive; used
// only in test/reset flows.
func (m *Manager) Drop(ctx context.Context) error {
	result, err := m.client.Query(ctx, "SHOW CONSTRAINTS", nil)
	if err != nil {
		return types.WrapError(types.SCHEMA_APPLY_FAILED, "failed to list constraints", err)
	}
	for _, record := range result.Records {
		name, ok := record["name"].(string)
		if !ok || name == "" {
			continue
		}
		if _, err := m.client.Write(ctx, fmt.Sprintf("DROP CONSTRAINT %s", name), nil); err != nil {
			return types.WrapError(types.SCHEMA_APPLY_FAILED,
				fmt.Sprintf("failed to drop constraint %s", name), err)
		}
		m.log.Debug("constraint dropped", "name", name)
	}

	result, err = m.client.Query(ctx, "SHOW INDEXES", nil)
	if err != nil {
		return types.WrapError(types.SCHEMA_APPLY_FAILED, "failed to list indexes", err)
	}
	for _, record := range result.Records {
		name, ok := record["name"].(string)
		if !ok || name == "" {
			continue
		}
		// Constraint-backing indexes disappear with their constraint.
		if _, err := m.client.Write(ctx, fmt.Sprintf("DROP INDEX %s", name), nil); err != nil {
			m.log.Warn("index drop skipped", "name", name, "error", err)
		}
	}

	m.log.Info("schema dropped")
	return nil
}

// Ready reports whether every required uniqueness constraint exists.
// The loader treats a not-ready schema as a precondition failure and
// never attempts to self-heal it.
func (m *Manager) Ready(ctx context.Context) (bool, error) {
	result, err := m.client.Query(ctx, "SHOW CONSTRAINTS", nil)
	if err != nil {
		return false, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to list constraints", err)
	}

	present := make(map[string]struct{}, len(result.Records))
	for _, record := range result.Records {
		if name, ok := record["name"].(string); ok {
			present[name] = struct{}{}
		}
	}

	for name := range requiredConstraints {
		if _, ok := present[name]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// Summary is the introspection result returned by Show.
type Summary struct {
	Constraints []string
	Indexes     []string
	NodeCounts  map[string]int64
}

// Show returns the current schema state: constraints, indexes, and node
// counts per label.
func (m *Manager) Show(ctx context.Context) (*Summary, error) {
	summary := &Summary{NodeCounts: make(map[string]int64)}

	result, err := m.client.Query(ctx, "SHOW CONSTRAINTS", nil)
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to list constraints", err)
	}
	for _, record := range result.Records {
		if name, ok := record["name"].(string); ok {
			summary.Constraints = append(summary.Constraints, name)
		}
	}

	result, err = m.client.Query(ctx, "SHOW INDEXES", nil)
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to list indexes", err)
	}
	for _, record := range result.Records {
		if name, ok := record["name"].(string); ok {
			summary.Indexes = append(summary.Indexes, name)
		}
	}

	for _, label := range countLabels {
		result, err := m.client.Query(ctx,
			fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS cnt", label), nil)
		if err != nil {
			return nil, types.WrapError(types.GRAPH_QUERY_FAILED,
				fmt.Sprintf("failed to count %s nodes", label), err)
		}
		if len(result.Records) > 0 {
			if cnt, ok := result.Records[0]["cnt"].(int64); ok {
				summary.NodeCounts[label] = cnt
			}
		}
	}

	return summary, nil
}

// String renders the summary in the format the CLI prints.
func (s *Summary) String() string {
	var b strings.Builder
	b.WriteString("=== Graph Schema ===\n\n")

	b.WriteString("Constraints:\n")
	for _, name := range s.Constraints {
		fmt.Fprintf(&b, "  %s\n", name)
	}

	b.WriteString("\nIndexes:\n")
	for _, name := range s.Indexes {
		fmt.Fprintf(&b, "  %s\n", name)
	}

	b.WriteString("\nNode counts:\n")
	for _, label := range countLabels {
		fmt.Fprintf(&b, "  %s: %d\n", label, s.NodeCounts[label])
	}

	return b.String()
}

// ConstraintNames returns the names of all required uniqueness constraints.
func ConstraintNames() []string {
	names := make([]string, 0, len(requiredConstraints))
	for name := range requiredConstraints {
		names = append(names, name)
	}
	return names
}
