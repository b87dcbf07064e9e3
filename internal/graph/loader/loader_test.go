package loader

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/revgraph/internal/artifact"
	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/graph/schema"
	"github.com/allsmog/revgraph/internal/types"
)

const testSHA = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func testBinary(t *testing.T) *artifact.Binary {
	t.Helper()
	bin, err := artifact.New(artifact.Binary{
		Name:         "sample",
		SHA256:       testSHA,
		Architecture: "x86_64",
		Functions: []artifact.Function{
			{
				Name: "main", Address: 0x1000, Size: 0x20,
				Blocks: []artifact.BasicBlock{
					{Address: 0x1000, Size: 0x10, InstructionCount: 1,
						Instructions: []artifact.Instruction{{Address: 0x1000, Mnemonic: "call", Opcode: "e8"}},
						Successors:   []uint64{0x1010}},
					{Address: 0x1010, Size: 0x10, InstructionCount: 1,
						Instructions: []artifact.Instruction{{Address: 0x1010, Mnemonic: "ret", Opcode: "c3"}}},
				},
				Callees: []uint64{0x2000},
				Strings: []artifact.StringRef{{Value: "fmt", Address: 0x4000}},
				Imports: []artifact.ImportRef{{Name: "printf", Library: "libc", Address: 0x5000}},
			},
			{
				Name: "helper", Address: 0x2000, Size: 0x10,
				Blocks: []artifact.BasicBlock{
					{Address: 0x2000, Size: 0x10, InstructionCount: 1,
						Instructions: []artifact.Instruction{{Address: 0x2000, Mnemonic: "ret", Opcode: "c3"}}},
				},
			},
		},
	})
	require.NoError(t, err)
	return bin
}

// readyClient returns a mock whose schema readiness check passes and on
// which no binary is yet loaded.
func readyClient() *graph.MockClient {
	client := graph.NewMockClient()
	rows := graph.QueryResult{Columns: []string{"name"}}
	for _, name := range schema.ConstraintNames() {
		rows.Records = append(rows.Records, map[string]any{"name": name})
	}
	client.HandleResult("SHOW CONSTRAINTS", rows)
	return client
}

func newLoader(client *graph.MockClient) *Loader {
	return New(client, schema.NewManager(client, nil), nil)
}

func TestLoadBinary_WritesAllEntityKinds(t *testing.T) {
	client := readyClient()
	l := newLoader(client)

	stats, err := l.LoadBinary(context.Background(), testBinary(t), Options{})
	require.NoError(t, err)

	assert.False(t, stats.NoOp)
	assert.Equal(t, 1, stats.Binaries)
	assert.Equal(t, 2, stats.Functions)
	assert.Equal(t, 3, stats.Blocks)
	assert.Equal(t, 3, stats.Instructions)
	assert.Equal(t, 1, stats.Strings)
	assert.Equal(t, 1, stats.Imports)
	assert.Equal(t, 1, stats.CallEdges)
	assert.Equal(t, 1, stats.FlowEdges)

	// Dependency order: BinaryFile before Functions before Blocks before
	// Instructions, edges last.
	assert.Len(t, client.CallsMatching("MERGE (b:BinaryFile"), 1)
	assert.Len(t, client.CallsMatching("MERGE (f:Function"), 1)
	assert.Len(t, client.CallsMatching("MERGE (bb:BasicBlock"), 1)
	assert.Len(t, client.CallsMatching("MERGE (i:Instruction"), 1)
	assert.Len(t, client.CallsMatching("MERGE (src)-[:FLOW_TO]->(tgt)"), 1)
	assert.Len(t, client.CallsMatching("MERGE (caller)-[:CALLS]->(callee)"), 1)
}

func TestLoadBinary_IdempotentNoOp(t *testing.T) {
	client := readyClient()
	l := newLoader(client)
	ctx := context.Background()

	_, err := l.LoadBinary(ctx, testBinary(t), Options{})
	require.NoError(t, err)
	firstWrites := client.WriteCount()

	// Second load sees the binary present and performs no writes.
	client.HandleResult("MATCH (b:BinaryFile {sha256: $sha256}) RETURN", graph.QueryResult{
		Records: []map[string]any{{"sha256": testSHA}},
	})

	stats, err := l.LoadBinary(ctx, testBinary(t), Options{})
	require.NoError(t, err)

	assert.True(t, stats.NoOp)
	assert.Equal(t, LoadStats{NoOp: true}, stats)
	assert.Equal(t, firstWrites, client.WriteCount())
}

func TestLoadBinary_ReplaceDeletesSubtreeFirst(t *testing.T) {
	client := readyClient()
	client.HandleResult("MATCH (b:BinaryFile {sha256: $sha256}) RETURN", graph.QueryResult{
		Records: []map[string]any{{"sha256": testSHA}},
	})
	l := newLoader(client)

	stats, err := l.LoadBinary(context.Background(), testBinary(t), Options{Replace: true})
	require.NoError(t, err)

	assert.False(t, stats.NoOp)
	assert.Equal(t, 2, stats.Functions)
	require.Len(t, client.CallsMatching("DETACH DELETE"), 2)

	// Delete precedes the reload writes.
	calls := client.Calls()
	deleteIdx, mergeIdx := -1, -1
	for i, c := range calls {
		if deleteIdx == -1 && c.Method == "Write" && strings.Contains(c.Cypher, "DETACH DELETE") {
			deleteIdx = i
		}
		if mergeIdx == -1 && strings.Contains(c.Cypher, "MERGE (b:BinaryFile") {
			mergeIdx = i
		}
	}
	require.GreaterOrEqual(t, deleteIdx, 0)
	require.GreaterOrEqual(t, mergeIdx, 0)
	assert.Less(t, deleteIdx, mergeIdx)
}

func TestLoadBinary_SchemaNotReady(t *testing.T) {
	client := graph.NewMockClient() // SHOW CONSTRAINTS returns nothing
	l := newLoader(client)

	_, err := l.LoadBinary(context.Background(), testBinary(t), Options{})
	require.Error(t, err)
	assert.Equal(t, types.SCHEMA_NOT_READY, types.CodeOf(err))
	assert.Zero(t, client.WriteCount())
}

func TestLoadBinary_DanglingReferenceRejectedBeforeWrites(t *testing.T) {
	client := readyClient()
	l := newLoader(client)

	bin := testBinary(t)
	bin.Functions[0].Blocks[0].Successors = append(bin.Functions[0].Blocks[0].Successors, 0x9999)

	_, err := l.LoadBinary(context.Background(), bin, Options{})
	require.Error(t, err)
	assert.Equal(t, types.DANGLING_REFERENCE, types.CodeOf(err))
	assert.Zero(t, client.WriteCount(), "no nodes may be committed for a rejected artifact")
}

func TestLoadBinary_NilArtifact(t *testing.T) {
	l := newLoader(readyClient())

	_, err := l.LoadBinary(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.Equal(t, types.ARTIFACT_MALFORMED, types.CodeOf(err))
}

func TestLoadBinary_ChunkFailureAborts(t *testing.T) {
	client := readyClient()
	client.Handle("MERGE (f:Function", func(string, map[string]any) (graph.QueryResult, error) {
		return graph.QueryResult{}, errors.New("transaction failed")
	})
	l := newLoader(client)

	_, err := l.LoadBinary(context.Background(), testBinary(t), Options{})
	require.Error(t, err)
	assert.Equal(t, types.LOAD_FAILED, types.CodeOf(err))

	// Nothing past the failing stage was attempted.
	assert.Empty(t, client.CallsMatching("MERGE (bb:BasicBlock"))
	assert.Empty(t, client.CallsMatching("FLOW_TO"))
}

func TestLoadBinary_BatchChunking(t *testing.T) {
	client := readyClient()
	l := newLoader(client)

	// Two functions with batch size 1 forces two function chunks.
	_, err := l.LoadBinary(context.Background(), testBinary(t), Options{BatchSize: 1})
	require.NoError(t, err)

	assert.Len(t, client.CallsMatching("MERGE (f:Function"), 2)
	assert.Len(t, client.CallsMatching("MERGE (bb:BasicBlock"), 3)
}

func TestLoadBinary_Cancellation(t *testing.T) {
	client := readyClient()
	l := newLoader(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.LoadBinary(ctx, testBinary(t), Options{})
	require.Error(t, err)
}

func TestExists(t *testing.T) {
	client := graph.NewMockClient()
	l := newLoader(client)
	ctx := context.Background()

	exists, err := l.Exists(ctx, testSHA)
	require.NoError(t, err)
	assert.False(t, exists)

	client.HandleResult("MATCH (b:BinaryFile {sha256: $sha256}) RETURN", graph.QueryResult{
		Records: []map[string]any{{"sha256": testSHA}},
	})
	exists, err = l.Exists(ctx, testSHA)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDelete(t *testing.T) {
	client := graph.NewMockClient()
	l := newLoader(client)

	require.NoError(t, l.Delete(context.Background(), testSHA))
	assert.Len(t, client.CallsMatching("DETACH DELETE"), 2)
}

func TestClearAll(t *testing.T) {
	client := graph.NewMockClient()
	l := newLoader(client)

	require.NoError(t, l.ClearAll(context.Background()))
	assert.Len(t, client.CallsMatching("MATCH (n) DETACH DELETE n"), 1)
}

