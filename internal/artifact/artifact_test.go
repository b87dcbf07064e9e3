package artifact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/revgraph/internal/types"
)

const testSHA = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"

func validBinary() Binary {
	return Binary{
		Name:         "libtest.so",
		SHA256:       testSHA,
		Architecture: "x86_64",
		Endianness:   "little",
		FileType:     "ELF",
		WordSize:     64,
		Functions: []Function{
			{
				Name:    "main",
				Address: 0x1000,
				Size:    0x40,
				Blocks: []BasicBlock{
					{
						Address:          0x1000,
						Size:             0x10,
						InstructionCount: 2,
						Instructions: []Instruction{
							{Address: 0x1000, Mnemonic: "push", Opcode: "55"},
							{Address: 0x1001, Mnemonic: "mov", Opcode: "4889e5"},
						},
						Successors: []uint64{0x1010},
					},
					{
						Address:          0x1010,
						Size:             0x10,
						InstructionCount: 1,
						Instructions: []Instruction{
							{Address: 0x1010, Mnemonic: "ret", Opcode: "c3"},
						},
					},
				},
				Callees: []uint64{0x2000},
				Strings: []StringRef{{Value: "hello", Address: 0x4000}},
				Imports: []ImportRef{{Name: "printf", Library: "libc.so.6", Address: 0x5000}},
			},
			{
				Name:    "helper",
				Address: 0x2000,
				Size:    0x10,
				Blocks: []BasicBlock{
					{Address: 0x2000, Size: 0x10, InstructionCount: 1,
						Instructions: []Instruction{{Address: 0x2000, Mnemonic: "ret", Opcode: "c3"}}},
				},
			},
		},
		Strings: []StringRef{{Value: "global", Address: 0x4100}},
	}
}

func TestNew_Valid(t *testing.T) {
	bin, err := New(validBinary())
	require.NoError(t, err)
	require.NotNil(t, bin)
	assert.Len(t, bin.Functions, 2)
}

func TestNew_SortsByAddress(t *testing.T) {
	b := validBinary()
	// Scramble function and block order.
	b.Functions[0], b.Functions[1] = b.Functions[1], b.Functions[0]
	main := &b.Functions[1]
	main.Blocks[0], main.Blocks[1] = main.Blocks[1], main.Blocks[0]

	bin, err := New(b)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x1000), bin.Functions[0].Address)
	assert.Equal(t, uint64(0x2000), bin.Functions[1].Address)
	assert.Equal(t, uint64(0x1000), bin.Functions[0].Blocks[0].Address)
	assert.Equal(t, uint64(0x1010), bin.Functions[0].Blocks[1].Address)
}

func TestValidate_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Binary)
	}{
		{"empty name", func(b *Binary) { b.Name = "" }},
		{"short sha256", func(b *Binary) { b.SHA256 = "abc" }},
		{"non-hex sha256", func(b *Binary) { b.SHA256 = strings.Repeat("z", 64) }},
		{"empty architecture", func(b *Binary) { b.Architecture = "" }},
		{"duplicate function address", func(b *Binary) {
			b.Functions[1].Address = b.Functions[0].Address
		}},
		{"duplicate block address", func(b *Binary) {
			b.Functions[1].Blocks[0].Address = 0x1000
		}},
		{"instruction collision", func(b *Binary) {
			blk := &b.Functions[0].Blocks[0]
			blk.Instructions[1].Address = blk.Instructions[0].Address
		}},
		{"instruction collision across blocks", func(b *Binary) {
			// Instructions key on (address, binary); a repeat in a sibling
			// block would merge into one node linked from both blocks.
			blk := &b.Functions[0].Blocks[1]
			blk.Size = 0
			blk.Instructions[0].Address = b.Functions[0].Blocks[0].Instructions[0].Address
		}},
		{"instruction collision across functions", func(b *Binary) {
			blk := &b.Functions[1].Blocks[0]
			blk.Size = 0
			blk.Instructions[0].Address = b.Functions[0].Blocks[0].Instructions[1].Address
		}},
		{"instruction outside block range", func(b *Binary) {
			b.Functions[0].Blocks[0].Instructions[1].Address = 0x9000
		}},
		{"negative block size", func(b *Binary) {
			b.Functions[0].Blocks[0].Size = -1
		}},
		{"empty mnemonic", func(b *Binary) {
			b.Functions[0].Blocks[0].Instructions[0].Mnemonic = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBinary()
			tt.mutate(&b)
			_, err := New(b)
			require.Error(t, err)
			assert.Equal(t, types.ARTIFACT_MALFORMED, types.CodeOf(err))
		})
	}
}

func TestValidateReferences(t *testing.T) {
	bin, err := New(validBinary())
	require.NoError(t, err)
	assert.NoError(t, bin.ValidateReferences())
}

func TestValidateReferences_DanglingFlowEdge(t *testing.T) {
	b := validBinary()
	b.Functions[0].Blocks[0].Successors = append(b.Functions[0].Blocks[0].Successors, 0x9999)
	bin, err := New(b)
	require.NoError(t, err)

	err = bin.ValidateReferences()
	require.Error(t, err)
	assert.Equal(t, types.DANGLING_REFERENCE, types.CodeOf(err))
}

func TestValidateReferences_DanglingCallEdge(t *testing.T) {
	b := validBinary()
	b.Functions[0].Callees = []uint64{0xdead}
	bin, err := New(b)
	require.NoError(t, err)

	err = bin.ValidateReferences()
	require.Error(t, err)
	assert.Equal(t, types.DANGLING_REFERENCE, types.CodeOf(err))
}

func TestEdgeLists(t *testing.T) {
	bin, err := New(validBinary())
	require.NoError(t, err)

	flows := bin.FlowEdges()
	require.Len(t, flows, 1)
	assert.Equal(t, FlowEdge{From: 0x1000, To: 0x1010}, flows[0])

	calls := bin.CallEdges()
	require.Len(t, calls, 1)
	assert.Equal(t, CallEdge{Caller: 0x1000, Callee: 0x2000}, calls[0])
}

func TestAllStringsAndImports_Dedupe(t *testing.T) {
	b := validBinary()
	// Duplicate the function-level string at the binary level.
	b.Strings = append(b.Strings, StringRef{Value: "hello", Address: 0x4000})
	bin, err := New(b)
	require.NoError(t, err)

	strs := bin.AllStrings()
	assert.Len(t, strs, 2) // "hello"@0x4000 and "global"@0x4100

	imps := bin.AllImports()
	require.Len(t, imps, 1)
	assert.Equal(t, "printf", imps[0].Name)
}

func TestCounts(t *testing.T) {
	bin, err := New(validBinary())
	require.NoError(t, err)

	assert.Equal(t, 3, bin.BlockCount())
	assert.Equal(t, 4, bin.InstructionCount())
}

func TestDecode(t *testing.T) {
	src := `{
		"name": "a.out",
		"sha256": "` + testSHA + `",
		"architecture": "x86_64",
		"functions": [
			{"name": "main", "address": 4096, "size": 16,
			 "basic_blocks": [{"address": 4096, "size": 16, "num_instructions": 1,
			   "instructions": [{"address": 4096, "mnemonic": "ret", "opcode": "c3"}]}]}
		]
	}`
	bin, err := Decode(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "a.out", bin.Name)
	require.Len(t, bin.Functions, 1)
	assert.Equal(t, uint64(0x1000), bin.Functions[0].Address)
}

func TestDecode_BadJSON(t *testing.T) {
	_, err := Decode(strings.NewReader("{not json"))
	require.Error(t, err)
	assert.Equal(t, types.ARTIFACT_DECODE, types.CodeOf(err))
}

func TestDecode_InvalidArtifact(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"name": "x", "sha256": "short", "architecture": "arm"}`))
	require.Error(t, err)
	assert.Equal(t, types.ARTIFACT_MALFORMED, types.CodeOf(err))
}
