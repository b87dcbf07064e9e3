// Package artifact defines the normalized in-memory representation of one
// analyzed binary: functions, basic blocks, instructions, strings, imports,
// and the control-flow/call edge lists between them.
//
// An artifact is the boundary object handed from the external disassembly
// tool to the graph loader. It is validated once at construction and treated
// as immutable afterwards; it never touches the graph store itself.
package artifact

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/allsmog/revgraph/internal/types"
)

// Instruction is a single decoded instruction inside a basic block.
type Instruction struct {
	Address  uint64 `json:"address"`
	Mnemonic string `json:"mnemonic"`
	Opcode   string `json:"opcode"`
	Category string `json:"category,omitempty"`
	VexIR    string `json:"vex_ir,omitempty"`
}

// BasicBlock is a maximal straight-line instruction sequence with a single
// entry and single exit. Successors hold the addresses of blocks reachable
// by a control-flow edge from this block.
type BasicBlock struct {
	Address          uint64        `json:"address"`
	Size             int           `json:"size"`
	InstructionCount int           `json:"num_instructions"`
	Instructions     []Instruction `json:"instructions,omitempty"`
	Successors       []uint64      `json:"successors,omitempty"`
}

// StringRef is a string literal referenced by a function or the binary.
type StringRef struct {
	Value   string `json:"value"`
	Address uint64 `json:"address"`
}

// ImportRef is an imported symbol referenced by a function or the binary.
type ImportRef struct {
	Name    string `json:"name"`
	Library string `json:"library,omitempty"`
	Address uint64 `json:"address"`
}

// Function is one function discovered in the binary. Callees hold the entry
// addresses of functions it calls.
type Function struct {
	Name           string       `json:"name"`
	Address        uint64       `json:"address"`
	Size           int          `json:"size"`
	DecompiledCode string       `json:"decompiled_code,omitempty"`
	Blocks         []BasicBlock `json:"basic_blocks,omitempty"`
	Callees        []uint64     `json:"callees,omitempty"`
	Strings        []StringRef  `json:"strings,omitempty"`
	Imports        []ImportRef  `json:"imports,omitempty"`
}

// Binary is the root of one analyzed binary. Identity is the SHA256 content
// hash; re-loading the same hash never duplicates graph state.
type Binary struct {
	Name         string      `json:"name"`
	SHA256       string      `json:"sha256"`
	Architecture string      `json:"architecture"`
	Endianness   string      `json:"endianness,omitempty"`
	FileType     string      `json:"file_type,omitempty"`
	WordSize     int         `json:"word_size,omitempty"`
	Functions    []Function  `json:"functions,omitempty"`
	Strings      []StringRef `json:"strings,omitempty"`
	Imports      []ImportRef `json:"imports,omitempty"`
}

// FlowEdge is a directed control-flow edge between two basic blocks.
type FlowEdge struct {
	From uint64
	To   uint64
}

// CallEdge is a directed call edge between two functions.
type CallEdge struct {
	Caller uint64
	Callee uint64
}

// Decode reads a JSON-encoded artifact, validates it, and returns the model.
// The decoded object must satisfy Validate; a structurally invalid artifact
// is rejected as a whole, never partially constructed.
func Decode(r io.Reader) (*Binary, error) {
	var bin Binary
	dec := json.NewDecoder(r)
	if err := dec.Decode(&bin); err != nil {
		return nil, types.WrapError(types.ARTIFACT_DECODE, "failed to decode artifact JSON", err)
	}
	if err := bin.Validate(); err != nil {
		return nil, err
	}
	bin.normalize()
	return &bin, nil
}

// New validates bin and returns it with functions, blocks, and instructions
// sorted by address. The returned value must not be mutated afterwards.
func New(bin Binary) (*Binary, error) {
	if err := bin.Validate(); err != nil {
		return nil, err
	}
	bin.normalize()
	return &bin, nil
}

// normalize sorts functions, blocks, and instructions by address so that
// iteration order is deterministic regardless of input order.
func (b *Binary) normalize() {
	sort.Slice(b.Functions, func(i, j int) bool {
		return b.Functions[i].Address < b.Functions[j].Address
	})
	for fi := range b.Functions {
		f := &b.Functions[fi]
		sort.Slice(f.Blocks, func(i, j int) bool {
			return f.Blocks[i].Address < f.Blocks[j].Address
		})
		for bi := range f.Blocks {
			blk := &f.Blocks[bi]
			sort.Slice(blk.Instructions, func(i, j int) bool {
				return blk.Instructions[i].Address < blk.Instructions[j].Address
			})
		}
	}
}

// FunctionAt returns the function with the given entry address, or nil.
func (b *Binary) FunctionAt(addr uint64) *Function {
	for i := range b.Functions {
		if b.Functions[i].Address == addr {
			return &b.Functions[i]
		}
	}
	return nil
}

// BlockAddresses returns the set of all basic block addresses in the binary.
func (b *Binary) BlockAddresses() map[uint64]struct{} {
	addrs := make(map[uint64]struct{})
	for _, f := range b.Functions {
		for _, blk := range f.Blocks {
			addrs[blk.Address] = struct{}{}
		}
	}
	return addrs
}

// FunctionAddresses returns the set of all function entry addresses.
func (b *Binary) FunctionAddresses() map[uint64]struct{} {
	addrs := make(map[uint64]struct{}, len(b.Functions))
	for _, f := range b.Functions {
		addrs[f.Address] = struct{}{}
	}
	return addrs
}

// FlowEdges returns all intra-binary control-flow edges by block address.
func (b *Binary) FlowEdges() []FlowEdge {
	var edges []FlowEdge
	for _, f := range b.Functions {
		for _, blk := range f.Blocks {
			for _, succ := range blk.Successors {
				edges = append(edges, FlowEdge{From: blk.Address, To: succ})
			}
		}
	}
	return edges
}

// CallEdges returns all call edges by function entry address.
func (b *Binary) CallEdges() []CallEdge {
	var edges []CallEdge
	for _, f := range b.Functions {
		for _, callee := range f.Callees {
			edges = append(edges, CallEdge{Caller: f.Address, Callee: callee})
		}
	}
	return edges
}

// AllStrings returns the union of function-level and binary-level string
// references, deduplicated by (value, address).
func (b *Binary) AllStrings() []StringRef {
	type key struct {
		value string
		addr  uint64
	}
	seen := make(map[key]struct{})
	var out []StringRef
	add := func(s StringRef) {
		k := key{s.Value, s.Address}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	for _, f := range b.Functions {
		for _, s := range f.Strings {
			add(s)
		}
	}
	for _, s := range b.Strings {
		add(s)
	}
	return out
}

// AllImports returns the union of function-level and binary-level import
// references, deduplicated by (name, address).
func (b *Binary) AllImports() []ImportRef {
	type key struct {
		name string
		addr uint64
	}
	seen := make(map[key]struct{})
	var out []ImportRef
	add := func(imp ImportRef) {
		k := key{imp.Name, imp.Address}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, imp)
	}
	for _, f := range b.Functions {
		for _, imp := range f.Imports {
			add(imp)
		}
	}
	for _, imp := range b.Imports {
		add(imp)
	}
	return out
}

// BlockCount returns the total number of basic blocks in the binary.
func (b *Binary) BlockCount() int {
	n := 0
	for _, f := range b.Functions {
		n += len(f.Blocks)
	}
	return n
}

// InstructionCount returns the total number of instructions in the binary.
func (b *Binary) InstructionCount() int {
	n := 0
	for _, f := range b.Functions {
		for _, blk := range f.Blocks {
			n += len(blk.Instructions)
		}
	}
	return n
}
