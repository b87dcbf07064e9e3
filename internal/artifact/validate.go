package artifact

import (
	"github.com/allsmog/revgraph/internal/types"
)

const sha256HexLen = 64

// Validate checks the structural invariants of the artifact. It returns an
// ARTIFACT_MALFORMED error on the first violation found; a failing artifact
// is rejected as a whole.
//
// Checked invariants:
//   - SHA256 is a 64-character lowercase hex string and the name is non-empty
//   - function entry addresses are unique within the binary
//   - block addresses are unique within the binary
//   - instruction addresses are unique within the binary and fall inside
//     their block's [address, address+size) range when the block has a size
//   - sizes and instruction counts are non-negative
func (b *Binary) Validate() error {
	if b.Name == "" {
		return types.NewError(types.ARTIFACT_MALFORMED, "binary name is empty")
	}
	if len(b.SHA256) != sha256HexLen {
		return types.NewErrorf(types.ARTIFACT_MALFORMED,
			"sha256 must be %d hex characters, got %d", sha256HexLen, len(b.SHA256))
	}
	for _, c := range b.SHA256 {
		if !isHexDigit(c) {
			return types.NewErrorf(types.ARTIFACT_MALFORMED, "sha256 contains non-hex character %q", c)
		}
	}
	if b.Architecture == "" {
		return types.NewError(types.ARTIFACT_MALFORMED, "architecture is empty")
	}

	funcAddrs := make(map[uint64]struct{}, len(b.Functions))
	blockAddrs := make(map[uint64]struct{})
	insnAddrs := make(map[uint64]struct{})

	for fi := range b.Functions {
		f := &b.Functions[fi]
		if _, dup := funcAddrs[f.Address]; dup {
			return types.NewErrorf(types.ARTIFACT_MALFORMED,
				"duplicate function address %#x", f.Address)
		}
		funcAddrs[f.Address] = struct{}{}
		if f.Size < 0 {
			return types.NewErrorf(types.ARTIFACT_MALFORMED,
				"function %#x has negative size %d", f.Address, f.Size)
		}

		for bi := range f.Blocks {
			blk := &f.Blocks[bi]
			if _, dup := blockAddrs[blk.Address]; dup {
				return types.NewErrorf(types.ARTIFACT_MALFORMED,
					"duplicate basic block address %#x", blk.Address)
			}
			blockAddrs[blk.Address] = struct{}{}
			if blk.Size < 0 {
				return types.NewErrorf(types.ARTIFACT_MALFORMED,
					"block %#x has negative size %d", blk.Address, blk.Size)
			}
			if blk.InstructionCount < 0 {
				return types.NewErrorf(types.ARTIFACT_MALFORMED,
					"block %#x has negative instruction count", blk.Address)
			}

			for _, insn := range blk.Instructions {
				// Instruction nodes key on address within the binary, so a
				// repeat in any block would conflate two instructions.
				if _, dup := insnAddrs[insn.Address]; dup {
					return types.NewErrorf(types.ARTIFACT_MALFORMED,
						"instruction address collision %#x in block %#x", insn.Address, blk.Address)
				}
				insnAddrs[insn.Address] = struct{}{}
				if insn.Mnemonic == "" {
					return types.NewErrorf(types.ARTIFACT_MALFORMED,
						"instruction %#x has empty mnemonic", insn.Address)
				}
				if blk.Size > 0 {
					end := blk.Address + uint64(blk.Size)
					if insn.Address < blk.Address || insn.Address >= end {
						return types.NewErrorf(types.ARTIFACT_MALFORMED,
							"instruction %#x lies outside block [%#x, %#x)", insn.Address, blk.Address, end)
					}
				}
			}
		}
	}

	return nil
}

// ValidateReferences checks that every control-flow successor and call
// target references a block or function that exists in the artifact.
// A dangling edge makes the whole artifact unloadable; the loader rejects
// it with DANGLING_REFERENCE before any write.
func (b *Binary) ValidateReferences() error {
	blocks := b.BlockAddresses()
	funcs := b.FunctionAddresses()

	for _, f := range b.Functions {
		for _, blk := range f.Blocks {
			for _, succ := range blk.Successors {
				if _, ok := blocks[succ]; !ok {
					return types.NewErrorf(types.DANGLING_REFERENCE,
						"block %#x has flow edge to non-existent block %#x", blk.Address, succ)
				}
			}
		}
		for _, callee := range f.Callees {
			if _, ok := funcs[callee]; !ok {
				return types.NewErrorf(types.DANGLING_REFERENCE,
					"function %#x calls non-existent function %#x", f.Address, callee)
			}
		}
	}
	return nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
