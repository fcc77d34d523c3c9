package extract

import (
	"iter"

	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
)

// extractOffset emits the displacement of [base+disp] operands, the shape
// of a structure field access. Stack, frame and instruction pointer bases,
// indexed forms, segment-relative forms and resolved global addresses are
// skipped.
func extractOffset(_ *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	return func(yield func(features.Located) bool) {
		for _, op := range in.Operands {
			if op.Kind != insn.KindMem {
				continue
			}
			m := op.Mem
			if m.Base == "" || m.Index != "" || m.Segment != "" || m.HasAddr || noOffsetBases[m.Base] {
				continue
			}
			if !yield(features.At(features.Offset{Value: m.Disp}, in.VA)) {
				return
			}
		}
	}
}

func extractMnemonic(_ *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	if in.Mnemonic == "" {
		return none
	}
	return one(features.At(features.Mnemonic{Name: in.Mnemonic}, in.VA))
}

// pebOffsets are the TEB fields holding the PEB pointer.
var pebOffsets = map[string]int64{"fs": 0x30, "gs": 0x60}

// extractPEB emits peb-access for fs:[0x30] and gs:[0x60] exactly.
func extractPEB(_ *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	for _, op := range in.Operands {
		if op.Kind != insn.KindMem {
			continue
		}
		m := op.Mem
		if m.Base != "" || m.Index != "" {
			continue
		}
		if off, ok := pebOffsets[m.Segment]; ok && m.Disp == off {
			return one(features.At(features.Characteristic{Tag: features.PEBAccess}, in.VA))
		}
	}
	return none
}

// extractSegment emits segment-access for any fs or gs override.
func extractSegment(_ *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	seg := in.Segment
	if seg == "" {
		for _, op := range in.Operands {
			if op.Kind == insn.KindMem && op.Mem.Segment != "" {
				seg = op.Mem.Segment
				break
			}
		}
	}
	switch seg {
	case "fs":
		return one(features.At(features.Characteristic{Tag: features.SegmentAccessFS}, in.VA))
	case "gs":
		return one(features.At(features.Characteristic{Tag: features.SegmentAccessGS}, in.VA))
	}
	return none
}
