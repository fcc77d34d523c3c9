package extract

import (
	"iter"

	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
)

var stackReturns = map[string]bool{"ret": true, "retf": true, "lret": true, "retn": true}

// extractNumber emits each immediate operand that is not suppressed.
func extractNumber(env *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	return func(yield func(features.Located) bool) {
		for i, op := range in.Operands {
			if op.Kind != insn.KindImm || suppressNumber(env, in, i) {
				continue
			}
			if !yield(features.At(features.Number{Value: op.Imm}, in.VA)) {
				return
			}
		}
	}
}

// suppressNumber drops immediates that are addresses, stack frame
// allocations, or the zero stack adjustment of a return.
func suppressNumber(env *Env, in *insn.Instruction, i int) bool {
	v := in.Operands[i].Imm
	if v != 0 {
		if _, ok := env.WS.SectionFor(uint64(v)); ok {
			return true
		}
	}
	if (in.Mnemonic == "add" || in.Mnemonic == "sub") && len(in.Operands) >= 2 {
		if dst := in.Operands[0]; dst.Kind == insn.KindReg && stackPointers[dst.Reg] {
			return true
		}
	}
	if v == 0 && len(in.Operands) == 1 && stackReturns[in.Mnemonic] {
		return true
	}
	return false
}
