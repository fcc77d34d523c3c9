package extract

import (
	"iter"

	"github.com/Ana06/capa/internal/analysis"
	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
	"github.com/Ana06/capa/internal/workspace"
)

// extractString emits strings referenced by memory operands or immediate
// addresses, following up to MaxDerefDepth pointers.
func extractString(env *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	return func(yield func(features.Located) bool) {
		for _, op := range in.Operands {
			var va uint64
			switch {
			case op.Kind == insn.KindMem && op.Mem.HasAddr:
				va = op.Mem.Addr
			case op.Kind == insn.KindImm && op.Imm > 0:
				va = uint64(op.Imm)
			default:
				continue
			}
			s, ok := derefString(env, va)
			if !ok {
				continue
			}
			if !yield(features.At(features.String{Value: s}, in.VA)) {
				return
			}
		}
	}
}

func derefString(env *Env, va uint64) (string, bool) {
	for depth := 0; depth <= env.Policy.MaxDerefDepth; depth++ {
		if !isData(env, va) {
			return "", false
		}
		if s, ok := readString(env, va); ok {
			return s, true
		}
		next, err := env.WS.ReadPointer(va)
		if err != nil || next == va {
			return "", false
		}
		va = next
	}
	return "", false
}

// isData reports whether va lies in a readable section that is not pure
// code (r-x). Writable executable regions, as raw shellcode is mapped, count
// as data.
func isData(env *Env, va uint64) bool {
	s, ok := env.WS.SectionFor(va)
	if !ok || s.Perm&workspace.PermR == 0 {
		return false
	}
	return s.Perm&workspace.PermX == 0 || s.Perm&workspace.PermW != 0
}

func readString(env *Env, va uint64) (string, bool) {
	buf, err := env.WS.ReadUpTo(va, env.Policy.MaxStringLength)
	if err != nil {
		return "", false
	}
	s, _, ok := analysis.DecodeString(buf, env.Policy.MinStringLength)
	return s, ok
}
