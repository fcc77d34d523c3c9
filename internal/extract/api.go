package extract

import (
	"iter"

	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
)

// extractAPI emits API features for calls and jumps into imports, through
// an import slot, an import thunk, or directly at a PLT stub, and for
// direct calls to named functions.
func extractAPI(env *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	if in.Flow != insn.FlowCall && in.Flow != insn.FlowJump {
		return none
	}
	names := apiNames(env, in)
	if len(names) == 0 {
		return none
	}
	return func(yield func(features.Located) bool) {
		for _, name := range names {
			if !yield(features.At(features.API{Name: name}, in.VA)) {
				return
			}
		}
	}
}

func apiNames(env *Env, in *insn.Instruction) []string {
	if in.HasTarget {
		if im, ok := env.WS.ResolveImport(in.Target); ok {
			return im.Names()
		}
		if env.Thunks != nil {
			if slot, ok := env.Thunks.ThunkSlot(in.Target); ok {
				if im, ok := env.WS.ResolveImport(slot); ok {
					return im.Names()
				}
			}
		}
		if in.Flow == insn.FlowCall {
			if name, ok := env.WS.SymbolAt(in.Target); ok {
				return []string{name}
			}
		}
		return nil
	}

	// call [slot]; register-indirect calls have no static slot
	if len(in.Operands) == 1 && in.Operands[0].Kind == insn.KindMem && in.Operands[0].Mem.HasAddr {
		if im, ok := env.WS.ResolveImport(in.Operands[0].Mem.Addr); ok {
			return im.Names()
		}
	}
	return nil
}
