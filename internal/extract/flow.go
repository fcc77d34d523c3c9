package extract

import (
	"iter"

	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
)

// extractCrossSection emits cross-section-flow for a direct branch whose
// target lies in another section. Branches into imports are API calls, not
// section hops.
func extractCrossSection(env *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	if !in.Flow.IsBranch() || !in.HasTarget {
		return none
	}
	if _, ok := env.WS.ResolveImport(in.Target); ok {
		return none
	}
	src, ok := env.WS.SectionFor(in.VA)
	if !ok {
		return none
	}
	dst, ok := env.WS.SectionFor(in.Target)
	if !ok || dst.Start == src.Start {
		return none
	}
	return one(features.At(features.Characteristic{Tag: features.CrossSectionFlow}, in.VA).WithDest(in.Target))
}

// extractCallsFrom emits a calls-from edge for every call with a static
// target, direct or through a memory slot.
func extractCallsFrom(_ *Env, _ *insn.Function, _ *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	if in.Flow != insn.FlowCall {
		return none
	}
	target, ok := callTarget(in)
	if !ok {
		return none
	}
	return one(features.At(features.Characteristic{Tag: features.CallsFrom}, in.VA).WithDest(target))
}

func callTarget(in *insn.Instruction) (uint64, bool) {
	if in.HasTarget {
		return in.Target, true
	}
	if len(in.Operands) == 1 && in.Operands[0].Kind == insn.KindMem && in.Operands[0].Mem.HasAddr {
		return in.Operands[0].Mem.Addr, true
	}
	return 0, false
}
