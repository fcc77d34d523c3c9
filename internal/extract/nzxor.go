package extract

import (
	"iter"

	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
)

var xorMnemonics = map[string]bool{
	"xor": true, "xorps": true, "xorpd": true, "pxor": true,
	"vpxor": true, "vxorps": true, "vxorpd": true,
	"eor": true, "eon": true,
}

// extractNZXOR emits nzxor for an xor whose source operands differ. xor of
// a register with itself only zeroes it, and the stack cookie idiom is not
// interesting either.
func extractNZXOR(env *Env, f *insn.Function, bb *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	n := len(in.Operands)
	if !xorMnemonics[in.Mnemonic] || n < 2 {
		return none
	}
	if in.Operands[n-2] == in.Operands[n-1] {
		return none
	}
	if isSecurityCookie(env, f, bb, in) {
		return none
	}
	return one(features.At(features.Characteristic{Tag: features.NZXOR}, in.VA))
}

// isSecurityCookie matches the compiler's stack cookie code within the
// basic block of in:
//
//	mov  R, [cookie]      mov  R, [fp+slot]
//	xor  R, fp            xor  R, fp
//	mov  [fp+slot], R     call check_cookie   (or cmp R, [mem]; jcc)
//
// Loads are searched CookieWindow instructions before the xor, stores and
// checks CookieWindow instructions after it. When the entry block sets up a
// cookie slot, a check must load from that slot.
func isSecurityCookie(env *Env, f *insn.Function, bb *insn.BasicBlock, in *insn.Instruction) bool {
	reg, ok := cookieRegister(in)
	if !ok {
		return false
	}
	idx := bb.Index(in.VA)
	if idx < 0 {
		return false
	}
	w := env.Policy.CookieWindow

	load, ok := loadBefore(bb, idx, reg, w)
	if !ok {
		return false
	}
	if _, ok := storeAfter(bb, idx, reg, w); ok {
		return true
	}
	if !checkAfter(bb, idx, reg, w) {
		return false
	}
	if slot, ok := cookieSlot(f, w); ok && isFrameSlot(load) {
		return load.Base == slot.Base && load.Disp == slot.Disp
	}
	return true
}

// cookieRegister returns R for xor R, fp or xor fp, R.
func cookieRegister(in *insn.Instruction) (string, bool) {
	if len(in.Operands) != 2 {
		return "", false
	}
	a, b := in.Operands[0], in.Operands[1]
	if a.Kind != insn.KindReg || b.Kind != insn.KindReg {
		return "", false
	}
	switch {
	case framePointers[b.Reg] && !framePointers[a.Reg]:
		return a.Reg, true
	case framePointers[a.Reg] && !framePointers[b.Reg]:
		return b.Reg, true
	}
	return "", false
}

func isFrameSlot(m insn.Mem) bool {
	return framePointers[m.Base] && m.Index == "" && m.Segment == ""
}

// readsOnly lists mnemonics that leave their first operand untouched.
var readsOnly = map[string]bool{"cmp": true, "test": true, "push": true}

func overwrites(p *insn.Instruction, reg string) bool {
	return len(p.Operands) > 0 && p.Operands[0].IsReg(reg) && !readsOnly[p.Mnemonic]
}

func loadBefore(bb *insn.BasicBlock, idx int, reg string, w int) (insn.Mem, bool) {
	for j := idx - 1; j >= 0 && idx-j <= w; j-- {
		p := &bb.Insns[j]
		if p.Mnemonic == "mov" && len(p.Operands) == 2 && p.Operands[0].IsReg(reg) && p.Operands[1].Kind == insn.KindMem {
			return p.Operands[1].Mem, true
		}
		if overwrites(p, reg) {
			return insn.Mem{}, false
		}
	}
	return insn.Mem{}, false
}

func storeAfter(bb *insn.BasicBlock, idx int, reg string, w int) (insn.Mem, bool) {
	for j := idx + 1; j < len(bb.Insns) && j-idx <= w; j++ {
		p := &bb.Insns[j]
		if p.Mnemonic == "mov" && len(p.Operands) == 2 && p.Operands[1].IsReg(reg) &&
			p.Operands[0].Kind == insn.KindMem && isFrameSlot(p.Operands[0].Mem) {
			return p.Operands[0].Mem, true
		}
		if overwrites(p, reg) {
			return insn.Mem{}, false
		}
	}
	return insn.Mem{}, false
}

func checkAfter(bb *insn.BasicBlock, idx int, reg string, w int) bool {
	compared := false
	for j := idx + 1; j < len(bb.Insns) && j-idx <= w; j++ {
		p := &bb.Insns[j]
		switch {
		case p.Flow == insn.FlowCall:
			return true
		case compared && p.Flow == insn.FlowCondJump:
			return true
		case p.Mnemonic == "cmp" && comparesWithMemory(p, reg):
			compared = true
		case overwrites(p, reg):
			return false
		}
	}
	return false
}

func comparesWithMemory(p *insn.Instruction, reg string) bool {
	if len(p.Operands) != 2 {
		return false
	}
	a, b := p.Operands[0], p.Operands[1]
	return (a.IsReg(reg) && b.Kind == insn.KindMem) || (b.IsReg(reg) && a.Kind == insn.KindMem)
}

// cookieSlot finds the frame slot the entry block stores the cookie in.
func cookieSlot(f *insn.Function, w int) (insn.Mem, bool) {
	entry := f.Entry()
	if entry == nil {
		return insn.Mem{}, false
	}
	for i := range entry.Insns {
		in := &entry.Insns[i]
		if !xorMnemonics[in.Mnemonic] {
			continue
		}
		reg, ok := cookieRegister(in)
		if !ok {
			continue
		}
		if _, ok := loadBefore(entry, i, reg, w); !ok {
			continue
		}
		if slot, ok := storeAfter(entry, i, reg, w); ok {
			return slot, true
		}
	}
	return insn.Mem{}, false
}
