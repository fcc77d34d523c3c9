// Package arm64 decodes AArch64 with arm64asm into the shared instruction
// model. Control flow is classified from the raw encoding.
package arm64

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/Ana06/capa/internal/analysis"
	"github.com/Ana06/capa/internal/insn"
)

// Decoder decodes fixed-width AArch64 instructions.
type Decoder struct{}

// New returns an AArch64 decoder.
func New() *Decoder { return &Decoder{} }

func (*Decoder) Arch() string     { return "arm64" }
func (*Decoder) MaxInsnSize() int { return 4 }

// Decode decodes the instruction in the first four bytes of code.
func (*Decoder) Decode(va uint64, code []byte) insn.Instruction {
	if len(code) < 4 {
		return insn.Instruction{VA: va, Size: len(code), Err: fmt.Errorf("%w at %#x: truncated", insn.ErrMalformed, va)}
	}
	raw := binary.LittleEndian.Uint32(code)
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return insn.Instruction{VA: va, Size: 4, Err: fmt.Errorf("%w at %#x: %v", insn.ErrMalformed, va, err)}
	}

	text := inst.String()
	mnemonic, _, _ := strings.Cut(text, " ")
	out := insn.Instruction{VA: va, Size: 4, Mnemonic: strings.ToLower(mnemonic)}
	out.Flow, out.Target, out.HasTarget = branch(raw, va)

	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch a := a.(type) {
		case arm64asm.PCRel:
			switch inst.Op {
			case arm64asm.ADR:
				out.Operands = append(out.Operands, insn.Imm(int64(va)+int64(a)))
			case arm64asm.ADRP:
				out.Operands = append(out.Operands, insn.Imm(int64(va&^0xfff)+int64(a)))
			case arm64asm.LDR, arm64asm.LDRSW, arm64asm.PRFM:
				// literal load
				addr := uint64(int64(va) + int64(a))
				out.Operands = append(out.Operands, insn.MemOp(insn.Mem{Addr: addr, HasAddr: true}))
			}
		case arm64asm.Imm:
			out.Operands = append(out.Operands, insn.Imm(int64(a.Imm)))
		case arm64asm.Imm64:
			out.Operands = append(out.Operands, insn.Imm(int64(a.Imm)))
		case arm64asm.Reg, arm64asm.RegSP:
			out.Operands = append(out.Operands, insn.Reg(strings.ToLower(a.String())))
		default:
			if op, ok := operand(strings.ToLower(a.String())); ok {
				out.Operands = append(out.Operands, op)
			}
		}
	}
	return out
}

var (
	memRe    = regexp.MustCompile(`^\[(\w+)(?:,\s*(\w+))?(?:,\s*#([-+]?(?:0x)?[0-9a-f]+))?`)
	condRe   = regexp.MustCompile(`^(eq|ne|cs|hs|cc|lo|mi|pl|vs|vc|hi|ls|ge|lt|gt|le|al|nv)$`)
	immRe    = regexp.MustCompile(`^#[-+]?(?:0x)?[0-9a-f]+$`)
	regFirst = regexp.MustCompile(`^([a-z]+[0-9]*)`)
)

// operand maps the text of argument kinds without exported fields:
// addressing modes, shifted and extended registers.
func operand(s string) (insn.Operand, bool) {
	switch {
	case strings.HasPrefix(s, "["):
		m := memRe.FindStringSubmatch(s)
		if m == nil {
			return insn.Operand{}, false
		}
		mem := insn.Mem{Base: m[1]}
		if strings.HasPrefix(m[2], "x") || strings.HasPrefix(m[2], "w") {
			mem.Index = m[2]
		}
		if m[3] != "" {
			mem.Disp = analysis.ParseImm(m[3])
		}
		return insn.MemOp(mem), true
	case condRe.MatchString(s):
		return insn.Operand{}, false
	case immRe.MatchString(s):
		return insn.Imm(analysis.ParseImm(s)), true
	}
	if m := regFirst.FindStringSubmatch(s); m != nil {
		return insn.Reg(m[1]), true
	}
	return insn.Operand{}, false
}

// Resolve completes the page offset that follows an adrp:
//
//	adrp x0, page          adrp x0, page
//	add  x1, x0, #off      ldr  x1, [x0, #off]
//
// The add immediate becomes page+off and the load gets an absolute address.
func (*Decoder) Resolve(prev, in *insn.Instruction) {
	if prev.Mnemonic != "adrp" || len(prev.Operands) != 2 || prev.Operands[0].Kind != insn.KindReg {
		return
	}
	reg, page := prev.Operands[0].Reg, prev.Operands[1].Imm
	switch {
	case in.Mnemonic == "add" && len(in.Operands) == 3:
		if in.Operands[1].IsReg(reg) && in.Operands[2].Kind == insn.KindImm {
			in.Operands[2] = insn.Imm(page + in.Operands[2].Imm)
		}
	case strings.HasPrefix(in.Mnemonic, "ldr") || strings.HasPrefix(in.Mnemonic, "str"):
		for i, op := range in.Operands {
			m := op.Mem
			if op.Kind != insn.KindMem || m.Base != reg || m.Index != "" || m.HasAddr {
				continue
			}
			m.Addr = uint64(page + m.Disp)
			m.HasAddr = true
			in.Operands[i] = insn.MemOp(m)
		}
	}
}

// branch classifies raw and computes direct targets.
func branch(raw uint32, pc uint64) (insn.Flow, uint64, bool) {
	rel := func(imm uint32, bits int) uint64 {
		return uint64(int64(pc) + int64(signExtend(imm, bits))*4)
	}
	switch {
	case raw&0xFFFFFC1F == 0xD65F0000: // RET
		return insn.FlowReturn, 0, false
	case raw&0xFFFFFC1F == 0xD63F0000: // BLR
		return insn.FlowCall, 0, false
	case raw&0xFFFFFC1F == 0xD61F0000: // BR
		return insn.FlowJump, 0, false
	case raw&0xFC000000 == 0x94000000: // BL
		return insn.FlowCall, rel(raw&0x03FFFFFF, 26), true
	case raw&0xFC000000 == 0x14000000: // B
		return insn.FlowJump, rel(raw&0x03FFFFFF, 26), true
	case raw&0xFF000010 == 0x54000000: // B.cond
		return insn.FlowCondJump, rel((raw>>5)&0x7FFFF, 19), true
	case raw&0x7E000000 == 0x34000000: // CBZ, CBNZ
		return insn.FlowCondJump, rel((raw>>5)&0x7FFFF, 19), true
	case raw&0x7E000000 == 0x36000000: // TBZ, TBNZ
		return insn.FlowCondJump, rel((raw>>5)&0x3FFF, 14), true
	}
	return insn.FlowNone, 0, false
}

func signExtend(val uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mask := sign - 1
	if val&sign != 0 {
		return int32(val | ^mask)
	}
	return int32(val & mask)
}
