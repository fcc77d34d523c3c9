// Package x86 decodes 32- and 64-bit x86 with x86asm into the shared
// instruction model.
package x86

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/Ana06/capa/internal/insn"
)

const maxInsnSize = 15

var condJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JNE: true,
	x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true, x86asm.JO: true,
	x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// Decoder decodes one processor mode.
type Decoder struct {
	mode int
}

// New returns a decoder for mode 32 or 64.
func New(mode int) *Decoder {
	return &Decoder{mode: mode}
}

func (d *Decoder) Arch() string {
	if d.mode == 64 {
		return "x86_64"
	}
	return "x86"
}

func (d *Decoder) MaxInsnSize() int { return maxInsnSize }

// Decode decodes the instruction at the start of code.
func (d *Decoder) Decode(va uint64, code []byte) insn.Instruction {
	inst, err := x86asm.Decode(code, d.mode)
	if err != nil {
		return insn.Instruction{VA: va, Size: 1, Err: fmt.Errorf("%w at %#x: %v", insn.ErrMalformed, va, err)}
	}

	out := insn.Instruction{
		VA:       va,
		Size:     inst.Len,
		Mnemonic: strings.ToLower(inst.Op.String()),
		Flow:     flow(inst.Op),
		Segment:  segmentPrefix(inst),
	}
	next := va + uint64(inst.Len)

	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch a := a.(type) {
		case x86asm.Reg:
			out.Operands = append(out.Operands, insn.Reg(regName(a)))
		case x86asm.Imm:
			out.Operands = append(out.Operands, insn.Imm(int64(a)))
		case x86asm.Mem:
			out.Operands = append(out.Operands, insn.MemOp(d.mem(next, a)))
		case x86asm.Rel:
			out.Target = uint64(int64(next) + int64(a))
			out.HasTarget = true
		}
	}
	return out
}

func (d *Decoder) mem(next uint64, m x86asm.Mem) insn.Mem {
	out := insn.Mem{
		Base:  regName(m.Base),
		Index: regName(m.Index),
		Scale: m.Scale,
		Disp:  m.Disp,
	}
	if m.Index == 0 {
		out.Scale = 0
	}
	if m.Segment != 0 {
		out.Segment = regName(m.Segment)
	}

	switch {
	case m.Base == x86asm.RIP || m.Base == x86asm.EIP:
		out.Addr = uint64(int64(next) + m.Disp)
		out.HasAddr = true
	case m.Base == 0 && m.Index == 0 && out.Segment != "fs" && out.Segment != "gs":
		out.Addr = uint64(m.Disp)
		out.HasAddr = true
	}
	if d.mode == 32 && out.HasAddr {
		out.Addr &= 0xffffffff
	}
	return out
}

func regName(r x86asm.Reg) string {
	if r == 0 {
		return ""
	}
	return strings.ToLower(r.String())
}

// segmentPrefix returns the fs or gs override of inst, if any.
func segmentPrefix(inst x86asm.Inst) string {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if p&x86asm.PrefixIgnored != 0 {
			continue
		}
		switch p & 0xff {
		case x86asm.PrefixFS:
			return "fs"
		case x86asm.PrefixGS:
			return "gs"
		}
	}
	return ""
}

func flow(op x86asm.Op) insn.Flow {
	switch op {
	case x86asm.CALL, x86asm.LCALL:
		return insn.FlowCall
	case x86asm.JMP, x86asm.LJMP:
		return insn.FlowJump
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return insn.FlowReturn
	}
	if condJumps[op] {
		return insn.FlowCondJump
	}
	return insn.FlowNone
}
