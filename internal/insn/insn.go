// Package insn is the architecture-neutral instruction model shared by
// disassembly backends and feature handlers.
package insn

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed marks bytes a backend could not decode.
	ErrMalformed = errors.New("insn: malformed instruction")
	// ErrUnsupported marks an instruction whose mnemonic decoded but whose
	// operands are not available from the backend.
	ErrUnsupported = errors.New("insn: unsupported backend operation")
)

// Flow classifies how an instruction transfers control.
type Flow uint8

const (
	FlowNone Flow = iota
	FlowCall
	FlowJump
	FlowCondJump
	FlowReturn
)

// IsBranch reports whether f is a call or a (conditional) jump.
func (f Flow) IsBranch() bool {
	return f == FlowCall || f == FlowJump || f == FlowCondJump
}

// Terminates reports whether f ends a basic block.
func (f Flow) Terminates() bool {
	return f == FlowJump || f == FlowCondJump || f == FlowReturn
}

func (f Flow) String() string {
	switch f {
	case FlowCall:
		return "call"
	case FlowJump:
		return "jump"
	case FlowCondJump:
		return "cjump"
	case FlowReturn:
		return "return"
	}
	return "none"
}

// OperandKind is the operand variant.
type OperandKind uint8

const (
	KindReg OperandKind = iota + 1
	KindImm
	KindMem
)

// Mem is a memory operand. Addr holds the effective address when it is
// statically computable (absolute displacement or instruction-relative).
type Mem struct {
	Segment string
	Base    string
	Index   string
	Scale   uint8
	Disp    int64
	Addr    uint64
	HasAddr bool
}

// Operand is a register, immediate or memory reference. Operands are
// comparable; two operands are the same iff they are ==.
type Operand struct {
	Kind OperandKind
	Reg  string
	Imm  int64
	Mem  Mem
}

// Reg returns a register operand.
func Reg(name string) Operand { return Operand{Kind: KindReg, Reg: name} }

// Imm returns an immediate operand.
func Imm(v int64) Operand { return Operand{Kind: KindImm, Imm: v} }

// MemOp returns a memory operand.
func MemOp(m Mem) Operand { return Operand{Kind: KindMem, Mem: m} }

// IsReg reports whether o is the register name.
func (o Operand) IsReg(name string) bool { return o.Kind == KindReg && o.Reg == name }

func (o Operand) String() string {
	switch o.Kind {
	case KindReg:
		return o.Reg
	case KindImm:
		if o.Imm < 0 {
			return fmt.Sprintf("-%#x", uint64(-o.Imm))
		}
		return fmt.Sprintf("%#x", o.Imm)
	case KindMem:
		return o.Mem.String()
	}
	return "?"
}

func (m Mem) String() string {
	var sb strings.Builder
	if m.Segment != "" {
		sb.WriteString(m.Segment)
		sb.WriteByte(':')
	}
	sb.WriteByte('[')
	parts := 0
	if m.Base != "" {
		sb.WriteString(m.Base)
		parts++
	}
	if m.Index != "" {
		if parts > 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(m.Index)
		if m.Scale > 1 {
			fmt.Fprintf(&sb, "*%d", m.Scale)
		}
		parts++
	}
	switch {
	case parts == 0:
		fmt.Fprintf(&sb, "%#x", uint64(m.Disp))
	case m.Disp > 0:
		fmt.Fprintf(&sb, "+%#x", m.Disp)
	case m.Disp < 0:
		fmt.Fprintf(&sb, "-%#x", uint64(-m.Disp))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Instruction is one decoded instruction. Err is nil for a fully decoded
// instruction, wraps ErrMalformed when the bytes did not decode, and wraps
// ErrUnsupported when only the mnemonic is known.
type Instruction struct {
	VA       uint64
	Size     int
	Mnemonic string
	Operands []Operand
	// Segment is the segment override prefix, if any (fs, gs).
	Segment   string
	Flow      Flow
	Target    uint64
	HasTarget bool
	Err       error
}

// Next is the address of the fall-through instruction.
func (in *Instruction) Next() uint64 { return in.VA + uint64(in.Size) }

// Malformed reports whether the instruction failed to decode.
func (in *Instruction) Malformed() bool { return errors.Is(in.Err, ErrMalformed) }

// HasOperands reports whether operand-dependent analysis may run.
func (in *Instruction) HasOperands() bool { return in.Err == nil }

func (in *Instruction) String() string {
	if in.Malformed() {
		return "(bad)"
	}
	var sb strings.Builder
	sb.WriteString(in.Mnemonic)
	for i, op := range in.Operands {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(op.String())
	}
	if in.HasTarget {
		if len(in.Operands) == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%#x", in.Target)
	}
	return sb.String()
}

// BasicBlock is a straight-line run of instructions.
type BasicBlock struct {
	VA    uint64
	Insns []Instruction
}

// Index returns the position of the instruction at va, or -1.
func (bb *BasicBlock) Index(va uint64) int {
	for i := range bb.Insns {
		if bb.Insns[i].VA == va {
			return i
		}
	}
	return -1
}

// Function is a function's blocks in program order; Blocks[0] is the
// entry block.
type Function struct {
	VA     uint64
	Name   string
	Blocks []BasicBlock
}

// Entry returns the entry block, or nil for an empty function.
func (f *Function) Entry() *BasicBlock {
	if len(f.Blocks) == 0 {
		return nil
	}
	return &f.Blocks[0]
}

// NumInsns counts the instructions across all blocks.
func (f *Function) NumInsns() int {
	n := 0
	for i := range f.Blocks {
		n += len(f.Blocks[i].Insns)
	}
	return n
}

// Backend supplies functions, blocks and decoded instructions.
type Backend interface {
	Arch() string
	// Functions returns function entry addresses in a stable order.
	Functions(ctx context.Context) ([]uint64, error)
	// Function disassembles the function starting at va.
	Function(ctx context.Context, va uint64) (*Function, error)
}

// ThunkResolver is implemented by backends that can see through import
// thunks (a lone jmp [slot]).
type ThunkResolver interface {
	ThunkSlot(va uint64) (slot uint64, ok bool)
}
