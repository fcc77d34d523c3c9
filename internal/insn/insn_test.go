package insn

import (
	"fmt"
	"testing"
)

func TestInstructionString(t *testing.T) {
	tests := []struct {
		name string
		in   Instruction
		want string
	}{
		{
			name: "register xor",
			in:   Instruction{Mnemonic: "xor", Operands: []Operand{Reg("eax"), Reg("ebx")}},
			want: "xor eax, ebx",
		},
		{
			name: "segment load",
			in: Instruction{Mnemonic: "mov", Operands: []Operand{
				Reg("eax"), MemOp(Mem{Segment: "fs", Disp: 0x30}),
			}},
			want: "mov eax, fs:[0x30]",
		},
		{
			name: "frame slot",
			in: Instruction{Mnemonic: "mov", Operands: []Operand{
				MemOp(Mem{Base: "ebp", Disp: -4}), Reg("eax"),
			}},
			want: "mov [ebp-0x4], eax",
		},
		{
			name: "scaled index",
			in: Instruction{Mnemonic: "lea", Operands: []Operand{
				Reg("eax"), MemOp(Mem{Base: "ebx", Index: "ecx", Scale: 4, Disp: 8}),
			}},
			want: "lea eax, [ebx+ecx*4+0x8]",
		},
		{
			name: "direct call",
			in:   Instruction{Mnemonic: "call", Flow: FlowCall, Target: 0x401000, HasTarget: true},
			want: "call 0x401000",
		},
		{
			name: "malformed",
			in:   Instruction{Err: fmt.Errorf("%w at 0x10", ErrMalformed)},
			want: "(bad)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOperandIdentity(t *testing.T) {
	if Reg("eax") != Reg("eax") {
		t.Error("identical registers should compare equal")
	}
	if Reg("eax") == Reg("ebx") {
		t.Error("different registers should not compare equal")
	}
	a := MemOp(Mem{Base: "esi", Disp: 8})
	b := MemOp(Mem{Base: "esi", Disp: 8})
	if a != b {
		t.Error("identical memory operands should compare equal")
	}
}

func TestErrorStates(t *testing.T) {
	bad := Instruction{Err: fmt.Errorf("%w: truncated", ErrMalformed)}
	if !bad.Malformed() || bad.HasOperands() {
		t.Errorf("malformed instruction: Malformed=%v HasOperands=%v", bad.Malformed(), bad.HasOperands())
	}
	partial := Instruction{Mnemonic: "vfoo", Err: ErrUnsupported}
	if partial.Malformed() || partial.HasOperands() {
		t.Errorf("unsupported instruction: Malformed=%v HasOperands=%v", partial.Malformed(), partial.HasOperands())
	}
}

func TestBlockIndex(t *testing.T) {
	bb := BasicBlock{VA: 0x10, Insns: []Instruction{{VA: 0x10, Size: 2}, {VA: 0x12, Size: 1}}}
	if got := bb.Index(0x12); got != 1 {
		t.Errorf("Index(0x12) = %d, want 1", got)
	}
	if got := bb.Index(0x11); got != -1 {
		t.Errorf("Index(0x11) = %d, want -1", got)
	}
	f := Function{Blocks: []BasicBlock{bb, bb}}
	if f.NumInsns() != 4 || f.Entry().VA != 0x10 {
		t.Errorf("NumInsns=%d Entry=%#x", f.NumInsns(), f.Entry().VA)
	}
}
