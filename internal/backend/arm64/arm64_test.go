package arm64

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Ana06/capa/internal/insn"
)

func word(raw uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, raw)
	return b
}

func TestDecodeFlow(t *testing.T) {
	tests := []struct {
		name     string
		va       uint64
		raw      uint32
		mnemonic string
		flow     insn.Flow
		target   uint64
	}{
		{"nop", 0x1000, 0xD503201F, "nop", insn.FlowNone, 0},
		{"bl", 0x1000, 0x9400048D, "bl", insn.FlowCall, 0x2234},
		{"bl backwards", 0x2000, 0x97FFFFFF, "bl", insn.FlowCall, 0x1FFC},
		{"ret", 0x1000, 0xD65F03C0, "ret", insn.FlowReturn, 0},
		{"blr x16", 0x1000, 0xD63F0200, "blr", insn.FlowCall, 0},
		{"br x17", 0x1000, 0xD61F0220, "br", insn.FlowJump, 0},
		{"b", 0x1000, 0x14000004, "b", insn.FlowJump, 0x1010},
		{"b.eq", 0x1000, 0x54000000 | 4<<5, "b.eq", insn.FlowCondJump, 0x1010},
		{"cbz", 0x1000, 0xB4000040, "cbz", insn.FlowCondJump, 0x1008},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := New().Decode(tt.va, word(tt.raw))
			if in.Err != nil {
				t.Fatalf("Decode: %v", in.Err)
			}
			if in.Mnemonic != tt.mnemonic {
				t.Errorf("mnemonic = %q, want %q", in.Mnemonic, tt.mnemonic)
			}
			if in.Size != 4 {
				t.Errorf("size = %d", in.Size)
			}
			if in.Flow != tt.flow {
				t.Errorf("flow = %s, want %s", in.Flow, tt.flow)
			}
			if in.HasTarget != (tt.target != 0) || in.Target != tt.target {
				t.Errorf("target = %#x (%v), want %#x", in.Target, in.HasTarget, tt.target)
			}
		})
	}
}

func TestDecodeOperands(t *testing.T) {
	t.Run("adrp", func(t *testing.T) {
		in := New().Decode(0x400123, word(0xB0000000))
		want := []insn.Operand{insn.Reg("x0"), insn.Imm(0x401000)}
		if len(in.Operands) != 2 || in.Operands[0] != want[0] || in.Operands[1] != want[1] {
			t.Errorf("operands = %+v, want %+v", in.Operands, want)
		}
	})

	t.Run("ldr literal", func(t *testing.T) {
		in := New().Decode(0x1000, word(0x58000080))
		want := []insn.Operand{insn.Reg("x0"), insn.MemOp(insn.Mem{Addr: 0x1010, HasAddr: true})}
		if len(in.Operands) != 2 || in.Operands[0] != want[0] || in.Operands[1] != want[1] {
			t.Errorf("operands = %+v, want %+v", in.Operands, want)
		}
	})

	t.Run("ldr immediate offset", func(t *testing.T) {
		in := New().Decode(0x1000, word(0xF9400801))
		if len(in.Operands) != 2 {
			t.Fatalf("operands = %+v", in.Operands)
		}
		if !in.Operands[0].IsReg("x1") {
			t.Errorf("destination = %+v", in.Operands[0])
		}
		m := in.Operands[1]
		if m.Kind != insn.KindMem || m.Mem.Base != "x0" || m.Mem.Disp != 16 {
			t.Errorf("memory operand = %+v", m)
		}
	})

	t.Run("branch target is not an operand", func(t *testing.T) {
		in := New().Decode(0x1000, word(0x9400048D))
		if len(in.Operands) != 0 {
			t.Errorf("operands = %+v", in.Operands)
		}
	})
}

func TestDecodeMalformed(t *testing.T) {
	in := New().Decode(0x1000, []byte{0x1f, 0x20})
	if !errors.Is(in.Err, insn.ErrMalformed) {
		t.Errorf("truncated: err = %v", in.Err)
	}
	if in.Size != 2 {
		t.Errorf("truncated size = %d, want 2", in.Size)
	}
}

func TestOperandText(t *testing.T) {
	tests := []struct {
		in   string
		want insn.Operand
		ok   bool
	}{
		{"[sp,#-16]!", insn.MemOp(insn.Mem{Base: "sp", Disp: -16}), true},
		{"[x1]", insn.MemOp(insn.Mem{Base: "x1"}), true},
		{"[x1,x2,lsl #3]", insn.MemOp(insn.Mem{Base: "x1", Index: "x2"}), true},
		{"x3, lsl #2", insn.Reg("x3"), true},
		{"#0x20", insn.Imm(0x20), true},
		{"eq", insn.Operand{}, false},
	}
	for _, tt := range tests {
		got, ok := operand(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("operand(%q) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestResolvePageOffset(t *testing.T) {
	d := New()
	adrp := d.Decode(0x400123, word(0xB0000000)) // adrp x0, 0x401000

	t.Run("add", func(t *testing.T) {
		in := d.Decode(0x400127, word(0x91048C01)) // add x1, x0, #0x123
		d.Resolve(&adrp, &in)
		if len(in.Operands) != 3 || in.Operands[2] != insn.Imm(0x401123) {
			t.Errorf("operands = %+v", in.Operands)
		}
	})

	t.Run("ldr", func(t *testing.T) {
		in := d.Decode(0x400127, word(0xF9400801)) // ldr x1, [x0, #16]
		d.Resolve(&adrp, &in)
		m := in.Operands[1].Mem
		if !m.HasAddr || m.Addr != 0x401010 {
			t.Errorf("memory operand = %+v", m)
		}
	})

	t.Run("other register", func(t *testing.T) {
		nop := d.Decode(0x400120, word(0xD503201F))
		in := d.Decode(0x400127, word(0x91048C01))
		d.Resolve(&nop, &in)
		if in.Operands[2] != insn.Imm(0x123) {
			t.Errorf("operands = %+v", in.Operands)
		}
	})
}
