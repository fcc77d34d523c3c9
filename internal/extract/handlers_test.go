package extract

import (
	"slices"
	"testing"

	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
)

func TestNZXOR(t *testing.T) {
	x := testExtractor(t)

	tests := []struct {
		name string
		in   insn.Instruction
		want bool
	}{
		{"distinct registers", op(0x1000, "xor", reg("eax"), reg("ebx")), true},
		{"zeroing", op(0x1000, "xor", reg("eax"), reg("eax")), false},
		{"memory source", op(0x1000, "xor", reg("eax"), mem(insn.Mem{Base: "esi", Disp: 4})), true},
		{"immediate", op(0x1000, "xor", reg("eax"), imm(0x5a)), true},
		{"pxor", op(0x1000, "pxor", reg("xmm0"), reg("xmm1")), true},
		{"xorps zeroing", op(0x1000, "xorps", reg("xmm0"), reg("xmm0")), false},
		{"xorpd", op(0x1000, "xorpd", reg("xmm2"), reg("xmm3")), true},
		{"vex zeroing", op(0x1000, "vpxor", reg("xmm0"), reg("xmm1"), reg("xmm1")), false},
		{"vex distinct", op(0x1000, "vpxor", reg("xmm0"), reg("xmm1"), reg("xmm2")), true},
		{"and", op(0x1000, "and", reg("eax"), reg("ebx")), false},
		{"lone xor with frame pointer", op(0x1000, "xor", reg("eax"), reg("ebp")), true},
		{"arm64 eor", op(0x1000, "eor", reg("w0"), reg("w1"), reg("w2")), true},
		{"arm64 eor same sources", op(0x1000, "eor", reg("w0"), reg("w1"), reg("w1")), false},
		{"arm64 eor immediate", op(0x1000, "eor", reg("x0"), reg("x0"), imm(0xff)), true},
		{"arm64 eon", op(0x1000, "eon", reg("x3"), reg("x4"), reg("x5")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := has(single(t, x, tt.in), nzxor); got != tt.want {
				t.Errorf("nzxor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSecurityCookie(t *testing.T) {
	f := function(0x1000,
		// prologue, then a genuine xor outside the window
		[]insn.Instruction{
			op(0x1000, "mov", reg("eax"), abs(0x2004)),
			op(0x1005, "xor", reg("eax"), reg("ebp")),
			op(0x1007, "mov", mem(insn.Mem{Base: "ebp", Disp: -4}), reg("eax")),
			op(0x100a, "nop"),
			op(0x100b, "nop"),
			op(0x100c, "nop"),
			op(0x100d, "nop"),
			op(0x100e, "nop"),
			op(0x100f, "xor", reg("eax"), reg("ebp")),
		},
		// epilogue check on the prologue's slot
		[]insn.Instruction{
			op(0x1020, "mov", reg("ecx"), mem(insn.Mem{Base: "ebp", Disp: -4})),
			op(0x1023, "xor", reg("ecx"), reg("ebp")),
			branch(0x1025, "call", insn.FlowCall, helperVA),
		},
		// same shape on another slot
		[]insn.Instruction{
			op(0x1030, "mov", reg("ecx"), mem(insn.Mem{Base: "ebp", Disp: -8})),
			op(0x1033, "xor", reg("ecx"), reg("ebp")),
			branch(0x1035, "call", insn.FlowCall, helperVA),
		},
		// inline compare form
		[]insn.Instruction{
			op(0x1040, "mov", reg("edx"), abs(0x2004)),
			op(0x1046, "xor", reg("edx"), reg("ebp")),
			op(0x1048, "cmp", reg("edx"), mem(insn.Mem{Base: "ebp", Disp: -4})),
			insn.Instruction{VA: 0x104b, Size: 2, Mnemonic: "jne", Flow: insn.FlowCondJump, Target: 0x1060, HasTarget: true},
		},
	)

	reported := map[uint64]bool{}
	for l := range testExtractor(t).Function(f) {
		if l.Feature == nzxor {
			reported[l.VA] = true
		}
	}

	want := map[uint64]bool{0x100f: true, 0x1033: true}
	for _, va := range []uint64{0x1005, 0x100f, 0x1023, 0x1033, 0x1046} {
		if reported[va] != want[va] {
			t.Errorf("nzxor at %#x = %v, want %v", va, reported[va], want[va])
		}
	}
}

func TestCookieWindow(t *testing.T) {
	f := function(0x1000, []insn.Instruction{
		op(0x1000, "mov", reg("eax"), abs(0x2004)),
		op(0x1005, "nop"),
		op(0x1006, "nop"),
		op(0x1007, "xor", reg("eax"), reg("ebp")),
		op(0x1009, "mov", mem(insn.Mem{Base: "ebp", Disp: -4}), reg("eax")),
	})

	tests := []struct {
		window int
		want   bool
	}{
		{window: 2, want: true},
		{window: 3, want: false},
	}
	for _, tt := range tests {
		policy := DefaultPolicy()
		policy.CookieWindow = tt.window
		x := New(testWorkspace(t), DefaultHandlers(), policy)
		got := has(slices.Collect(x.Function(f)), nzxor)
		if got != tt.want {
			t.Errorf("window %d: nzxor = %v, want %v", tt.window, got, tt.want)
		}
	}
}

func TestPEBAndSegments(t *testing.T) {
	x := testExtractor(t)

	tests := []struct {
		name    string
		in      insn.Instruction
		peb     bool
		segment features.Feature
	}{
		{"fs:[0x30]", op(0x1000, "mov", reg("eax"), mem(insn.Mem{Segment: "fs", Disp: 0x30})), true, segFS},
		{"fs:[0x34]", op(0x1000, "mov", reg("eax"), mem(insn.Mem{Segment: "fs", Disp: 0x34})), false, segFS},
		{"gs:[0x60]", op(0x1000, "mov", reg("rax"), mem(insn.Mem{Segment: "gs", Disp: 0x60})), true, segGS},
		{"gs:[0x30]", op(0x1000, "mov", reg("rax"), mem(insn.Mem{Segment: "gs", Disp: 0x30})), false, segGS},
		{"fs with base", op(0x1000, "mov", reg("eax"), mem(insn.Mem{Segment: "fs", Base: "eax", Disp: 0x30})), false, segFS},
		{"flat [0x30]", op(0x1000, "mov", reg("eax"), mem(insn.Mem{Disp: 0x30})), false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locs := single(t, x, tt.in)
			if got := has(locs, peb); got != tt.peb {
				t.Errorf("peb-access = %v, want %v", got, tt.peb)
			}
			for _, seg := range []features.Feature{segFS, segGS} {
				if got, want := has(locs, seg), seg == tt.segment; got != want {
					t.Errorf("%s = %v, want %v", seg, got, want)
				}
			}
		})
	}

	// prefix recorded on the instruction without a memory operand
	in := op(0x1000, "lodsd")
	in.Segment = "gs"
	if !has(single(t, x, in), segGS) {
		t.Error("segment override prefix not reported")
	}
}

func TestCrossSection(t *testing.T) {
	x := testExtractor(t)

	tests := []struct {
		name string
		in   insn.Instruction
		dest uint64
		want bool
	}{
		{"call into .data", branch(0x1500, "call", insn.FlowCall, 0x2500), 0x2500, true},
		{"jump into .data", branch(0x1500, "jmp", insn.FlowJump, 0x2000), 0x2000, true},
		{"call within .text", branch(0x1500, "call", insn.FlowCall, 0x1900), 0, false},
		{"call to import stub", branch(0x1500, "call", insn.FlowCall, pltVA), 0, false},
		{"call to unmapped", branch(0x1500, "call", insn.FlowCall, 0x5000), 0, false},
		{"from unmapped", branch(0x5000, "call", insn.FlowCall, 0x1500), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var found *features.Located
			for _, l := range single(t, x, tt.in) {
				if l.Feature == xsect {
					found = &l
				}
			}
			if (found != nil) != tt.want {
				t.Fatalf("cross-section-flow = %v, want %v", found != nil, tt.want)
			}
			if found != nil && (!found.HasDest || found.Dest != tt.dest) {
				t.Errorf("dest = %#x, want %#x", found.Dest, tt.dest)
			}
		})
	}
}

func TestStrings(t *testing.T) {
	x := testExtractor(t)

	tests := []struct {
		name string
		in   insn.Instruction
		want string
	}{
		{"utf16", op(0x1000, "mov", reg("eax"), abs(utf16VA)), "Hello"},
		{"ascii immediate", op(0x1000, "push", imm(asciiVA)), "Hello, World"},
		{"through pointer", op(0x1000, "mov", reg("eax"), abs(pointerVA)), "Hello, World"},
		{"non-printable", op(0x1000, "mov", reg("eax"), abs(junkVA)), ""},
		{"code section", op(0x1000, "push", imm(0x1000)), ""},
		{"unmapped", op(0x1000, "mov", reg("eax"), abs(0x9000)), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, l := range single(t, x, tt.in) {
				if s, ok := l.Feature.(features.String); ok {
					got = append(got, s.Value)
				}
			}
			if tt.want == "" {
				if len(got) != 0 {
					t.Errorf("strings = %q, want none", got)
				}
				return
			}
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("strings = %q, want [%q]", got, tt.want)
			}
		})
	}
}

func TestStringDerefDepth(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxDerefDepth = 0
	x := New(testWorkspace(t), DefaultHandlers(), policy)
	for _, l := range single(t, x, op(0x1000, "mov", reg("eax"), abs(pointerVA))) {
		if l.Feature.Kind() == "string" {
			t.Errorf("depth 0 still followed the pointer: %s", l.Feature)
		}
	}
}

func TestNumbers(t *testing.T) {
	x := testExtractor(t)

	tests := []struct {
		name string
		in   insn.Instruction
		want []int64
	}{
		{"push", op(0x1000, "push", imm(0x10)), []int64{0x10}},
		{"frame allocation", op(0x1000, "sub", reg("esp"), imm(0x20)), nil},
		{"frame release", op(0x1000, "add", reg("rsp"), imm(0x28)), nil},
		{"add to register", op(0x1000, "add", reg("eax"), imm(0x20)), []int64{0x20}},
		{"ret 0", op(0x1000, "ret", imm(0)), nil},
		{"ret 8", op(0x1000, "ret", imm(8)), []int64{8}},
		{"address", op(0x1000, "mov", reg("eax"), imm(asciiVA)), nil},
		{"negative", op(0x1000, "mov", reg("eax"), imm(-1)), []int64{-1}},
		{"zero", op(0x1000, "mov", reg("eax"), imm(0)), []int64{0}},
		{"enter", op(0x1000, "enter", imm(0x10), imm(0)), []int64{0x10, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int64
			for _, l := range single(t, x, tt.in) {
				if n, ok := l.Feature.(features.Number); ok {
					got = append(got, n.Value)
				}
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("numbers = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOffsets(t *testing.T) {
	x := testExtractor(t)

	tests := []struct {
		name string
		m    insn.Mem
		want []int64
	}{
		{"field", insn.Mem{Base: "esi", Disp: 0x10}, []int64{0x10}},
		{"zero displacement", insn.Mem{Base: "esi"}, []int64{0}},
		{"negative", insn.Mem{Base: "rcx", Disp: -8}, []int64{-8}},
		{"frame", insn.Mem{Base: "ebp", Disp: -4}, nil},
		{"stack", insn.Mem{Base: "rsp", Disp: 0x28}, nil},
		{"indexed", insn.Mem{Base: "esi", Index: "ecx", Scale: 4, Disp: 8}, nil},
		{"segment", insn.Mem{Segment: "fs", Base: "esi", Disp: 8}, nil},
		{"rip relative", insn.Mem{Base: "rip", Disp: 0x100, Addr: 0x1102, HasAddr: true}, nil},
		{"absolute", insn.Mem{Disp: 0x30}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int64
			for _, l := range single(t, x, op(0x1000, "mov", reg("eax"), mem(tt.m))) {
				if o, ok := l.Feature.(features.Offset); ok {
					got = append(got, o.Value)
				}
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("offsets = %v, want %v", got, tt.want)
			}
		})
	}
}

type thunkMap map[uint64]uint64

func (m thunkMap) ThunkSlot(va uint64) (uint64, bool) {
	slot, ok := m[va]
	return slot, ok
}

func TestAPI(t *testing.T) {
	x := testExtractor(t, WithThunks(thunkMap{thunkVA: iatVA}))

	indirect := func(mnemonic string, flow insn.Flow, o insn.Operand) insn.Instruction {
		return insn.Instruction{VA: 0x1000, Size: 6, Mnemonic: mnemonic, Flow: flow, Operands: []insn.Operand{o}}
	}

	tests := []struct {
		name string
		in   insn.Instruction
		want []string
	}{
		{"call through IAT", indirect("call", insn.FlowCall, abs(iatVA)), []string{"kernel32.CreateFileW", "CreateFileW"}},
		{"tail jump through IAT", indirect("jmp", insn.FlowJump, abs(iatVA)), []string{"kernel32.CreateFileW", "CreateFileW"}},
		{"call PLT stub", branch(0x1000, "call", insn.FlowCall, pltVA), []string{"printf"}},
		{"call thunk", branch(0x1000, "call", insn.FlowCall, thunkVA), []string{"kernel32.CreateFileW", "CreateFileW"}},
		{"call named function", branch(0x1000, "call", insn.FlowCall, helperVA), []string{"helper"}},
		{"jump to named function", branch(0x1000, "jmp", insn.FlowJump, helperVA), nil},
		{"register indirect", indirect("call", insn.FlowCall, reg("eax")), nil},
		{"unknown slot", indirect("call", insn.FlowCall, abs(0x2800)), nil},
		{"load from IAT", op(0x1000, "mov", reg("eax"), abs(iatVA)), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, l := range single(t, x, tt.in) {
				if a, ok := l.Feature.(features.API); ok {
					got = append(got, a.Name)
				}
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("apis = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCallsFrom(t *testing.T) {
	x := testExtractor(t)

	tests := []struct {
		name string
		in   insn.Instruction
		dest uint64
		want bool
	}{
		{"direct", branch(0x1000, "call", insn.FlowCall, helperVA), helperVA, true},
		{"through slot", insn.Instruction{VA: 0x1000, Size: 6, Mnemonic: "call", Flow: insn.FlowCall, Operands: []insn.Operand{abs(iatVA)}}, iatVA, true},
		{"register", insn.Instruction{VA: 0x1000, Size: 2, Mnemonic: "call", Flow: insn.FlowCall, Operands: []insn.Operand{reg("eax")}}, 0, false},
		{"jump", branch(0x1000, "jmp", insn.FlowJump, helperVA), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var edges []features.Located
			for _, l := range single(t, x, tt.in) {
				if l.Feature == callsF {
					edges = append(edges, l)
				}
			}
			if (len(edges) == 1) != tt.want {
				t.Fatalf("calls-from edges = %v", edges)
			}
			if tt.want && (!edges[0].HasDest || edges[0].Dest != tt.dest) {
				t.Errorf("dest = %#x, want %#x", edges[0].Dest, tt.dest)
			}
		})
	}
}
