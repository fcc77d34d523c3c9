package extract

import (
	"fmt"
	"slices"
	"testing"

	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
	"github.com/Ana06/capa/internal/workspace"
)

// Layout of the synthetic 32-bit binary used by the tests:
//
//	.text  [0x1000, 0x2000)  r-x   helper at 0x1500, printf PLT stub at 0x1800
//	.data  [0x2000, 0x3000)  rw-   strings, a pointer, the IAT at 0x2400
const (
	asciiVA   = 0x2010
	utf16VA   = 0x2100
	pointerVA = 0x2200
	junkVA    = 0x2300
	iatVA     = 0x2400
	helperVA  = 0x1500
	thunkVA   = 0x1700
	pltVA     = 0x1800
)

func utf16z(s string) []byte {
	var b []byte
	for _, r := range s {
		b = append(b, byte(r), byte(r>>8))
	}
	return append(b, 0, 0)
}

func testMemory() *workspace.Memory {
	data := make([]byte, 0x1000)
	copy(data[asciiVA-0x2000:], "Hello, World\x00")
	copy(data[utf16VA-0x2000:], utf16z("Hello"))
	copy(data[pointerVA-0x2000:], []byte{0x10, 0x20, 0x00, 0x00})
	copy(data[junkVA-0x2000:], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})

	return &workspace.Memory{
		Name:     "synthetic.exe",
		ArchName: "x86",
		EntryVA:  0x1000,
		Regions: []workspace.Region{
			{Section: workspace.Section{Name: ".text", Start: 0x1000, End: 0x2000, Perm: workspace.PermR | workspace.PermX}},
			{Section: workspace.Section{Name: ".data", Start: 0x2000, End: 0x3000, Perm: workspace.PermR | workspace.PermW}, Data: data},
		},
		Imps: []workspace.Import{
			{VA: iatVA, Library: "KERNEL32.dll", Name: "CreateFileW"},
			{VA: pltVA, Name: "printf"},
		},
		Syms: []workspace.Symbol{{VA: helperVA, Name: "helper", Func: true}},
	}
}

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(testMemory())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	if err := ws.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return ws
}

func testExtractor(t *testing.T, opts ...Option) *Extractor {
	t.Helper()
	return New(testWorkspace(t), DefaultHandlers(), DefaultPolicy(), opts...)
}

func reg(name string) insn.Operand { return insn.Reg(name) }
func imm(v int64) insn.Operand     { return insn.Imm(v) }
func mem(m insn.Mem) insn.Operand  { return insn.MemOp(m) }

// abs is an absolute memory reference such as [0x2400].
func abs(va uint64) insn.Operand {
	return insn.MemOp(insn.Mem{Disp: int64(va), Addr: va, HasAddr: true})
}

func op(va uint64, mnemonic string, ops ...insn.Operand) insn.Instruction {
	return insn.Instruction{VA: va, Size: 2, Mnemonic: mnemonic, Operands: ops}
}

func branch(va uint64, mnemonic string, flow insn.Flow, target uint64) insn.Instruction {
	return insn.Instruction{VA: va, Size: 5, Mnemonic: mnemonic, Flow: flow, Target: target, HasTarget: true}
}

func function(va uint64, blocks ...[]insn.Instruction) *insn.Function {
	f := &insn.Function{VA: va, Name: fmt.Sprintf("sub_%x", va)}
	for _, b := range blocks {
		f.Blocks = append(f.Blocks, insn.BasicBlock{VA: b[0].VA, Insns: b})
	}
	return f
}

// single extracts the features of one instruction placed in its own
// function.
func single(t *testing.T, x *Extractor, in insn.Instruction) []features.Located {
	t.Helper()
	return slices.Collect(x.Function(function(in.VA, []insn.Instruction{in})))
}

func has(locs []features.Located, f features.Feature) bool {
	for _, l := range locs {
		if l.Feature == f {
			return true
		}
	}
	return false
}

func featureStrings(locs []features.Located) []string {
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l.Feature.String()
	}
	return out
}

var (
	nzxor  = features.Characteristic{Tag: features.NZXOR}
	peb    = features.Characteristic{Tag: features.PEBAccess}
	segFS  = features.Characteristic{Tag: features.SegmentAccessFS}
	segGS  = features.Characteristic{Tag: features.SegmentAccessGS}
	xsect  = features.Characteristic{Tag: features.CrossSectionFlow}
	callsF = features.Characteristic{Tag: features.CallsFrom}
)

func TestHandlerOrder(t *testing.T) {
	want := []string{"api", "number", "string", "offset", "nzxor", "mnemonic", "peb", "cross-section", "segment", "calls-from"}
	got := HandlerNames(DefaultHandlers())
	if !slices.Equal(got, want) {
		t.Errorf("handler order = %v, want %v", got, want)
	}
}

func TestFeatureOrderWithinInstruction(t *testing.T) {
	x := testExtractor(t)

	tests := []struct {
		name string
		in   insn.Instruction
		want []string
	}{
		{
			name: "xor",
			in:   op(0x1000, "xor", reg("eax"), reg("ebx")),
			want: []string{"characteristic(nzxor)", "mnemonic(xor)"},
		},
		{
			name: "peb load",
			in:   op(0x1000, "mov", reg("eax"), mem(insn.Mem{Segment: "fs", Disp: 0x30})),
			want: []string{"mnemonic(mov)", "characteristic(peb-access)", "characteristic(segment-access-fs)"},
		},
		{
			name: "import call",
			in:   insn.Instruction{VA: 0x1000, Size: 6, Mnemonic: "call", Flow: insn.FlowCall, Operands: []insn.Operand{abs(iatVA)}},
			want: []string{
				"api(kernel32.CreateFileW)", "api(CreateFileW)", "mnemonic(call)", "characteristic(calls-from)",
			},
		},
		{
			name: "field store",
			in:   op(0x1000, "mov", mem(insn.Mem{Base: "esi", Disp: 0x10}), imm(7)),
			want: []string{"number(0x7)", "offset(0x10)", "mnemonic(mov)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := featureStrings(single(t, x, tt.in))
			if !slices.Equal(got, tt.want) {
				t.Errorf("features = %v, want %v", got, tt.want)
			}
		})
	}
}

func sampleFunction() *insn.Function {
	return function(0x1000,
		[]insn.Instruction{
			op(0x1000, "push", reg("ebp")),
			op(0x1002, "mov", reg("ebp"), reg("esp")),
			op(0x1004, "sub", reg("esp"), imm(0x40)),
			op(0x1006, "push", imm(asciiVA)),
			insn.Instruction{VA: 0x1008, Size: 6, Mnemonic: "call", Flow: insn.FlowCall, Operands: []insn.Operand{abs(iatVA)}},
			op(0x100e, "mov", reg("eax"), mem(insn.Mem{Segment: "fs", Disp: 0x30})),
			op(0x1010, "mov", reg("ecx"), mem(insn.Mem{Base: "eax", Disp: 0xc})),
			op(0x1012, "xor", reg("ecx"), reg("edx")),
			insn.Instruction{VA: 0x1014, Size: 2, Mnemonic: "jne", Flow: insn.FlowCondJump, Target: 0x1020, HasTarget: true},
		},
		[]insn.Instruction{
			branch(0x1016, "call", insn.FlowCall, pltVA),
			branch(0x101b, "call", insn.FlowCall, 0x2500),
		},
		[]insn.Instruction{
			op(0x1020, "xor", reg("eax"), reg("eax")),
			insn.Instruction{VA: 0x1022, Size: 1, Mnemonic: "ret", Flow: insn.FlowReturn},
		},
	)
}

func TestDeterminism(t *testing.T) {
	f := sampleFunction()
	first := slices.Collect(testExtractor(t).Function(f))
	if len(first) == 0 {
		t.Fatal("no features extracted")
	}
	for i := 0; i < 5; i++ {
		again := slices.Collect(testExtractor(t).Function(f))
		if !slices.Equal(first, again) {
			t.Fatalf("run %d differs:\n%v\n%v", i, first, again)
		}
	}
}

func TestFunctionSequenceIsRestartable(t *testing.T) {
	seq := testExtractor(t).Function(sampleFunction())
	a := slices.Collect(seq)
	b := slices.Collect(seq)
	if !slices.Equal(a, b) {
		t.Fatalf("second iteration differs")
	}

	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("early stop yielded %d features, want 3", n)
	}
}

func TestPartialFailure(t *testing.T) {
	var insns []insn.Instruction
	for i := 0; i < 10; i++ {
		va := uint64(0x1000 + 2*i)
		if i == 4 {
			insns = append(insns, insn.Instruction{VA: va, Size: 1, Err: fmt.Errorf("%w at %#x", insn.ErrMalformed, va)})
			continue
		}
		insns = append(insns, op(va, "push", imm(int64(i+1))))
	}

	locs := slices.Collect(testExtractor(t).Function(function(0x1000, insns)))

	mnemonics := 0
	for _, l := range locs {
		if l.VA == 0x1008 {
			t.Errorf("malformed instruction produced %s", l.Feature)
		}
		if l.Feature == (features.Mnemonic{Name: "push"}) {
			mnemonics++
		}
	}
	if mnemonics != 9 {
		t.Errorf("got %d push mnemonics, want 9", mnemonics)
	}
	if !has(locs, features.Number{Value: 10}) {
		t.Error("instructions after the malformed one were not extracted")
	}
}

func TestUnsupportedOperands(t *testing.T) {
	in := op(0x1000, "vfoo", reg("xmm0"), imm(5))
	in.Err = insn.ErrUnsupported

	got := featureStrings(single(t, testExtractor(t), in))
	if !slices.Equal(got, []string{"mnemonic(vfoo)"}) {
		t.Errorf("features = %v, want only the mnemonic", got)
	}
}
