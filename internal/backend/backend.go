// Package backend discovers functions and basic blocks in a workspace using
// an architecture decoder.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/Ana06/capa/internal/insn"
	"github.com/Ana06/capa/internal/workspace"
)

// ErrNotCode is returned for function addresses outside executable sections.
var ErrNotCode = errors.New("backend: address is not in an executable section")

const defaultMaxFunctionInsns = 100_000

// Decoder decodes a single instruction. Decode never fails: undecodable
// bytes come back as an instruction whose Err wraps insn.ErrMalformed.
type Decoder interface {
	Arch() string
	MaxInsnSize() int
	Decode(va uint64, code []byte) insn.Instruction
}

// Resolver is implemented by decoders whose operands can only be completed
// from the previous instruction of the same block.
type Resolver interface {
	Resolve(prev, in *insn.Instruction)
}

// Disassembler implements insn.Backend by recursive descent over the
// executable sections of a workspace.
type Disassembler struct {
	ws       *workspace.Workspace
	dec      Decoder
	maxInsns int
	logger   *log.Logger

	once  sync.Once
	funcs []uint64
	err   error

	cache sync.Map // uint64 -> *insn.Function
}

// Option configures a Disassembler.
type Option func(*Disassembler)

// WithMaxFunctionInsns bounds the instructions decoded per function.
func WithMaxFunctionInsns(n int) Option {
	return func(d *Disassembler) {
		if n > 0 {
			d.maxInsns = n
		}
	}
}

// WithLogger sets the logger for discovery progress.
func WithLogger(l *log.Logger) Option {
	return func(d *Disassembler) { d.logger = l }
}

// New returns a Disassembler decoding ws with dec.
func New(ws *workspace.Workspace, dec Decoder, opts ...Option) *Disassembler {
	d := &Disassembler{
		ws:       ws,
		dec:      dec,
		maxInsns: defaultMaxFunctionInsns,
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Disassembler) Arch() string { return d.dec.Arch() }

// Functions returns every function entry in ascending order: the program
// entry point, named function symbols in executable sections, and the
// direct call targets found while exploring them. Discovery runs once.
func (d *Disassembler) Functions(ctx context.Context) ([]uint64, error) {
	d.once.Do(func() { d.funcs, d.err = d.discover(ctx) })
	if d.err != nil {
		return nil, d.err
	}
	return slices.Clone(d.funcs), nil
}

func (d *Disassembler) discover(ctx context.Context) ([]uint64, error) {
	seen := map[uint64]bool{}
	var work []uint64
	push := func(va uint64) {
		if seen[va] || !d.ws.Executable(va) {
			return
		}
		if _, ok := d.ws.ResolveImport(va); ok {
			return
		}
		seen[va] = true
		work = append(work, va)
	}

	push(d.ws.Entry())
	for _, s := range d.ws.Symbols() {
		if s.Func {
			push(s.VA)
		}
	}

	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		va := work[len(work)-1]
		work = work[:len(work)-1]

		f, calls := d.build(va)
		d.cache.Store(va, f)
		for _, c := range calls {
			push(c)
		}
	}

	funcs := make([]uint64, 0, len(seen))
	for va := range seen {
		funcs = append(funcs, va)
	}
	slices.Sort(funcs)
	d.logger.Debug("discovered functions", "count", len(funcs), "arch", d.dec.Arch())
	return funcs, nil
}

// Function disassembles the function at va.
func (d *Disassembler) Function(ctx context.Context, va uint64) (*insn.Function, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f, ok := d.cache.Load(va); ok {
		return f.(*insn.Function), nil
	}
	if !d.ws.Executable(va) {
		return nil, fmt.Errorf("%w: %#x", ErrNotCode, va)
	}
	f, _ := d.build(va)
	d.cache.Store(va, f)
	return f, nil
}

// ThunkSlot reports the import slot of a lone jmp [slot] at va.
func (d *Disassembler) ThunkSlot(va uint64) (uint64, bool) {
	if !d.ws.Executable(va) {
		return 0, false
	}
	code, err := d.ws.ReadUpTo(va, d.dec.MaxInsnSize())
	if err != nil {
		return 0, false
	}
	in := d.dec.Decode(va, code)
	if in.Err != nil || in.Flow != insn.FlowJump || in.HasTarget || len(in.Operands) != 1 {
		return 0, false
	}
	if op := in.Operands[0]; op.Kind == insn.KindMem && op.Mem.HasAddr {
		return op.Mem.Addr, true
	}
	return 0, false
}

// build explores the function at entry and returns it with the direct call
// targets it contains.
func (d *Disassembler) build(entry uint64) (*insn.Function, []uint64) {
	insns := map[uint64]insn.Instruction{}
	leaders := map[uint64]bool{entry: true}
	var calls []uint64

	work := []uint64{entry}
	for len(work) > 0 && len(insns) < d.maxInsns {
		va := work[len(work)-1]
		work = work[:len(work)-1]

		for len(insns) < d.maxInsns {
			if _, ok := insns[va]; ok || !d.ws.Executable(va) {
				break
			}
			code, err := d.ws.ReadUpTo(va, d.dec.MaxInsnSize())
			if err != nil || len(code) == 0 {
				break
			}
			in := d.dec.Decode(va, code)
			insns[va] = in
			if in.Malformed() {
				break
			}

			if in.HasTarget {
				switch in.Flow {
				case insn.FlowCall:
					calls = append(calls, in.Target)
				case insn.FlowJump, insn.FlowCondJump:
					if d.followJump(entry, in.Target) {
						leaders[in.Target] = true
						work = append(work, in.Target)
					}
				}
			}

			if in.Flow == insn.FlowJump || in.Flow == insn.FlowReturn {
				break
			}
			if in.Flow == insn.FlowCondJump {
				leaders[in.Next()] = true
			}
			va = in.Next()
		}
	}

	name, ok := d.ws.SymbolAt(entry)
	if !ok {
		name = fmt.Sprintf("sub_%x", entry)
	}
	blocks := partition(entry, insns, leaders)
	if r, ok := d.dec.(Resolver); ok {
		for b := range blocks {
			bb := &blocks[b]
			for i := 1; i < len(bb.Insns); i++ {
				r.Resolve(&bb.Insns[i-1], &bb.Insns[i])
			}
		}
	}
	return &insn.Function{VA: entry, Name: name, Blocks: blocks}, calls
}

// followJump reports whether a jump target belongs to the current function.
// Jumps into imports or onto other named functions are tail calls.
func (d *Disassembler) followJump(entry, target uint64) bool {
	if target == entry || !d.ws.Executable(target) {
		return false
	}
	if _, ok := d.ws.ResolveImport(target); ok {
		return false
	}
	if _, ok := d.ws.SymbolAt(target); ok {
		return false
	}
	return true
}

// partition splits the decoded instructions into blocks in address order
// and moves the entry block first. A block ends before a leader, after a
// terminator or malformed instruction, and at any gap.
func partition(entry uint64, insns map[uint64]insn.Instruction, leaders map[uint64]bool) []insn.BasicBlock {
	vas := make([]uint64, 0, len(insns))
	for va := range insns {
		vas = append(vas, va)
	}
	slices.Sort(vas)

	var blocks []insn.BasicBlock
	var prev *insn.Instruction
	for _, va := range vas {
		in := insns[va]
		split := prev == nil || leaders[va] || prev.Next() != va || prev.Flow.Terminates() || prev.Malformed()
		if split {
			blocks = append(blocks, insn.BasicBlock{VA: va})
		}
		last := &blocks[len(blocks)-1]
		last.Insns = append(last.Insns, in)
		prev = &last.Insns[len(last.Insns)-1]
	}

	for i := range blocks {
		if blocks[i].VA == entry && i > 0 {
			e := blocks[i]
			copy(blocks[1:i+1], blocks[:i])
			blocks[0] = e
			break
		}
	}
	return blocks
}
