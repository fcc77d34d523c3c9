package extract

import (
	"context"
	"fmt"
	"io"
	"iter"
	"runtime"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
	"github.com/Ana06/capa/internal/workspace"
)

// Extractor runs a handler list over functions of one binary.
type Extractor struct {
	env      Env
	handlers []Handler
	logger   *log.Logger
	workers  int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger for skipped instructions and progress.
func WithLogger(l *log.Logger) Option {
	return func(x *Extractor) { x.logger = l }
}

// WithWorkers bounds how many functions Binary extracts at once.
func WithWorkers(n int) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.workers = n
		}
	}
}

// WithThunks sets the resolver used to see through import thunks.
func WithThunks(r insn.ThunkResolver) Option {
	return func(x *Extractor) { x.env.Thunks = r }
}

// New returns an Extractor over ws. The handler slice is copied.
func New(ws *workspace.Workspace, handlers []Handler, policy Policy, opts ...Option) *Extractor {
	x := &Extractor{
		env:      Env{WS: ws, Policy: policy},
		handlers: append([]Handler(nil), handlers...),
		logger:   log.New(io.Discard),
		workers:  runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Instruction yields the features of one instruction, handler by handler
// in registration order. Malformed instructions yield nothing.
func (x *Extractor) Instruction(f *insn.Function, bb *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located] {
	return func(yield func(features.Located) bool) {
		x.instruction(&x.env, f, bb, in, yield)
	}
}

// Function yields every feature of f: blocks, then instructions, then
// handlers, each in order. The sequence is lazy and may be restarted.
func (x *Extractor) Function(f *insn.Function) iter.Seq[features.Located] {
	return x.function(&x.env, f)
}

func (x *Extractor) function(env *Env, f *insn.Function) iter.Seq[features.Located] {
	return func(yield func(features.Located) bool) {
		for b := range f.Blocks {
			bb := &f.Blocks[b]
			for i := range bb.Insns {
				if !x.instruction(env, f, bb, &bb.Insns[i], yield) {
					return
				}
			}
		}
	}
}

func (x *Extractor) instruction(env *Env, f *insn.Function, bb *insn.BasicBlock, in *insn.Instruction, yield func(features.Located) bool) bool {
	if in.Err != nil && (in.Malformed() || in.Mnemonic == "") {
		x.logger.Debug("skipping instruction", "function", fmt.Sprintf("%#x", f.VA), "va", fmt.Sprintf("%#x", in.VA), "err", in.Err)
		return true
	}
	for _, h := range x.handlers {
		if h.NeedsOperands && !in.HasOperands() {
			continue
		}
		for l := range h.Extract(env, f, bb, in) {
			if !yield(l) {
				return false
			}
		}
	}
	return true
}

// FunctionFeatures is the extraction result of one function. Err is set
// when the backend could not disassemble it.
type FunctionFeatures struct {
	VA       uint64
	Name     string
	Features []features.Located
	Err      error
}

// Binary extracts every function the backend reports, Workers at a time.
// Results keep the backend's function order. Cancellation is observed
// between functions: on cancel the functions finished so far are returned
// together with the context error.
func (x *Extractor) Binary(ctx context.Context, be insn.Backend) ([]FunctionFeatures, error) {
	env := x.env
	if env.Thunks == nil {
		if r, ok := be.(insn.ThunkResolver); ok {
			env.Thunks = r
		}
	}

	start := time.Now()
	funcs, err := be.Functions(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract: list functions: %w", err)
	}
	x.logger.Debug("extracting", "functions", len(funcs), "workers", x.workers, "arch", be.Arch())

	results := make([]FunctionFeatures, len(funcs))
	done := make([]bool, len(funcs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers)
	for i, va := range funcs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = x.extractOne(gctx, &env, be, va)
			done[i] = true
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	if err != nil {
		kept := results[:0]
		for i := range results {
			if done[i] {
				kept = append(kept, results[i])
			}
		}
		return kept, err
	}

	x.logger.Info("extraction finished", "functions", len(results), "elapsed", time.Since(start).Round(time.Millisecond))
	return results, nil
}

func (x *Extractor) extractOne(ctx context.Context, env *Env, be insn.Backend, va uint64) FunctionFeatures {
	f, err := be.Function(ctx, va)
	if err != nil {
		x.logger.Warn("cannot disassemble function", "va", fmt.Sprintf("%#x", va), "err", err)
		return FunctionFeatures{VA: va, Err: err}
	}
	return FunctionFeatures{VA: f.VA, Name: f.Name, Features: slices.Collect(x.function(env, f))}
}
