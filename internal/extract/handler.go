// Package extract turns disassembled instructions into features.
//
// Each handler recognises one kind of feature in a single instruction,
// looking at the surrounding basic block only for the few idioms that need
// it. The Extractor runs every handler over every instruction of a function
// and concatenates their output into one lazy stream.
package extract

import (
	"iter"

	"github.com/Ana06/capa/internal/analysis"
	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/insn"
	"github.com/Ana06/capa/internal/workspace"
)

// Policy holds the tunables of the handlers.
type Policy struct {
	// CookieWindow is how many instructions before and after an xor are
	// searched for the security cookie idiom.
	CookieWindow    int
	MinStringLength int
	MaxStringLength int
	MaxDerefDepth   int
}

// DefaultPolicy returns the stock tunables.
func DefaultPolicy() Policy {
	return Policy{
		CookieWindow:    4,
		MinStringLength: analysis.MinStringLength,
		MaxStringLength: analysis.MaxStringLength,
		MaxDerefDepth:   analysis.MaxDerefDepth,
	}
}

// Env is what handlers may consult besides the instruction itself. It is
// read-only and shared by all workers.
type Env struct {
	WS     *workspace.Workspace
	Thunks insn.ThunkResolver
	Policy Policy
}

// HandlerFunc yields the features one instruction exhibits. Handlers are
// stateless: the returned sequence may be ranged over any number of times.
type HandlerFunc func(env *Env, f *insn.Function, bb *insn.BasicBlock, in *insn.Instruction) iter.Seq[features.Located]

// Handler is a named HandlerFunc. Handlers with NeedsOperands set are
// skipped for instructions whose operands the backend could not provide.
type Handler struct {
	Name          string
	Extract       HandlerFunc
	NeedsOperands bool
}

// DefaultHandlers returns the stock handler list in registration order.
// The order fixes the order of features within an instruction.
func DefaultHandlers() []Handler {
	return []Handler{
		{Name: "api", Extract: extractAPI, NeedsOperands: true},
		{Name: "number", Extract: extractNumber, NeedsOperands: true},
		{Name: "string", Extract: extractString, NeedsOperands: true},
		{Name: "offset", Extract: extractOffset, NeedsOperands: true},
		{Name: "nzxor", Extract: extractNZXOR, NeedsOperands: true},
		{Name: "mnemonic", Extract: extractMnemonic},
		{Name: "peb", Extract: extractPEB, NeedsOperands: true},
		{Name: "cross-section", Extract: extractCrossSection, NeedsOperands: true},
		{Name: "segment", Extract: extractSegment, NeedsOperands: true},
		{Name: "calls-from", Extract: extractCallsFrom, NeedsOperands: true},
	}
}

// HandlerNames lists the names of hs in order.
func HandlerNames(hs []Handler) []string {
	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = h.Name
	}
	return names
}

func none(func(features.Located) bool) {}

func one(l features.Located) iter.Seq[features.Located] {
	return func(yield func(features.Located) bool) {
		yield(l)
	}
}

// Register classes shared by several handlers.
var (
	stackPointers = map[string]bool{"esp": true, "rsp": true, "sp": true, "wsp": true}
	framePointers = map[string]bool{"esp": true, "ebp": true, "rsp": true, "rbp": true}
	// bases whose displacements are locals, arguments or code, not fields
	noOffsetBases = map[string]bool{
		"esp": true, "ebp": true, "rsp": true, "rbp": true, "sp": true, "bp": true,
		"eip": true, "rip": true, "x29": true, "wsp": true,
	}
)
