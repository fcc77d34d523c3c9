// Package workspace holds the per-binary analysis context: the section map,
// the import table and the symbol table, built once and shared read-only by
// every handler and worker.
package workspace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// ErrOutOfBounds is returned for reads outside a mapped, readable section.
var ErrOutOfBounds = errors.New("workspace: address out of bounds")

// Perm is a section permission bitset.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermR != 0 {
		b[0] = 'r'
	}
	if p&PermW != 0 {
		b[1] = 'w'
	}
	if p&PermX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Section is a mapped address range [Start, End).
type Section struct {
	Name  string
	Start uint64
	End   uint64
	Perm  Perm
}

// Contains reports whether va lies inside s.
func (s Section) Contains(va uint64) bool { return va >= s.Start && va < s.End }

// Size is the mapped length of s.
func (s Section) Size() uint64 { return s.End - s.Start }

// Import is an imported function reachable through the slot (IAT entry,
// GOT entry or PLT stub) at VA.
type Import struct {
	VA      uint64
	Library string
	Name    string
}

// Names returns the API spellings for the import: "library.Name" and the
// bare "Name". Ordinal imports (#N) only have the qualified spelling, and
// imports without a library only the bare one.
func (im Import) Names() []string {
	lib := NormalizeLibrary(im.Library)
	switch {
	case lib == "":
		return []string{im.Name}
	case strings.HasPrefix(im.Name, "#"):
		return []string{lib + "." + im.Name}
	}
	return []string{lib + "." + im.Name, im.Name}
}

// NormalizeLibrary lower-cases a library name and drops its extension.
func NormalizeLibrary(lib string) string {
	lib = strings.ToLower(lib)
	return strings.TrimSuffix(lib, path.Ext(lib))
}

// Symbol is a named address. Func marks function symbols.
type Symbol struct {
	VA   uint64
	Name string
	Func bool
}

// Source is a loaded binary.
type Source interface {
	// Identity names the binary in diagnostics, usually its path.
	Identity() string
	// Format is the container format, e.g. elf or pe.
	Format() string
	// Arch is x86, x86_64 or arm64.
	Arch() string
	Entry() uint64
	Sections() ([]Section, error)
	Imports() ([]Import, error)
	Symbols() ([]Symbol, error)
	// ReadVA reads n bytes at va; the range must lie inside one section.
	ReadVA(va uint64, n int) ([]byte, error)
}

// CacheBuildError reports that one of the workspace tables could not be
// built. It is fatal for the binary.
type CacheBuildError struct {
	Binary string
	Cache  string
	Err    error
}

func (e *CacheBuildError) Error() string {
	return fmt.Sprintf("workspace: build %s table for %s: %v", e.Cache, e.Binary, e.Err)
}

func (e *CacheBuildError) Unwrap() error { return e.Err }

// Workspace is safe for concurrent use once constructed.
type Workspace struct {
	src      Source
	sections []Section

	importsOnce sync.Once
	imports     map[uint64]Import
	importsErr  error

	symbolsOnce sync.Once
	symbols     map[uint64]Symbol
	symbolsErr  error
}

// New builds the section table of src. Imports and symbols are built on
// first use, or eagerly by Prepare.
func New(src Source) (*Workspace, error) {
	secs, err := src.Sections()
	if err != nil {
		return nil, &CacheBuildError{Binary: src.Identity(), Cache: "section", Err: err}
	}
	sorted := make([]Section, 0, len(secs))
	for _, s := range secs {
		if s.End > s.Start {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	// drop sections overlapping an earlier one so lookups stay a binary search
	w := &Workspace{src: src}
	for _, s := range sorted {
		if n := len(w.sections); n > 0 && s.Start < w.sections[n-1].End {
			continue
		}
		w.sections = append(w.sections, s)
	}
	return w, nil
}

// Prepare builds the import and symbol tables now, so that a broken table
// fails the binary before any function is extracted.
func (w *Workspace) Prepare() error {
	w.buildImports()
	if w.importsErr != nil {
		return w.importsErr
	}
	w.buildSymbols()
	return w.symbolsErr
}

func (w *Workspace) buildImports() {
	w.importsOnce.Do(func() {
		list, err := w.src.Imports()
		if err != nil {
			w.importsErr = &CacheBuildError{Binary: w.src.Identity(), Cache: "import", Err: err}
			w.imports = map[uint64]Import{}
			return
		}
		w.imports = make(map[uint64]Import, len(list))
		for _, im := range list {
			if _, dup := w.imports[im.VA]; !dup {
				w.imports[im.VA] = im
			}
		}
	})
}

func (w *Workspace) buildSymbols() {
	w.symbolsOnce.Do(func() {
		list, err := w.src.Symbols()
		if err != nil {
			w.symbolsErr = &CacheBuildError{Binary: w.src.Identity(), Cache: "symbol", Err: err}
			w.symbols = map[uint64]Symbol{}
			return
		}
		w.symbols = make(map[uint64]Symbol, len(list))
		for _, s := range list {
			if s.Name == "" {
				continue
			}
			// first name wins; any alias marks the address a function
			if prev, dup := w.symbols[s.VA]; dup {
				prev.Func = prev.Func || s.Func
				w.symbols[s.VA] = prev
				continue
			}
			w.symbols[s.VA] = s
		}
	})
}

// ResolveImport returns the import whose slot is at va.
func (w *Workspace) ResolveImport(va uint64) (Import, bool) {
	w.buildImports()
	im, ok := w.imports[va]
	return im, ok
}

// Imports returns every import ordered by slot address.
func (w *Workspace) Imports() []Import {
	w.buildImports()
	out := make([]Import, 0, len(w.imports))
	for _, im := range w.imports {
		out = append(out, im)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VA < out[j].VA })
	return out
}

// SymbolAt returns the name of the symbol at va.
func (w *Workspace) SymbolAt(va uint64) (string, bool) {
	w.buildSymbols()
	s, ok := w.symbols[va]
	return s.Name, ok
}

// Symbols returns the named addresses ordered by address.
func (w *Workspace) Symbols() []Symbol {
	w.buildSymbols()
	out := make([]Symbol, 0, len(w.symbols))
	for _, s := range w.symbols {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VA < out[j].VA })
	return out
}

// SectionFor returns the section containing va.
func (w *Workspace) SectionFor(va uint64) (Section, bool) {
	i := sort.Search(len(w.sections), func(i int) bool { return w.sections[i].End > va })
	if i < len(w.sections) && w.sections[i].Start <= va {
		return w.sections[i], true
	}
	return Section{}, false
}

// Sections returns the section table in address order.
func (w *Workspace) Sections() []Section {
	return append([]Section(nil), w.sections...)
}

// Executable reports whether va lies in an executable section.
func (w *Workspace) Executable(va uint64) bool {
	s, ok := w.SectionFor(va)
	return ok && s.Perm&PermX != 0
}

// ReadBytes reads exactly n bytes at va.
func (w *Workspace) ReadBytes(va uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrOutOfBounds, n)
	}
	s, ok := w.SectionFor(va)
	if !ok || s.Perm&PermR == 0 {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfBounds, va)
	}
	if uint64(n) > s.End-va {
		return nil, fmt.Errorf("%w: %#x+%d past %s", ErrOutOfBounds, va, n, s.Name)
	}
	b, err := w.src.ReadVA(va, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %#x: %v", ErrOutOfBounds, va, err)
	}
	return b, nil
}

// ReadUpTo reads at most limit bytes at va, clamped to the end of the
// containing section.
func (w *Workspace) ReadUpTo(va uint64, limit int) ([]byte, error) {
	s, ok := w.SectionFor(va)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfBounds, va)
	}
	if left := s.End - va; uint64(limit) > left {
		limit = int(left)
	}
	return w.ReadBytes(va, limit)
}

// PointerSize is 4 for 32-bit binaries and 8 otherwise.
func (w *Workspace) PointerSize() int {
	if w.src.Arch() == "x86" {
		return 4
	}
	return 8
}

// ReadPointer reads a little-endian pointer at va.
func (w *Workspace) ReadPointer(va uint64) (uint64, error) {
	size := w.PointerSize()
	b, err := w.ReadBytes(va, size)
	if err != nil {
		return 0, err
	}
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (w *Workspace) Identity() string { return w.src.Identity() }
func (w *Workspace) Format() string   { return w.src.Format() }
func (w *Workspace) Arch() string     { return w.src.Arch() }
func (w *Workspace) Entry() uint64    { return w.src.Entry() }
