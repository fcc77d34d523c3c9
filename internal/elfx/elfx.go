// Package elfx opens ELF binaries as workspace sources: allocated sections,
// function symbols, and imports recovered from PLT stubs and GOT
// relocations.
package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/Ana06/capa/internal/workspace"
)

var (
	ErrNotELF          = errors.New("elfx: not an ELF file")
	ErrUnsupportedArch = errors.New("elfx: unsupported machine")
)

var machines = map[elf.Machine]string{
	elf.EM_386:     "x86",
	elf.EM_X86_64:  "x86_64",
	elf.EM_AARCH64: "arm64",
}

type Image struct {
	Path     string
	File     *elf.File
	All      []byte
	Loads    []Seg
	PLTStubs []PLTStub
	PLTRels  []PLTRel

	arch     string
	sections []mapped
	dynsyms  []elf.Symbol
	syms     []workspace.Symbol
	f        *os.File
}

type Seg struct {
	Vaddr, Off, Filesz, Memsz uint64
	Flags                     elf.ProgFlag
}

// mapped is an allocated section and where its bytes live in the file.
// Bytes past FileSize read as zero.
type mapped struct {
	workspace.Section
	Off      uint64
	FileSize uint64
}

type PLTStub struct {
	Addr    uint64
	GOTAddr uint64
}

// PLTRel is a JUMP_SLOT or GLOB_DAT relocation against an imported
// function. PLTAddr is zero when no stub jumps through the slot.
type PLTRel struct {
	Offset   uint64
	SymIndex uint32
	SymName  string
	PLTAddr  uint64
}

func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	arch, ok := machines[f.Machine]
	if !ok {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, f.Machine)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, arch: arch, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Flags:  p.Flags,
		})
	}

	im.loadSections()
	im.loadSymbols()
	im.parsePLTStubs()
	if err := im.parseRelocations(); err != nil {
		im.Close()
		return nil, err
	}
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// loadSections maps SHF_ALLOC sections, or PT_LOAD segments when the
// section headers are stripped.
func (im *Image) loadSections() {
	for _, s := range im.File.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 || s.Addr == 0 {
			continue
		}
		// .tbss overlaps whatever follows it
		if s.Flags&elf.SHF_TLS != 0 && s.Type == elf.SHT_NOBITS {
			continue
		}
		perm := workspace.PermR
		if s.Flags&elf.SHF_WRITE != 0 {
			perm |= workspace.PermW
		}
		if s.Flags&elf.SHF_EXECINSTR != 0 {
			perm |= workspace.PermX
		}
		m := mapped{
			Section:  workspace.Section{Name: s.Name, Start: s.Addr, End: s.Addr + s.Size, Perm: perm},
			Off:      s.Offset,
			FileSize: s.Size,
		}
		if s.Type == elf.SHT_NOBITS {
			m.FileSize = 0
		}
		im.sections = append(im.sections, m)
	}
	if len(im.sections) > 0 {
		return
	}

	for i, l := range im.Loads {
		if l.Memsz == 0 {
			continue
		}
		var perm workspace.Perm
		if l.Flags&elf.PF_R != 0 {
			perm |= workspace.PermR
		}
		if l.Flags&elf.PF_W != 0 {
			perm |= workspace.PermW
		}
		if l.Flags&elf.PF_X != 0 {
			perm |= workspace.PermX
		}
		im.sections = append(im.sections, mapped{
			Section:  workspace.Section{Name: fmt.Sprintf("LOAD%d", i), Start: l.Vaddr, End: l.Vaddr + l.Memsz, Perm: perm},
			Off:      l.Off,
			FileSize: l.Filesz,
		})
	}
}

func (im *Image) section(name string) *mapped {
	for i := range im.sections {
		if im.sections[i].Name == name {
			return &im.sections[i]
		}
	}
	return nil
}

// loadSymbols collects defined functions from .dynsym and .symtab. A
// stripped binary simply has none.
func (im *Image) loadSymbols() {
	im.dynsyms, _ = im.File.DynamicSymbols()
	static, _ := im.File.Symbols()

	seen := map[uint64]bool{}
	for _, table := range [][]elf.Symbol{im.dynsyms, static} {
		for _, sym := range table {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF || sym.Value == 0 || sym.Name == "" {
				continue
			}
			if seen[sym.Value] {
				continue
			}
			seen[sym.Value] = true
			im.syms = append(im.syms, workspace.Symbol{VA: sym.Value, Name: sym.Name, Func: true})
		}
	}
}

// pltSections lists the stub sections and their entry stride.
var pltSections = []struct {
	name   string
	stride uint64
}{
	{".plt", 16},
	{".plt.sec", 16},
	{".plt.got", 8},
}

// parsePLTStubs decodes every stub that jumps through a GOT slot. The
// resolver entry and lazy-binding stubs do not match and are skipped.
func (im *Image) parsePLTStubs() {
	var gotPLT uint64
	if s := im.section(".got.plt"); s != nil {
		gotPLT = s.Start
	} else if s := im.section(".got"); s != nil {
		gotPLT = s.Start
	}

	for _, ps := range pltSections {
		s := im.section(ps.name)
		if s == nil {
			continue
		}
		for va := s.Start; va+ps.stride <= s.End; va += ps.stride {
			b, err := im.ReadVA(va, int(ps.stride))
			if err != nil {
				break
			}
			if got, ok := stubSlot(im.arch, va, b, gotPLT); ok {
				im.PLTStubs = append(im.PLTStubs, PLTStub{Addr: va, GOTAddr: got})
			}
		}
	}
}

var (
	endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}
	endbr32 = []byte{0xf3, 0x0f, 0x1e, 0xfb}
)

// stubSlot returns the GOT slot a PLT stub at va jumps through. gotPLT is
// the address held in ebx by i386 PIC stubs.
func stubSlot(arch string, va uint64, b []byte, gotPLT uint64) (uint64, bool) {
	switch arch {
	case "x86_64":
		if bytes.HasPrefix(b, endbr64) {
			b, va = b[4:], va+4
		}
		n := 0
		if len(b) > 0 && b[0] == 0xf2 { // bnd
			n = 1
		}
		// jmp [rip+rel32]
		if len(b) >= n+6 && b[n] == 0xff && b[n+1] == 0x25 {
			rel := int32(binary.LittleEndian.Uint32(b[n+2:]))
			return uint64(int64(va) + int64(n+6) + int64(rel)), true
		}
	case "x86":
		if bytes.HasPrefix(b, endbr32) {
			b = b[4:]
		}
		if len(b) > 0 && b[0] == 0xf2 {
			b = b[1:]
		}
		if len(b) < 6 || b[0] != 0xff {
			return 0, false
		}
		v := binary.LittleEndian.Uint32(b[2:])
		switch b[1] {
		case 0x25: // jmp [abs32]
			return uint64(v), true
		case 0xa3: // jmp [ebx+disp32]
			if gotPLT == 0 {
				return 0, false
			}
			return uint64(uint32(gotPLT + uint64(int32(v)))), true
		}
	case "arm64":
		return arm64StubSlot(va, b)
	}
	return 0, false
}

// arm64StubSlot parses the standard AArch64 PLT stub:
//
//	adrp x16, <page>
//	ldr  x17, [x16, #offset]
//	add  x16, x16, #offset
//	br   x17
func arm64StubSlot(va uint64, b []byte) (uint64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	adrp := binary.LittleEndian.Uint32(b)
	if adrp&0x9f00001f != 0x90000010 {
		return 0, false
	}
	immLo := (adrp >> 29) & 3
	immHi := (adrp >> 5) & 0x7ffff
	page := int64((immHi << 2) | immLo)
	if page&(1<<20) != 0 {
		page |= ^((1 << 21) - 1)
	}
	page <<= 12

	ldr := binary.LittleEndian.Uint32(b[4:])
	if ldr&0xffc003ff != 0xf9400211 {
		return 0, false
	}
	off := ((ldr >> 10) & 0xfff) << 3
	return uint64(int64(va&^0xfff)+page) + uint64(off), true
}

// reloc is a relocation entry reduced to what import recovery needs.
type reloc struct {
	Offset uint64
	Sym    uint32
	Type   uint32
}

// parseRelocs decodes a REL or RELA section body.
func parseRelocs(class elf.Class, rela bool, order binary.ByteOrder, data []byte) ([]reloc, error) {
	r := bytes.NewReader(data)
	var out []reloc
	switch {
	case class == elf.ELFCLASS64 && rela:
		entries := make([]elf.Rela64, len(data)/24)
		if err := binary.Read(r, order, entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, reloc{Offset: e.Off, Sym: elf.R_SYM64(e.Info), Type: elf.R_TYPE64(e.Info)})
		}
	case class == elf.ELFCLASS64:
		entries := make([]elf.Rel64, len(data)/16)
		if err := binary.Read(r, order, entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, reloc{Offset: e.Off, Sym: elf.R_SYM64(e.Info), Type: elf.R_TYPE64(e.Info)})
		}
	case rela:
		entries := make([]elf.Rela32, len(data)/12)
		if err := binary.Read(r, order, entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, reloc{Offset: uint64(e.Off), Sym: elf.R_SYM32(e.Info), Type: elf.R_TYPE32(e.Info)})
		}
	default:
		entries := make([]elf.Rel32, len(data)/8)
		if err := binary.Read(r, order, entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, reloc{Offset: uint64(e.Off), Sym: elf.R_SYM32(e.Info), Type: elf.R_TYPE32(e.Info)})
		}
	}
	return out, nil
}

// importRelocs are the JUMP_SLOT and GLOB_DAT types per architecture.
var importRelocs = map[string]map[uint32]bool{
	"x86":    {uint32(elf.R_386_JMP_SLOT): true, uint32(elf.R_386_GLOB_DAT): true},
	"x86_64": {uint32(elf.R_X86_64_JMP_SLOT): true, uint32(elf.R_X86_64_GLOB_DAT): true},
	"arm64":  {uint32(elf.R_AARCH64_JUMP_SLOT): true, uint32(elf.R_AARCH64_GLOB_DAT): true},
}

// parseRelocations matches dynamic relocations against undefined function
// symbols and links each slot to the stub that jumps through it.
func (im *Image) parseRelocations() error {
	if len(im.dynsyms) == 0 {
		return nil
	}
	stubs := make(map[uint64]uint64, len(im.PLTStubs))
	for _, s := range im.PLTStubs {
		stubs[s.GOTAddr] = s.Addr
	}

	for _, s := range im.File.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		if int(s.Link) >= len(im.File.Sections) || im.File.Sections[s.Link].Type != elf.SHT_DYNSYM {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return fmt.Errorf("elfx: read %s: %w", s.Name, err)
		}
		relocs, err := parseRelocs(im.File.Class, s.Type == elf.SHT_RELA, im.File.ByteOrder, data)
		if err != nil {
			return fmt.Errorf("elfx: parse %s: %w", s.Name, err)
		}
		for _, r := range relocs {
			if !importRelocs[im.arch][r.Type] || r.Sym == 0 || int(r.Sym) > len(im.dynsyms) {
				continue
			}
			// relocation symbol indices count the null symbol DynamicSymbols drops
			sym := im.dynsyms[r.Sym-1]
			if sym.Section != elf.SHN_UNDEF || sym.Name == "" {
				continue
			}
			if t := elf.ST_TYPE(sym.Info); t != elf.STT_FUNC && t != elf.STT_NOTYPE {
				continue
			}
			im.PLTRels = append(im.PLTRels, PLTRel{
				Offset:   r.Offset,
				SymIndex: r.Sym,
				SymName:  sym.Name,
				PLTAddr:  stubs[r.Offset],
			})
		}
	}
	return nil
}

func (im *Image) Identity() string { return im.Path }
func (im *Image) Format() string   { return "elf" }
func (im *Image) Arch() string     { return im.arch }
func (im *Image) Entry() uint64    { return im.File.Entry }

func (im *Image) Sections() ([]workspace.Section, error) {
	out := make([]workspace.Section, len(im.sections))
	for i, s := range im.sections {
		out[i] = s.Section
	}
	return out, nil
}

// Imports returns one import per GOT slot and one per PLT stub.
func (im *Image) Imports() ([]workspace.Import, error) {
	out := make([]workspace.Import, 0, 2*len(im.PLTRels))
	for _, r := range im.PLTRels {
		out = append(out, workspace.Import{VA: r.Offset, Name: r.SymName})
		if r.PLTAddr != 0 {
			out = append(out, workspace.Import{VA: r.PLTAddr, Name: r.SymName})
		}
	}
	return out, nil
}

func (im *Image) Symbols() ([]workspace.Symbol, error) { return im.syms, nil }

// ReadVA reads n bytes at va from the section containing it. The result
// aliases the mapped file when it is fully file-backed.
func (im *Image) ReadVA(va uint64, n int) ([]byte, error) {
	for _, s := range im.sections {
		if !s.Contains(va) || uint64(n) > s.End-va {
			continue
		}
		rel := va - s.Start
		if rel+uint64(n) <= s.FileSize {
			off := s.Off + rel
			if off+uint64(n) > uint64(len(im.All)) {
				return nil, fmt.Errorf("elfx: %#x+%d past end of file", va, n)
			}
			return im.All[off : off+uint64(n)], nil
		}
		out := make([]byte, n)
		if rel < s.FileSize {
			off := s.Off + rel
			end := min(s.Off+s.FileSize, uint64(len(im.All)))
			if off < end {
				copy(out, im.All[off:end])
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("elfx: %#x+%d not in any section", va, n)
}
