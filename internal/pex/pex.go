// Package pex opens PE32 and PE32+ images as workspace sources.
package pex

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/Ana06/capa/internal/workspace"
)

var (
	ErrNotPE           = errors.New("pex: not a PE file")
	ErrUnsupportedArch = errors.New("pex: unsupported machine")
)

const (
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000

	// loop bounds for corrupt directories
	maxDescriptors = 4096
	maxThunks      = 1 << 16
)

var machines = map[uint16]string{
	pe.IMAGE_FILE_MACHINE_I386:  "x86",
	pe.IMAGE_FILE_MACHINE_AMD64: "x86_64",
	pe.IMAGE_FILE_MACHINE_ARM64: "arm64",
}

type Image struct {
	Path string
	File *pe.File

	arch      string
	imageBase uint64
	entry     uint64
	sections  []mapped
	imports   []workspace.Import
	symbols   []workspace.Symbol
}

type mapped struct {
	workspace.Section
	data []byte
}

// rvaReader reads image memory by relative virtual address.
type rvaReader interface {
	ReadRVA(rva uint32, n int) ([]byte, error)
}

func Open(path string) (*Image, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrNotPE, err.Error())
	}
	arch, ok := machines[f.FileHeader.Machine]
	if !ok {
		f.Close()
		return nil, errors.Wrapf(ErrUnsupportedArch, "machine %#x", f.FileHeader.Machine)
	}

	im := &Image{Path: path, File: f, arch: arch}
	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		im.imageBase = uint64(oh.ImageBase)
		im.entry = im.imageBase + uint64(oh.AddressOfEntryPoint)
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
	case *pe.OptionalHeader64:
		im.imageBase = oh.ImageBase
		im.entry = im.imageBase + uint64(oh.AddressOfEntryPoint)
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
	default:
		f.Close()
		return nil, errors.Wrap(ErrNotPE, "missing optional header")
	}

	if err := im.loadSections(); err != nil {
		f.Close()
		return nil, err
	}

	ptrSize := 4
	if arch != "x86" {
		ptrSize = 8
	}
	if len(dirs) > pe.IMAGE_DIRECTORY_ENTRY_IMPORT {
		if d := dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]; d.VirtualAddress != 0 {
			im.imports, err = parseImports(im, d.VirtualAddress, im.imageBase, ptrSize)
			if err != nil {
				f.Close()
				return nil, errors.Wrapf(err, "parse imports of %s", path)
			}
		}
	}
	if len(dirs) > pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
		if d := dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]; d.VirtualAddress != 0 {
			im.symbols, err = parseExports(im, d.VirtualAddress, d.Size, im.imageBase)
			if err != nil {
				f.Close()
				return nil, errors.Wrapf(err, "parse exports of %s", path)
			}
		}
	}
	im.symbols = append(im.symbols, im.coffFunctions()...)
	return im, nil
}

func (im *Image) Close() error {
	if im.File == nil {
		return nil
	}
	err := im.File.Close()
	im.File = nil
	return err
}

func (im *Image) loadSections() error {
	for _, s := range im.File.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		if size == 0 {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return errors.Wrapf(err, "read section %s", s.Name)
		}
		var perm workspace.Perm
		if s.Characteristics&scnMemRead != 0 {
			perm |= workspace.PermR
		}
		if s.Characteristics&scnMemWrite != 0 {
			perm |= workspace.PermW
		}
		if s.Characteristics&scnMemExecute != 0 {
			perm |= workspace.PermX
		}
		start := im.imageBase + uint64(s.VirtualAddress)
		im.sections = append(im.sections, mapped{
			Section: workspace.Section{Name: s.Name, Start: start, End: start + uint64(size), Perm: perm},
			data:    data,
		})
	}
	return nil
}

// coffFunctions returns function symbols from the COFF symbol table that
// some toolchains leave in the image.
func (im *Image) coffFunctions() []workspace.Symbol {
	var out []workspace.Symbol
	for _, sym := range im.File.Symbols {
		if sym.Type&0x20 == 0 || sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(im.File.Sections) {
			continue
		}
		s := im.File.Sections[sym.SectionNumber-1]
		out = append(out, workspace.Symbol{
			VA:   im.imageBase + uint64(s.VirtualAddress) + uint64(sym.Value),
			Name: sym.Name,
			Func: true,
		})
	}
	return out
}

// ReadRVA reads n bytes at rva. Bytes past a section's raw data read as
// zero.
func (im *Image) ReadRVA(rva uint32, n int) ([]byte, error) {
	return im.ReadVA(im.imageBase+uint64(rva), n)
}

func (im *Image) ReadVA(va uint64, n int) ([]byte, error) {
	for _, s := range im.sections {
		if !s.Contains(va) || uint64(n) > s.End-va {
			continue
		}
		off := va - s.Start
		if off+uint64(n) <= uint64(len(s.data)) {
			return s.data[off : off+uint64(n)], nil
		}
		out := make([]byte, n)
		if off < uint64(len(s.data)) {
			copy(out, s.data[off:])
		}
		return out, nil
	}
	return nil, errors.Errorf("pex: %#x+%d not in any section", va, n)
}

func (im *Image) Identity() string { return im.Path }
func (im *Image) Format() string   { return "pe" }
func (im *Image) Arch() string     { return im.arch }
func (im *Image) Entry() uint64    { return im.entry }

func (im *Image) Sections() ([]workspace.Section, error) {
	out := make([]workspace.Section, len(im.sections))
	for i, s := range im.sections {
		out[i] = s.Section
	}
	return out, nil
}

func (im *Image) Imports() ([]workspace.Import, error) { return im.imports, nil }
func (im *Image) Symbols() ([]workspace.Symbol, error) { return im.symbols, nil }

type importDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

func unpackRVA(r rvaReader, rva uint32, v interface{}) error {
	size, err := struc.Sizeof(v)
	if err != nil {
		return err
	}
	b, err := r.ReadRVA(rva, size)
	if err != nil {
		return err
	}
	return struc.UnpackWithOrder(bytes.NewReader(b), v, binary.LittleEndian)
}

// readTable fills a slice of fixed-size integers from rva.
func readTable(r rvaReader, rva uint32, table interface{}) error {
	size := binary.Size(table)
	if size <= 0 {
		return nil
	}
	b, err := r.ReadRVA(rva, size)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, table)
}

func readCString(r rvaReader, rva uint32) (string, error) {
	var sb []byte
	for len(sb) < 512 {
		b, err := r.ReadRVA(rva+uint32(len(sb)), 1)
		if err != nil {
			return "", errors.Wrapf(err, "read string at rva %#x", rva)
		}
		if b[0] == 0 {
			return string(sb), nil
		}
		sb = append(sb, b[0])
	}
	return string(sb), nil
}

// parseImports walks the import descriptors at dirRVA. Each thunk yields
// an import at its IAT slot: ImageBase + FirstThunk + i*ptrSize.
func parseImports(r rvaReader, dirRVA uint32, imageBase uint64, ptrSize int) ([]workspace.Import, error) {
	ordinalFlag := uint64(1) << 31
	if ptrSize == 8 {
		ordinalFlag = 1 << 63
	}

	var out []workspace.Import
	for i := 0; i < maxDescriptors; i++ {
		var d importDescriptor
		if err := unpackRVA(r, dirRVA+uint32(i*20), &d); err != nil {
			return nil, errors.Wrapf(err, "import descriptor %d", i)
		}
		if d.Name == 0 && d.FirstThunk == 0 {
			break
		}
		lib, err := readCString(r, d.Name)
		if err != nil {
			return nil, err
		}
		lookup := d.OriginalFirstThunk
		if lookup == 0 {
			lookup = d.FirstThunk
		}

		for j := 0; j < maxThunks; j++ {
			b, err := r.ReadRVA(lookup+uint32(j*ptrSize), ptrSize)
			if err != nil {
				return nil, errors.Wrapf(err, "thunk %d of %s", j, lib)
			}
			var v uint64
			if ptrSize == 8 {
				v = binary.LittleEndian.Uint64(b)
			} else {
				v = uint64(binary.LittleEndian.Uint32(b))
			}
			if v == 0 {
				break
			}

			var name string
			if v&ordinalFlag != 0 {
				name = fmt.Sprintf("#%d", v&0xffff)
			} else {
				// skip the two-byte hint
				name, err = readCString(r, uint32(v)+2)
				if err != nil {
					return nil, err
				}
			}
			out = append(out, workspace.Import{
				VA:      imageBase + uint64(d.FirstThunk) + uint64(j*ptrSize),
				Library: lib,
				Name:    name,
			})
		}
	}
	return out, nil
}

// parseExports returns the named exports as function symbols. Forwarded
// exports, whose address points back into the export directory, are
// skipped.
func parseExports(r rvaReader, dirRVA, dirSize uint32, imageBase uint64) ([]workspace.Symbol, error) {
	var d exportDirectory
	if err := unpackRVA(r, dirRVA, &d); err != nil {
		return nil, errors.Wrap(err, "export directory")
	}
	if d.NumberOfNames > maxThunks || d.NumberOfFunctions > maxThunks {
		return nil, errors.Errorf("export directory claims %d names", d.NumberOfNames)
	}

	funcs := make([]uint32, d.NumberOfFunctions)
	if err := readTable(r, d.AddressOfFunctions, funcs); err != nil {
		return nil, errors.Wrap(err, "export address table")
	}
	names := make([]uint32, d.NumberOfNames)
	if err := readTable(r, d.AddressOfNames, names); err != nil {
		return nil, errors.Wrap(err, "export name table")
	}
	ords := make([]uint16, d.NumberOfNames)
	if err := readTable(r, d.AddressOfNameOrdinals, ords); err != nil {
		return nil, errors.Wrap(err, "export ordinal table")
	}

	var out []workspace.Symbol
	for i, nameRVA := range names {
		if int(ords[i]) >= len(funcs) {
			continue
		}
		rva := funcs[ords[i]]
		if rva == 0 || (rva >= dirRVA && rva < dirRVA+dirSize) {
			continue
		}
		name, err := readCString(r, nameRVA)
		if err != nil {
			return nil, err
		}
		out = append(out, workspace.Symbol{VA: imageBase + uint64(rva), Name: name, Func: true})
	}
	return out, nil
}
