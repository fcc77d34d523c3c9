package workspace

import "fmt"

// Region is a section backed by an in-memory buffer. Bytes past the end of
// Data up to End read as zero.
type Region struct {
	Section
	Data []byte
}

// Memory is a Source over in-memory regions. It loads raw shellcode and
// serves as a fixture for synthetic binaries.
type Memory struct {
	Name     string
	ArchName string
	EntryVA  uint64
	Regions  []Region
	Imps     []Import
	Syms     []Symbol
}

// DefaultShellcodeBase is where raw code is mapped unless told otherwise.
// A zero base would make every small constant look like an address.
const DefaultShellcodeBase = 0x690000

// Shellcode maps code as a single rwx region at base.
func Shellcode(name, arch string, base uint64, code []byte) *Memory {
	return &Memory{
		Name:     name,
		ArchName: arch,
		EntryVA:  base,
		Regions: []Region{{
			Section: Section{Name: "shellcode", Start: base, End: base + uint64(len(code)), Perm: PermR | PermW | PermX},
			Data:    code,
		}},
	}
}

func (m *Memory) Identity() string { return m.Name }
func (m *Memory) Format() string   { return "raw" }
func (m *Memory) Arch() string     { return m.ArchName }
func (m *Memory) Entry() uint64    { return m.EntryVA }

func (m *Memory) Sections() ([]Section, error) {
	out := make([]Section, len(m.Regions))
	for i, r := range m.Regions {
		out[i] = r.Section
	}
	return out, nil
}

func (m *Memory) Imports() ([]Import, error) { return m.Imps, nil }
func (m *Memory) Symbols() ([]Symbol, error) { return m.Syms, nil }

func (m *Memory) ReadVA(va uint64, n int) ([]byte, error) {
	for _, r := range m.Regions {
		if !r.Contains(va) || uint64(n) > r.End-va {
			continue
		}
		out := make([]byte, n)
		off := va - r.Start
		if off < uint64(len(r.Data)) {
			copy(out, r.Data[off:])
		}
		return out, nil
	}
	return nil, fmt.Errorf("memory: %#x+%d not mapped", va, n)
}
