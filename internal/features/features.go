// Package features defines the values emitted by instruction handlers.
//
// A Feature is an immutable, comparable value. Two features are equal when
// they have the same variant and payload, regardless of where they were
// observed; the location travels separately in Located.
package features

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Feature is the closed set of feature variants.
type Feature interface {
	// Kind names the variant: api, number, string, offset, mnemonic or
	// characteristic.
	Kind() string
	// String renders the stable textual identity used as a map key by
	// rule engines, e.g. api(CreateFileW) or characteristic(nzxor).
	String() string

	isFeature()
}

// API is a call or jump to an imported or named function.
type API struct{ Name string }

// Number is an immediate operand value.
type Number struct{ Value int64 }

// String is text recovered from a referenced data address.
type String struct{ Value string }

// Offset is the displacement of a base+displacement memory operand.
type Offset struct{ Value int64 }

// Mnemonic is the instruction opcode name.
type Mnemonic struct{ Name string }

// Characteristic is a boolean property of an instruction.
type Characteristic struct{ Tag Tag }

// Tag identifies a characteristic.
type Tag string

const (
	NZXOR            Tag = "nzxor"
	PEBAccess        Tag = "peb-access"
	SegmentAccessFS  Tag = "segment-access-fs"
	SegmentAccessGS  Tag = "segment-access-gs"
	CrossSectionFlow Tag = "cross-section-flow"
	CallsFrom        Tag = "calls-from"
)

func (API) Kind() string            { return "api" }
func (Number) Kind() string         { return "number" }
func (String) Kind() string         { return "string" }
func (Offset) Kind() string         { return "offset" }
func (Mnemonic) Kind() string       { return "mnemonic" }
func (Characteristic) Kind() string { return "characteristic" }

func (API) isFeature()            {}
func (Number) isFeature()         {}
func (String) isFeature()         {}
func (Offset) isFeature()         {}
func (Mnemonic) isFeature()       {}
func (Characteristic) isFeature() {}

func (f API) String() string            { return "api(" + f.Name + ")" }
func (f Number) String() string         { return "number(" + signedHex(f.Value) + ")" }
func (f String) String() string         { return "string(" + strconv.Quote(f.Value) + ")" }
func (f Offset) String() string         { return "offset(" + signedHex(f.Value) + ")" }
func (f Mnemonic) String() string       { return "mnemonic(" + f.Name + ")" }
func (f Characteristic) String() string { return "characteristic(" + string(f.Tag) + ")" }

func signedHex(v int64) string {
	if v < 0 {
		// uint64(-MinInt64) is still 1<<63
		return "-0x" + strconv.FormatUint(uint64(-v), 16)
	}
	return "0x" + strconv.FormatUint(uint64(v), 16)
}

// value returns the payload for serialisation.
func value(f Feature) any {
	switch f := f.(type) {
	case API:
		return f.Name
	case Number:
		return f.Value
	case String:
		return f.Value
	case Offset:
		return f.Value
	case Mnemonic:
		return f.Name
	case Characteristic:
		return string(f.Tag)
	}
	return nil
}

// Located is a feature together with the address it was observed at.
// Flow characteristics (cross-section-flow, calls-from) also carry the
// destination address.
type Located struct {
	Feature Feature
	VA      uint64
	Dest    uint64
	HasDest bool
}

// At locates f at va.
func At(f Feature, va uint64) Located {
	return Located{Feature: f, VA: va}
}

// WithDest returns l with its destination set.
func (l Located) WithDest(dest uint64) Located {
	l.Dest = dest
	l.HasDest = true
	return l
}

func (l Located) String() string {
	if l.HasDest {
		return fmt.Sprintf("%#x: %s -> %#x", l.VA, l.Feature, l.Dest)
	}
	return fmt.Sprintf("%#x: %s", l.VA, l.Feature)
}

type locatedJSON struct {
	VA    string `json:"va"`
	Kind  string `json:"kind"`
	Value any    `json:"value"`
	Dest  string `json:"dest,omitempty"`
}

// MarshalJSON renders addresses as hex strings.
func (l Located) MarshalJSON() ([]byte, error) {
	out := locatedJSON{
		VA:    fmt.Sprintf("%#x", l.VA),
		Kind:  l.Feature.Kind(),
		Value: value(l.Feature),
	}
	if l.HasDest {
		out.Dest = fmt.Sprintf("%#x", l.Dest)
	}
	return json.Marshal(out)
}
