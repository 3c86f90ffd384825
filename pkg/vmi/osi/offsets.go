package osi

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/go-delve/vmi/pkg/vmi"
)

// Offsets is a profile of kernel structure layouts and symbol addresses
// for one guest kernel build.
//
// Profiles are TOML documents:
//
//	[symbols]
//	init_task = 0x1a0c940
//
//	[structs.task_struct]
//	size = 0x2640
//	[structs.task_struct.fields]
//	tasks = { offset = 0x8d8, size = 16 }
//	flags = { offset = 0x2c, size = 4, bit_position = 0, bit_length = 1 }
//
// Symbols are relative to the kernel base.
type Offsets struct {
	Symbols map[string]uint64
	Structs map[string]Struct
}

// Struct is the layout of one kernel structure.
type Struct struct {
	Size   uint64
	Fields map[string]vmi.Field
}

type profileField struct {
	Offset      uint64 `toml:"offset"`
	Size        uint64 `toml:"size"`
	BitPosition uint64 `toml:"bit_position"`
	BitLength   uint64 `toml:"bit_length"`
}

type profileStruct struct {
	Size   uint64                  `toml:"size"`
	Fields map[string]profileField `toml:"fields"`
}

type profile struct {
	Symbols map[string]uint64        `toml:"symbols"`
	Structs map[string]profileStruct `toml:"structs"`
}

// MissingOffsetError is returned when a profile lacks a structure, a
// field or a symbol.
type MissingOffsetError struct {
	Struct string
	Field  string
	Symbol string
}

func (e *MissingOffsetError) Error() string {
	switch {
	case e.Symbol != "":
		return fmt.Sprintf("offsets profile has no symbol %q", e.Symbol)
	case e.Field != "":
		return fmt.Sprintf("offsets profile has no field %s.%s", e.Struct, e.Field)
	default:
		return fmt.Sprintf("offsets profile has no struct %s", e.Struct)
	}
}

// LoadOffsets reads the profile at path.
func LoadOffsets(path string) (*Offsets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read offsets profile: %w", err)
	}
	o, err := ParseOffsets(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// ParseOffsets parses a profile.
func ParseOffsets(data []byte) (*Offsets, error) {
	var p profile
	md, err := toml.Decode(string(data), &p)
	if err != nil {
		return nil, fmt.Errorf("unable to decode offsets profile: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in offsets profile", undecoded[0].String())
	}
	o := &Offsets{
		Symbols: p.Symbols,
		Structs: make(map[string]Struct, len(p.Structs)),
	}
	if o.Symbols == nil {
		o.Symbols = map[string]uint64{}
	}
	for name, ps := range p.Structs {
		s := Struct{Size: ps.Size, Fields: make(map[string]vmi.Field, len(ps.Fields))}
		for fname, pf := range ps.Fields {
			f := vmi.Field{Offset: pf.Offset, Size: pf.Size, BitPosition: pf.BitPosition, BitLength: pf.BitLength}
			switch f.Size {
			case 0, 1, 2, 4, 8:
			default:
				if f.BitLength != 0 {
					return nil, fmt.Errorf("bitfield %s.%s has size %d", name, fname, f.Size)
				}
			}
			if f.BitLength != 0 && f.BitPosition+f.BitLength > f.Size*8 {
				return nil, fmt.Errorf("bitfield %s.%s does not fit in %d bytes", name, fname, f.Size)
			}
			if s.Size != 0 && f.End() > s.Size {
				return nil, fmt.Errorf("field %s.%s ends past the end of the struct", name, fname)
			}
			s.Fields[fname] = f
		}
		o.Structs[name] = s
	}
	return o, nil
}

// Struct returns the layout of structure name.
func (o *Offsets) Struct(name string) (Struct, error) {
	s, ok := o.Structs[name]
	if !ok {
		return Struct{}, &MissingOffsetError{Struct: name}
	}
	return s, nil
}

// Field returns field of structure structName.
func (o *Offsets) Field(structName, field string) (vmi.Field, error) {
	s, err := o.Struct(structName)
	if err != nil {
		return vmi.Field{}, err
	}
	f, ok := s.Fields[field]
	if !ok {
		return vmi.Field{}, &MissingOffsetError{Struct: structName, Field: field}
	}
	return f, nil
}

// HasField reports whether the profile describes field of structName.
func (o *Offsets) HasField(structName, field string) bool {
	_, err := o.Field(structName, field)
	return err == nil
}

// MustField is like Field but panics if the field is missing. It is meant
// for package initialisation with built in profiles.
func (o *Offsets) MustField(structName, field string) vmi.Field {
	f, err := o.Field(structName, field)
	if err != nil {
		panic(err)
	}
	return f
}

// Symbol returns the kernel relative address of symbol name.
func (o *Offsets) Symbol(name string) (uint64, error) {
	rva, ok := o.Symbols[name]
	if !ok {
		return 0, &MissingOffsetError{Symbol: name}
	}
	return rva, nil
}

// Nearest returns a function that finds the symbol at or below an
// address, for a kernel loaded at base. It returns the symbol name and
// address, or the empty string if no symbol precedes the address.
func (o *Offsets) Nearest(base uint64) func(addr uint64) (string, uint64) {
	type sym struct {
		name string
		addr uint64
	}
	syms := make([]sym, 0, len(o.Symbols))
	for name, rva := range o.Symbols {
		syms = append(syms, sym{name, base + rva})
	}
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].addr == syms[j].addr {
			return syms[i].name < syms[j].name
		}
		return syms[i].addr < syms[j].addr
	})
	return func(addr uint64) (string, uint64) {
		i := sort.Search(len(syms), func(i int) bool { return syms[i].addr > addr })
		if i == 0 {
			return "", 0
		}
		return syms[i-1].name, syms[i-1].addr
	}
}

// StructNames returns the names of all structures of the profile, sorted.
func (o *Offsets) StructNames() []string {
	r := make([]string, 0, len(o.Structs))
	for name := range o.Structs {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

// Resolver looks up many fields and remembers the first failure, so that
// OS layers can resolve their whole layout before checking for errors.
type Resolver struct {
	o   *Offsets
	err error
}

// NewResolver returns a resolver over o.
func NewResolver(o *Offsets) *Resolver {
	return &Resolver{o: o}
}

// Field returns the field or a zero Field if it is missing.
func (r *Resolver) Field(structName, field string) vmi.Field {
	f, err := r.o.Field(structName, field)
	if err != nil && r.err == nil {
		r.err = err
	}
	return f
}

// OptionalField returns the field and whether the profile has it. A
// missing optional field is not an error.
func (r *Resolver) OptionalField(structName, field string) (vmi.Field, bool) {
	f, err := r.o.Field(structName, field)
	return f, err == nil
}

// Size returns the size of structName.
func (r *Resolver) Size(structName string) uint64 {
	s, err := r.o.Struct(structName)
	if err != nil && r.err == nil {
		r.err = err
	}
	return s.Size
}

// Symbol returns the kernel relative address of a symbol.
func (r *Resolver) Symbol(name string) uint64 {
	rva, err := r.o.Symbol(name)
	if err != nil && r.err == nil {
		r.err = err
	}
	return rva
}

// Err returns the first lookup failure.
func (r *Resolver) Err() error {
	return r.err
}
