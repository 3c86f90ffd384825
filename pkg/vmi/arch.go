package vmi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Architecture describes one CPU architecture's register and paging model.
// Implementations are stateless values.
type Architecture interface {
	Name() string
	PtrSize() int
	PageShift() uint
	PageSize() uint64
	// GFNFromPA and PAFromGFN convert between physical addresses and frame
	// numbers. PAFromGFN(GFNFromPA(pa)) equals pa with the page offset
	// cleared.
	GFNFromPA(pa PA) GFN
	PAFromGFN(gfn GFN) PA
	// TranslationRoot returns the physical address of the top level page
	// table from a register snapshot.
	TranslationRoot(regs Registers) (PA, error)
	// Translate walks the page tables rooted at root, reading table
	// entries through mem. A failed walk returns a *TranslationError.
	Translate(mem PhysicalReader, root PA, va VA, access Access) (PA, error)
	BreakpointInstruction() []byte
}

// Access is the kind of memory access a translation is checked against.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
	// AccessUser checks the access with user privilege instead of
	// supervisor privilege.
	AccessUser
)

func (a Access) String() string {
	var parts []string
	if a&AccessRead != 0 {
		parts = append(parts, "read")
	}
	if a&AccessWrite != 0 {
		parts = append(parts, "write")
	}
	if a&AccessExec != 0 {
		parts = append(parts, "exec")
	}
	if a&AccessUser != 0 {
		parts = append(parts, "user")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Registers is a register file snapshot of one VCPU. The concrete type
// depends on the architecture.
type Registers interface {
	PC() uint64
	SP() uint64
	Slice() []Register
}

// Register represents a CPU register.
type Register struct {
	Name  string
	Bytes []byte
	Value string
}

// AppendWordReg appends a word (16 bit) register to regs.
func AppendWordReg(regs []Register, name string, value uint16) []Register {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, value)
	return append(regs, Register{name, buf.Bytes(), fmt.Sprintf("%#04x", value)})
}

// AppendQwordReg appends a quad word (64 bit) register to regs.
func AppendQwordReg(regs []Register, name string, value uint64) []Register {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, value)
	return append(regs, Register{name, buf.Bytes(), fmt.Sprintf("%#016x", value)})
}
