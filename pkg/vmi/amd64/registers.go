package amd64

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/vmi"
)

// Registers is the register file of one amd64 VCPU.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
	Rflags             uint64

	Cs, Ds, Es, Fs, Gs, Ss Segment
	Ldtr, Tr               Segment
	Gdtr, Idtr             DescriptorTable
	KernelGsBase           uint64

	Cr0  Cr0
	Cr2  Cr2
	Cr3  Cr3
	Cr4  Cr4
	Efer Efer

	Dr0 Dr0
	Dr1 Dr1
	Dr2 Dr2
	Dr3 Dr3
	Dr6 Dr6
	Dr7 Dr7
}

// Segment is a segment register with its hidden descriptor cache.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Flags    uint32
}

// DescriptorTable is the value of GDTR or IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

func (r *Registers) PC() uint64 { return r.Rip }

func (r *Registers) SP() uint64 { return r.Rsp }

// Slice returns the registers as a list of (name, value) pairs.
func (r *Registers) Slice() []vmi.Register {
	var regs = []struct {
		k string
		v uint64
	}{
		{"Rip", r.Rip},
		{"Rsp", r.Rsp},
		{"Rax", r.Rax},
		{"Rbx", r.Rbx},
		{"Rcx", r.Rcx},
		{"Rdx", r.Rdx},
		{"Rdi", r.Rdi},
		{"Rsi", r.Rsi},
		{"Rbp", r.Rbp},
		{"R8", r.R8},
		{"R9", r.R9},
		{"R10", r.R10},
		{"R11", r.R11},
		{"R12", r.R12},
		{"R13", r.R13},
		{"R14", r.R14},
		{"R15", r.R15},
		{"Rflags", r.Rflags},
		{"Fs_base", r.Fs.Base},
		{"Gs_base", r.Gs.Base},
		{"Kernel_gs_base", r.KernelGsBase},
		{"Gdtr", r.Gdtr.Base},
		{"Idtr", r.Idtr.Base},
		{"Cr0", uint64(r.Cr0)},
		{"Cr2", uint64(r.Cr2)},
		{"Cr3", uint64(r.Cr3)},
		{"Cr4", uint64(r.Cr4)},
		{"Efer", uint64(r.Efer)},
		{"Dr0", uint64(r.Dr0)},
		{"Dr1", uint64(r.Dr1)},
		{"Dr2", uint64(r.Dr2)},
		{"Dr3", uint64(r.Dr3)},
		{"Dr6", uint64(r.Dr6)},
		{"Dr7", uint64(r.Dr7)},
	}
	out := make([]vmi.Register, 0, len(regs)+6)
	for _, reg := range regs {
		out = vmi.AppendQwordReg(out, reg.k, reg.v)
	}
	for _, seg := range []struct {
		k string
		v Segment
	}{{"Cs", r.Cs}, {"Ss", r.Ss}, {"Ds", r.Ds}, {"Es", r.Es}, {"Fs", r.Fs}, {"Gs", r.Gs}} {
		out = vmi.AppendWordReg(out, seg.k, seg.v.Selector)
	}
	return out
}

// Copy returns a copy of the registers.
func (r *Registers) Copy() *Registers {
	c := *r
	return &c
}

// Cr0 is the value of control register 0.
type Cr0 uint64

const (
	cr0PE = 1 << 0
	cr0WP = 1 << 16
	cr0PG = 1 << 31
)

// ProtectedMode reports whether CR0.PE is set.
func (c Cr0) ProtectedMode() bool { return c&cr0PE != 0 }

// WriteProtect reports whether CR0.WP is set.
func (c Cr0) WriteProtect() bool { return c&cr0WP != 0 }

// Paging reports whether CR0.PG is set.
func (c Cr0) Paging() bool { return c&cr0PG != 0 }

// Cr2 holds the linear address of the last page fault.
type Cr2 uint64

// Cr3 is the value of control register 3, the page table base register.
type Cr3 uint64

const (
	// FrameMask selects the address bits of CR3 and of page table entries.
	FrameMask = 0x000F_FFFF_FFFF_F000
	pageShift = 12
	pcidMask  = 0xfff
)

// GFN returns the frame number of the top level page table, ignoring the
// PCID and flag bits.
func (c Cr3) GFN() vmi.GFN { return vmi.GFN((uint64(c) & FrameMask) >> pageShift) }

// PA returns the physical address of the top level page table.
func (c Cr3) PA() vmi.PA { return vmi.PA(uint64(c) & FrameMask) }

// PCID returns the process context identifier bits.
func (c Cr3) PCID() uint16 { return uint16(uint64(c) & pcidMask) }

// Cr3FromGFN returns the CR3 value pointing at frame gfn, with no PCID or
// flag bits set.
func Cr3FromGFN(gfn vmi.GFN) Cr3 { return Cr3((uint64(gfn) << pageShift) & FrameMask) }

func (c Cr3) String() string { return fmt.Sprintf("%#x", uint64(c)) }

// Cr4 is the value of control register 4.
type Cr4 uint64

const (
	cr4PSE  = 1 << 4
	cr4PAE  = 1 << 5
	cr4LA57 = 1 << 12
)

// PSE reports whether CR4.PSE is set.
func (c Cr4) PSE() bool { return c&cr4PSE != 0 }

// PAE reports whether CR4.PAE is set.
func (c Cr4) PAE() bool { return c&cr4PAE != 0 }

// LA57 reports whether 5-level paging is enabled.
func (c Cr4) LA57() bool { return c&cr4LA57 != 0 }

// Efer is the value of the IA32_EFER model specific register.
type Efer uint64

const (
	eferSCE = 1 << 0
	eferLME = 1 << 8
	eferLMA = 1 << 10
	eferNXE = 1 << 11
)

// LongModeEfer is the EFER value of a VCPU running in long mode with
// no-execute enabled. Backends whose register source carries no EFER use it
// for 64-bit guests.
const LongModeEfer Efer = eferSCE | eferLME | eferLMA | eferNXE

// LongModeActive reports whether EFER.LMA is set.
func (e Efer) LongModeActive() bool { return e&eferLMA != 0 }

// NoExecute reports whether EFER.NXE is set.
func (e Efer) NoExecute() bool { return e&eferNXE != 0 }

// LongModeRegisters returns the control register values of a VCPU running
// in 4-level long mode with the page tables at cr3.
func LongModeRegisters(cr3 Cr3) *Registers {
	return &Registers{
		Cr0:  cr0PE | cr0WP | cr0PG,
		Cr3:  cr3,
		Cr4:  cr4PSE | cr4PAE,
		Efer: LongModeEfer,
	}
}
