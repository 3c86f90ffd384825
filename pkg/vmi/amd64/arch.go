// Package amd64 implements the vmi.Architecture of x86-64 guests running
// with 4-level paging.
package amd64

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/vmi"
)

var amd64BreakInstruction = []byte{0xCC}

// Arch is the amd64 architecture.
type Arch struct {
	// MaxPhysAddr is the number of physical address bits of the guest,
	// page table entry address bits above it are reserved. Zero means 52.
	MaxPhysAddr uint
	// IgnoreWriteProtect makes supervisor writes to read-only pages
	// succeed, as with CR0.WP clear.
	IgnoreWriteProtect bool
}

// New returns the amd64 architecture with default settings.
func New() *Arch {
	return &Arch{}
}

func (a *Arch) Name() string { return "amd64" }

// PtrSize returns the size of a pointer on this architecture.
func (a *Arch) PtrSize() int { return 8 }

func (a *Arch) PageShift() uint { return pageShift }

func (a *Arch) PageSize() uint64 { return PageSize }

func (a *Arch) GFNFromPA(pa vmi.PA) vmi.GFN { return vmi.GFN(uint64(pa) >> pageShift) }

func (a *Arch) PAFromGFN(gfn vmi.GFN) vmi.PA { return vmi.PA(uint64(gfn) << pageShift) }

// BreakpointInstruction returns the int3 instruction.
func (a *Arch) BreakpointInstruction() []byte { return amd64BreakInstruction }

// TranslationRoot returns the page table base of regs, which must be
// *Registers of a VCPU running with 4-level paging.
func (a *Arch) TranslationRoot(regs vmi.Registers) (vmi.PA, error) {
	r, ok := regs.(*Registers)
	if !ok {
		return 0, fmt.Errorf("registers of type %T are not amd64 registers", regs)
	}
	if mode := r.Mode(); mode != PagingLong4 {
		return 0, fmt.Errorf("paging mode %s: %w", mode, vmi.ErrNotSupported)
	}
	return r.Cr3.PA(), nil
}

// Translate walks the 4-level page tables rooted at root.
func (a *Arch) Translate(mem vmi.PhysicalReader, root vmi.PA, va vmi.VA, access vmi.Access) (vmi.PA, error) {
	w := walker{
		mem:      mem,
		root:     root,
		va:       va,
		access:   access,
		reserved: a.reservedMask(),
		wp:       !a.IgnoreWriteProtect,
	}
	return w.walk()
}

// reservedMask returns the page table entry address bits above the
// guest's physical address width.
func (a *Arch) reservedMask() uint64 {
	bits := a.MaxPhysAddr
	if bits == 0 || bits >= 52 {
		return 0
	}
	return FrameMask &^ (1<<bits - 1)
}
