package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/vmi/pkg/vmi"
)

// PageTableEntry is an entry of any level of the 4-level page tables.
type PageTableEntry uint64

const (
	ptePresent  = 1 << 0
	pteWrite    = 1 << 1
	pteUser     = 1 << 2
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6
	pteLarge    = 1 << 7
	pteGlobal   = 1 << 8
	pteNX       = 1 << 63
)

// Sizes of the pages mapped by the different levels.
const (
	PageSize      = 1 << 12
	LargePageSize = 1 << 21
	HugePageSize  = 1 << 30

	entriesPerTable = 512
	entrySize       = 8
)

func (e PageTableEntry) Present() bool { return e&ptePresent != 0 }
func (e PageTableEntry) Write() bool   { return e&pteWrite != 0 }
func (e PageTableEntry) User() bool    { return e&pteUser != 0 }
func (e PageTableEntry) Large() bool   { return e&pteLarge != 0 }
func (e PageTableEntry) NX() bool      { return e&pteNX != 0 }

// PFN returns the frame number the entry points at.
func (e PageTableEntry) PFN() vmi.GFN { return vmi.GFN((uint64(e) & FrameMask) >> pageShift) }

// Address returns the physical address the entry points at.
func (e PageTableEntry) Address() vmi.PA { return vmi.PA(uint64(e) & FrameMask) }

func (e PageTableEntry) String() string {
	flags := []byte("-------")
	for i, f := range []struct {
		bit uint64
		c   byte
	}{{ptePresent, 'P'}, {pteWrite, 'W'}, {pteUser, 'U'}, {pteAccessed, 'A'}, {pteDirty, 'D'}, {pteLarge, 'L'}, {pteGlobal, 'G'}} {
		if uint64(e)&f.bit != 0 {
			flags[i] = f.c
		}
	}
	nx := ""
	if e.NX() {
		nx = " NX"
	}
	return fmt.Sprintf("%#x [%s%s]", uint64(e.Address()), flags, nx)
}

// MakeEntry returns a present entry pointing at pa with the given flags.
func MakeEntry(pa vmi.PA, write, user, large bool) PageTableEntry {
	e := PageTableEntry(uint64(pa)&FrameMask) | ptePresent
	if write {
		e |= pteWrite
	}
	if user {
		e |= pteUser
	}
	if large {
		e |= pteLarge
	}
	return e
}

// PagingMode is the paging mode a VCPU runs in.
type PagingMode uint8

const (
	PagingDisabled PagingMode = iota
	PagingLegacy
	PagingPAE
	PagingLong4
	PagingLong5
)

func (m PagingMode) String() string {
	switch m {
	case PagingDisabled:
		return "disabled"
	case PagingLegacy:
		return "legacy"
	case PagingPAE:
		return "pae"
	case PagingLong4:
		return "4-level"
	case PagingLong5:
		return "5-level"
	}
	return "unknown"
}

// Mode returns the paging mode described by the control registers.
func (r *Registers) Mode() PagingMode {
	switch {
	case !r.Cr0.Paging():
		return PagingDisabled
	case !r.Cr4.PAE():
		return PagingLegacy
	case !r.Efer.LongModeActive():
		return PagingPAE
	case r.Cr4.LA57():
		return PagingLong5
	}
	return PagingLong4
}

// Canonical reports whether bits 48 to 63 of va are copies of bit 47.
func Canonical(va vmi.VA) bool {
	top := int64(va) >> 47
	return top == 0 || top == -1
}

// levelShift returns the shift of the virtual address bits indexing a
// table of the given level.
func levelShift(level vmi.PageLevel) uint {
	return pageShift + 9*uint(level-vmi.Level1)
}

// walker is the state of one page table walk.
type walker struct {
	mem       vmi.PhysicalReader
	root      vmi.PA
	va        vmi.VA
	access    vmi.Access
	reserved  uint64
	wp        bool
	write     bool
	user      bool
	noExecute bool
}

func (w *walker) fault(level vmi.PageLevel, f vmi.TranslationFault, e PageTableEntry, leaf bool) error {
	return &vmi.TranslationError{VA: w.va, Root: w.root, Level: level, Fault: f, Access: w.access, Entry: uint64(e), Leaf: leaf}
}

func (w *walker) readEntry(table vmi.PA, level vmi.PageLevel) (PageTableEntry, error) {
	index := (uint64(w.va) >> levelShift(level)) & (entriesPerTable - 1)
	var buf [entrySize]byte
	if err := w.mem.ReadPhysical(table+vmi.PA(index*entrySize), buf[:]); err != nil {
		return 0, err
	}
	return PageTableEntry(binary.LittleEndian.Uint64(buf[:])), nil
}

// checkAccess accumulates the permissions of e and fails at the first
// level that forbids the requested access.
func (w *walker) checkAccess(level vmi.PageLevel, e PageTableEntry, leaf bool) error {
	w.write = w.write && e.Write()
	w.user = w.user && e.User()
	w.noExecute = w.noExecute || e.NX()
	if w.access&vmi.AccessUser != 0 && !w.user {
		return w.fault(level, vmi.Permission, e, leaf)
	}
	if w.access&vmi.AccessWrite != 0 && !w.write && (w.wp || w.access&vmi.AccessUser != 0) {
		return w.fault(level, vmi.Permission, e, leaf)
	}
	if w.access&vmi.AccessExec != 0 && w.noExecute {
		return w.fault(level, vmi.Permission, e, leaf)
	}
	return nil
}

func (w *walker) walk() (vmi.PA, error) {
	if !Canonical(w.va) {
		return 0, w.fault(vmi.Level4, vmi.ReservedBit, 0, true)
	}
	w.write, w.user = true, true
	table := vmi.PA(uint64(w.root) & FrameMask)
	for level := vmi.Level4; level >= vmi.Level1; level-- {
		e, err := w.readEntry(table, level)
		if err != nil {
			return 0, err
		}
		if !e.Present() {
			return 0, w.fault(level, vmi.NotPresent, e, level == vmi.Level1)
		}
		if uint64(e)&w.reserved != 0 {
			return 0, w.fault(level, vmi.ReservedBit, e, level == vmi.Level1)
		}

		var size uint64
		switch {
		case level == vmi.Level1:
			size = PageSize
		case e.Large() && level == vmi.Level4:
			return 0, w.fault(level, vmi.ReservedBit, e, false)
		case e.Large() && level == vmi.Level3:
			size = HugePageSize
		case e.Large() && level == vmi.Level2:
			size = LargePageSize
		}

		if size == 0 {
			if err := w.checkAccess(level, e, false); err != nil {
				return 0, err
			}
			table = e.Address()
			continue
		}

		if size != PageSize {
			// Bit 12 is PAT, bits 13 up to the page size are reserved.
			if low := uint64(e) & (size - 1) &^ (1<<13 - 1); low != 0 {
				return 0, w.fault(level, vmi.ReservedBit, e, true)
			}
		}
		if err := w.checkAccess(level, e, true); err != nil {
			return 0, err
		}
		base := uint64(e) & FrameMask &^ (size - 1)
		return vmi.PA(base | uint64(w.va)&(size-1)), nil
	}
	panic("unreachable")
}
