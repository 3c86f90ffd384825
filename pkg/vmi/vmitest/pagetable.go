package vmitest

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

// PageTableBuilder builds amd64 4-level page tables in a Memory. Table
// frames are taken sequentially from the frame passed to
// NewPageTableBuilder, the first one being the PML4.
type PageTableBuilder struct {
	mem  *Memory
	root vmi.GFN
	next vmi.GFN
}

// Flags of a mapping created by the builder.
type Flags uint8

const (
	Writable Flags = 1 << iota
	User
	NoExecute
)

// NewPageTableBuilder returns a builder with an empty PML4 at frame base.
func NewPageTableBuilder(mem *Memory, base vmi.GFN) *PageTableBuilder {
	mem.SetFrame(base, nil)
	return &PageTableBuilder{mem: mem, root: base, next: base + 1}
}

// Root returns the physical address of the PML4.
func (b *PageTableBuilder) Root() vmi.PA { return vmi.PA(uint64(b.root) << pageShift) }

// Cr3 returns the CR3 value selecting the tables.
func (b *PageTableBuilder) Cr3() amd64.Cr3 { return amd64.Cr3FromGFN(b.root) }

// Registers returns long mode registers using the tables.
func (b *PageTableBuilder) Registers() *amd64.Registers { return amd64.LongModeRegisters(b.Cr3()) }

// NextTableFrame returns the frame the next page table will be placed at.
func (b *PageTableBuilder) NextTableFrame() vmi.GFN { return b.next }

// Map maps the 4KiB page at va to pa, writable and supervisor only.
func (b *PageTableBuilder) Map(va vmi.VA, pa vmi.PA) {
	b.MapFlags(va, pa, amd64.PageSize, Writable)
}

// MapLarge maps a 2MiB page.
func (b *PageTableBuilder) MapLarge(va vmi.VA, pa vmi.PA) {
	b.MapFlags(va, pa, amd64.LargePageSize, Writable)
}

// MapHuge maps a 1GiB page.
func (b *PageTableBuilder) MapHuge(va vmi.VA, pa vmi.PA) {
	b.MapFlags(va, pa, amd64.HugePageSize, Writable)
}

// MapFlags maps a page of the given size at va to pa. Intermediate tables
// are created as needed and allow every access, the permissions of the
// mapping are those of the leaf entry.
func (b *PageTableBuilder) MapFlags(va vmi.VA, pa vmi.PA, size uint64, flags Flags) {
	var level vmi.PageLevel
	switch size {
	case amd64.PageSize:
		level = vmi.Level1
	case amd64.LargePageSize:
		level = vmi.Level2
	case amd64.HugePageSize:
		level = vmi.Level3
	default:
		panic(fmt.Sprintf("unsupported page size %#x", size))
	}
	if uint64(va)&(size-1) != 0 || uint64(pa)&(size-1) != 0 {
		panic(fmt.Sprintf("mapping %#x -> %#x not aligned to %#x", uint64(va), uint64(pa), size))
	}
	slot := b.slot(va, level, true)
	e := amd64.MakeEntry(pa, flags&Writable != 0, flags&User != 0, level != vmi.Level1)
	if flags&NoExecute != 0 {
		e |= 1 << 63
	}
	b.writeEntry(slot, e)
}

// SetEntry overwrites the entry of the given level used to translate va,
// creating the tables above it as needed.
func (b *PageTableBuilder) SetEntry(va vmi.VA, level vmi.PageLevel, e amd64.PageTableEntry) {
	b.writeEntry(b.slot(va, level, true), e)
}

// Entry returns the entry of the given level used to translate va. ok is
// false if a table above it is missing.
func (b *PageTableBuilder) Entry(va vmi.VA, level vmi.PageLevel) (e amd64.PageTableEntry, ok bool) {
	slot := b.slot(va, level, false)
	if slot == 0 {
		return 0, false
	}
	return b.readEntry(slot), true
}

// Unmap clears the entry of the given level used to translate va.
func (b *PageTableBuilder) Unmap(va vmi.VA, level vmi.PageLevel) {
	if slot := b.slot(va, level, false); slot != 0 {
		b.writeEntry(slot, 0)
	}
}

// slot returns the physical address of the entry of level for va. If
// create is false it returns 0 when a table above level is missing.
func (b *PageTableBuilder) slot(va vmi.VA, level vmi.PageLevel, create bool) vmi.PA {
	table := b.Root()
	for l := vmi.Level4; ; l-- {
		shift := pageShift + 9*uint(l-vmi.Level1)
		slot := table + vmi.PA(((uint64(va)>>shift)&511)*8)
		if l == level {
			return slot
		}
		e := b.readEntry(slot)
		if !e.Present() || e.Large() {
			if !create {
				return 0
			}
			gfn := b.next
			b.next++
			b.mem.SetFrame(gfn, nil)
			e = amd64.MakeEntry(vmi.PA(uint64(gfn)<<pageShift), true, true, false)
			b.writeEntry(slot, e)
		}
		table = e.Address()
	}
}

func (b *PageTableBuilder) readEntry(slot vmi.PA) amd64.PageTableEntry {
	var buf [8]byte
	if err := b.mem.ReadPhysical(slot, buf[:]); err != nil {
		panic(err)
	}
	return amd64.PageTableEntry(binary.LittleEndian.Uint64(buf[:]))
}

func (b *PageTableBuilder) writeEntry(slot vmi.PA, e amd64.PageTableEntry) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(e))
	b.mem.Poke(slot, buf[:])
}
