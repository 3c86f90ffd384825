package vmitest

import (
	"encoding/binary"
	"testing"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

// Frames used by Guest: page tables start at TableBase, data frames
// handed out by Alloc start at DataBase.
const (
	TableBase vmi.GFN = 0x100
	DataBase  vmi.GFN = 0x1000
)

// Guest is an amd64 guest with one address space shared by all its VCPUs.
type Guest struct {
	Mem     *Memory
	Driver  *Driver
	Tables  *PageTableBuilder
	Session *vmi.Session

	nextData vmi.GFN
}

// NewGuest returns a guest with vcpus VCPUs running in long mode and a
// session over it.
func NewGuest(t testing.TB, vcpus int, opts ...vmi.SessionOption) *Guest {
	t.Helper()
	mem := NewMemory()
	tables := NewPageTableBuilder(mem, TableBase)
	regs := make([]vmi.Registers, vcpus)
	for i := range regs {
		regs[i] = tables.Registers()
	}
	g := &Guest{
		Mem:      mem,
		Driver:   NewDriver(mem, regs...),
		Tables:   tables,
		nextData: DataBase,
	}
	s, err := vmi.NewSession(amd64.New(), g.Driver, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	g.Session = s
	return g
}

// Alloc backs a fresh zeroed data frame.
func (g *Guest) Alloc() vmi.GFN {
	gfn := g.nextData
	g.nextData++
	g.Mem.SetFrame(gfn, nil)
	return gfn
}

// MapPage maps va to a fresh data frame and returns the frame.
func (g *Guest) MapPage(va vmi.VA) vmi.GFN {
	gfn := g.Alloc()
	g.Tables.Map(va&^(pageSize-1), vmi.PA(uint64(gfn)<<pageShift))
	return gfn
}

// Write writes data at va, mapping fresh frames for pages of the range
// that are not mapped yet. It bypasses sessions and their caches.
func (g *Guest) Write(va vmi.VA, data []byte) {
	for len(data) > 0 {
		page := va &^ (pageSize - 1)
		e, ok := g.Tables.Entry(page, vmi.Level1)
		if !ok || !e.Present() {
			g.MapPage(page)
			e, _ = g.Tables.Entry(page, vmi.Level1)
		}
		off := uint64(va) & (pageSize - 1)
		n := pageSize - off
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}
		g.Mem.Poke(e.Address()+vmi.PA(off), data[:n])
		data = data[n:]
		va += vmi.VA(n)
	}
}

// WriteU64 writes a little endian value at va, see Write.
func (g *Guest) WriteU64(va vmi.VA, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	g.Write(va, buf[:])
}

// WriteU32 writes a little endian value at va, see Write.
func (g *Guest) WriteU32(va vmi.VA, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	g.Write(va, buf[:])
}

// Context returns a context for VCPU 0 under its active view.
func (g *Guest) Context(t testing.TB) *vmi.Context {
	t.Helper()
	st, err := g.Session.StateForVcpu(0)
	if err != nil {
		t.Fatalf("StateForVcpu: %v", err)
	}
	return st.Context()
}
