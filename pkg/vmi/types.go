package vmi

import "fmt"

// VA is a guest virtual address.
type VA uint64

// PA is a guest physical address.
type PA uint64

// GFN is a guest frame number, a physical address divided by the page size.
type GFN uint64

// VcpuID identifies one virtual CPU of the guest.
type VcpuID uint16

// View identifies a physical memory view. Views are ordered by creation:
// a view created later always compares greater than one created before it.
type View uint16

// DefaultView is the identity view, every VCPU starts bound to it.
const DefaultView View = 0

func (va VA) String() string { return fmt.Sprintf("%#016x", uint64(va)) }

func (pa PA) String() string { return fmt.Sprintf("%#x", uint64(pa)) }

func (gfn GFN) String() string { return fmt.Sprintf("gfn:%#x", uint64(gfn)) }

func (v View) String() string { return fmt.Sprintf("view %d", uint16(v)) }

// IsNull reports whether va is the null pointer.
func (va VA) IsNull() bool { return va == 0 }

// Add returns va advanced by off bytes.
func (va VA) Add(off uint64) VA { return va + VA(off) }

// Info describes the guest as seen by a driver.
type Info struct {
	PageSize  uint64
	PageShift uint
	// MaxGFN is the highest frame number backed by the driver.
	MaxGFN GFN
	Vcpus  uint16
}
