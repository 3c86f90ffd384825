package vmi

import "fmt"

// Mechanism selects how the address of an AccessContext is interpreted.
type Mechanism uint8

const (
	// MechanismPaging means the address is virtual and is translated
	// through the page tables at Root.
	MechanismPaging Mechanism = iota
	// MechanismDirect means the address is physical. Direct accesses skip
	// translation but still go through the view.
	MechanismDirect
)

// AccessContext describes an address and how to reach it.
type AccessContext struct {
	Mechanism Mechanism
	Addr      uint64
	Root      PA
}

// DirectAccess returns an access context for the physical address pa.
func DirectAccess(pa PA) AccessContext {
	return AccessContext{Mechanism: MechanismDirect, Addr: uint64(pa)}
}

// PagingAccess returns an access context for va translated through root.
func PagingAccess(va VA, root PA) AccessContext {
	return AccessContext{Mechanism: MechanismPaging, Addr: uint64(va), Root: root}
}

// Add returns ac with the address advanced by off bytes.
func (ac AccessContext) Add(off uint64) AccessContext {
	ac.Addr += off
	return ac
}

func (ac AccessContext) String() string {
	if ac.Mechanism == MechanismDirect {
		return fmt.Sprintf("phys:%#x", ac.Addr)
	}
	return fmt.Sprintf("%#x@%s", ac.Addr, ac.Root)
}
