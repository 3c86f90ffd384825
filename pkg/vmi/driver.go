package vmi

// PhysicalReader reads guest physical memory. Implementations fill buf
// completely or return an error, a short read is never reported as success.
type PhysicalReader interface {
	ReadPhysical(pa PA, buf []byte) error
}

// PhysicalReadWriter is a PhysicalReader that can also write.
type PhysicalReadWriter interface {
	PhysicalReader
	WritePhysical(pa PA, data []byte) error
}

// Driver is a backend serving VCPU registers and guest physical memory,
// either from a live hypervisor channel or from a static dump.
//
// ReadRegisters is the architecture adapter: it decodes the backend's
// native register source into the register type of the architecture the
// driver is bound to.
type Driver interface {
	PhysicalReadWriter
	Info() (Info, error)
	ReadRegisters(vcpu VcpuID) (Registers, error)
	// Pause and Resume stop and restart the guest. Offline drivers
	// implement them as no-ops.
	Pause() error
	Resume() error
	Close() error
}

// FrameAllocator is implemented by drivers that can back additional guest
// frames, it is needed to shadow pages for software breakpoints.
type FrameAllocator interface {
	AllocateGFN() (GFN, error)
	FreeGFN(gfn GFN) error
}
