package vmitest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-delve/vmi/pkg/vmi"
)

// shadowBase is the first frame handed out by AllocateGFN when the memory
// has no frames above it.
const shadowBase vmi.GFN = 0x80000

// Driver serves a Memory and canned registers. It implements vmi.Driver
// and vmi.FrameAllocator.
type Driver struct {
	*Memory

	// Regs holds the registers of each VCPU, the length is the number of
	// VCPUs reported by Info.
	Regs []vmi.Registers
	// ReadOnly makes the driver behave like an offline backend.
	ReadOnly bool
	// RegisterErr, if set, is returned by ReadRegisters.
	RegisterErr error

	mu          sync.Mutex
	paused      bool
	pauseCalls  int
	resumeCalls int
	regReads    int
	nextFree    vmi.GFN
	closed      bool
}

// NewDriver returns a driver over mem with regs as the VCPU registers.
func NewDriver(mem *Memory, regs ...vmi.Registers) *Driver {
	return &Driver{Memory: mem, Regs: regs}
}

func (d *Driver) Info() (vmi.Info, error) {
	return vmi.Info{
		PageSize:  pageSize,
		PageShift: pageShift,
		MaxGFN:    d.Memory.MaxGFN(),
		Vcpus:     uint16(len(d.Regs)),
	}, nil
}

func (d *Driver) ReadRegisters(vcpu vmi.VcpuID) (vmi.Registers, error) {
	d.mu.Lock()
	d.regReads++
	d.mu.Unlock()
	if d.RegisterErr != nil {
		return nil, d.RegisterErr
	}
	if int(vcpu) >= len(d.Regs) || d.Regs[vcpu] == nil {
		return nil, fmt.Errorf("no registers for vcpu %d", vcpu)
	}
	return d.Regs[vcpu], nil
}

func (d *Driver) WritePhysical(pa vmi.PA, data []byte) error {
	if d.ReadOnly {
		return vmi.ErrReadOnly
	}
	return d.Memory.WritePhysical(pa, data)
}

func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return errors.New("already paused")
	}
	d.paused = true
	d.pauseCalls++
	return nil
}

func (d *Driver) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return errors.New("not paused")
	}
	d.paused = false
	d.resumeCalls++
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// AllocateGFN backs a zeroed frame above every frame backed so far.
func (d *Driver) AllocateGFN() (vmi.GFN, error) {
	if d.ReadOnly {
		return 0, vmi.ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nextFree == 0 {
		d.nextFree = shadowBase
	}
	if max := d.Memory.MaxGFN(); d.nextFree <= max {
		d.nextFree = max + 1
	}
	gfn := d.nextFree
	d.nextFree++
	d.Memory.SetFrame(gfn, nil)
	return gfn, nil
}

func (d *Driver) FreeGFN(gfn vmi.GFN) error {
	if !d.Memory.Backed(gfn) {
		return fmt.Errorf("free %s: %w", gfn, ErrUnbacked)
	}
	d.Memory.Unback(gfn)
	return nil
}

// Paused reports whether the guest is paused.
func (d *Driver) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// PauseCalls returns the number of successful Pause and Resume calls.
func (d *Driver) PauseCalls() (pauses, resumes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pauseCalls, d.resumeCalls
}

// RegisterReads returns the number of ReadRegisters calls.
func (d *Driver) RegisterReads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regReads
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
