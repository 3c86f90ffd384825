// Package elfdump reads the ELF core files written by QEMU's
// dump-guest-memory command and writes dumps in the same format from any
// session.
//
// Guest memory is stored in PT_LOAD segments addressed by their physical
// address. Each VCPU is described by a NT_PRSTATUS note named CORE and,
// when the dump was taken by QEMU, by a QEMU note holding the system
// registers. The n-th note of each kind describes VCPU n.
package elfdump

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/vmi/pkg/elfwriter"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/vmi"
)

const pageShift = 12

var (
	// ErrPageNotPresent is returned when reading memory not included in
	// the dump.
	ErrPageNotPresent = errors.New("page not present in dump")

	// ErrUnrecognizedFormat is returned when the file is not an x86_64
	// ELF core file.
	ErrUnrecognizedFormat = errors.New("unrecognized dump format")

	// ErrNoVcpus is returned for dumps without NT_PRSTATUS notes.
	ErrNoVcpus = errors.New("dump has no vcpu notes")
)

type vcpu struct {
	prstatus *prStatus
	cpu      *qemuCPUState
}

// Driver serves a QEMU guest memory dump. It is read-only.
type Driver struct {
	mem   splicedMemory
	vcpus []vcpu
	// Header is the contents of the note left by WriteDump, empty for
	// dumps written by QEMU.
	Header string
	close  func() error
	log    logflags.Logger
}

var _ vmi.Driver = (*Driver)(nil)

// Open opens the dump at path.
func Open(path string) (*Driver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d, err := NewDriver(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.close = f.Close
	d.log.Debugf("opened %s: %d vcpus, %#x bytes of memory", path, len(d.vcpus), d.mem.Size())
	return d, nil
}

// NewDriver reads a dump from r, which must stay readable until the
// driver is no longer used.
func NewDriver(r io.ReaderAt) (*Driver, error) {
	core, err := elf.NewFile(r)
	if err != nil {
		var ferr *elf.FormatError
		if errors.As(err, &ferr) {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
		}
		return nil, err
	}
	if core.Type != elf.ET_CORE || core.Class != elf.ELFCLASS64 || core.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: %v %v %v", ErrUnrecognizedFormat, core.Class, core.Type, core.Machine)
	}

	d := &Driver{close: func() error { return nil }, log: logflags.DriverLogger("elfdump")}
	for _, prog := range core.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		d.mem.Add(prog.ReaderAt, prog.Paddr, prog.Filesz)
	}

	notes, err := readNotes(core)
	if err != nil {
		return nil, err
	}
	var nqemu int
	for _, note := range notes {
		switch {
		case note.Type == elf.NT_PRSTATUS && note.Name == elfwriter.CoreNoteName:
			st, err := decodePrStatus(note.Desc)
			if err != nil {
				return nil, err
			}
			d.vcpus = append(d.vcpus, vcpu{prstatus: st})
		case note.Type == elfwriter.QEMUCPUStateNoteType && note.Name == elfwriter.QEMUNoteName:
			st, err := decodeQEMUCPUState(note.Desc)
			if err != nil {
				return nil, err
			}
			if nqemu >= len(d.vcpus) {
				return nil, fmt.Errorf("QEMU note %d has no matching NT_PRSTATUS note", nqemu)
			}
			d.vcpus[nqemu].cpu = st
			nqemu++
		case note.Type == elfwriter.VMIHeaderNoteType && note.Name == elfwriter.VMINoteName:
			d.Header = strings.TrimRight(string(note.Desc), "\n")
		}
	}
	if len(d.vcpus) == 0 {
		return nil, ErrNoVcpus
	}
	return d, nil
}

func (d *Driver) Info() (vmi.Info, error) {
	var max vmi.GFN
	if end := d.mem.End(); end > 0 {
		max = vmi.GFN((end - 1) >> pageShift)
	}
	return vmi.Info{
		PageSize:  1 << pageShift,
		PageShift: pageShift,
		MaxGFN:    max,
		Vcpus:     uint16(len(d.vcpus)),
	}, nil
}

func (d *Driver) ReadPhysical(pa vmi.PA, buf []byte) error {
	return d.mem.ReadPhysical(pa, buf)
}

func (d *Driver) WritePhysical(pa vmi.PA, data []byte) error {
	return vmi.ErrReadOnly
}

// ReadRegisters returns the registers of vcpu. Dumps without QEMU notes
// only carry the user visible registers, the control registers of their
// VCPUs are zero.
func (d *Driver) ReadRegisters(id vmi.VcpuID) (vmi.Registers, error) {
	if int(id) >= len(d.vcpus) {
		return nil, fmt.Errorf("%w: %d", vmi.ErrVcpuOutOfRange, id)
	}
	v := d.vcpus[id]
	if v.cpu != nil {
		return v.cpu.registers(), nil
	}
	return v.prstatus.registers(), nil
}

func (d *Driver) Pause() error { return nil }

func (d *Driver) Resume() error { return nil }

func (d *Driver) Close() error {
	c := d.close
	d.close = func() error { return nil }
	return c()
}

// HasSystemRegisters reports whether the dump carries QEMU notes for its
// VCPUs.
func (d *Driver) HasSystemRegisters() bool {
	for _, v := range d.vcpus {
		if v.cpu == nil {
			return false
		}
	}
	return true
}
