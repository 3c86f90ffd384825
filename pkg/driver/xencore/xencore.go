// Package xencore reads the ELF dumps written by Xen's `xl dump-core`.
//
// A dump carries the guest pages in the .xen_pages section, the frame
// number of each of them in .xen_pfn and one vcpu_guest_context per VCPU in
// .xen_prstatus. The .note.Xen section holds a header with the number of
// VCPUs, the number of pages and the page size, the other sections are
// checked against it.
package xencore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/vmi"
)

const (
	noteHeader = 0x2000001

	// Magic numbers of the dump header, for paravirtualized and fully
	// virtualized domains.
	magicPV  = 0xF00FEBED
	magicHVM = 0xF00FEBEE

	invalidPFN = ^uint64(0)
)

var (
	// ErrPageNotPresent is returned when reading a frame that is not in
	// the dump.
	ErrPageNotPresent = errors.New("page not present in dump")

	// ErrNotXenCore is returned when the file is an ELF file but not a
	// Xen dump.
	ErrNotXenCore = errors.New("not a xen core dump")
)

// header is xen_dumpcore_elfnote_header_desc.
type header struct {
	Magic    uint64
	NrVcpus  uint64
	NrPages  uint64
	PageSize uint64
}

// Driver serves a Xen core dump. It is read-only: writes fail with
// vmi.ErrReadOnly and Pause and Resume do nothing.
type Driver struct {
	hdr   header
	pages io.ReaderAt
	// pagesOff is the file offset of .xen_pages.
	pagesOff int64
	prstatus []byte
	index    map[vmi.GFN]int64
	maxGFN   vmi.GFN
	close    func() error
	log      logflags.Logger
}

var _ vmi.Driver = (*Driver)(nil)

// Open opens the dump at path. On unix systems the file is memory mapped.
func Open(path string) (*Driver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, unmap, err := mapFile(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	d, err := NewDriver(r)
	if err != nil {
		unmap()
		f.Close()
		return nil, err
	}
	d.close = func() error {
		err := unmap()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
	d.log.Debugf("opened %s: %d vcpus, %d pages", path, d.hdr.NrVcpus, d.hdr.NrPages)
	return d, nil
}

// NewDriver reads a dump from r. The caller keeps ownership of r, which
// must stay readable until the driver is no longer used.
func NewDriver(r io.ReaderAt) (*Driver, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	if ef.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%w: ELF type %v", ErrNotXenCore, ef.Type)
	}
	if ef.Class != elf.ELFCLASS64 || ef.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: unsupported machine %v %v", ErrNotXenCore, ef.Class, ef.Machine)
	}

	d := &Driver{pages: r, close: func() error { return nil }, log: logflags.DriverLogger("xencore")}

	notes := ef.Section(".note.Xen")
	if notes == nil {
		return nil, fmt.Errorf("%w: no .note.Xen section", ErrNotXenCore)
	}
	if d.hdr, err = readHeader(notes); err != nil {
		return nil, err
	}
	if d.hdr.Magic != magicPV && d.hdr.Magic != magicHVM {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrNotXenCore, d.hdr.Magic)
	}
	if d.hdr.PageSize != 1<<12 {
		return nil, fmt.Errorf("unsupported page size %#x", d.hdr.PageSize)
	}

	pfn, err := section(ef, ".xen_pfn", d.hdr.NrPages*8)
	if err != nil {
		return nil, err
	}
	pages, err := section(ef, ".xen_pages", d.hdr.NrPages*d.hdr.PageSize)
	if err != nil {
		return nil, err
	}
	prstatus, err := section(ef, ".xen_prstatus", d.hdr.NrVcpus*contextSize)
	if err != nil {
		return nil, err
	}
	d.pagesOff = int64(pages.Offset)

	pfns, err := pfn.Data()
	if err != nil {
		return nil, fmt.Errorf("reading .xen_pfn: %v", err)
	}
	d.index = make(map[vmi.GFN]int64, d.hdr.NrPages)
	for i := 0; i < len(pfns); i += 8 {
		n := binary.LittleEndian.Uint64(pfns[i:])
		if n == 0 || n == invalidPFN {
			continue
		}
		d.index[vmi.GFN(n)] = int64(i / 8)
		if vmi.GFN(n) > d.maxGFN {
			d.maxGFN = vmi.GFN(n)
		}
	}
	if d.prstatus, err = prstatus.Data(); err != nil {
		return nil, fmt.Errorf("reading .xen_prstatus: %v", err)
	}
	return d, nil
}

func readHeader(sec *elf.Section) (header, error) {
	data, err := sec.Data()
	if err != nil {
		return header{}, fmt.Errorf("reading .note.Xen: %v", err)
	}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var nh struct{ Namesz, Descsz, Type uint32 }
		if err := binary.Read(r, binary.LittleEndian, &nh); err != nil {
			return header{}, fmt.Errorf("reading .note.Xen: %v", err)
		}
		if _, err := r.Seek(int64(align4(nh.Namesz)), io.SeekCurrent); err != nil {
			return header{}, err
		}
		desc := make([]byte, nh.Descsz)
		if _, err := io.ReadFull(r, desc); err != nil {
			return header{}, fmt.Errorf("reading .note.Xen: %v", err)
		}
		if _, err := r.Seek(int64(align4(nh.Descsz)-nh.Descsz), io.SeekCurrent); err != nil {
			return header{}, err
		}
		if nh.Type != noteHeader || nh.Descsz != 32 {
			continue
		}
		var hdr header
		binary.Read(bytes.NewReader(desc), binary.LittleEndian, &hdr)
		return hdr, nil
	}
	return header{}, fmt.Errorf("%w: no dump header note", ErrNotXenCore)
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

func section(ef *elf.File, name string, size uint64) (*elf.Section, error) {
	sec := ef.Section(name)
	if sec == nil {
		return nil, fmt.Errorf("%w: no %s section", ErrNotXenCore, name)
	}
	if sec.Size != size {
		return nil, fmt.Errorf("%s section size %#x does not match the dump header (%#x)", name, sec.Size, size)
	}
	return sec, nil
}

func (d *Driver) Info() (vmi.Info, error) {
	return vmi.Info{
		PageSize:  d.hdr.PageSize,
		PageShift: 12,
		MaxGFN:    d.maxGFN,
		Vcpus:     uint16(d.hdr.NrVcpus),
	}, nil
}

// Frames returns the number of guest frames present in the dump.
func (d *Driver) Frames() int { return len(d.index) }

func (d *Driver) ReadPhysical(pa vmi.PA, buf []byte) error {
	for len(buf) > 0 {
		gfn := vmi.GFN(uint64(pa) / d.hdr.PageSize)
		off := uint64(pa) % d.hdr.PageSize
		idx, ok := d.index[gfn]
		if !ok {
			return fmt.Errorf("%s: %w", gfn, ErrPageNotPresent)
		}
		n := len(buf)
		if rest := d.hdr.PageSize - off; uint64(n) > rest {
			n = int(rest)
		}
		if _, err := d.pages.ReadAt(buf[:n], d.pagesOff+idx*int64(d.hdr.PageSize)+int64(off)); err != nil {
			return err
		}
		buf = buf[n:]
		pa += vmi.PA(n)
	}
	return nil
}

func (d *Driver) WritePhysical(pa vmi.PA, data []byte) error {
	return vmi.ErrReadOnly
}

func (d *Driver) ReadRegisters(vcpu vmi.VcpuID) (vmi.Registers, error) {
	if uint64(vcpu) >= d.hdr.NrVcpus {
		return nil, fmt.Errorf("%w: %d", vmi.ErrVcpuOutOfRange, vcpu)
	}
	return decodeContext(d.prstatus[uint64(vcpu)*contextSize:][:contextSize]), nil
}

func (d *Driver) Pause() error { return nil }

func (d *Driver) Resume() error { return nil }

func (d *Driver) Close() error {
	c := d.close
	d.close = func() error { return nil }
	return c()
}
