package xencore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
	"github.com/go-delve/vmi/pkg/vmi/vmitest"
)

type coreSection struct {
	name string
	typ  elf.SectionType
	data []byte
}

// writeELF lays out an ELF64 core file holding secs followed by a section
// name table.
func writeELF(secs []coreSection) []byte {
	var shstr bytes.Buffer
	shstr.WriteByte(0)
	secs = append(secs, coreSection{".shstrtab", elf.SHT_STRTAB, nil})
	names := make([]uint32, len(secs))
	for i, s := range secs {
		names[i] = uint32(shstr.Len())
		shstr.WriteString(s.name)
		shstr.WriteByte(0)
	}
	secs[len(secs)-1].data = shstr.Bytes()

	var body bytes.Buffer
	pad := func() {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
	}
	body.Write(make([]byte, 64))
	shdrs := []elf.Section64{{}}
	for i, s := range secs {
		pad()
		shdrs = append(shdrs, elf.Section64{
			Name:      names[i],
			Type:      uint32(s.typ),
			Off:       uint64(body.Len()),
			Size:      uint64(len(s.data)),
			Addralign: 1,
		})
		body.Write(s.data)
	}
	pad()
	shoff := body.Len()
	for _, sh := range shdrs {
		binary.Write(&body, binary.LittleEndian, sh)
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(shoff),
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  uint16(len(shdrs) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	var hb bytes.Buffer
	binary.Write(&hb, binary.LittleEndian, hdr)
	out := body.Bytes()
	copy(out, hb.Bytes())
	return out
}

func xenNote(typ uint32, desc []byte) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, struct{ Namesz, Descsz, Type uint32 }{4, uint32(len(desc)), typ})
	b.WriteString("Xen\x00")
	b.Write(desc)
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
	return b.Bytes()
}

// xenCore is a dump under construction.
type xenCore struct {
	hdr      header
	pfns     []uint64
	pages    [][]byte
	contexts [][]byte
}

func newXenCore() *xenCore {
	return &xenCore{hdr: header{Magic: magicHVM, PageSize: 4096}}
}

func (c *xenCore) addPage(pfn uint64, data []byte) {
	page := make([]byte, 4096)
	copy(page, data)
	c.pfns = append(c.pfns, pfn)
	c.pages = append(c.pages, page)
	c.hdr.NrPages++
}

func (c *xenCore) addVcpu(ctx []byte) {
	c.contexts = append(c.contexts, ctx)
	c.hdr.NrVcpus++
}

func (c *xenCore) bytes() []byte {
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, c.hdr)
	notes := append(xenNote(0x2000000, nil), xenNote(noteHeader, hdr.Bytes())...)
	pfns := make([]byte, 8*len(c.pfns))
	for i, n := range c.pfns {
		binary.LittleEndian.PutUint64(pfns[8*i:], n)
	}
	return writeELF([]coreSection{
		{".note.Xen", elf.SHT_NOTE, notes},
		{".xen_prstatus", elf.SHT_PROGBITS, bytes.Join(c.contexts, nil)},
		{".xen_pfn", elf.SHT_PROGBITS, pfns},
		{".xen_pages", elf.SHT_PROGBITS, bytes.Join(c.pages, nil)},
	})
}

func (c *xenCore) open(t *testing.T) *Driver {
	t.Helper()
	d, err := NewDriver(bytes.NewReader(c.bytes()))
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	return d
}

type guestContext struct {
	rip, rsp, rax, r15 uint64
	cs                 uint16
	cr0, cr3, cr4      uint64
	dr7                uint64
	fsBase             uint64
	gsKernel, gsUser   uint64
}

func (g guestContext) encode() []byte {
	b := make([]byte, contextSize)
	put := func(off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }
	put(userRegsOff+regRip, g.rip)
	put(userRegsOff+regRsp, g.rsp)
	put(userRegsOff+regRax, g.rax)
	put(userRegsOff+regR15, g.r15)
	binary.LittleEndian.PutUint16(b[userRegsOff+regCs:], g.cs)
	put(ctrlRegOff, g.cr0)
	put(ctrlRegOff+3*8, g.cr3)
	put(ctrlRegOff+4*8, g.cr4)
	put(debugRegOff+7*8, g.dr7)
	put(fsBaseOff, g.fsBase)
	put(gsKernelOff, g.gsKernel)
	put(gsUserOff, g.gsUser)
	return b
}

func TestReadPhysical(t *testing.T) {
	c := newXenCore()
	c.addPage(0x10, bytes.Repeat([]byte{1}, 4096))
	c.addPage(0, bytes.Repeat([]byte{2}, 4096))
	c.addPage(0x20, bytes.Repeat([]byte{3}, 4096))
	c.addPage(^uint64(0), bytes.Repeat([]byte{4}, 4096))
	c.addPage(0x21, bytes.Repeat([]byte{5}, 4096))
	c.addVcpu(guestContext{}.encode())
	d := c.open(t)

	info, _ := d.Info()
	if want := (vmi.Info{PageSize: 4096, PageShift: 12, MaxGFN: 0x21, Vcpus: 1}); info != want {
		t.Errorf("Info() = %+v; want %+v", info, want)
	}
	if d.Frames() != 3 {
		t.Errorf("Frames() = %d; want 3", d.Frames())
	}

	buf := make([]byte, 8)
	if err := d.ReadPhysical(0x20ffc, buf); err != nil {
		t.Fatalf("ReadPhysical: %v", err)
	}
	if want := []byte{3, 3, 3, 3, 5, 5, 5, 5}; !bytes.Equal(buf, want) {
		t.Errorf("ReadPhysical(0x20ffc) = %v; want %v", buf, want)
	}
	if err := d.ReadPhysical(0x10000, buf); err != nil || buf[0] != 1 {
		t.Errorf("ReadPhysical(0x10000) = %v, %v", buf, err)
	}

	for _, pa := range []vmi.PA{0, 0x11000, 0x21ffc} {
		if err := d.ReadPhysical(pa, buf); !errors.Is(err, ErrPageNotPresent) {
			t.Errorf("ReadPhysical(%s) error = %v; want ErrPageNotPresent", pa, err)
		}
	}
	if err := d.WritePhysical(0x10000, buf); !errors.Is(err, vmi.ErrReadOnly) {
		t.Errorf("WritePhysical error = %v; want ErrReadOnly", err)
	}
}

func TestReadRegisters(t *testing.T) {
	c := newXenCore()
	c.addPage(1, nil)
	c.addVcpu(guestContext{
		rip: 0xffffffff81000010, rsp: 0xffffc90000003f00, rax: 7, r15: 9,
		cs:  0x10,
		cr0: 0x80050033, cr3: 0x1aa000, cr4: 0x3606e0,
		dr7:      0x401,
		fsBase:   0x7f0000001000,
		gsKernel: 0xffff888000010000, gsUser: 0x7f0000002000,
	}.encode())
	c.addVcpu(guestContext{rip: 0x401000, cs: 0x33, gsKernel: 0xffff888000020000, gsUser: 0x7f0000003000}.encode())
	d := c.open(t)

	want := []*amd64.Registers{
		{
			Rip: 0xffffffff81000010, Rsp: 0xffffc90000003f00, Rax: 7, R15: 9,
			Cs:           amd64.Segment{Selector: 0x10},
			Fs:           amd64.Segment{Base: 0x7f0000001000},
			Gs:           amd64.Segment{Base: 0xffff888000010000},
			KernelGsBase: 0x7f0000002000,
			Cr0:          0x80050033, Cr3: 0x1aa000, Cr4: 0x3606e0,
			Efer: amd64.LongModeEfer,
			Dr7:  0x401,
		},
		{
			Rip:          0x401000,
			Cs:           amd64.Segment{Selector: 0x33},
			Gs:           amd64.Segment{Base: 0x7f0000003000},
			KernelGsBase: 0xffff888000020000,
		},
	}
	for i, w := range want {
		regs, err := d.ReadRegisters(vmi.VcpuID(i))
		if err != nil {
			t.Fatalf("ReadRegisters(%d): %v", i, err)
		}
		if diff := cmp.Diff(w, regs); diff != "" {
			t.Errorf("ReadRegisters(%d) mismatch (-want +got):\n%s", i, diff)
		}
	}
	if _, err := d.ReadRegisters(2); !errors.Is(err, vmi.ErrVcpuOutOfRange) {
		t.Errorf("ReadRegisters(2) error = %v; want ErrVcpuOutOfRange", err)
	}
}

func TestBadDumps(t *testing.T) {
	good := func() *xenCore {
		c := newXenCore()
		c.addPage(1, nil)
		c.addVcpu(guestContext{}.encode())
		return c
	}
	tests := []struct {
		name    string
		mutate  func(c *xenCore)
		wantErr error
	}{
		{"magic", func(c *xenCore) { c.hdr.Magic = 0x1234 }, ErrNotXenCore},
		{"pages", func(c *xenCore) { c.hdr.NrPages = 2 }, nil},
		{"vcpus", func(c *xenCore) { c.hdr.NrVcpus = 4 }, nil},
		{"page size", func(c *xenCore) { c.hdr.PageSize = 0x200000 }, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := good()
			tc.mutate(c)
			_, err := NewDriver(bytes.NewReader(c.bytes()))
			if err == nil {
				t.Fatal("NewDriver succeeded on a broken dump")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("NewDriver error = %v; want %v", err, tc.wantErr)
			}
		})
	}

	noHeader := writeELF([]coreSection{{".note.Xen", elf.SHT_NOTE, xenNote(0x2000000, nil)}})
	if _, err := NewDriver(bytes.NewReader(noHeader)); !errors.Is(err, ErrNotXenCore) {
		t.Errorf("dump without header: error = %v; want ErrNotXenCore", err)
	}
	noNotes := writeELF(nil)
	if _, err := NewDriver(bytes.NewReader(noNotes)); !errors.Is(err, ErrNotXenCore) {
		t.Errorf("dump without notes: error = %v; want ErrNotXenCore", err)
	}
}

// TestSession opens a dump of a guest built with page tables and reads
// virtual memory through a session over it.
func TestSession(t *testing.T) {
	const va = vmi.VA(0xffff888000100000)
	g := vmitest.NewGuest(t, 1)
	g.Write(va, []byte("xen dump-core\x00"))

	c := newXenCore()
	for _, gfn := range g.Mem.GFNs() {
		c.addPage(uint64(gfn), g.Mem.Frame(gfn))
	}
	cr3 := uint64(g.Tables.Cr3())
	c.addVcpu(guestContext{cs: 0x10, cr0: 0x80050033, cr3: cr3, cr4: 0x6f0}.encode())

	path := filepath.Join(t.TempDir(), "guest.core")
	if err := os.WriteFile(path, c.bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, err := vmi.NewSession(amd64.New(), d)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()
	st, err := s.StateForVcpu(0)
	if err != nil {
		t.Fatal(err)
	}
	str, err := st.Context().ReadString(va)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if str != "xen dump-core" {
		t.Errorf("ReadString = %q; want %q", str, "xen dump-core")
	}
	if err := st.Context().WriteAt(va, []byte{0}); !errors.Is(err, vmi.ErrReadOnly) {
		t.Errorf("WriteAt error = %v; want ErrReadOnly", err)
	}
}
