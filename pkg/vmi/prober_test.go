package vmi_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/vmitest"
)

func TestProberVsRead(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	mapped := kernelBase + 0x1000
	unmapped := kernelBase + 0x2000
	g.WriteU64(mapped, 0xdead)

	st, err := g.Session.StateForVcpu(0)
	if err != nil {
		t.Fatal(err)
	}
	p := st.Prober()

	if r, err := p.Probe(mapped); err != nil || r != vmi.Resident {
		t.Errorf("Probe(mapped) = %v, %v; want resident", r, err)
	}
	r, err := p.Probe(unmapped)
	if err != nil || r != vmi.NotResident {
		t.Errorf("Probe(unmapped) = %v, %v; want not resident", r, err)
	}
	_, err = st.Context().ReadU64(unmapped)
	var terr *vmi.TranslationError
	if !errors.As(err, &terr) {
		t.Errorf("ReadU64(unmapped) error = %v; want *TranslationError", err)
	} else if terr.Level != vmi.Level1 || terr.Fault != vmi.NotPresent {
		t.Errorf("ReadU64(unmapped) failed at %s: %s", terr.Level, terr.Fault)
	}
}

func TestProberIndeterminate(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	va := kernelBase + 0x1000
	g.WriteU64(va, 1)
	p := g.Context(t).State().Prober()

	// Missing page directory entry.
	if r, err := p.Probe(kernelBase + 0x40000000); err != nil || r != vmi.Indeterminate {
		t.Errorf("Probe with missing PDPT entry = %v, %v; want indeterminate", r, err)
	}
	g.Tables.Unmap(va, vmi.Level2)
	g.Session.FlushGFNCache()
	g.Session.FlushV2PCache()
	if r, err := p.Probe(va); err != nil || r != vmi.Indeterminate {
		t.Errorf("Probe with missing PD entry = %v, %v; want indeterminate", r, err)
	}

	// Page table frame the backend can not serve.
	g2 := vmitest.NewGuest(t, 1)
	g2.WriteU64(va, 1)
	pde, _ := g2.Tables.Entry(va, vmi.Level2)
	g2.Mem.Unback(pde.PFN())
	p2 := g2.Context(t).State().Prober()
	if r, err := p2.Probe(va); err != nil || r != vmi.Indeterminate {
		t.Errorf("Probe with unreadable PT = %v, %v; want indeterminate", r, err)
	}

	// Mapped but the final frame is not backed.
	g3 := vmitest.NewGuest(t, 1)
	gfn := g3.MapPage(va)
	g3.Mem.Unback(gfn)
	p3 := g3.Context(t).State().Prober()
	if r, err := p3.Probe(va); err != nil || r != vmi.Indeterminate {
		t.Errorf("Probe of unbacked frame = %v, %v; want indeterminate", r, err)
	}
}

func TestProberNoSideEffects(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	g.WriteU64(kernelBase, 1)
	p := g.Context(t).State().Prober()
	for i := 0; i < 4; i++ {
		p.Probe(kernelBase + vmi.VA(i)*0x1000)
	}
	if _, translations := g.Session.CacheStats(); translations != 1 {
		t.Errorf("translation cache holds %d entries; want only the resident page", translations)
	}
	for gfn := vmitest.TableBase; gfn < g.Tables.NextTableFrame(); gfn++ {
		if n := g.Mem.Writes(gfn); n != 0 {
			t.Errorf("probing wrote %d times to %s", n, gfn)
		}
	}
}

func TestProberRange(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	va := kernelBase + 0x10000
	g.Write(va, bytes.Repeat([]byte{0x42}, 0x2000))
	p := g.Context(t).State().Prober()

	if page, r, err := p.ProbeRange(va+0x800, 0x1000); err != nil || r != vmi.Resident || page != va+0x800 {
		t.Errorf("ProbeRange(resident) = %#x, %v, %v", uint64(page), r, err)
	}
	page, r, err := p.ProbeRange(va+0x1800, 0x1000)
	if err != nil || r != vmi.NotResident || page != va+0x2000 {
		t.Errorf("ProbeRange(partially resident) = %#x, %v, %v; want %#x not resident", uint64(page), r, err, uint64(va+0x2000))
	}

	buf := make([]byte, 16)
	if ok, err := p.Read(va+0x1ff0, buf); err != nil || !ok || buf[0] != 0x42 {
		t.Errorf("Read(resident) = %v, %v", ok, err)
	}
	if ok, err := p.Read(va+0x1ffc, buf); err != nil || ok {
		t.Errorf("Read(crossing into unmapped page) = %v, %v; want false, nil", ok, err)
	}
}

func TestProberMisuse(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	st, _ := g.Session.StateForVcpu(0)
	g.Driver.RegisterErr = errors.New("vcpu gone")
	if _, err := st.Prober().Probe(kernelBase); err == nil {
		t.Errorf("Probe without registers succeeded")
	}
}
