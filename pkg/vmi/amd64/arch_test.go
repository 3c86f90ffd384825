package amd64_test

import (
	"errors"
	"testing"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

func TestCr3Conversions(t *testing.T) {
	a := amd64.New()
	tests := []struct {
		cr3 amd64.Cr3
		gfn vmi.GFN
		pa  vmi.PA
	}{
		{0x0000000123456000, 0x123456, 0x123456000},
		{0x0000000123456fff, 0x123456, 0x123456000}, // PCID bits
		{0x8000000123456000, 0x123456, 0x123456000}, // no flush bit
		{0x000ffffffffff000, 0xffffffffff, 0xffffffffff000},
		{0, 0, 0},
	}
	for _, tc := range tests {
		if gfn := tc.cr3.GFN(); gfn != tc.gfn {
			t.Errorf("Cr3(%#x).GFN() = %#x; want %#x", uint64(tc.cr3), uint64(gfn), uint64(tc.gfn))
		}
		if pa := a.PAFromGFN(tc.cr3.GFN()); pa != tc.pa {
			t.Errorf("PAFromGFN(Cr3(%#x).GFN()) = %#x; want %#x", uint64(tc.cr3), uint64(pa), uint64(tc.pa))
		}
		if pa := tc.cr3.PA(); pa != vmi.PA(uint64(tc.cr3)&amd64.FrameMask) {
			t.Errorf("Cr3(%#x).PA() = %#x", uint64(tc.cr3), uint64(pa))
		}
		if back := amd64.Cr3FromGFN(tc.gfn); back.GFN() != tc.gfn {
			t.Errorf("Cr3FromGFN(%#x).GFN() = %#x", uint64(tc.gfn), uint64(back.GFN()))
		}
		if gfn := a.GFNFromPA(tc.pa); gfn != tc.gfn {
			t.Errorf("GFNFromPA(%#x) = %#x; want %#x", uint64(tc.pa), uint64(gfn), uint64(tc.gfn))
		}
	}
	if pcid := amd64.Cr3(0x123456abc).PCID(); pcid != 0xabc {
		t.Errorf("PCID() = %#x; want 0xabc", pcid)
	}
}

func TestTranslationRoot(t *testing.T) {
	a := amd64.New()
	regs := amd64.LongModeRegisters(0x123456fff)
	root, err := a.TranslationRoot(regs)
	if err != nil {
		t.Fatal(err)
	}
	if root != 0x123456000 {
		t.Errorf("TranslationRoot() = %#x; want 0x123456000", uint64(root))
	}

	for _, tc := range []struct {
		name string
		mod  func(r *amd64.Registers)
		mode amd64.PagingMode
	}{
		{"disabled", func(r *amd64.Registers) { r.Cr0 = 1 }, amd64.PagingDisabled},
		{"legacy", func(r *amd64.Registers) { r.Cr4 = 0 }, amd64.PagingLegacy},
		{"pae", func(r *amd64.Registers) { r.Efer = 0 }, amd64.PagingPAE},
		{"la57", func(r *amd64.Registers) { r.Cr4 |= 1 << 12 }, amd64.PagingLong5},
	} {
		r := regs.Copy()
		tc.mod(r)
		if mode := r.Mode(); mode != tc.mode {
			t.Errorf("%s: Mode() = %v; want %v", tc.name, mode, tc.mode)
		}
		if _, err := a.TranslationRoot(r); !errors.Is(err, vmi.ErrNotSupported) {
			t.Errorf("%s: TranslationRoot() error = %v; want ErrNotSupported", tc.name, err)
		}
	}
}

func TestRegistersSlice(t *testing.T) {
	r := amd64.LongModeRegisters(0x1000)
	r.Rip = 0xffffffff81000000
	r.Rsp = 0xffffc90000003f00
	if r.PC() != r.Rip || r.SP() != r.Rsp {
		t.Errorf("PC/SP = %#x/%#x", r.PC(), r.SP())
	}
	found := map[string]string{}
	for _, reg := range r.Slice() {
		found[reg.Name] = reg.Value
	}
	for name, want := range map[string]string{
		"Rip": "0xffffffff81000000",
		"Cr3": "0x00000000001000",
		"Cs":  "0x00",
	} {
		if got := found[name]; got != want {
			t.Errorf("register %s = %q; want %q", name, got, want)
		}
	}
}
