package amd64_test

import (
	"errors"
	"testing"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
	"github.com/go-delve/vmi/pkg/vmi/vmitest"
)

func newTables() (*vmitest.Memory, *vmitest.PageTableBuilder) {
	mem := vmitest.NewMemory()
	return mem, vmitest.NewPageTableBuilder(mem, 0x10)
}

func TestTranslate(t *testing.T) {
	mem, b := newTables()
	b.Map(0xffff800000001000, 0x5000)
	b.MapLarge(0xffff800000200000, 0x40000000)
	b.MapHuge(0xffff800040000000, 0x80000000)
	b.Map(0x7f0000000000, 0x6000)

	a := amd64.New()
	tests := []struct {
		va vmi.VA
		pa vmi.PA
	}{
		{0xffff800000001000, 0x5000},
		{0xffff800000001abc, 0x5abc},
		{0xffff800000200000, 0x40000000},
		{0xffff8000002fffff, 0x400fffff},
		{0xffff800040000000, 0x80000000},
		{0xffff80007fffffff, 0xbfffffff},
		{0x7f0000000008, 0x6008},
	}
	for _, tc := range tests {
		pa, err := a.Translate(mem, b.Root(), tc.va, vmi.AccessRead)
		if err != nil {
			t.Errorf("Translate(%#x): %v", uint64(tc.va), err)
			continue
		}
		if pa != tc.pa {
			t.Errorf("Translate(%#x) = %#x; want %#x", uint64(tc.va), uint64(pa), uint64(tc.pa))
		}
	}
}

func TestTranslateFaults(t *testing.T) {
	mem, b := newTables()
	b.Map(0xffff800000001000, 0x5000)
	b.MapFlags(0xffff800000002000, 0x6000, amd64.PageSize, 0)
	b.MapFlags(0x400000, 0x7000, amd64.PageSize, vmitest.User|vmitest.NoExecute)
	b.SetEntry(0xffff800000400000, vmi.Level2, amd64.MakeEntry(0x40010000, true, false, true))
	b.SetEntry(0xffff880000000000, vmi.Level4, amd64.MakeEntry(0x8000, true, false, true))

	a := amd64.New()
	tests := []struct {
		name   string
		va     vmi.VA
		access vmi.Access
		level  vmi.PageLevel
		fault  vmi.TranslationFault
		leaf   bool
	}{
		{"missing pte", 0xffff800000003000, vmi.AccessRead, vmi.Level1, vmi.NotPresent, true},
		{"missing pd", 0xffff800000600000, vmi.AccessRead, vmi.Level2, vmi.NotPresent, false},
		{"missing pml4e", 0x0000100000000000, vmi.AccessRead, vmi.Level4, vmi.NotPresent, false},
		{"non canonical", 0x0000800000000000, vmi.AccessRead, vmi.Level4, vmi.ReservedBit, true},
		{"misaligned large page", 0xffff800000400000, vmi.AccessRead, vmi.Level2, vmi.ReservedBit, true},
		{"large pml4e", 0xffff880000000000, vmi.AccessRead, vmi.Level4, vmi.ReservedBit, false},
		{"write read-only", 0xffff800000002000, vmi.AccessWrite, vmi.Level1, vmi.Permission, true},
		{"user supervisor", 0xffff800000001000, vmi.AccessRead | vmi.AccessUser, vmi.Level1, vmi.Permission, true},
		{"exec nx", 0x400000, vmi.AccessExec, vmi.Level1, vmi.Permission, true},
	}
	for _, tc := range tests {
		_, err := a.Translate(mem, b.Root(), tc.va, tc.access)
		var terr *vmi.TranslationError
		if !errors.As(err, &terr) {
			t.Errorf("%s: error = %v; want *TranslationError", tc.name, err)
			continue
		}
		if terr.Level != tc.level || terr.Fault != tc.fault || terr.Leaf != tc.leaf {
			t.Errorf("%s: got %s/%s leaf=%v; want %s/%s leaf=%v", tc.name, terr.Level, terr.Fault, terr.Leaf, tc.level, tc.fault, tc.leaf)
		}
		if terr.VA != tc.va {
			t.Errorf("%s: VA = %#x", tc.name, uint64(terr.VA))
		}
	}

	// Supervisor reads of user pages and reads of read-only pages succeed.
	if _, err := a.Translate(mem, b.Root(), 0x400000, vmi.AccessRead); err != nil {
		t.Errorf("supervisor read of user page: %v", err)
	}
	if _, err := a.Translate(mem, b.Root(), 0xffff800000002000, vmi.AccessRead); err != nil {
		t.Errorf("read of read-only page: %v", err)
	}
	if _, err := a.Translate(mem, b.Root(), 0x400000, vmi.AccessRead|vmi.AccessWrite|vmi.AccessUser); err == nil {
		t.Errorf("user write of read-only user page succeeded")
	}

	wp := &amd64.Arch{IgnoreWriteProtect: true}
	if _, err := wp.Translate(mem, b.Root(), 0xffff800000002000, vmi.AccessWrite); err != nil {
		t.Errorf("supervisor write without write protect: %v", err)
	}
}

func TestTranslateReservedAddressBits(t *testing.T) {
	mem, b := newTables()
	b.Map(0xffff800000001000, 0x10_0000_0000)
	a := &amd64.Arch{MaxPhysAddr: 36}
	_, err := a.Translate(mem, b.Root(), 0xffff800000001000, vmi.AccessRead)
	var terr *vmi.TranslationError
	if !errors.As(err, &terr) || terr.Fault != vmi.ReservedBit || terr.Level != vmi.Level1 {
		t.Errorf("Translate() error = %v; want reserved bit at PT", err)
	}
	if _, err := amd64.New().Translate(mem, b.Root(), 0xffff800000001000, vmi.AccessRead); err != nil {
		t.Errorf("Translate() with 52 bit physical addresses: %v", err)
	}
}

func TestTranslateTableReadError(t *testing.T) {
	mem, b := newTables()
	b.Map(0xffff800000001000, 0x5000)
	pd, _ := b.Entry(0xffff800000001000, vmi.Level2)
	mem.Unback(pd.PFN())
	_, err := amd64.New().Translate(mem, b.Root(), 0xffff800000001000, vmi.AccessRead)
	if !errors.Is(err, vmitest.ErrUnbacked) {
		t.Errorf("Translate() error = %v; want the memory error", err)
	}
	if vmi.IsTranslationError(err) {
		t.Errorf("table read failure reported as translation error")
	}
}

func TestPageTableEntry(t *testing.T) {
	e := amd64.MakeEntry(0x123456000, true, true, false) | 1<<63
	if !e.Present() || !e.Write() || !e.User() || e.Large() || !e.NX() {
		t.Errorf("flags of %s wrong", e)
	}
	if e.PFN() != 0x123456 || e.Address() != 0x123456000 {
		t.Errorf("PFN() = %#x, Address() = %#x", uint64(e.PFN()), uint64(e.Address()))
	}
	if s, want := e.String(), "0x123456000 [PWU----] NX"; s != want {
		t.Errorf("String() = %q; want %q", s, want)
	}
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		va   vmi.VA
		want bool
	}{
		{0, true},
		{0x00007fffffffffff, true},
		{0x0000800000000000, false},
		{0xffff800000000000, true},
		{0xfff0800000000000, false},
		{0xffffffffffffffff, true},
	} {
		if got := amd64.Canonical(tc.va); got != tc.want {
			t.Errorf("Canonical(%#x) = %v; want %v", uint64(tc.va), got, tc.want)
		}
	}
}
