package iter_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/vmitest"
)

const (
	handleTop  = kernelBase + 0x50000
	handleLow0 = kernelBase + 0x40000
	handleLow2 = kernelBase + 0x42000
)

// objectHeader returns the address of the object header of object i.
func objectHeader(i int) vmi.VA { return 0xffffa00000001000 + vmi.VA(i)*0x100 }

// writeHandle fills entry idx of the low level table at table.
func writeHandle(g *vmitest.Guest, table vmi.VA, idx int, header vmi.VA, attrs uint64, access uint32) {
	bits := (uint64(header) & 0x0000ffffffffffff) >> 4
	entry := table + vmi.VA(idx*16)
	g.WriteU64(entry, bits<<20|attrs<<17|1)
	g.WriteU32(entry+8, access)
}

func wantHandle(handle uint64, table vmi.VA, idx int, header vmi.VA, attrs, access uint32) iter.HandleEntry {
	return iter.HandleEntry{
		Handle:        handle,
		Addr:          table + vmi.VA(idx*16),
		Object:        header + 0x30,
		Attributes:    attrs,
		GrantedAccess: access,
	}
}

func TestHandleTableLevel0(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	g.Write(handleLow0, make([]byte, 4096))
	writeHandle(g, handleLow0, 1, objectHeader(0), 2, 0x1fffff)
	writeHandle(g, handleLow0, 3, objectHeader(1), 0, 0x100020)

	it := iter.NewHandleTable(g.Context(t), iter.DefaultHandleTableLayout, uint64(handleLow0), 1024, iter.Limits{})
	entries, errs := iter.Collect[iter.HandleEntry](it)
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	want := []iter.HandleEntry{
		wantHandle(4, handleLow0, 1, objectHeader(0), 2, 0x1fffff),
		wantHandle(12, handleLow0, 3, objectHeader(1), 0, 0x100020),
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleTableLimit(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	g.Write(handleLow0, make([]byte, 4096))
	writeHandle(g, handleLow0, 1, objectHeader(0), 0, 1)
	writeHandle(g, handleLow0, 3, objectHeader(1), 0, 1)

	it := iter.NewHandleTable(g.Context(t), iter.DefaultHandleTableLayout, uint64(handleLow0), 8, iter.Limits{})
	entries, _ := iter.Collect[iter.HandleEntry](it)
	if len(entries) != 1 || entries[0].Handle != 4 {
		t.Errorf("entries = %v; want only handle 4", entries)
	}
}

func TestHandleTableLevel1(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	g.Write(handleLow0, make([]byte, 4096))
	g.Write(handleLow2, make([]byte, 4096))
	writeHandle(g, handleLow0, 2, objectHeader(0), 1, 0x1f0003)
	writeHandle(g, handleLow2, 5, objectHeader(1), 4, 0x120089)
	g.WriteU64(handleTop, uint64(handleLow0))
	g.WriteU64(handleTop+8, uint64(unmapped))
	g.WriteU64(handleTop+16, uint64(handleLow2))

	it := iter.NewHandleTable(g.Context(t), iter.DefaultHandleTableLayout, uint64(handleTop)|1, 3*1024, iter.Limits{})
	entries, errs := iter.Collect[iter.HandleEntry](it)
	want := []iter.HandleEntry{
		wantHandle(8, handleLow0, 2, objectHeader(0), 1, 0x1f0003),
		wantHandle(2048+20, handleLow2, 5, objectHeader(1), 4, 0x120089),
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if len(errs) != 1 || !vmi.IsTranslationError(errs[0]) {
		t.Errorf("errors = %v; want one translation error for the unreadable table", errs)
	}
}

func TestHandleTableBadLevel(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	it := iter.NewHandleTable(g.Context(t), iter.DefaultHandleTableLayout, uint64(handleTop)|3, 1024, iter.Limits{})
	entries, errs := iter.Collect[iter.HandleEntry](it)
	var cerr *vmi.CorruptionError
	if len(entries) != 0 || len(errs) != 1 || !errors.As(errs[0], &cerr) {
		t.Errorf("got %v, %v; want one corruption error", entries, errs)
	}
}

func TestHandleTableMissingLowTable(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	g.Write(handleLow0, make([]byte, 4096))
	writeHandle(g, handleLow0, 7, objectHeader(0), 0, 1)
	g.WriteU64(handleTop, 0)
	g.WriteU64(handleTop+8, uint64(handleLow0))

	it := iter.NewHandleTable(g.Context(t), iter.DefaultHandleTableLayout, uint64(handleTop)|1, 2*1024, iter.Limits{})
	entries, errs := iter.Collect[iter.HandleEntry](it)
	if len(entries) != 1 || entries[0].Handle != 1024+28 {
		t.Errorf("entries = %v; want handle %d", entries, 1024+28)
	}
	var cerr *vmi.CorruptionError
	if len(errs) != 1 || !errors.As(errs[0], &cerr) {
		t.Errorf("errors = %v; want one corruption error", errs)
	}
}

func TestHandleTableMaxErrors(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	g.Write(handleLow0, make([]byte, 4096))
	writeHandle(g, handleLow0, 1, objectHeader(0), 0, 1)
	const broken = 6
	for i := 0; i < broken; i++ {
		g.WriteU64(handleTop+vmi.VA(i*8), uint64(unmapped))
	}
	g.WriteU64(handleTop+broken*8, uint64(handleLow0))

	tests := []struct {
		maxErrors   int
		wantErrs    int
		wantEntries int
	}{
		{3, 3, 0},
		{broken, broken, 0},
		{broken + 1, broken, 1},
	}
	for _, tc := range tests {
		it := iter.NewHandleTable(g.Context(t), iter.DefaultHandleTableLayout, uint64(handleTop)|1, (broken+1)*1024, iter.Limits{MaxErrors: tc.maxErrors})
		var entries, errs int
		for {
			_, err := it.Next()
			if err == iter.Done {
				break
			}
			if err != nil {
				if !vmi.IsTranslationError(err) {
					t.Errorf("MaxErrors=%d: unexpected error %v", tc.maxErrors, err)
				}
				errs++
				continue
			}
			entries++
		}
		if errs != tc.wantErrs || entries != tc.wantEntries {
			t.Errorf("MaxErrors=%d: %d errors and %d entries; want %d and %d", tc.maxErrors, errs, entries, tc.wantErrs, tc.wantEntries)
		}
		if _, err := it.Next(); err != iter.Done {
			t.Errorf("MaxErrors=%d: Next after the end = %v; want Done", tc.maxErrors, err)
		}
	}
}
