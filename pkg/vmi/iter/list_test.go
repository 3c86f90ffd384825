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
	kernelBase vmi.VA = 0xffff800000000000
	unmapped   vmi.VA = 0xffff800000900000
)

// listGuest builds a circular list of n entries. Entries are embedded at
// offset entryOff of 0x40 byte containers.
type listGuest struct {
	*vmitest.Guest
	head    vmi.VA
	entries []vmi.VA
}

const entryOff = 0x10

func newListGuest(t *testing.T, n int) *listGuest {
	g := &listGuest{Guest: vmitest.NewGuest(t, 1), head: kernelBase + 0x800}
	for i := 0; i < n; i++ {
		g.entries = append(g.entries, kernelBase+0x1000+vmi.VA(i)*0x40+entryOff)
	}
	all := append([]vmi.VA{g.head}, g.entries...)
	for i, e := range all {
		next := all[(i+1)%len(all)]
		prev := all[(i+len(all)-1)%len(all)]
		g.WriteU64(e, uint64(next))
		g.WriteU64(e+8, uint64(prev))
	}
	return g
}

func TestListForward(t *testing.T) {
	g := newListGuest(t, 5)
	it := iter.NewList(g.Context(t), g.head, 0, iter.Limits{})
	got, errs := iter.Collect[vmi.VA](it)
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if diff := cmp.Diff(g.entries, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if _, err := it.Next(); err != iter.Done {
		t.Errorf("Next() after the end = %v; want Done", err)
	}
}

func TestListBackward(t *testing.T) {
	g := newListGuest(t, 5)
	got, errs := iter.Collect[vmi.VA](iter.NewListBackward(g.Context(t), g.head, 8, iter.Limits{}))
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	want := make([]vmi.VA, len(g.entries))
	for i, e := range g.entries {
		want[len(want)-1-i] = e
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestListEmpty(t *testing.T) {
	g := newListGuest(t, 0)
	got, errs := iter.Collect[vmi.VA](iter.NewList(g.Context(t), g.head, 0, iter.Limits{}))
	if len(got) != 0 || len(errs) != 0 {
		t.Errorf("empty list yielded %v, %v", got, errs)
	}
}

func TestListUnmappedLink(t *testing.T) {
	g := newListGuest(t, 5)
	g.WriteU64(g.entries[2], uint64(unmapped))

	it := iter.NewList(g.Context(t), g.head, 0, iter.Limits{})
	var got []vmi.VA
	for i := 0; i < 3; i++ {
		e, err := it.Next()
		if err != nil {
			t.Fatalf("element %d: %v", i, err)
		}
		got = append(got, e)
	}
	if diff := cmp.Diff(g.entries[:3], got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	_, err := it.Next()
	if !vmi.IsTranslationError(err) {
		t.Errorf("fourth Next() error = %v; want a translation error", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := it.Next(); err != iter.Done {
			t.Errorf("Next() after the error = %v; want Done", err)
		}
	}
}

func TestListCorruptLink(t *testing.T) {
	for _, bad := range []uint64{0, uint64(kernelBase) + 0x1003} {
		g := newListGuest(t, 5)
		g.WriteU64(g.entries[1], bad)
		got, errs := iter.Collect[vmi.VA](iter.NewList(g.Context(t), g.head, 0, iter.Limits{}))
		if diff := cmp.Diff(g.entries[:1], got); diff != "" {
			t.Errorf("link %#x: entries mismatch (-want +got):\n%s", bad, diff)
		}
		var cerr *vmi.CorruptionError
		if len(errs) != 1 || !errors.As(errs[0], &cerr) {
			t.Errorf("link %#x: errors = %v; want one corruption error", bad, errs)
		}
	}
}

func TestListSelfLoop(t *testing.T) {
	g := newListGuest(t, 3)
	g.WriteU64(g.entries[0], uint64(g.entries[0]))
	got, errs := iter.Collect[vmi.VA](iter.NewList(g.Context(t), g.head, 0, iter.Limits{MaxHops: 10}))
	if len(got) != 10 {
		t.Errorf("self loop yielded %d entries; want 10", len(got))
	}
	var cerr *vmi.CorruptionError
	if len(errs) != 1 || !errors.As(errs[0], &cerr) {
		t.Errorf("errors = %v; want one corruption error", errs)
	}
}

func TestListUnreadableHead(t *testing.T) {
	g := newListGuest(t, 1)
	got, errs := iter.Collect[vmi.VA](iter.NewList(g.Context(t), unmapped, 0, iter.Limits{}))
	if len(got) != 0 || len(errs) != 1 || !vmi.IsTranslationError(errs[0]) {
		t.Errorf("unreadable head yielded %v, %v", got, errs)
	}
}

func TestContainer(t *testing.T) {
	if c := iter.Container(kernelBase+0x1010, entryOff); c != kernelBase+0x1000 {
		t.Errorf("Container() = %#x", uint64(c))
	}
}
