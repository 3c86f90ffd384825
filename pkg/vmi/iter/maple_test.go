package iter_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/vmitest"
)

const (
	mapleTree   = kernelBase + 0x20000
	mapleRoot   = kernelBase + 0x21000
	mapleLeafA  = kernelBase + 0x21100
	mapleLeafB  = kernelBase + 0x21200
	mapleValues = kernelBase + 0x30000

	mapleDense    = 0
	mapleLeaf64   = 1
	mapleRange64  = 2
	mapleArange64 = 3
)

func enode(node vmi.VA, typ uint64) uint64 { return uint64(node) | typ<<3 }

func mapleValue(i int) vmi.VA { return mapleValues + vmi.VA(i)*0x100 }

// writeNode writes pivots and slots of a node with the given offsets.
func writeNode(g *vmitest.Guest, node vmi.VA, pivotOff, slotOff uint64, pivots, slots []uint64) {
	g.Write(node, make([]byte, 256))
	for i, p := range pivots {
		g.WriteU64(node+vmi.VA(pivotOff)+vmi.VA(i*8), p)
	}
	for i, s := range slots {
		g.WriteU64(node+vmi.VA(slotOff)+vmi.VA(i*8), s)
	}
}

// newMapleGuest builds a tree holding indices 1, 2 and 3 in two leaves
// under a root of type rootType.
func newMapleGuest(t *testing.T, rootType uint64) *vmitest.Guest {
	g := vmitest.NewGuest(t, 1)
	pivotOff, slotOff := uint64(8), uint64(128)
	if rootType == mapleArange64 {
		slotOff = 80
	}
	writeNode(g, mapleRoot, pivotOff, slotOff,
		[]uint64{2, math.MaxUint64},
		[]uint64{enode(mapleLeafA, mapleLeaf64), enode(mapleLeafB, mapleLeaf64)})
	writeNode(g, mapleLeafA, 8, 128,
		[]uint64{0, 1, 2},
		[]uint64{0, uint64(mapleValue(1)), uint64(mapleValue(2))})
	writeNode(g, mapleLeafB, 8, 128,
		[]uint64{3},
		[]uint64{uint64(mapleValue(3))})
	g.WriteU64(mapleTree+8, enode(mapleRoot, rootType)|2)
	return g
}

func mapleKeys(entries []iter.MapleEntry) []uint64 {
	var keys []uint64
	for _, e := range entries {
		keys = append(keys, e.Index)
	}
	return keys
}

func TestMapleEmpty(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	g.WriteU64(mapleTree+8, 0)
	entries, errs := iter.Collect[iter.MapleEntry](iter.NewMaple(g.Context(t), mapleTree, iter.DefaultMapleLayout, iter.Limits{}))
	if len(entries) != 0 || len(errs) != 0 {
		t.Errorf("empty tree yielded %v, %v", entries, errs)
	}
}

func TestMapleSingleEntry(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	g.WriteU64(mapleTree+8, uint64(mapleValue(0)))
	entries, errs := iter.Collect[iter.MapleEntry](iter.NewMaple(g.Context(t), mapleTree, iter.DefaultMapleLayout, iter.Limits{}))
	want := []iter.MapleEntry{{Index: 0, Last: 0, Value: mapleValue(0)}}
	if diff := cmp.Diff(want, entries); diff != "" || len(errs) != 0 {
		t.Errorf("entries mismatch (-want +got):\n%s\nerrors: %v", diff, errs)
	}
}

func TestMapleTwoLeaves(t *testing.T) {
	for _, rootType := range []uint64{mapleRange64, mapleArange64} {
		g := newMapleGuest(t, rootType)
		entries, errs := iter.Collect[iter.MapleEntry](iter.NewMaple(g.Context(t), mapleTree, iter.DefaultMapleLayout, iter.Limits{}))
		if len(errs) != 0 {
			t.Errorf("root type %d: errors %v", rootType, errs)
		}
		want := []iter.MapleEntry{
			{Index: 1, Last: 1, Value: mapleValue(1)},
			{Index: 2, Last: 2, Value: mapleValue(2)},
			{Index: 3, Last: 3, Value: mapleValue(3)},
		}
		if diff := cmp.Diff(want, entries); diff != "" {
			t.Errorf("root type %d: entries mismatch (-want +got):\n%s", rootType, diff)
		}
	}
}

func TestMapleRanges(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	writeNode(g, mapleRoot, 8, 128,
		[]uint64{0x3fff, 0x4fff, 0x7fff, math.MaxUint64},
		[]uint64{0, uint64(mapleValue(1)), 0, uint64(mapleValue(2))})
	g.WriteU64(mapleTree+8, enode(mapleRoot, mapleLeaf64)|2)
	entries, errs := iter.Collect[iter.MapleEntry](iter.NewMaple(g.Context(t), mapleTree, iter.DefaultMapleLayout, iter.Limits{}))
	want := []iter.MapleEntry{
		{Index: 0x4000, Last: 0x4fff, Value: mapleValue(1)},
		{Index: 0x8000, Last: math.MaxUint64, Value: mapleValue(2)},
	}
	if diff := cmp.Diff(want, entries); diff != "" || len(errs) != 0 {
		t.Errorf("entries mismatch (-want +got):\n%s\nerrors: %v", diff, errs)
	}
}

func TestMapleDense(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	writeNode(g, mapleRoot, 0, 8, nil, []uint64{0, uint64(mapleValue(1)), 0, uint64(mapleValue(3))})
	g.WriteU64(mapleTree+8, enode(mapleRoot, mapleDense)|2)
	entries, errs := iter.Collect[iter.MapleEntry](iter.NewMaple(g.Context(t), mapleTree, iter.DefaultMapleLayout, iter.Limits{}))
	if diff := cmp.Diff([]uint64{1, 3}, mapleKeys(entries)); diff != "" || len(errs) != 0 {
		t.Errorf("keys mismatch (-want +got):\n%s\nerrors: %v", diff, errs)
	}
}

func TestMapleUnreadableLeaf(t *testing.T) {
	g := newMapleGuest(t, mapleRange64)
	g.WriteU64(mapleRoot+128, enode(unmapped, mapleLeaf64))
	entries, errs := iter.Collect[iter.MapleEntry](iter.NewMaple(g.Context(t), mapleTree, iter.DefaultMapleLayout, iter.Limits{}))
	if diff := cmp.Diff([]uint64{3}, mapleKeys(entries)); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if len(errs) != 1 || !vmi.IsTranslationError(errs[0]) {
		t.Errorf("errors = %v; want one translation error", errs)
	}
}

func TestMapleBadNodeType(t *testing.T) {
	g := newMapleGuest(t, mapleRange64)
	g.WriteU64(mapleRoot+128, enode(mapleLeafA, 9))
	entries, errs := iter.Collect[iter.MapleEntry](iter.NewMaple(g.Context(t), mapleTree, iter.DefaultMapleLayout, iter.Limits{}))
	if diff := cmp.Diff([]uint64{3}, mapleKeys(entries)); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	var cerr *vmi.CorruptionError
	if len(errs) != 1 || !errors.As(errs[0], &cerr) {
		t.Errorf("errors = %v; want one corruption error", errs)
	}
}

func TestMapleCycle(t *testing.T) {
	g := vmitest.NewGuest(t, 1)
	// An internal node whose only child is itself.
	writeNode(g, mapleRoot, 8, 128, []uint64{math.MaxUint64}, []uint64{enode(mapleRoot, mapleRange64)})
	g.WriteU64(mapleTree+8, enode(mapleRoot, mapleRange64)|2)
	entries, errs := iter.Collect[iter.MapleEntry](iter.NewMaple(g.Context(t), mapleTree, iter.DefaultMapleLayout, iter.Limits{}))
	if len(entries) != 0 || len(errs) == 0 {
		t.Errorf("cyclic tree yielded %v, %v", entries, errs)
	}
}
