package iter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-delve/vmi/pkg/vmi"
)

// MapleLayout locates the members of the Linux maple tree structures.
type MapleLayout struct {
	// Root is the offset of ma_root in struct maple_tree.
	Root uint64
	// NodeSize is the size of struct maple_node.
	NodeSize uint64

	Range64Pivot, Range64Slot   uint64
	Arange64Pivot, Arange64Slot uint64
	DenseSlot                   uint64
}

// DefaultMapleLayout is the layout of 64 bit kernels.
var DefaultMapleLayout = MapleLayout{
	Root:          8,
	NodeSize:      256,
	Range64Pivot:  8,
	Range64Slot:   128,
	Arange64Pivot: 8,
	Arange64Slot:  80,
	DenseSlot:     8,
}

// MapleEntry is a range of indices stored in a maple tree and the entry
// stored for it.
type MapleEntry struct {
	Index, Last uint64
	Value       vmi.VA
}

type mapleType uint8

const (
	mapleDense mapleType = iota
	mapleLeaf64
	mapleRange64
	mapleArange64
)

const (
	mapleNodeMask     = 0xff
	mapleTypeShift    = 3
	mapleTypeMask     = 0xf
	mapleReserved     = 4096
	mapleMaxDepth     = 31
	mapleDenseSlots   = 31
	mapleRange64Slots = 16
	mapleArange64Slot = 10
)

// xaZeroEntry is xa_mk_internal(257).
const xaZeroEntry = 257<<2 | 2

func xaIsNode(e vmi.VA) bool { return e&3 == 2 && e > mapleReserved }

func mteType(e vmi.VA) mapleType { return mapleType((e >> mapleTypeShift) & mapleTypeMask) }

func mteToNode(e vmi.VA) vmi.VA { return e &^ mapleNodeMask }

// mapleFrame is a node being walked.
type mapleFrame struct {
	enode    vmi.VA
	typ      mapleType
	data     []byte
	min, max uint64
	first    uint64
	i        int
}

// Maple walks a Linux maple tree in index order.
type Maple struct {
	walk
	layout  MapleLayout
	tree    vmi.VA
	started bool
	stack   []*mapleFrame
}

// NewMaple returns an iterator over the maple tree at tree (a struct
// maple_tree, not a node).
func NewMaple(ctx *vmi.Context, tree vmi.VA, layout MapleLayout, lim Limits) *Maple {
	return &Maple{walk: newWalk(ctx, "maple tree", lim), layout: layout, tree: tree}
}

// Next returns the next non empty range. A node that can not be read or
// has an unknown type is reported as an error and its subtree is skipped.
func (it *Maple) Next() (MapleEntry, error) {
	if it.done {
		return MapleEntry{}, Done
	}
	if !it.started {
		it.started = true
		root, err := it.readPtr(it.tree + vmi.VA(it.layout.Root))
		if err != nil {
			it.done = true
			return MapleEntry{}, it.fail(err)
		}
		if !xaIsNode(root) {
			it.done = true
			if root == 0 {
				return MapleEntry{}, Done
			}
			return MapleEntry{Index: 0, Last: 0, Value: root}, nil
		}
		if err := it.push(root, 0, math.MaxUint64); err != nil {
			return MapleEntry{}, it.fail(err)
		}
	}
	for len(it.stack) > 0 && !it.done {
		e, ok, err := it.step()
		if err != nil {
			return MapleEntry{}, it.fail(err)
		}
		if ok {
			return e, nil
		}
	}
	it.done = true
	return MapleEntry{}, Done
}

// push reads the node enode covering [min, max] and makes it the current
// node.
func (it *Maple) push(enode vmi.VA, min, max uint64) error {
	node := mteToNode(enode)
	if err := it.hop(node); err != nil {
		return err
	}
	if len(it.stack) >= mapleMaxDepth {
		return &vmi.CorruptionError{Addr: node, What: fmt.Sprintf("maple tree deeper than %d levels", mapleMaxDepth)}
	}
	typ := mteType(enode)
	if typ > mapleArange64 {
		return &vmi.CorruptionError{Addr: node, What: fmt.Sprintf("unknown maple node type %d", typ)}
	}
	data := make([]byte, it.layout.NodeSize)
	if err := it.ctx.ReadAt(node, data); err != nil {
		return err
	}
	it.stack = append(it.stack, &mapleFrame{enode: enode, typ: typ, data: data, min: min, max: max, first: min})
	return nil
}

func (f *mapleFrame) word(off uint64) uint64 {
	if off+8 > uint64(len(f.data)) {
		return 0
	}
	return binary.LittleEndian.Uint64(f.data[off:])
}

func (it *Maple) pop() {
	it.stack = it.stack[:len(it.stack)-1]
}

// step processes one slot of the current node. It returns an entry when
// the slot holds a leaf entry.
func (it *Maple) step() (MapleEntry, bool, error) {
	f := it.stack[len(it.stack)-1]

	if f.typ == mapleDense {
		if f.i >= mapleDenseSlots {
			it.pop()
			return MapleEntry{}, false, nil
		}
		i := f.i
		f.i++
		slot := vmi.VA(f.word(it.layout.DenseSlot + uint64(i)*8))
		if slot == 0 || slot == xaZeroEntry {
			return MapleEntry{}, false, nil
		}
		idx := f.min + uint64(i)
		return MapleEntry{Index: idx, Last: idx, Value: slot}, true, nil
	}

	nslots, pivotOff, slotOff := mapleRange64Slots, it.layout.Range64Pivot, it.layout.Range64Slot
	if f.typ == mapleArange64 {
		nslots, pivotOff, slotOff = mapleArange64Slot, it.layout.Arange64Pivot, it.layout.Arange64Slot
	}
	if f.i >= nslots {
		it.pop()
		return MapleEntry{}, false, nil
	}
	i := f.i
	f.i++
	slot := vmi.VA(f.word(slotOff + uint64(i)*8))
	last := f.max
	if i < nslots-1 {
		last = f.word(pivotOff + uint64(i)*8)
	} else if slot == 0 && (f.typ == mapleArange64 || f.max != math.MaxUint64) {
		it.pop()
		return MapleEntry{}, false, nil
	}
	if (last == 0 && i > 0) || last < f.first {
		it.pop()
		return MapleEntry{}, false, nil
	}
	first := f.first
	if last >= f.max {
		f.i = nslots
	} else {
		f.first = last + 1
	}

	if f.typ == mapleLeaf64 {
		if slot == 0 || slot == xaZeroEntry {
			return MapleEntry{}, false, nil
		}
		return MapleEntry{Index: first, Last: last, Value: slot}, true, nil
	}
	if slot == 0 {
		return MapleEntry{}, false, nil
	}
	if err := it.push(slot, first, last); err != nil {
		return MapleEntry{}, false, err
	}
	return MapleEntry{}, false, nil
}
