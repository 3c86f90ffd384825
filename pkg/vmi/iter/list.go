package iter

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/vmi"
)

// List walks a circular doubly linked list (LIST_ENTRY, list_head). It
// yields the address of every entry after head, in link order, and stops
// when the link followed leads back to head.
type List struct {
	walk
	head   vmi.VA
	offset uint64
	next   vmi.VA
	primed bool
}

// NewList returns an iterator following the forward links of the list
// anchored at head. nextOffset is the offset of the forward link inside a
// list entry, zero for both LIST_ENTRY and list_head.
func NewList(ctx *vmi.Context, head vmi.VA, nextOffset uint64, lim Limits) *List {
	return &List{walk: newWalk(ctx, "list", lim), head: head, offset: nextOffset}
}

// NewListBackward returns an iterator following the backward links of the
// list anchored at head. prevOffset is the offset of the backward link,
// 8 for both LIST_ENTRY and list_head.
func NewListBackward(ctx *vmi.Context, head vmi.VA, prevOffset uint64, lim Limits) *List {
	it := NewList(ctx, head, prevOffset, lim)
	it.kind = "list (backward)"
	return it
}

func (it *List) link(entry vmi.VA) (vmi.VA, error) {
	next, err := it.readPtr(entry + vmi.VA(it.offset))
	if err != nil {
		return 0, err
	}
	if next == 0 || next&7 != 0 {
		return 0, &vmi.CorruptionError{Addr: entry, What: fmt.Sprintf("bad list link %#x", uint64(next))}
	}
	return next, nil
}

// Next returns the next list entry. An entry whose own link can not be
// read or fails validation is reported as an error and ends the walk.
func (it *List) Next() (vmi.VA, error) {
	if it.done {
		return 0, Done
	}
	if !it.primed {
		it.primed = true
		next, err := it.link(it.head)
		if err != nil {
			it.done = true
			return 0, it.fail(err)
		}
		it.next = next
	}
	if it.next == it.head {
		it.done = true
		return 0, Done
	}
	if err := it.hop(it.next); err != nil {
		return 0, it.fail(err)
	}
	entry := it.next
	next, err := it.link(entry)
	if err != nil {
		it.done = true
		return 0, it.fail(err)
	}
	it.next = next
	return entry, nil
}
