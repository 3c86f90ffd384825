package iter

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/vmi"
)

// HandleTableLayout locates the members of _HANDLE_TABLE_ENTRY.
type HandleTableLayout struct {
	EntrySize         uint64
	ObjectPointerBits vmi.Field
	Attributes        vmi.Field
	GrantedAccessBits vmi.Field
	// ObjectHeaderBody is the offset of Body in _OBJECT_HEADER, it is
	// added to decoded object pointers.
	ObjectHeaderBody uint64
}

// DefaultHandleTableLayout is the layout of 64 bit Windows 10 and later.
var DefaultHandleTableLayout = HandleTableLayout{
	EntrySize:         16,
	ObjectPointerBits: vmi.Field{Offset: 0, Size: 8, BitPosition: 20, BitLength: 44},
	Attributes:        vmi.Field{Offset: 0, Size: 8, BitPosition: 17, BitLength: 3},
	GrantedAccessBits: vmi.Field{Offset: 8, Size: 4, BitPosition: 0, BitLength: 25},
	ObjectHeaderBody:  0x30,
}

// HandleEntry is an allocated handle table slot.
type HandleEntry struct {
	Handle        uint64
	Addr          vmi.VA
	Object        vmi.VA
	Attributes    uint32
	GrantedAccess uint32
}

const (
	handleLowLevelCount = 256
	handleMidLevelCount = 512
	handleValueInc      = 4
	handleLevelMask     = 3
	handlesPerLowTable  = handleLowLevelCount * handleValueInc
)

// HandleTable walks the entries of a Windows handle table in handle
// order, the way ExpSnapShotHandleTables does.
type HandleTable struct {
	walk
	layout HandleTableLayout
	level  uint64
	table  vmi.VA
	limit  uint64

	handle uint64
	low    *vmi.StructReader
	lowIdx uint64
	loaded bool
}

// NewHandleTable returns an iterator over the table described by the
// TableCode and NextHandleNeedingPool members of a _HANDLE_TABLE.
func NewHandleTable(ctx *vmi.Context, layout HandleTableLayout, tableCode, nextHandleNeedingPool uint64, lim Limits) *HandleTable {
	it := &HandleTable{
		walk:   newWalk(ctx, "handle table", lim),
		layout: layout,
		level:  tableCode & handleLevelMask,
		table:  vmi.VA(tableCode &^ handleLevelMask),
		limit:  nextHandleNeedingPool,
	}
	var capacity uint64
	switch it.level {
	case 0:
		capacity = handlesPerLowTable
	case 1:
		capacity = handlesPerLowTable * handleMidLevelCount
	case 2:
		capacity = handlesPerLowTable * handleMidLevelCount * handleMidLevelCount
	}
	if it.limit > capacity {
		it.limit = capacity
	}
	return it
}

// Next returns the next allocated entry. A low level table that can not
// be read is reported as an error and its handles are skipped.
func (it *HandleTable) Next() (HandleEntry, error) {
	if it.done {
		return HandleEntry{}, Done
	}
	if it.level > 2 {
		it.done = true
		return HandleEntry{}, it.fail(&vmi.CorruptionError{Addr: it.table, What: fmt.Sprintf("handle table level %d", it.level)})
	}
	for it.handle < it.limit {
		idx := it.handle / handlesPerLowTable
		if !it.loaded || idx != it.lowIdx {
			it.loaded, it.lowIdx = true, idx
			if err := it.load(idx); err != nil {
				it.handle = (idx + 1) * handlesPerLowTable
				return HandleEntry{}, it.fail(err)
			}
		}
		handle := it.handle
		it.handle += handleValueInc
		e, ok, err := it.decode(handle)
		if err != nil {
			return HandleEntry{}, it.fail(err)
		}
		if ok {
			return e, nil
		}
	}
	it.done = true
	return HandleEntry{}, Done
}

// load reads low level table idx.
func (it *HandleTable) load(idx uint64) error {
	it.low = nil
	if err := it.hop(it.table); err != nil {
		return err
	}
	table := it.table
	switch it.level {
	case 1:
		t, err := it.readPtr(table + vmi.VA(idx*8))
		if err != nil {
			return err
		}
		table = t
	case 2:
		j, k := idx%handleMidLevelCount, idx/handleMidLevelCount
		mid, err := it.readPtr(table + vmi.VA(k*8))
		if err != nil {
			return err
		}
		if mid == 0 {
			return &vmi.CorruptionError{Addr: table, What: fmt.Sprintf("missing mid level table %d", k)}
		}
		t, err := it.readPtr(mid + vmi.VA(j*8))
		if err != nil {
			return err
		}
		table = t
	}
	if table == 0 {
		return &vmi.CorruptionError{Addr: it.table, What: fmt.Sprintf("missing low level table %d", idx)}
	}
	r, err := vmi.NewStructReader(it.ctx, table, handleLowLevelCount*it.layout.EntrySize)
	if err != nil {
		return err
	}
	it.low = r
	return nil
}

func (it *HandleTable) decode(handle uint64) (HandleEntry, bool, error) {
	i := (handle % handlesPerLowTable) / handleValueInc
	base := i * it.layout.EntrySize
	at := func(f vmi.Field) vmi.Field {
		f.Offset += base
		return f
	}
	bits, err := it.low.Read(at(it.layout.ObjectPointerBits))
	if err != nil {
		return HandleEntry{}, false, err
	}
	if bits == 0 {
		return HandleEntry{}, false, nil
	}
	attrs, err := it.low.Read(at(it.layout.Attributes))
	if err != nil {
		return HandleEntry{}, false, err
	}
	access, err := it.low.Read(at(it.layout.GrantedAccessBits))
	if err != nil {
		return HandleEntry{}, false, err
	}
	object := vmi.VA(0xffff000000000000|bits<<4) + vmi.VA(it.layout.ObjectHeaderBody)
	return HandleEntry{
		Handle:        handle,
		Addr:          it.low.Addr + vmi.VA(base),
		Object:        object,
		Attributes:    uint32(attrs),
		GrantedAccess: uint32(access),
	}, true, nil
}
