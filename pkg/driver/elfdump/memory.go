package elfdump

import (
	"fmt"
	"io"

	"github.com/go-delve/vmi/pkg/vmi"
)

// A splicedMemory represents a physical address space formed from multiple
// regions, each of which may override previously added regions. Dumps
// normally have one PT_LOAD segment per RAM block, but nothing prevents a
// later segment from covering part of an earlier one, in which case the
// later one wins.
type splicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader io.ReaderAt
}

// Add adds a new region to the splicedMemory, which may override existing regions.
func (r *splicedMemory) Add(reader io.ReaderAt, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	// Walk through the list of regions, fixing up any that overlap and inserting the new one.
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New reader overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.reader = &offsetReaderAt{reader: entry.reader, offset: overlap}
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry. Split it in two and put the new region in the middle.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, &offsetReaderAt{reader: entry.reader, offset: end + 1 - entry.offset}})
			inserted = true
		default:
			panic(fmt.Sprintf("Unhandled case: existing entry is %v len %v, new is %v len %v", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// ReadPhysical fills buf with the memory at pa. Readers are addressed
// relative to the start of their region.
func (r *splicedMemory) ReadPhysical(pa vmi.PA, buf []byte) error {
	addr := uint64(pa)
	for _, entry := range r.readers {
		if len(buf) == 0 {
			break
		}
		if entry.offset+entry.length <= addr {
			continue
		}
		if entry.offset > addr {
			break
		}
		pb := buf
		if addr+uint64(len(pb)) > entry.offset+entry.length {
			pb = pb[:entry.offset+entry.length-addr]
		}
		if _, err := entry.reader.ReadAt(pb, int64(addr-entry.offset)); err != nil {
			return fmt.Errorf("error while reading spliced memory at %#x: %v", addr, err)
		}
		buf = buf[len(pb):]
		addr += uint64(len(pb))
	}
	if len(buf) != 0 {
		return fmt.Errorf("%#x: %w", addr, ErrPageNotPresent)
	}
	return nil
}

// Size returns the number of bytes of memory backed by the regions.
func (r *splicedMemory) Size() uint64 {
	var n uint64
	for _, entry := range r.readers {
		n += entry.length
	}
	return n
}

// End returns the first address above the last region.
func (r *splicedMemory) End() uint64 {
	if len(r.readers) == 0 {
		return 0
	}
	last := r.readers[len(r.readers)-1]
	return last.offset + last.length
}

// offsetReaderAt wraps a ReaderAt, adding a fixed offset to every read. It
// is used when a region loses its head to a region added later.
type offsetReaderAt struct {
	reader io.ReaderAt
	offset uint64
}

func (r *offsetReaderAt) ReadAt(buf []byte, off int64) (int, error) {
	return r.reader.ReadAt(buf, off+int64(r.offset))
}
