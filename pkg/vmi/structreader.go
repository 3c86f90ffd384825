package vmi

import (
	"encoding/binary"
	"fmt"
)

// Field locates a structure member: Offset and Size in bytes and, for
// bitfields, the position and length in bits inside the Size bytes.
type Field struct {
	Offset      uint64
	Size        uint64
	BitPosition uint64
	BitLength   uint64
}

// End returns the offset of the first byte after the field.
func (f Field) End() uint64 { return f.Offset + f.Size }

// Extract applies the bitfield description of f to raw, a value read from
// the field's bytes.
func (f Field) Extract(raw uint64) uint64 {
	if f.BitLength == 0 || f.BitLength >= 64 {
		return raw
	}
	return (raw >> f.BitPosition) & (1<<f.BitLength - 1)
}

func (f Field) String() string {
	if f.BitLength != 0 {
		return fmt.Sprintf("+%#x:%d[%d:%d]", f.Offset, f.Size, f.BitPosition, f.BitPosition+f.BitLength)
	}
	return fmt.Sprintf("+%#x:%d", f.Offset, f.Size)
}

// StructReader holds a copy of a guest structure, read with a single
// memory access, and extracts fields from it.
type StructReader struct {
	Addr VA
	data []byte
}

// NewStructReader reads size bytes at va.
func NewStructReader(ctx *Context, va VA, size uint64) (*StructReader, error) {
	buf := make([]byte, size)
	if err := ctx.ReadAt(va, buf); err != nil {
		return nil, err
	}
	return &StructReader{Addr: va, data: buf}, nil
}

// Bytes returns the raw bytes of the structure.
func (r *StructReader) Bytes() []byte { return r.data }

// Read returns the value of field f as a zero extended little endian
// integer, with bitfields extracted.
func (r *StructReader) Read(f Field) (uint64, error) {
	end := f.Offset + f.Size
	if end < f.Offset || end > uint64(len(r.data)) {
		return 0, fmt.Errorf("field %s of structure at %s: %w", f, r.Addr, ErrOutOfBounds)
	}
	data := r.data[f.Offset:end]
	var raw uint64
	switch f.Size {
	case 1:
		raw = uint64(data[0])
	case 2:
		raw = uint64(binary.LittleEndian.Uint16(data))
	case 4:
		raw = uint64(binary.LittleEndian.Uint32(data))
	case 8:
		raw = binary.LittleEndian.Uint64(data)
	default:
		return 0, fmt.Errorf("field %s of structure at %s: unsupported size: %w", f, r.Addr, ErrOutOfBounds)
	}
	return f.Extract(raw), nil
}

// ReadVA returns the value of field f as an address.
func (r *StructReader) ReadVA(f Field) (VA, error) {
	v, err := r.Read(f)
	return VA(v), err
}

// ReadField reads field f of the structure at base directly from guest
// memory.
func (ctx *Context) ReadField(base VA, f Field) (uint64, error) {
	r, err := NewStructReader(ctx, base+VA(f.Offset), f.Size)
	if err != nil {
		return 0, err
	}
	return r.Read(Field{Size: f.Size, BitPosition: f.BitPosition, BitLength: f.BitLength})
}
