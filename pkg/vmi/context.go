package vmi

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// Context reads and writes guest memory on top of a State. Every virtual
// access is translated, and every physical access goes through the view of
// the state.
type Context struct {
	st      State
	root    PA
	hasRoot bool
}

// State returns the state the context operates on.
func (ctx *Context) State() State { return ctx.st }

// Session returns the session of the context's state.
func (ctx *Context) Session() *Session { return ctx.st.s }

// WithRoot returns a context on the same state translating through root
// instead of the VCPU's translation root.
func (ctx *Context) WithRoot(root PA) *Context {
	return &Context{st: ctx.st, root: root, hasRoot: true}
}

// Root returns the translation root used for virtual accesses.
func (ctx *Context) Root() (PA, error) {
	if ctx.hasRoot {
		return ctx.root, nil
	}
	return ctx.st.Root()
}

// Translate translates va.
func (ctx *Context) Translate(va VA) (PA, error) {
	return ctx.TranslateAccess(va, AccessRead)
}

// TranslateAccess translates va, checking that the mapping allows access.
func (ctx *Context) TranslateAccess(va VA, access Access) (PA, error) {
	root, err := ctx.Root()
	if err != nil {
		return 0, err
	}
	return ctx.st.s.translate(ctx.st.view, root, va, access)
}

// Read reads len(buf) bytes at ac. Virtual reads spanning several pages
// translate every page.
func (ctx *Context) Read(ac AccessContext, buf []byte) error {
	if ac.Mechanism == MechanismDirect {
		return ctx.st.ReadPhysical(PA(ac.Addr), buf)
	}
	pageSize := ctx.st.s.info.PageSize
	va := VA(ac.Addr)
	for len(buf) > 0 {
		n := pageSize - uint64(va)&(pageSize-1)
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		pa, err := ctx.st.s.translate(ctx.st.view, ac.Root, va, AccessRead)
		if err != nil {
			return err
		}
		if err := ctx.st.ReadPhysical(pa, buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
		va += VA(n)
	}
	return nil
}

// Write writes data at ac.
func (ctx *Context) Write(ac AccessContext, data []byte) error {
	if ac.Mechanism == MechanismDirect {
		return ctx.st.WritePhysical(PA(ac.Addr), data)
	}
	pageSize := ctx.st.s.info.PageSize
	va := VA(ac.Addr)
	for len(data) > 0 {
		n := pageSize - uint64(va)&(pageSize-1)
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}
		pa, err := ctx.st.s.translate(ctx.st.view, ac.Root, va, AccessRead)
		if err != nil {
			return err
		}
		if err := ctx.st.WritePhysical(pa, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		va += VA(n)
	}
	return nil
}

// ReadAt reads len(buf) bytes at va.
func (ctx *Context) ReadAt(va VA, buf []byte) error {
	root, err := ctx.Root()
	if err != nil {
		return err
	}
	return ctx.Read(PagingAccess(va, root), buf)
}

// WriteAt writes data at va.
func (ctx *Context) WriteAt(va VA, data []byte) error {
	root, err := ctx.Root()
	if err != nil {
		return err
	}
	return ctx.Write(PagingAccess(va, root), data)
}

func (ctx *Context) ReadU8(va VA) (uint8, error) {
	var buf [1]byte
	err := ctx.ReadAt(va, buf[:])
	return buf[0], err
}

func (ctx *Context) ReadU16(va VA) (uint16, error) {
	var buf [2]byte
	if err := ctx.ReadAt(va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (ctx *Context) ReadU32(va VA) (uint32, error) {
	var buf [4]byte
	if err := ctx.ReadAt(va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (ctx *Context) ReadU64(va VA) (uint64, error) {
	var buf [8]byte
	if err := ctx.ReadAt(va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadVA reads a pointer sized address at va.
func (ctx *Context) ReadVA(va VA) (VA, error) {
	if ctx.st.s.arch.PtrSize() == 4 {
		return ctx.ReadVA32(va)
	}
	v, err := ctx.ReadU64(va)
	return VA(v), err
}

// ReadVA32 reads a 32 bit address at va.
func (ctx *Context) ReadVA32(va VA) (VA, error) {
	v, err := ctx.ReadU32(va)
	return VA(v), err
}

// ReadVAs reads n consecutive pointer sized addresses starting at va.
func (ctx *Context) ReadVAs(va VA, n int) ([]VA, error) {
	ptrSize := ctx.st.s.arch.PtrSize()
	buf := make([]byte, n*ptrSize)
	if err := ctx.ReadAt(va, buf); err != nil {
		return nil, err
	}
	r := make([]VA, n)
	for i := range r {
		if ptrSize == 4 {
			r[i] = VA(binary.LittleEndian.Uint32(buf[i*4:]))
		} else {
			r[i] = VA(binary.LittleEndian.Uint64(buf[i*8:]))
		}
	}
	return r, nil
}

// ReadStruct decodes the fixed size value data from guest memory at va,
// using little endian byte order.
func (ctx *Context) ReadStruct(va VA, data interface{}) error {
	size := binary.Size(data)
	if size < 0 {
		return ErrNotSupported
	}
	buf := make([]byte, size)
	if err := ctx.ReadAt(va, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, data)
}

// ReadArray reads n consecutive little endian values of the fixed size
// type T starting at va.
func ReadArray[T any](ctx *Context, va VA, n int) ([]T, error) {
	r := make([]T, n)
	if err := ctx.ReadStruct(va, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ReadString reads a NUL terminated string at va. Strings longer than the
// session's maximum string length are truncated without error. Reading
// stops at the terminator, pages after it are never touched.
func (ctx *Context) ReadString(va VA) (string, error) {
	return ctx.readString(va, ctx.st.s.maxStringLength)
}

// ReadStringN reads a NUL terminated string of at most n bytes at va. The
// session's maximum string length still applies, a non-positive n reads
// nothing.
func (ctx *Context) ReadStringN(va VA, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	if max := ctx.st.s.maxStringLength; n > max {
		n = max
	}
	return ctx.readString(va, n)
}

func (ctx *Context) readString(va VA, limit int) (string, error) {
	pageSize := ctx.st.s.info.PageSize
	var out []byte
	for len(out) < limit {
		n := int(pageSize - uint64(va)&(pageSize-1))
		if n > limit-len(out) {
			n = limit - len(out)
		}
		chunk := make([]byte, n)
		if err := ctx.ReadAt(va, chunk); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
		va += VA(n)
	}
	return string(out), nil
}

// ReadUTF16 reads nbytes bytes of UTF-16LE text at va.
func (ctx *Context) ReadUTF16(va VA, nbytes int) (string, error) {
	if nbytes <= 0 {
		return "", nil
	}
	if max := ctx.st.s.maxStringLength; nbytes > max {
		nbytes = max
	}
	buf := make([]byte, nbytes&^1)
	if err := ctx.ReadAt(va, buf); err != nil {
		return "", err
	}
	u := make([]uint16, len(buf)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return string(utf16.Decode(u)), nil
}

func (ctx *Context) WriteU8(va VA, v uint8) error {
	return ctx.WriteAt(va, []byte{v})
}

func (ctx *Context) WriteU16(va VA, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return ctx.WriteAt(va, buf[:])
}

func (ctx *Context) WriteU32(va VA, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return ctx.WriteAt(va, buf[:])
}

func (ctx *Context) WriteU64(va VA, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return ctx.WriteAt(va, buf[:])
}
