package vmi

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

// BreakpointKind is the mechanism used to implement a breakpoint.
type BreakpointKind uint8

const (
	// SoftwareBreakpoint patches the breakpoint instruction into guest
	// memory. Under a view other than the default view the patch is
	// applied to a shadow copy of the frame, visible only to VCPUs bound
	// to that view.
	SoftwareBreakpoint BreakpointKind = iota
	// HardwareBreakpoint reserves a debug register slot, programming the
	// debug registers is left to the caller.
	HardwareBreakpoint
)

func (k BreakpointKind) String() string {
	switch k {
	case SoftwareBreakpoint:
		return "sw"
	case HardwareBreakpoint:
		return "hw"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// BreakpointID identifies a registered breakpoint.
type BreakpointID int

// MaxHardwareBreakpoints is the number of debug register slots.
const MaxHardwareBreakpoints = 4

// Breakpoint is a breakpoint registered on a session.
type Breakpoint struct {
	ID   BreakpointID
	Addr VA
	// Root is the translation root Addr is resolved in.
	Root PA
	View View
	Kind BreakpointKind

	// GFN is the guest frame containing Addr.
	GFN GFN
	// Shadow is the frame holding the patched copy of GFN, zero if the
	// patch was applied in place.
	Shadow GFN
	// Slot is the debug register slot of a hardware breakpoint.
	Slot int

	// patched is the backing address the instruction was written to.
	patched PA
}

// ErrBreakpointExists is returned when inserting a breakpoint at an address
// that already has one in the same view and address space.
var ErrBreakpointExists = errors.New("breakpoint already exists")

type bpKey struct {
	view View
	root PA
	addr VA
}

func bpLess(a, b *Breakpoint) bool {
	if a.View != b.View {
		return a.View < b.View
	}
	if a.Root != b.Root {
		return a.Root < b.Root
	}
	return a.Addr < b.Addr
}

type shadowKey struct {
	view View
	gfn  GFN
}

type shadowFrame struct {
	gfn  GFN
	refs int
}

// patch is a breakpoint instruction written to a backing address. Aliased
// addresses, or one address under several roots, share the patch.
type patch struct {
	original []byte
	refs     int
}

// breakpointTable keeps breakpoints ordered by view, root and address.
type breakpointTable struct {
	tree    *btree.BTreeG[*Breakpoint]
	byID    map[BreakpointID]*Breakpoint
	shadows map[shadowKey]*shadowFrame
	patches map[PA]*patch
	slots   [MaxHardwareBreakpoints]bool
	nextID  BreakpointID
}

func newBreakpointTable() *breakpointTable {
	return &breakpointTable{
		tree:    btree.NewG(8, bpLess),
		byID:    map[BreakpointID]*Breakpoint{},
		shadows: map[shadowKey]*shadowFrame{},
		patches: map[PA]*patch{},
		nextID:  1,
	}
}

func (t *breakpointTable) get(k bpKey) (*Breakpoint, bool) {
	return t.tree.Get(&Breakpoint{View: k.view, Root: k.root, Addr: k.addr})
}

func (t *breakpointTable) inView(v View) []*Breakpoint {
	var r []*Breakpoint
	t.tree.AscendGreaterOrEqual(&Breakpoint{View: v}, func(bp *Breakpoint) bool {
		if bp.View != v {
			return false
		}
		r = append(r, bp)
		return true
	})
	return r
}

// InsertBreakpoint registers a breakpoint at bp.Addr, translated through
// bp.Root under bp.View. The ID, GFN, Shadow and Slot fields of bp are
// ignored and set on the returned breakpoint.
func (s *Session) InsertBreakpoint(bp Breakpoint) (Breakpoint, error) {
	if _, ok := s.views[bp.View]; !ok {
		return Breakpoint{}, misuse("InsertBreakpoint", ErrUnknownView, "%s", bp.View)
	}
	key := bpKey{bp.View, bp.Root, bp.Addr}
	if _, ok := s.breakpoints.get(key); ok {
		return Breakpoint{}, fmt.Errorf("%w at %s in %s", ErrBreakpointExists, bp.Addr, bp.View)
	}

	pa, err := s.translate(bp.View, bp.Root, bp.Addr, AccessRead)
	if err != nil {
		return Breakpoint{}, err
	}

	nbp := &Breakpoint{
		Addr: bp.Addr,
		Root: bp.Root,
		View: bp.View,
		Kind: bp.Kind,
		GFN:  s.arch.GFNFromPA(pa),
		Slot: -1,
	}

	switch bp.Kind {
	case SoftwareBreakpoint:
		if err := s.patchSoftware(nbp, pa); err != nil {
			return Breakpoint{}, err
		}
	case HardwareBreakpoint:
		slot := -1
		for i, used := range s.breakpoints.slots {
			if !used {
				slot = i
				break
			}
		}
		if slot < 0 {
			return Breakpoint{}, fmt.Errorf("no free debug register slot for %s", bp.Addr)
		}
		s.breakpoints.slots[slot] = true
		nbp.Slot = slot
	default:
		return Breakpoint{}, fmt.Errorf("unknown breakpoint kind %d", bp.Kind)
	}

	nbp.ID = s.breakpoints.nextID
	s.breakpoints.nextID++
	s.breakpoints.tree.ReplaceOrInsert(nbp)
	s.breakpoints.byID[nbp.ID] = nbp
	s.log.Debugf("breakpoint %d (%s) at %s in %s, frame %s shadow %s", nbp.ID, nbp.Kind, nbp.Addr, nbp.View, nbp.GFN, nbp.Shadow)
	return *nbp, nil
}

func (s *Session) patchSoftware(bp *Breakpoint, pa PA) error {
	insn := s.arch.BreakpointInstruction()
	offset := uint64(pa) & (s.info.PageSize - 1)
	if offset+uint64(len(insn)) > s.info.PageSize {
		return fmt.Errorf("breakpoint at %s crosses a page boundary", bp.Addr)
	}

	target := bp.GFN
	if bp.View != DefaultView {
		sk := shadowKey{bp.View, bp.GFN}
		sh, ok := s.breakpoints.shadows[sk]
		if !ok {
			gfn, err := s.allocateShadow(bp.View, bp.GFN)
			if err != nil {
				return err
			}
			sh = &shadowFrame{gfn: gfn}
			s.breakpoints.shadows[sk] = sh
		}
		sh.refs++
		bp.Shadow = sh.gfn
		target = sh.gfn
	}

	addr := s.arch.PAFromGFN(target) + PA(offset)
	if p, ok := s.breakpoints.patches[addr]; ok {
		p.refs++
		bp.patched = addr
		return nil
	}
	original := make([]byte, len(insn))
	if err := s.readBacking(addr, original); err != nil {
		s.releaseShadow(bp)
		return err
	}
	if err := s.writeBacking(addr, insn); err != nil {
		s.releaseShadow(bp)
		return err
	}
	s.breakpoints.patches[addr] = &patch{original: original, refs: 1}
	bp.patched = addr
	return nil
}

// unpatchSoftware drops the reference of bp to its patch, the original
// bytes are written back when the last reference goes.
func (s *Session) unpatchSoftware(bp *Breakpoint) error {
	p, ok := s.breakpoints.patches[bp.patched]
	if !ok {
		return nil
	}
	if p.refs > 1 {
		p.refs--
		return nil
	}
	if err := s.writeBacking(bp.patched, p.original); err != nil {
		return err
	}
	delete(s.breakpoints.patches, bp.patched)
	return nil
}

// allocateShadow copies gfn into a freshly allocated frame and remaps gfn
// to it under v.
func (s *Session) allocateShadow(v View, gfn GFN) (GFN, error) {
	alloc, ok := s.driver.(FrameAllocator)
	if !ok {
		return 0, fmt.Errorf("shadowing %s: %w", gfn, ErrNotSupported)
	}
	shadow, err := alloc.AllocateGFN()
	if err != nil {
		return 0, &DriverError{Op: "allocate frame", Addr: uint64(gfn), Err: err}
	}
	page, err := s.readFrame(gfn)
	if err != nil {
		alloc.FreeGFN(shadow)
		return 0, err
	}
	// The copy must not inherit the patches of the default view.
	page = append([]byte(nil), page...)
	base := s.arch.PAFromGFN(gfn)
	for pa, p := range s.breakpoints.patches {
		if s.arch.GFNFromPA(pa) == gfn {
			copy(page[pa-base:], p.original)
		}
	}
	if err := s.writeBacking(s.arch.PAFromGFN(shadow), page); err != nil {
		alloc.FreeGFN(shadow)
		return 0, err
	}
	if err := s.RemapFrame(v, gfn, shadow); err != nil {
		alloc.FreeGFN(shadow)
		return 0, err
	}
	return shadow, nil
}

func (s *Session) releaseShadow(bp *Breakpoint) error {
	if bp.Shadow == 0 {
		return nil
	}
	sk := shadowKey{bp.View, bp.GFN}
	sh, ok := s.breakpoints.shadows[sk]
	if !ok {
		return nil
	}
	sh.refs--
	if sh.refs > 0 {
		return nil
	}
	delete(s.breakpoints.shadows, sk)
	if vw, ok := s.views[bp.View]; ok {
		delete(vw.remap, bp.GFN)
		s.v2p.purge()
	}
	s.gfnCache.remove(sh.gfn)
	if alloc, ok := s.driver.(FrameAllocator); ok {
		if err := alloc.FreeGFN(sh.gfn); err != nil {
			return &DriverError{Op: "free frame", Addr: uint64(sh.gfn), Err: err}
		}
	}
	return nil
}

// RemoveBreakpoint unregisters a breakpoint and restores the memory it
// patched.
func (s *Session) RemoveBreakpoint(id BreakpointID) error {
	bp, ok := s.breakpoints.byID[id]
	if !ok {
		return fmt.Errorf("no breakpoint with id %d", id)
	}
	switch bp.Kind {
	case SoftwareBreakpoint:
		if err := s.unpatchSoftware(bp); err != nil {
			return err
		}
		if err := s.releaseShadow(bp); err != nil {
			return err
		}
	case HardwareBreakpoint:
		s.breakpoints.slots[bp.Slot] = false
	}
	s.breakpoints.tree.Delete(bp)
	delete(s.breakpoints.byID, id)
	s.log.Debugf("breakpoint %d cleared", id)
	return nil
}

// Breakpoints returns the registered breakpoints ordered by view, root and
// address.
func (s *Session) Breakpoints() []Breakpoint {
	r := make([]Breakpoint, 0, s.breakpoints.tree.Len())
	s.breakpoints.tree.Ascend(func(bp *Breakpoint) bool {
		r = append(r, *bp)
		return true
	})
	return r
}

// readBacking reads from a backing physical address without applying any
// view, the read must not cross a page boundary.
func (s *Session) readBacking(pa PA, buf []byte) error {
	page, err := s.readFrame(s.arch.GFNFromPA(pa))
	if err != nil {
		return err
	}
	off := uint64(pa) & (s.info.PageSize - 1)
	copy(buf, page[off:])
	return nil
}
