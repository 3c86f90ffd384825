package vmi

import "sync"

// State is a cursor for one logical operation on the guest: it fixes the
// VCPU whose registers supply the translation root and the view physical
// accesses go through. States are cheap to create and never change after
// construction, switching the active view of the VCPU does not affect
// states already created for it.
type State struct {
	s    *Session
	vcpu VcpuID
	view View
	regs *lazyRegisters
}

type lazyRegisters struct {
	once sync.Once
	regs Registers
	err  error
}

func newState(s *Session, vcpu VcpuID, v View) State {
	return State{s: s, vcpu: vcpu, view: v, regs: &lazyRegisters{}}
}

// Session returns the session the state was created from.
func (st State) Session() *Session { return st.s }

// Vcpu returns the VCPU of the state.
func (st State) Vcpu() VcpuID { return st.vcpu }

// View returns the view of the state.
func (st State) View() View { return st.view }

// Registers returns the registers of the state's VCPU. They are fetched
// from the driver the first time they are needed and kept for the lifetime
// of the state.
func (st State) Registers() (Registers, error) {
	st.regs.once.Do(func() {
		st.regs.regs, st.regs.err = st.s.driver.ReadRegisters(st.vcpu)
		if st.regs.err != nil {
			st.regs.err = &DriverError{Op: "read registers", Addr: uint64(st.vcpu), Err: st.regs.err}
		}
	})
	return st.regs.regs, st.regs.err
}

// Root returns the translation root of the state's VCPU.
func (st State) Root() (PA, error) {
	regs, err := st.Registers()
	if err != nil {
		return 0, err
	}
	return st.s.arch.TranslationRoot(regs)
}

// Translate translates va using the page tables of the state's VCPU.
func (st State) Translate(va VA) (PA, error) {
	root, err := st.Root()
	if err != nil {
		return 0, err
	}
	return st.s.translate(st.view, root, va, AccessRead)
}

// TranslateIn translates va using the page tables rooted at root.
func (st State) TranslateIn(root PA, va VA) (PA, error) {
	return st.s.translate(st.view, root, va, AccessRead)
}

// TranslateAccess translates va in root and checks that the mapping
// allows access.
func (st State) TranslateAccess(root PA, va VA, access Access) (PA, error) {
	return st.s.translate(st.view, root, va, access)
}

// ReadPhysical reads guest physical memory through the state's view.
func (st State) ReadPhysical(pa PA, buf []byte) error {
	return viewMemory{st.s, st.view}.ReadPhysical(pa, buf)
}

// WritePhysical writes guest physical memory through the state's view.
func (st State) WritePhysical(pa PA, data []byte) error {
	return viewMemory{st.s, st.view}.WritePhysical(pa, data)
}

// Context returns a typed access context for the state.
func (st State) Context() *Context {
	return &Context{st: st}
}

// Prober returns a prober for the state.
func (st State) Prober() *Prober {
	return &Prober{st: st}
}

// translate resolves va in the address space rooted at root, reading the
// page tables through view v.
func (s *Session) translate(v View, root PA, va VA, access Access) (PA, error) {
	if _, ok := s.views[v]; !ok {
		return 0, misuse("translate", ErrUnknownView, "%s", v)
	}
	mask := VA(s.info.PageSize - 1)
	key := v2pKey{root: root, page: va &^ mask, view: v}
	if access == AccessRead {
		if pa, ok := s.v2p.get(key); ok {
			return pa + PA(va&mask), nil
		}
	}
	pa, err := s.arch.Translate(viewMemory{s, v}, root, va, access)
	if err != nil {
		return 0, err
	}
	if access == AccessRead {
		s.v2p.add(key, pa&^PA(mask))
	}
	return pa, nil
}

// viewMemory is guest physical memory as seen through one view.
type viewMemory struct {
	s *Session
	v View
}

func (m viewMemory) backing(pa PA) (PA, error) {
	vw, ok := m.s.views[m.v]
	if !ok {
		return 0, misuse("physical access", ErrUnknownView, "%s", m.v)
	}
	gfn := m.s.arch.GFNFromPA(pa)
	off := pa - m.s.arch.PAFromGFN(gfn)
	return m.s.arch.PAFromGFN(vw.backing(gfn)) + off, nil
}

func (m viewMemory) ReadPhysical(pa PA, buf []byte) error {
	pageSize := m.s.info.PageSize
	for len(buf) > 0 {
		n := pageSize - uint64(pa)&(pageSize-1)
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		bpa, err := m.backing(pa)
		if err != nil {
			return err
		}
		if err := m.s.readBacking(bpa, buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
		pa += PA(n)
	}
	return nil
}

func (m viewMemory) WritePhysical(pa PA, data []byte) error {
	pageSize := m.s.info.PageSize
	for len(data) > 0 {
		n := pageSize - uint64(pa)&(pageSize-1)
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}
		bpa, err := m.backing(pa)
		if err != nil {
			return err
		}
		if err := m.s.writeBacking(bpa, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		pa += PA(n)
	}
	return nil
}
