package vmi

import "sort"

// view is the frame remapping of one View. Frames without an entry are
// backed by themselves.
type view struct {
	id    View
	remap map[GFN]GFN
}

func newView(id View) *view {
	return &view{id: id, remap: map[GFN]GFN{}}
}

func (v *view) backing(gfn GFN) GFN {
	if b, ok := v.remap[gfn]; ok {
		return b
	}
	return gfn
}

// CreateView creates a new view, initially identical to the default view.
// View ids are never reused: the returned id is greater than every id
// created before it by this session.
func (s *Session) CreateView() (View, error) {
	if s.nextView == 0 {
		return 0, misuse("CreateView", ErrNotSupported, "view ids exhausted")
	}
	id := s.nextView
	s.nextView++
	s.views[id] = newView(id)
	s.log.Debugf("created %s", id)
	return id, nil
}

// DestroyView destroys a view. The default view and views still assigned
// to a VCPU can not be destroyed.
func (s *Session) DestroyView(v View) error {
	if v == DefaultView {
		return misuse("DestroyView", ErrDefaultView, "%s", v)
	}
	if _, ok := s.views[v]; !ok {
		return misuse("DestroyView", ErrUnknownView, "%s", v)
	}
	for vcpu, active := range s.active {
		if active == v {
			return misuse("DestroyView", ErrViewInUse, "%s is active on vcpu %d", v, vcpu)
		}
	}
	for _, bp := range s.breakpoints.inView(v) {
		if err := s.RemoveBreakpoint(bp.ID); err != nil {
			return err
		}
	}
	delete(s.views, v)
	s.v2p.purge()
	s.log.Debugf("destroyed %s", v)
	return nil
}

// Views returns the ids of all views of the session in ascending order.
func (s *Session) Views() []View {
	r := make([]View, 0, len(s.views))
	for id := range s.views {
		r = append(r, id)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// RemapFrame makes gfn backed by the frame backing under view v. Only
// states bound to v observe the change.
func (s *Session) RemapFrame(v View, gfn, backing GFN) error {
	vw, err := s.mutableView("RemapFrame", v)
	if err != nil {
		return err
	}
	if gfn == backing {
		delete(vw.remap, gfn)
	} else {
		vw.remap[gfn] = backing
	}
	s.v2p.purge()
	s.log.Debugf("%s: %s -> %s", v, gfn, backing)
	return nil
}

// ResetFrame undoes a RemapFrame.
func (s *Session) ResetFrame(v View, gfn GFN) error {
	vw, err := s.mutableView("ResetFrame", v)
	if err != nil {
		return err
	}
	delete(vw.remap, gfn)
	s.v2p.purge()
	return nil
}

// Remapped returns the frames remapped under view v, keyed by guest frame.
func (s *Session) Remapped(v View) (map[GFN]GFN, error) {
	vw, ok := s.views[v]
	if !ok {
		return nil, misuse("Remapped", ErrUnknownView, "%s", v)
	}
	r := make(map[GFN]GFN, len(vw.remap))
	for k, b := range vw.remap {
		r[k] = b
	}
	return r, nil
}

// AssignView makes v the active view of vcpu. States already constructed
// for vcpu keep the view they were created with.
func (s *Session) AssignView(vcpu VcpuID, v View) error {
	if err := s.checkVcpu("AssignView", vcpu); err != nil {
		return err
	}
	if _, ok := s.views[v]; !ok {
		return misuse("AssignView", ErrUnknownView, "%s", v)
	}
	s.active[vcpu] = v
	s.log.Debugf("vcpu %d switched to %s", vcpu, v)
	return nil
}

// ActiveView returns the active view of vcpu.
func (s *Session) ActiveView(vcpu VcpuID) (View, error) {
	if err := s.checkVcpu("ActiveView", vcpu); err != nil {
		return 0, err
	}
	return s.active[vcpu], nil
}

func (s *Session) mutableView(op string, v View) (*view, error) {
	if v == DefaultView {
		return nil, misuse(op, ErrDefaultView, "%s", v)
	}
	vw, ok := s.views[v]
	if !ok {
		return nil, misuse(op, ErrUnknownView, "%s", v)
	}
	return vw, nil
}
