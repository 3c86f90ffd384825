package vmi

import "errors"

// Residency is the result of probing a guest virtual address.
type Residency uint8

const (
	// Resident means the address translates and its frame can be read.
	Resident Residency = iota
	// NotResident means the entry that would map the page is not present
	// or not valid.
	NotResident
	// Indeterminate means residency could not be decided: an intermediate
	// page table is missing or malformed, or the backend could not serve
	// a page table or the final frame.
	Indeterminate
)

func (r Residency) String() string {
	switch r {
	case Resident:
		return "resident"
	case NotResident:
		return "not resident"
	case Indeterminate:
		return "indeterminate"
	}
	return "unknown"
}

// Prober tests whether guest virtual addresses are resident without
// failing on unmapped addresses and without side effects on the guest.
type Prober struct {
	st State
}

// Probe reports the residency of va under the state's VCPU root and view.
// An error is returned only when the question itself can not be asked
// (unknown view, unsupported paging mode, registers unavailable).
func (p *Prober) Probe(va VA) (Residency, error) {
	root, err := p.st.Root()
	if err != nil {
		return Indeterminate, err
	}
	return p.ProbeIn(root, va)
}

// ProbeIn is like Probe but translates through root.
func (p *Prober) ProbeIn(root PA, va VA) (Residency, error) {
	s := p.st.s
	pa, err := s.translate(p.st.view, root, va, AccessRead)
	if err != nil {
		var terr *TranslationError
		var derr *DriverError
		switch {
		case errors.As(err, &terr):
			if terr.Leaf {
				return NotResident, nil
			}
			return Indeterminate, nil
		case errors.As(err, &derr):
			return Indeterminate, nil
		}
		return Indeterminate, err
	}
	bpa, err := viewMemory{s, p.st.view}.backing(pa)
	if err != nil {
		return Indeterminate, err
	}
	if _, err := s.readFrame(s.arch.GFNFromPA(bpa)); err != nil {
		return Indeterminate, nil
	}
	return Resident, nil
}

// ProbeRange probes every page overlapping [va, va+n) and returns the first
// page that is not resident along with its residency. If every page is
// resident it returns va and Resident.
func (p *Prober) ProbeRange(va VA, n uint64) (VA, Residency, error) {
	root, err := p.st.Root()
	if err != nil {
		return va, Indeterminate, err
	}
	pageSize := p.st.s.info.PageSize
	end := va + VA(n)
	for page := va &^ VA(pageSize-1); page < end; page += VA(pageSize) {
		r, err := p.ProbeIn(root, page)
		if err != nil || r != Resident {
			return page, r, err
		}
		if page+VA(pageSize) < page {
			break
		}
	}
	return va, Resident, nil
}

// Read reads len(buf) bytes at va only if every page of the range is
// resident. It returns false, without error, otherwise.
func (p *Prober) Read(va VA, buf []byte) (bool, error) {
	_, r, err := p.ProbeRange(va, uint64(len(buf)))
	if err != nil || r != Resident {
		return false, err
	}
	if err := p.st.Context().ReadAt(va, buf); err != nil {
		return false, err
	}
	return true, nil
}
