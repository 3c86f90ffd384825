// Package vmitest provides an in-memory guest for tests: sparse physical
// memory, a driver serving it with canned registers and a builder for
// amd64 page tables.
package vmitest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-delve/vmi/pkg/vmi"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
)

// ErrUnbacked is returned when accessing a frame that holds no memory.
var ErrUnbacked = errors.New("frame not backed")

// Memory is sparse guest physical memory. Frames are backed on demand by
// Poke and SetFrame, reads of other frames fail.
type Memory struct {
	mu     sync.Mutex
	pages  map[vmi.GFN][]byte
	reads  int
	writes map[vmi.GFN]int
}

// NewMemory returns an empty memory.
func NewMemory() *Memory {
	return &Memory{pages: map[vmi.GFN][]byte{}, writes: map[vmi.GFN]int{}}
}

func gfnOf(pa vmi.PA) vmi.GFN { return vmi.GFN(uint64(pa) >> pageShift) }

// ReadPhysical fills buf from pa, failing if any frame of the range is
// not backed.
func (m *Memory) ReadPhysical(pa vmi.PA, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	for len(buf) > 0 {
		page, ok := m.pages[gfnOf(pa)]
		if !ok {
			return fmt.Errorf("read %#x: %w", uint64(pa), ErrUnbacked)
		}
		n := copy(buf, page[uint64(pa)&(pageSize-1):])
		buf = buf[n:]
		pa += vmi.PA(n)
	}
	return nil
}

// WritePhysical writes data at pa, failing if any frame of the range is
// not backed. Nothing is written if the range is not fully backed.
func (m *Memory) WritePhysical(pa vmi.PA, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := pa + vmi.PA(len(data))
	for g := gfnOf(pa); len(data) > 0 && g <= gfnOf(end-1); g++ {
		if _, ok := m.pages[g]; !ok {
			return fmt.Errorf("write %#x: %w", uint64(g)<<pageShift, ErrUnbacked)
		}
	}
	m.write(pa, data)
	return nil
}

func (m *Memory) write(pa vmi.PA, data []byte) {
	for len(data) > 0 {
		g := gfnOf(pa)
		page, ok := m.pages[g]
		if !ok {
			page = make([]byte, pageSize)
			m.pages[g] = page
		}
		n := copy(page[uint64(pa)&(pageSize-1):], data)
		m.writes[g]++
		data = data[n:]
		pa += vmi.PA(n)
	}
}

// Poke writes data at pa, backing frames as needed. Pokes are not counted
// as writes.
func (m *Memory) Poke(pa vmi.PA, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(data) > 0 {
		g := gfnOf(pa)
		page, ok := m.pages[g]
		if !ok {
			page = make([]byte, pageSize)
			m.pages[g] = page
		}
		n := copy(page[uint64(pa)&(pageSize-1):], data)
		data = data[n:]
		pa += vmi.PA(n)
	}
}

// SetFrame backs gfn with a copy of data, zero padded to a page.
func (m *Memory) SetFrame(gfn vmi.GFN, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := make([]byte, pageSize)
	copy(page, data)
	m.pages[gfn] = page
}

// Fill backs gfn with a page of b bytes.
func (m *Memory) Fill(gfn vmi.GFN, b byte) {
	page := make([]byte, pageSize)
	for i := range page {
		page[i] = b
	}
	m.SetFrame(gfn, page)
}

// Frame returns a copy of the contents of gfn, nil if it is not backed.
func (m *Memory) Frame(gfn vmi.GFN) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[gfn]
	if !ok {
		return nil
	}
	return append([]byte(nil), page...)
}

// Backed reports whether gfn holds memory.
func (m *Memory) Backed(gfn vmi.GFN) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pages[gfn]
	return ok
}

// Unback drops gfn.
func (m *Memory) Unback(gfn vmi.GFN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, gfn)
}

// MaxGFN returns the highest backed frame.
func (m *Memory) MaxGFN() vmi.GFN {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max vmi.GFN
	for g := range m.pages {
		if g > max {
			max = g
		}
	}
	return max
}

// GFNs returns the backed frames in ascending order.
func (m *Memory) GFNs() []vmi.GFN {
	m.mu.Lock()
	defer m.mu.Unlock()
	gfns := make([]vmi.GFN, 0, len(m.pages))
	for g := range m.pages {
		gfns = append(gfns, g)
	}
	sort.Slice(gfns, func(i, j int) bool { return gfns[i] < gfns[j] })
	return gfns
}

// Frames returns the number of backed frames.
func (m *Memory) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// Reads returns the number of ReadPhysical calls served.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Writes returns the number of WritePhysical calls that modified gfn.
func (m *Memory) Writes(gfn vmi.GFN) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[gfn]
}
