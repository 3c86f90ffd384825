package vmi

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/logflags"
)

const defaultMaxStringLength = 4096

// Session binds a driver to an architecture and owns the bookkeeping that
// is global to the guest: the active view of each VCPU, the views
// themselves, the breakpoint table and the page and translation caches.
//
// Session methods that mutate bookkeeping are not synchronized, callers
// that share a session between goroutines must serialize them.
type Session struct {
	arch   Architecture
	driver Driver
	info   Info

	views    map[View]*view
	nextView View
	active   []View

	breakpoints *breakpointTable

	gfnCache *pageCache
	v2p      *v2pCache

	maxStringLength int
	pauseCount      int

	log logflags.Logger
}

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	gfnCacheSize    int
	v2pCacheSize    int
	maxStringLength int
	log             logflags.Logger
}

// WithGFNCacheSize sets the number of guest frames kept in the page cache,
// zero disables the cache.
func WithGFNCacheSize(n int) SessionOption {
	return func(c *sessionConfig) { c.gfnCacheSize = n }
}

// WithV2PCacheSize sets the number of translations kept in the
// translation cache, zero disables the cache.
func WithV2PCacheSize(n int) SessionOption {
	return func(c *sessionConfig) { c.v2pCacheSize = n }
}

// WithoutCaches disables both the page and the translation cache.
func WithoutCaches() SessionOption {
	return func(c *sessionConfig) {
		c.gfnCacheSize = 0
		c.v2pCacheSize = 0
	}
}

// WithMaxStringLength bounds the number of bytes read by string reads. A
// non-positive n keeps the default of 4096 bytes.
func WithMaxStringLength(n int) SessionOption {
	return func(c *sessionConfig) {
		if n > 0 {
			c.maxStringLength = n
		}
	}
}

// WithLogger sets the logger used by the session.
func WithLogger(l logflags.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = l }
}

// NewSession creates a session for the guest served by driver.
func NewSession(arch Architecture, driver Driver, opts ...SessionOption) (*Session, error) {
	cfg := sessionConfig{
		gfnCacheSize:    defaultGFNCacheSize,
		v2pCacheSize:    defaultV2PCacheSize,
		maxStringLength: defaultMaxStringLength,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logflags.SessionLogger()
	}

	info, err := driver.Info()
	if err != nil {
		return nil, fmt.Errorf("could not query driver: %w", err)
	}
	if info.PageSize == 0 {
		info.PageSize = arch.PageSize()
		info.PageShift = arch.PageShift()
	}
	if info.PageSize != arch.PageSize() {
		return nil, fmt.Errorf("driver page size %#x does not match %s page size %#x", info.PageSize, arch.Name(), arch.PageSize())
	}

	gfnCache, err := newPageCache(cfg.gfnCacheSize)
	if err != nil {
		return nil, err
	}
	v2p, err := newV2PCache(cfg.v2pCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Session{
		arch:            arch,
		driver:          driver,
		info:            info,
		views:           map[View]*view{DefaultView: newView(DefaultView)},
		nextView:        DefaultView + 1,
		active:          make([]View, info.Vcpus),
		breakpoints:     newBreakpointTable(),
		gfnCache:        gfnCache,
		v2p:             v2p,
		maxStringLength: cfg.maxStringLength,
		log:             cfg.log,
	}
	s.log.Debugf("session created: arch=%s vcpus=%d max gfn=%#x", arch.Name(), info.Vcpus, uint64(info.MaxGFN))
	return s, nil
}

// Arch returns the architecture of the session.
func (s *Session) Arch() Architecture { return s.arch }

// Driver returns the driver of the session.
func (s *Session) Driver() Driver { return s.driver }

// Info returns the guest information reported by the driver when the
// session was created.
func (s *Session) Info() Info { return s.info }

// MaxStringLength returns the bound applied to string reads.
func (s *Session) MaxStringLength() int { return s.maxStringLength }

// SetMaxStringLength changes the bound applied to string reads. A
// non-positive n restores the default.
func (s *Session) SetMaxStringLength(n int) {
	if n <= 0 {
		n = defaultMaxStringLength
	}
	s.maxStringLength = n
}

// State returns a state for vcpu bound to view.
func (s *Session) State(vcpu VcpuID, v View) (State, error) {
	if err := s.checkVcpu("State", vcpu); err != nil {
		return State{}, err
	}
	if _, ok := s.views[v]; !ok {
		return State{}, misuse("State", ErrUnknownView, "%s", v)
	}
	return newState(s, vcpu, v), nil
}

// StateForVcpu returns a state for vcpu bound to the VCPU's active view.
func (s *Session) StateForVcpu(vcpu VcpuID) (State, error) {
	if err := s.checkVcpu("StateForVcpu", vcpu); err != nil {
		return State{}, err
	}
	return newState(s, vcpu, s.active[vcpu]), nil
}

// Close closes the driver.
func (s *Session) Close() error {
	s.log.Debugf("session closed")
	return s.driver.Close()
}

func (s *Session) checkVcpu(op string, vcpu VcpuID) error {
	if int(vcpu) >= len(s.active) {
		return misuse(op, ErrVcpuOutOfRange, "vcpu %d, guest has %d", vcpu, len(s.active))
	}
	return nil
}

// FlushGFNCache drops every cached guest frame.
func (s *Session) FlushGFNCache() {
	s.gfnCache.purge()
}

// FlushGFNCacheEntry drops one cached guest frame.
func (s *Session) FlushGFNCacheEntry(gfn GFN) {
	s.gfnCache.remove(gfn)
}

// FlushV2PCache drops every cached translation. It must be called after the
// guest page tables change while the guest is paused.
func (s *Session) FlushV2PCache() {
	s.v2p.purge()
}

// SetGFNCacheEnabled enables or disables the page cache.
func (s *Session) SetGFNCacheEnabled(enabled bool) error {
	if enabled && s.gfnCache.c == nil {
		pc, err := newPageCache(defaultGFNCacheSize)
		if err != nil {
			return err
		}
		s.gfnCache = pc
	}
	s.gfnCache.enabled = enabled
	if !enabled {
		s.gfnCache.purge()
	}
	return nil
}

// SetV2PCacheEnabled enables or disables the translation cache.
func (s *Session) SetV2PCacheEnabled(enabled bool) error {
	if enabled && s.v2p.c == nil {
		vc, err := newV2PCache(defaultV2PCacheSize)
		if err != nil {
			return err
		}
		s.v2p = vc
	}
	s.v2p.enabled = enabled
	if !enabled {
		s.v2p.purge()
	}
	return nil
}

// CacheStats returns the number of entries in the page and translation
// caches.
func (s *Session) CacheStats() (gfns, translations int) {
	return s.gfnCache.len(), s.v2p.len()
}

// readFrame reads a whole backing frame, through the page cache.
func (s *Session) readFrame(gfn GFN) ([]byte, error) {
	if page, ok := s.gfnCache.get(gfn); ok {
		return page, nil
	}
	page := make([]byte, s.info.PageSize)
	if err := s.driver.ReadPhysical(s.arch.PAFromGFN(gfn), page); err != nil {
		return nil, &DriverError{Op: "read frame", Addr: uint64(s.arch.PAFromGFN(gfn)), Err: err}
	}
	s.gfnCache.add(gfn, page)
	return page, nil
}

// writeBacking writes data at the backing physical address pa, which must
// not cross a page boundary.
func (s *Session) writeBacking(pa PA, data []byte) error {
	gfn := s.arch.GFNFromPA(pa)
	s.gfnCache.remove(gfn)
	if err := s.driver.WritePhysical(pa, data); err != nil {
		return &DriverError{Op: "write physical", Addr: uint64(pa), Err: err}
	}
	return nil
}
