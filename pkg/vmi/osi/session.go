package osi

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
)

// Session is a vmi.Session with a kernel profile and an OS plugin.
type Session struct {
	*vmi.Session
	Offsets *Offsets
	OS      OS
	// KernelBase is the load address of the kernel image, symbol
	// addresses of Offsets are relative to it.
	KernelBase vmi.VA
	// Limits bound the walks of the OS plugin.
	Limits iter.Limits
}

// NewSession wraps s.
func NewSession(s *vmi.Session, offsets *Offsets, os OS, kernelBase vmi.VA) *Session {
	return &Session{Session: s, Offsets: offsets, OS: os, KernelBase: kernelBase}
}

// State returns an OS aware state for vcpu under view v.
func (s *Session) State(vcpu vmi.VcpuID, v vmi.View) (State, error) {
	st, err := s.Session.State(vcpu, v)
	if err != nil {
		return State{}, err
	}
	return State{State: st, s: s}, nil
}

// StateForVcpu returns an OS aware state for vcpu under its active view.
func (s *Session) StateForVcpu(vcpu vmi.VcpuID) (State, error) {
	st, err := s.Session.StateForVcpu(vcpu)
	if err != nil {
		return State{}, err
	}
	return State{State: st, s: s}, nil
}

// SymbolAddress returns the virtual address of a kernel symbol.
func (s *Session) SymbolAddress(name string) (vmi.VA, error) {
	rva, err := s.Offsets.Symbol(name)
	if err != nil {
		return 0, err
	}
	return s.KernelBase + vmi.VA(rva), nil
}

// State is a vmi.State of an OS aware session.
type State struct {
	vmi.State
	s *Session
}

// OSSession returns the session of the state.
func (st State) OSSession() *Session { return st.s }

// Context returns an OS aware context on the state.
func (st State) Context() *Context {
	return &Context{Context: st.State.Context(), s: st.s}
}

// Context is a vmi.Context of an OS aware session. All memory accesses are
// delegated to the embedded context.
type Context struct {
	*vmi.Context
	s *Session
}

// OSSession returns the session of the context.
func (ctx *Context) OSSession() *Session { return ctx.s }

// Offsets returns the profile of the session.
func (ctx *Context) Offsets() *Offsets { return ctx.s.Offsets }

// Limits returns the bounds for walks made on behalf of the context.
func (ctx *Context) Limits() iter.Limits { return ctx.s.Limits }

// WithRoot returns a context translating through root.
func (ctx *Context) WithRoot(root vmi.PA) *Context {
	return &Context{Context: ctx.Context.WithRoot(root), s: ctx.s}
}

// Symbol returns the virtual address of a kernel symbol.
func (ctx *Context) Symbol(name string) (vmi.VA, error) {
	return ctx.s.SymbolAddress(name)
}

// ReadStructField reads field fieldName of the structName at base.
func (ctx *Context) ReadStructField(base vmi.VA, structName, fieldName string) (uint64, error) {
	f, err := ctx.s.Offsets.Field(structName, fieldName)
	if err != nil {
		return 0, err
	}
	return ctx.ReadField(base, f)
}

// ReadFieldVA reads a pointer sized field.
func (ctx *Context) ReadFieldVA(base vmi.VA, f vmi.Field) (vmi.VA, error) {
	v, err := ctx.ReadField(base, f)
	return vmi.VA(v), err
}

// StructReader reads the whole structName at base with a single access.
func (ctx *Context) StructReader(base vmi.VA, structName string) (*vmi.StructReader, error) {
	s, err := ctx.s.Offsets.Struct(structName)
	if err != nil {
		return nil, err
	}
	if s.Size == 0 {
		return nil, fmt.Errorf("struct %s has no size in the offsets profile", structName)
	}
	return vmi.NewStructReader(ctx.Context, base, s.Size)
}
