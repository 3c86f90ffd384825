package vmi

import (
	"errors"
	"fmt"
)

var (
	// ErrReadOnly is returned by offline drivers when asked to modify guest
	// state.
	ErrReadOnly = errors.New("backend is read-only")
	// ErrNotSupported is returned when a backend or architecture cannot
	// provide an operation.
	ErrNotSupported = errors.New("operation not supported")
	// ErrOutOfBounds is returned when a field or range lies outside of the
	// data it is extracted from.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrUnknownView is returned when an operation names a view that does
	// not exist on the session.
	ErrUnknownView = errors.New("unknown view")
	// ErrVcpuOutOfRange is returned for VCPU ids the guest does not have.
	ErrVcpuOutOfRange = errors.New("vcpu out of range")
	// ErrViewInUse is returned when destroying a view that a VCPU is still
	// bound to.
	ErrViewInUse = errors.New("view is assigned to a vcpu")
	// ErrDefaultView is returned when trying to modify or destroy the
	// default view.
	ErrDefaultView = errors.New("the default view can not be modified")
)

// TranslationFault is the reason a page table walk failed.
type TranslationFault uint8

const (
	NotPresent TranslationFault = iota
	ReservedBit
	Permission
)

func (f TranslationFault) String() string {
	switch f {
	case NotPresent:
		return "not present"
	case ReservedBit:
		return "reserved bit set"
	case Permission:
		return "permission denied"
	}
	return fmt.Sprintf("fault(%d)", uint8(f))
}

// PageLevel is a level of the page table hierarchy, Level1 being the level
// whose entries map 4KiB pages.
type PageLevel uint8

const (
	Level1 PageLevel = 1 + iota // PT
	Level2                      // PD
	Level3                      // PDPT
	Level4                      // PML4
	Level5                      // PML5
)

func (l PageLevel) String() string {
	switch l {
	case Level1:
		return "PT"
	case Level2:
		return "PD"
	case Level3:
		return "PDPT"
	case Level4:
		return "PML4"
	case Level5:
		return "PML5"
	}
	return fmt.Sprintf("L%d", uint8(l))
}

// TranslationError is returned when a virtual address can not be
// resolved by walking the page tables.
type TranslationError struct {
	VA     VA
	Root   PA
	Level  PageLevel
	Fault  TranslationFault
	Access Access
	// Entry is the raw page table entry that caused the fault.
	Entry uint64
	// Leaf is true if the faulting entry is the one that would have mapped
	// the page, false if an intermediate table is missing.
	Leaf bool
}

func (e *TranslationError) Error() string {
	if e.Fault == Permission {
		return fmt.Sprintf("could not translate %s (root %s): %s for %s at %s entry %#x", e.VA, e.Root, e.Fault, e.Access, e.Level, e.Entry)
	}
	return fmt.Sprintf("could not translate %s (root %s): %s at %s entry %#x", e.VA, e.Root, e.Fault, e.Level, e.Entry)
}

// DriverError is returned when a backend could not satisfy a request.
type DriverError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// CorruptionError is returned when a guest structure fails a sanity check
// while being decoded.
type CorruptionError struct {
	Addr VA
	What string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted guest structure at %s: %s", e.Addr, e.What)
}

// MisuseError is returned when a session operation is called with
// arguments that can never be valid for the session, such as a view that
// was never created.
type MisuseError struct {
	Op  string
	Err error
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *MisuseError) Unwrap() error { return e.Err }

func misuse(op string, err error, format string, args ...interface{}) error {
	return &MisuseError{Op: op, Err: fmt.Errorf("%w: "+format, append([]interface{}{err}, args...)...)}
}

// IsTranslationError reports whether err is, or wraps, a *TranslationError.
func IsTranslationError(err error) bool {
	var terr *TranslationError
	return errors.As(err, &terr)
}
