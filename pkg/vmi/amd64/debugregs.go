package amd64

import (
	"errors"
	"fmt"
)

// Dr0 to Dr3 hold the linear address of hardware breakpoint slots 0 to 3.
// The wrappers carry no validation, converting to and from uint64 is
// lossless.
type (
	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
)

// Dr6 is the debug status register.
type Dr6 uint64

// Hit reports whether the condition of slot idx was detected.
func (d Dr6) Hit(idx uint8) bool { return d&(1<<idx) != 0 }

// SingleStep reports whether the exception was caused by single stepping.
func (d Dr6) SingleStep() bool { return d&(1<<14) != 0 }

// ClearHits returns d with the slot condition bits cleared.
func (d Dr6) ClearHits() Dr6 { return d &^ 0xf }

// Dr7 is the debug control register.
type Dr7 uint64

// Condition is the access that triggers a hardware breakpoint.
type Condition uint8

const (
	ConditionExecute   Condition = 0x0
	ConditionWrite     Condition = 0x1
	ConditionIO        Condition = 0x2
	ConditionReadWrite Condition = 0x3
)

func (c Condition) String() string {
	switch c {
	case ConditionExecute:
		return "x"
	case ConditionWrite:
		return "w"
	case ConditionIO:
		return "io"
	case ConditionReadWrite:
		return "rw"
	}
	return "?"
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// Enabled reports whether the local enable bit of slot idx is set.
func (d Dr7) Enabled(idx uint8) bool { return d&(1<<enableBitOffset(idx)) != 0 }

// Condition returns the trigger condition of slot idx.
func (d Dr7) Condition(idx uint8) Condition {
	return Condition((d >> lenrwBitsOffset(idx)) & 0x3)
}

// Length returns the watched length in bytes of slot idx.
func (d Dr7) Length(idx uint8) int {
	switch (d >> (lenrwBitsOffset(idx) + 2)) & 0x3 {
	case 0x0:
		return 1
	case 0x1:
		return 2
	case 0x2:
		return 8 // sic
	}
	return 4
}

// Enable returns d with slot idx enabled for cond on sz bytes.
func (d Dr7) Enable(idx uint8, cond Condition, sz int) (Dr7, error) {
	if idx > 3 {
		return d, fmt.Errorf("hardware breakpoints exhausted")
	}
	var ln uint64
	switch sz {
	case 1:
	case 2:
		ln = 0x1
	case 4:
		ln = 0x3
	case 8:
		ln = 0x2
	default:
		return d, fmt.Errorf("data breakpoint of size %d not supported", sz)
	}
	if cond == ConditionExecute && sz != 1 {
		return d, errors.New("execution breakpoints must have size 1")
	}
	lenrw := ln<<2 | uint64(cond)
	d &^= 0xf << lenrwBitsOffset(idx)
	d |= Dr7(lenrw << lenrwBitsOffset(idx))
	d |= 1 << enableBitOffset(idx)
	return d, nil
}

// Disable returns d with slot idx disabled.
func (d Dr7) Disable(idx uint8) Dr7 { return d &^ (1 << enableBitOffset(idx)) }

// DebugRegisters edits the debug registers of a register file, see the
// Intel 64 and IA-32 Architectures Software Developer's Manual, Vol. 3B,
// section 17.2.
type DebugRegisters struct {
	pAddrs     [4]*uint64
	pDR6, pDR7 *uint64
	Dirty      bool
}

// NewDebugRegisters returns a DebugRegisters editing the debug registers
// of r in place.
func NewDebugRegisters(r *Registers) *DebugRegisters {
	return &DebugRegisters{
		pAddrs: [4]*uint64{(*uint64)(&r.Dr0), (*uint64)(&r.Dr1), (*uint64)(&r.Dr2), (*uint64)(&r.Dr3)},
		pDR6:   (*uint64)(&r.Dr6),
		pDR7:   (*uint64)(&r.Dr7),
	}
}

// Breakpoint returns the configuration of slot idx, addr is zero if the
// slot is disabled.
func (drs *DebugRegisters) Breakpoint(idx uint8) (addr uint64, cond Condition, sz int) {
	dr7 := Dr7(*drs.pDR7)
	if !dr7.Enabled(idx) {
		return 0, 0, 0
	}
	return *drs.pAddrs[idx], dr7.Condition(idx), dr7.Length(idx)
}

// SetBreakpoint sets hardware breakpoint at index 'idx' to the specified
// address, condition and size.
// If the breakpoint is already in use but the parameters match it does
// nothing.
func (drs *DebugRegisters) SetBreakpoint(idx uint8, addr uint64, cond Condition, sz int) error {
	if int(idx) >= len(drs.pAddrs) {
		return fmt.Errorf("hardware breakpoints exhausted")
	}
	curaddr, curcond, cursz := drs.Breakpoint(idx)
	if curaddr != 0 {
		if curaddr != addr || curcond != cond || cursz != sz {
			return fmt.Errorf("hardware breakpoint %d already in use (address %#x)", idx, curaddr)
		}
		// hardware breakpoint already set
		return nil
	}
	dr7, err := Dr7(*drs.pDR7).Enable(idx, cond, sz)
	if err != nil {
		return err
	}
	*drs.pAddrs[idx] = addr
	*drs.pDR7 = uint64(dr7)
	drs.Dirty = true
	return nil
}

// ClearBreakpoint disables the hardware breakpoint at index 'idx'. If the
// breakpoint was already disabled it does nothing.
func (drs *DebugRegisters) ClearBreakpoint(idx uint8) {
	if !Dr7(*drs.pDR7).Enabled(idx) {
		return
	}
	*drs.pDR7 = uint64(Dr7(*drs.pDR7).Disable(idx))
	drs.Dirty = true
}

// GetActiveBreakpoint returns the active hardware breakpoint and resets the
// condition flags.
func (drs *DebugRegisters) GetActiveBreakpoint() (ok bool, idx uint8) {
	for idx := uint8(0); idx < 4; idx++ {
		if !Dr7(*drs.pDR7).Enabled(idx) {
			continue
		}
		if Dr6(*drs.pDR6).Hit(idx) {
			*drs.pDR6 = uint64(Dr6(*drs.pDR6).ClearHits()) // it is our responsibility to clear the condition bits
			drs.Dirty = true
			return true, idx
		}
	}
	return false, 0
}
