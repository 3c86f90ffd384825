package xencore

import (
	"encoding/binary"

	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

// Layout of the x86_64 vcpu_guest_context.
const (
	contextSize = 5168

	userRegsOff = 520
	ctrlRegOff  = 4984
	debugRegOff = 5048
	fsBaseOff   = 5144
	gsKernelOff = 5152
	gsUserOff   = 5160
)

// Offsets inside cpu_user_regs.
const (
	regR15    = 0
	regR14    = 8
	regR13    = 16
	regR12    = 24
	regRbp    = 32
	regRbx    = 40
	regR11    = 48
	regR10    = 56
	regR9     = 64
	regR8     = 72
	regRax    = 80
	regRcx    = 88
	regRdx    = 96
	regRsi    = 104
	regRdi    = 112
	regRip    = 128
	regCs     = 136
	regRflags = 144
	regRsp    = 152
	regSs     = 160
	regEs     = 168
	regDs     = 176
	regFs     = 184
	regGs     = 192
)

// decodeContext converts a vcpu_guest_context to amd64 registers. The
// context carries no EFER, a VCPU with paging and PAE enabled is assumed to
// run in long mode.
func decodeContext(ctx []byte) *amd64.Registers {
	u := ctx[userRegsOff:]
	q := func(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }
	sel := func(off int) uint16 { return binary.LittleEndian.Uint16(u[off:]) }
	cr := func(i int) uint64 { return q(ctx, ctrlRegOff+8*i) }
	dr := func(i int) uint64 { return q(ctx, debugRegOff+8*i) }

	regs := &amd64.Registers{
		R15: q(u, regR15), R14: q(u, regR14), R13: q(u, regR13), R12: q(u, regR12),
		Rbp: q(u, regRbp), Rbx: q(u, regRbx), R11: q(u, regR11), R10: q(u, regR10),
		R9: q(u, regR9), R8: q(u, regR8), Rax: q(u, regRax), Rcx: q(u, regRcx),
		Rdx: q(u, regRdx), Rsi: q(u, regRsi), Rdi: q(u, regRdi),
		Rip:    q(u, regRip),
		Rflags: q(u, regRflags),
		Rsp:    q(u, regRsp),

		Cs: amd64.Segment{Selector: sel(regCs)},
		Ss: amd64.Segment{Selector: sel(regSs)},
		Es: amd64.Segment{Selector: sel(regEs)},
		Ds: amd64.Segment{Selector: sel(regDs)},
		Fs: amd64.Segment{Selector: sel(regFs), Base: q(ctx, fsBaseOff)},
		Gs: amd64.Segment{Selector: sel(regGs)},

		Cr0: amd64.Cr0(cr(0)),
		Cr2: amd64.Cr2(cr(2)),
		Cr3: amd64.Cr3(cr(3)),
		Cr4: amd64.Cr4(cr(4)),

		Dr0: amd64.Dr0(dr(0)),
		Dr1: amd64.Dr1(dr(1)),
		Dr2: amd64.Dr2(dr(2)),
		Dr3: amd64.Dr3(dr(3)),
		Dr6: amd64.Dr6(dr(6)),
		Dr7: amd64.Dr7(dr(7)),
	}
	// The active GS base depends on the privilege level the VCPU was
	// stopped in.
	if regs.Cs.Selector&3 == 0 {
		regs.Gs.Base, regs.KernelGsBase = q(ctx, gsKernelOff), q(ctx, gsUserOff)
	} else {
		regs.Gs.Base, regs.KernelGsBase = q(ctx, gsUserOff), q(ctx, gsKernelOff)
	}
	if regs.Cr0.Paging() && regs.Cr4.PAE() {
		regs.Efer = amd64.LongModeEfer
	}
	return regs
}
