package amd64

import (
	"golang.org/x/arch/x86/x86asm"
)

// AssemblyFlavour describes the output of disassembled code.
type AssemblyFlavour int

const (
	// IntelFlavour will disassemble using Intel assembly format.
	IntelFlavour AssemblyFlavour = iota
	// GNUFlavour will disassemble using GNU assembly format.
	GNUFlavour
)

// InstructionKind classifies decoded instructions.
type InstructionKind uint8

const (
	OtherInstruction InstructionKind = iota
	JmpInstruction
	CallInstruction
	RetInstruction
	BreakInstruction
)

// Instruction is one decoded guest instruction.
type Instruction struct {
	PC    uint64
	Bytes []byte
	Kind  InstructionKind
	inst  *x86asm.Inst
}

// Disassemble decodes the 64 bit instructions in mem, which was read from
// guest address pc. Bytes that can not be decoded produce a one byte
// instruction whose text is "?".
func Disassemble(mem []byte, pc uint64) []Instruction {
	var r []Instruction
	for len(mem) > 0 {
		inst, err := x86asm.Decode(mem, 64)
		if err != nil {
			r = append(r, Instruction{PC: pc, Bytes: mem[:1]})
			mem = mem[1:]
			pc++
			continue
		}
		patchPCRel(pc, &inst)
		in := Instruction{PC: pc, Bytes: mem[:inst.Len], inst: &inst}
		switch inst.Op {
		case x86asm.JMP, x86asm.LJMP:
			in.Kind = JmpInstruction
		case x86asm.CALL, x86asm.LCALL:
			in.Kind = CallInstruction
		case x86asm.RET, x86asm.LRET:
			in.Kind = RetInstruction
		case x86asm.INT:
			in.Kind = BreakInstruction
		}
		r = append(r, in)
		mem = mem[inst.Len:]
		pc += uint64(inst.Len)
	}
	return r
}

// converts PC relative arguments to absolute addresses
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}

// Text returns the assembly text of the instruction. symLookup, if not
// nil, resolves addresses to symbol names.
func (in *Instruction) Text(flavour AssemblyFlavour, symLookup func(uint64) (string, uint64)) string {
	if in.inst == nil {
		return "?"
	}
	switch flavour {
	case GNUFlavour:
		return x86asm.GNUSyntax(*in.inst, in.PC, symLookup)
	default:
		return x86asm.IntelSyntax(*in.inst, in.PC, symLookup)
	}
}
