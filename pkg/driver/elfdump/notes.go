package elfdump

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/go-delve/vmi/pkg/elfwriter"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

type note struct {
	Type elf.NType
	Name string
	Desc []byte
}

type elfNotesHdr struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

// readNotes reads all the notes of the PT_NOTE segments of core.
func readNotes(core *elf.File) ([]*note, error) {
	notes := []*note{}
	for _, prog := range core.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		r := prog.Open()
		for {
			note, err := readNote(r)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			notes = append(notes, note)
		}
	}
	return notes, nil
}

// readNote reads a single note from r.
func readNote(r io.ReadSeeker) (*note, error) {
	// Notes are laid out as described in the SysV ABI:
	// http://www.sco.com/developers/gabi/latest/ch5.pheader.html#note_section
	note := &note{}
	hdr := &elfNotesHdr{}

	err := binary.Read(r, binary.LittleEndian, hdr)
	if err != nil {
		return nil, err // don't wrap so readNotes sees EOF.
	}
	note.Type = elf.NType(hdr.Type)

	name := make([]byte, hdr.Namesz)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("reading name: %v", err)
	}
	note.Name = strings.TrimRight(string(name), "\x00")
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after name: %v", err)
	}
	note.Desc = make([]byte, hdr.Descsz)
	if _, err := io.ReadFull(r, note.Desc); err != nil {
		return nil, fmt.Errorf("reading desc: %v", err)
	}
	if err := skipPadding(r, 4); err != nil && err != io.EOF {
		return nil, fmt.Errorf("aligning after desc: %v", err)
	}
	return note, nil
}

// skipPadding moves r to the next multiple of pad.
func skipPadding(r io.ReadSeeker, pad int64) error {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos%pad == 0 {
		return nil
	}
	if _, err := r.Seek(pad-(pos%pad), io.SeekCurrent); err != nil {
		return err
	}
	return nil
}

// prStatus is the x86_64 elf_prstatus written by QEMU, the process id is
// the VCPU index plus one.
type prStatus struct {
	Siginfo                      [3]int32
	Cursig                       uint16
	_                            [2]uint8
	Sigpend                      uint64
	Sighold                      uint64
	Pid, Ppid, Pgrp, Sid         int32
	Utime, Stime, CUtime, CStime [2]int64
	Reg                          userRegs
	Fpvalid                      int32
	_                            [4]uint8
}

// userRegs is the x86_64 user_regs_struct.
type userRegs struct {
	R15, R14, R13, R12, Rbp, Rbx, R11, R10 uint64
	R9, R8, Rax, Rcx, Rdx, Rsi, Rdi        uint64
	OrigRax, Rip, Cs, Eflags, Rsp, Ss      uint64
	FsBase, GsBase                         uint64
	Ds, Es, Fs, Gs                         uint64
}

const prStatusSize = 336

type qemuSegment struct {
	Selector uint32
	Limit    uint32
	Flags    uint32
	_        uint32
	Base     uint64
}

// qemuCPUState is the descriptor of the QEMU notes. Dumps written by old
// versions of QEMU stop before KernelGsBase.
type qemuCPUState struct {
	Version                uint32
	Size                   uint32
	Rax, Rbx, Rcx, Rdx     uint64
	Rsi, Rdi, Rsp, Rbp     uint64
	R8, R9, R10, R11       uint64
	R12, R13, R14, R15     uint64
	Rip, Rflags            uint64
	Cs, Ds, Es, Fs, Gs, Ss qemuSegment
	Ldt, Tr, Gdt, Idt      qemuSegment
	Cr                     [5]uint64
	KernelGsBase           uint64
}

const (
	qemuCPUStateVersion = 1
	qemuCPUStateSize    = 440
)

func decodePrStatus(desc []byte) (*prStatus, error) {
	if len(desc) < prStatusSize {
		return nil, fmt.Errorf("NT_PRSTATUS note too short (%d bytes)", len(desc))
	}
	st := &prStatus{}
	if err := binary.Read(bytes.NewReader(desc), binary.LittleEndian, st); err != nil {
		return nil, fmt.Errorf("reading NT_PRSTATUS: %v", err)
	}
	return st, nil
}

func decodeQEMUCPUState(desc []byte) (*qemuCPUState, error) {
	if len(desc) < 8 {
		return nil, fmt.Errorf("QEMU note too short (%d bytes)", len(desc))
	}
	if v := binary.LittleEndian.Uint32(desc); v != qemuCPUStateVersion {
		return nil, fmt.Errorf("unsupported QEMUCPUState version %d", v)
	}
	buf := make([]byte, qemuCPUStateSize)
	copy(buf, desc)
	st := &qemuCPUState{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, st); err != nil {
		return nil, fmt.Errorf("reading QEMUCPUState: %v", err)
	}
	return st, nil
}

// registers converts the user visible state of a NT_PRSTATUS note.
func (st *prStatus) registers() *amd64.Registers {
	g := &st.Reg
	return &amd64.Registers{
		Rax: g.Rax, Rbx: g.Rbx, Rcx: g.Rcx, Rdx: g.Rdx,
		Rsi: g.Rsi, Rdi: g.Rdi, Rsp: g.Rsp, Rbp: g.Rbp,
		R8: g.R8, R9: g.R9, R10: g.R10, R11: g.R11,
		R12: g.R12, R13: g.R13, R14: g.R14, R15: g.R15,
		Rip:    g.Rip,
		Rflags: g.Eflags,
		Cs:     amd64.Segment{Selector: uint16(g.Cs)},
		Ss:     amd64.Segment{Selector: uint16(g.Ss)},
		Ds:     amd64.Segment{Selector: uint16(g.Ds)},
		Es:     amd64.Segment{Selector: uint16(g.Es)},
		Fs:     amd64.Segment{Selector: uint16(g.Fs), Base: g.FsBase},
		Gs:     amd64.Segment{Selector: uint16(g.Gs), Base: g.GsBase},
	}
}

func segment(s qemuSegment) amd64.Segment {
	return amd64.Segment{Selector: uint16(s.Selector), Base: s.Base, Limit: s.Limit, Flags: s.Flags}
}

// registers converts a QEMUCPUState. It carries no EFER, a VCPU with
// paging and PAE enabled is assumed to run in long mode.
func (st *qemuCPUState) registers() *amd64.Registers {
	regs := &amd64.Registers{
		Rax: st.Rax, Rbx: st.Rbx, Rcx: st.Rcx, Rdx: st.Rdx,
		Rsi: st.Rsi, Rdi: st.Rdi, Rsp: st.Rsp, Rbp: st.Rbp,
		R8: st.R8, R9: st.R9, R10: st.R10, R11: st.R11,
		R12: st.R12, R13: st.R13, R14: st.R14, R15: st.R15,
		Rip:    st.Rip,
		Rflags: st.Rflags,

		Cs: segment(st.Cs), Ds: segment(st.Ds), Es: segment(st.Es),
		Fs: segment(st.Fs), Gs: segment(st.Gs), Ss: segment(st.Ss),
		Ldtr: segment(st.Ldt), Tr: segment(st.Tr),
		Gdtr:         amd64.DescriptorTable{Base: st.Gdt.Base, Limit: uint16(st.Gdt.Limit)},
		Idtr:         amd64.DescriptorTable{Base: st.Idt.Base, Limit: uint16(st.Idt.Limit)},
		KernelGsBase: st.KernelGsBase,

		Cr0: amd64.Cr0(st.Cr[0]),
		Cr2: amd64.Cr2(st.Cr[2]),
		Cr3: amd64.Cr3(st.Cr[3]),
		Cr4: amd64.Cr4(st.Cr[4]),
	}
	if regs.Cr0.Paging() && regs.Cr4.PAE() {
		regs.Efer = amd64.LongModeEfer
	}
	return regs
}

func encodeSegment(s amd64.Segment) qemuSegment {
	return qemuSegment{Selector: uint32(s.Selector), Limit: s.Limit, Flags: s.Flags, Base: s.Base}
}

// vcpuNotes returns the NT_PRSTATUS and QEMU notes describing regs.
func vcpuNotes(index int, regs *amd64.Registers) (prstatus, qemu elfwriter.Note) {
	st := prStatus{
		Pid: int32(index + 1),
		Reg: userRegs{
			R15: regs.R15, R14: regs.R14, R13: regs.R13, R12: regs.R12,
			Rbp: regs.Rbp, Rbx: regs.Rbx, R11: regs.R11, R10: regs.R10,
			R9: regs.R9, R8: regs.R8, Rax: regs.Rax, Rcx: regs.Rcx,
			Rdx: regs.Rdx, Rsi: regs.Rsi, Rdi: regs.Rdi,
			OrigRax: ^uint64(0),
			Rip:     regs.Rip,
			Cs:      uint64(regs.Cs.Selector),
			Eflags:  regs.Rflags,
			Rsp:     regs.Rsp,
			Ss:      uint64(regs.Ss.Selector),
			FsBase:  regs.Fs.Base,
			GsBase:  regs.Gs.Base,
			Ds:      uint64(regs.Ds.Selector),
			Es:      uint64(regs.Es.Selector),
			Fs:      uint64(regs.Fs.Selector),
			Gs:      uint64(regs.Gs.Selector),
		},
	}
	cpu := qemuCPUState{
		Version: qemuCPUStateVersion,
		Size:    qemuCPUStateSize,
		Rax:     regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rsp: regs.Rsp, Rbp: regs.Rbp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip:    regs.Rip,
		Rflags: regs.Rflags,
		Cs:     encodeSegment(regs.Cs), Ds: encodeSegment(regs.Ds), Es: encodeSegment(regs.Es),
		Fs: encodeSegment(regs.Fs), Gs: encodeSegment(regs.Gs), Ss: encodeSegment(regs.Ss),
		Ldt: encodeSegment(regs.Ldtr), Tr: encodeSegment(regs.Tr),
		Gdt:          qemuSegment{Base: regs.Gdtr.Base, Limit: uint32(regs.Gdtr.Limit)},
		Idt:          qemuSegment{Base: regs.Idtr.Base, Limit: uint32(regs.Idtr.Limit)},
		Cr:           [5]uint64{uint64(regs.Cr0), 0, uint64(regs.Cr2), uint64(regs.Cr3), uint64(regs.Cr4)},
		KernelGsBase: regs.KernelGsBase,
	}
	var a, b bytes.Buffer
	binary.Write(&a, binary.LittleEndian, &st)
	binary.Write(&b, binary.LittleEndian, &cpu)
	return elfwriter.Note{Type: elf.NT_PRSTATUS, Name: elfwriter.CoreNoteName, Data: a.Bytes()},
		elfwriter.Note{Type: elfwriter.QEMUCPUStateNoteType, Name: elfwriter.QEMUNoteName, Data: b.Bytes()}
}
