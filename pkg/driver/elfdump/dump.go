package elfdump

import (
	"debug/elf"
	"fmt"
	"sync"

	"github.com/go-delve/vmi/pkg/elfwriter"
	"github.com/go-delve/vmi/pkg/version"
	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

// DumpState represents the current state of a dump in progress.
type DumpState struct {
	Mutex sync.Mutex

	Dumping  bool
	AllDone  bool
	Canceled bool
	DoneChan chan struct{}

	VcpusDone, VcpusTotal   int
	FramesDone, FramesTotal uint64

	Err error
}

func (state *DumpState) setErr(err error) {
	if err == nil {
		return
	}
	state.Mutex.Lock()
	if state.Err == nil {
		state.Err = err
	}
	state.Mutex.Unlock()
}

func (state *DumpState) setTotals(vcpus int, frames uint64) {
	state.Mutex.Lock()
	state.VcpusTotal, state.VcpusDone = vcpus, 0
	state.FramesTotal, state.FramesDone = frames, 0
	state.Mutex.Unlock()
}

func (state *DumpState) vcpuDone() {
	state.Mutex.Lock()
	state.VcpusDone++
	state.Mutex.Unlock()
}

func (state *DumpState) frameDone() {
	state.Mutex.Lock()
	state.FramesDone++
	state.Mutex.Unlock()
}

func (state *DumpState) isCanceled() bool {
	state.Mutex.Lock()
	defer state.Mutex.Unlock()
	return state.Canceled
}

// WriteDump writes a dump of the guest served by s to out and closes out.
func WriteDump(out elfwriter.WriteCloserSeeker, s *vmi.Session) error {
	state := &DumpState{Dumping: true}
	Dump(out, s, state)
	return state.Err
}

// Dump writes a dump of the guest served by s to out, in the format
// written by QEMU. Every readable frame of the default view is written,
// runs of contiguous frames share a PT_LOAD segment. The guest is paused
// while it is dumped. State is updated as the dump is written, out is
// closed when Dump returns.
func Dump(out elfwriter.WriteCloserSeeker, s *vmi.Session, state *DumpState) {
	defer func() {
		state.Mutex.Lock()
		err := out.Close()
		if state.Err == nil && err != nil {
			state.Err = fmt.Errorf("error writing output file: %v", err)
		}
		state.Dumping = false
		state.Mutex.Unlock()
		if state.DoneChan != nil {
			close(state.DoneChan)
		}
	}()

	guard, err := s.Pause()
	if err != nil {
		state.setErr(err)
		return
	}
	defer func() { state.setErr(guard.Release()) }()

	info := s.Info()
	state.setTotals(int(info.Vcpus), uint64(info.MaxGFN)+1)

	var fhdr elf.FileHeader
	fhdr.Class = elf.ELFCLASS64
	fhdr.Data = elf.ELFDATA2LSB
	fhdr.Version = elf.EV_CURRENT
	fhdr.Type = elf.ET_CORE
	fhdr.Machine = elf.EM_X86_64

	w := elfwriter.New(out, &fhdr)

	notes := []elfwriter.Note{{
		Type: elfwriter.VMIHeaderNoteType,
		Name: elfwriter.VMINoteName,
		Data: []byte(fmt.Sprintf("%s\nvmi %s\nvcpus: %d\n", s.Arch().Name(), version.VMIVersion.Short(), info.Vcpus)),
	}}
	var prstatus, qemu []elfwriter.Note
	for i := 0; i < int(info.Vcpus); i++ {
		if state.isCanceled() {
			return
		}
		st, err := s.State(vmi.VcpuID(i), vmi.DefaultView)
		if err != nil {
			state.setErr(err)
			return
		}
		regs, err := st.Registers()
		if err != nil {
			state.setErr(err)
			return
		}
		r, ok := regs.(*amd64.Registers)
		if !ok {
			state.setErr(fmt.Errorf("dumping %T registers: %w", regs, vmi.ErrNotSupported))
			return
		}
		p, q := vcpuNotes(i, r)
		prstatus = append(prstatus, p)
		qemu = append(qemu, q)
		state.vcpuDone()
	}
	notes = append(notes, prstatus...)
	notes = append(notes, qemu...)

	st, err := s.State(0, vmi.DefaultView)
	if err != nil {
		state.setErr(err)
		return
	}
	dumpMemory(state, w, st, info)
	if state.isCanceled() {
		return
	}

	notesProg := w.WriteNotes(notes)
	w.Progs = append(w.Progs, notesProg)
	w.WriteProgramHeaders()
	if w.Err != nil {
		state.setErr(fmt.Errorf("error writing to output file: %v", w.Err))
	}
	state.Mutex.Lock()
	state.AllDone = true
	state.Mutex.Unlock()
}

// dumpMemory writes every readable frame up to info.MaxGFN. Frames that
// can not be read are left out of the dump.
func dumpMemory(state *DumpState, w *elfwriter.Writer, st vmi.State, info vmi.Info) {
	page := make([]byte, info.PageSize)
	var cur *elf.ProgHeader
	for gfn := vmi.GFN(0); gfn <= info.MaxGFN; gfn++ {
		if w.Err != nil {
			state.setErr(fmt.Errorf("error writing to output file: %v", w.Err))
			return
		}
		if state.isCanceled() {
			return
		}
		pa := vmi.PA(uint64(gfn) << info.PageShift)
		if err := st.ReadPhysical(pa, page); err != nil {
			cur = nil
			state.frameDone()
			continue
		}
		if cur == nil {
			cur = &elf.ProgHeader{
				Type:  elf.PT_LOAD,
				Off:   uint64(w.Here()),
				Paddr: uint64(pa),
			}
			w.Progs = append(w.Progs, cur)
		}
		w.Write(page)
		cur.Filesz += info.PageSize
		cur.Memsz += info.PageSize
		state.frameDone()
	}
}
