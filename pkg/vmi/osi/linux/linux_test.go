package linux_test

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/osi"
	"github.com/go-delve/vmi/pkg/vmi/osi/linux"
	"github.com/go-delve/vmi/pkg/vmi/vmitest"
)

const (
	kernelBase = 0xffffffff81000000
	unmapped   = 0xffffffff90000000

	taskInit  = kernelBase + 0x10000
	taskBase  = kernelBase + 0x11000
	taskSize  = 0x200
	signal100 = kernelBase + 0x13000
	mm1       = kernelBase + 0x14000
	mm100     = kernelBase + 0x15000
	pgd1      = kernelBase + 0x16000
	pgd100    = kernelBase + 0x17000
	mapleNode = kernelBase + 0x18000
	vmaBase   = kernelBase + 0x19000
)

const profileTemplate = `
[symbols]
init_task = 0x10000

[structs.task_struct]
size = 0x200
[structs.task_struct.fields]
tasks = { offset = 0x10, size = 16 }
pid = { offset = 0x20, size = 4 }
tgid = { offset = 0x24, size = 4 }
comm = { offset = 0x30, size = 16 }
mm = { offset = 0x40, size = 8 }
%s

[structs.mm_struct]
size = 0x100
[structs.mm_struct.fields]
mm_mt = { offset = 0x40, size = 16 }
pgd = { offset = 0x80, size = 8 }

[structs.vm_area_struct]
size = 0x40
[structs.vm_area_struct.fields]
vm_start = { offset = 0, size = 8 }
vm_end = { offset = 8, size = 8 }
vm_flags = { offset = 0x20, size = 8 }

[structs.maple_tree]
size = 16
[structs.maple_tree.fields]
ma_root = { offset = 8, size = 8 }
%s
`

const (
	threadHeadFields = `signal = { offset = 0x48, size = 8 }
thread_node = { offset = 0x50, size = 16 }`
	signalStruct = `
[structs.signal_struct]
size = 0x40
[structs.signal_struct.fields]
thread_head = { offset = 0x10, size = 16 }`
	threadGroupFields = `thread_group = { offset = 0x60, size = 16 }`
)

func task(i int) vmi.VA { return taskBase + vmi.VA(i*taskSize) }

// ring links list entries into a circular doubly linked list.
func ring(g *vmitest.Guest, entries ...vmi.VA) {
	for i, e := range entries {
		g.WriteU64(e, uint64(entries[(i+1)%len(entries)]))
		g.WriteU64(e+8, uint64(entries[(i+len(entries)-1)%len(entries)]))
	}
}

type linuxGuest struct {
	*vmitest.Guest
	ctx        *osi.Context
	os         *linux.OS
	root1      vmi.PA
	root100    vmi.PA
	threadHead bool
	profile    string
}

func writeTask(g *vmitest.Guest, at vmi.VA, pid, tgid uint32, comm string, mm vmi.VA) {
	g.Write(at, make([]byte, taskSize))
	g.WriteU32(at+0x20, pid)
	g.WriteU32(at+0x24, tgid)
	g.Write(at+0x30, []byte(comm+"\x00"))
	g.WriteU64(at+0x40, uint64(mm))
}

// newLinuxGuest builds swapper (pid 0), init (pid 1) and a process with
// pid 100 and a second thread 101.
func newLinuxGuest(t *testing.T, threadHead bool) *linuxGuest {
	g := &linuxGuest{Guest: vmitest.NewGuest(t, 1), threadHead: threadHead}

	writeTask(g.Guest, taskInit, 0, 0, "swapper/0", 0)
	writeTask(g.Guest, task(0), 1, 1, "init", mm1)
	writeTask(g.Guest, task(1), 100, 100, "bash", mm100)
	writeTask(g.Guest, task(2), 101, 100, "bash", mm100)
	ring(g.Guest, taskInit+0x10, task(0)+0x10, task(1)+0x10)

	for _, mm := range []vmi.VA{mm1, mm100} {
		g.Write(mm, make([]byte, 0x100))
	}
	g.WriteU64(mm1+0x80, pgd1)
	g.WriteU64(mm100+0x80, pgd100)
	g.root1 = vmi.PA(uint64(g.MapPage(pgd1)) << 12)
	g.root100 = vmi.PA(uint64(g.MapPage(pgd100)) << 12)

	var profile string
	if threadHead {
		profile = fmt.Sprintf(profileTemplate, threadHeadFields, signalStruct)
		g.Write(signal100, make([]byte, 0x40))
		g.WriteU64(task(1)+0x48, signal100)
		g.WriteU64(task(2)+0x48, signal100)
		ring(g.Guest, signal100+0x10, task(1)+0x50, task(2)+0x50)
	} else {
		profile = fmt.Sprintf(profileTemplate, threadGroupFields, "")
		ring(g.Guest, task(1)+0x60, task(2)+0x60)
	}

	// init maps 0x400000-0x401000 r-x and 0x600000-0x602000 rw-.
	g.Write(mapleNode, make([]byte, 256))
	for i, p := range []uint64{0x3fffff, 0x400fff, 0x5fffff, 0x601fff, math.MaxUint64} {
		g.WriteU64(mapleNode+8+vmi.VA(i*8), p)
	}
	g.WriteU64(mapleNode+128+8, vmaBase)
	g.WriteU64(mapleNode+128+24, vmaBase+0x40)
	g.WriteU64(mm1+0x40+8, uint64(mapleNode)|1<<3|2)
	for i, vma := range []struct{ start, end, flags uint64 }{{0x400000, 0x401000, 0x5}, {0x600000, 0x602000, 0x3}} {
		at := vmaBase + vmi.VA(i*0x40)
		g.WriteU64(at, vma.start)
		g.WriteU64(at+8, vma.end)
		g.WriteU64(at+0x20, vma.flags)
	}

	g.profile = profile
	g.load(t, profile)
	return g
}

// load instantiates the plugin from profile.
func (g *linuxGuest) load(t *testing.T, profile string) {
	o, err := osi.ParseOffsets([]byte(profile))
	if err != nil {
		t.Fatal(err)
	}
	g.os, err = linux.New(o)
	if err != nil {
		t.Fatal(err)
	}
	st, err := osi.NewSession(g.Session, o, g.os, kernelBase).StateForVcpu(0)
	if err != nil {
		t.Fatal(err)
	}
	g.ctx = st.Context()
}

func (g *linuxGuest) processes(t *testing.T) ([]osi.Process, []error) {
	it, err := g.os.Processes(g.ctx)
	if err != nil {
		t.Fatal(err)
	}
	return iter.Collect[osi.Process](it)
}

func TestProcesses(t *testing.T) {
	g := newLinuxGuest(t, true)
	procs, errs := g.processes(t)
	if len(errs) != 0 {
		t.Errorf("errors: %v", errs)
	}
	want := []osi.Process{
		{ID: 0, Object: taskInit, Name: "swapper/0"},
		{ID: 1, Object: osi.ProcessObject(task(0)), Name: "init", Root: g.root1},
		{ID: 100, Object: osi.ProcessObject(task(1)), Name: "bash", Root: g.root100},
	}
	if diff := cmp.Diff(want, procs); diff != "" {
		t.Errorf("processes mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessError(t *testing.T) {
	g := newLinuxGuest(t, true)
	g.WriteU64(task(0)+0x40, unmapped)
	procs, errs := g.processes(t)
	if len(procs) != 2 || procs[1].ID != 100 {
		t.Errorf("processes = %v; want swapper and bash", procs)
	}
	if len(errs) != 1 || !vmi.IsTranslationError(errs[0]) {
		t.Errorf("errors = %v; want one translation error", errs)
	}
}

func TestProcessRootFromPageOffset(t *testing.T) {
	const pageOffset = 0xffff888000000000
	g := newLinuxGuest(t, true)
	g.load(t, strings.Replace(g.profile, "[symbols]\n", "[symbols]\npage_offset_base = 0x1f000\n", 1))
	g.WriteU64(kernelBase+0x1f000, pageOffset)

	// The directories live in the direct map, which the current root
	// does not map.
	g.WriteU64(mm1+0x80, pageOffset+0x123000)
	g.WriteU64(mm100+0x80, pageOffset+0x456000)
	if _, err := g.ctx.Translate(pageOffset + 0x123000); !vmi.IsTranslationError(err) {
		t.Fatalf("direct map translates: %v", err)
	}

	procs, errs := g.processes(t)
	if len(errs) != 0 {
		t.Errorf("errors: %v", errs)
	}
	var roots []vmi.PA
	for _, p := range procs {
		roots = append(roots, p.Root)
	}
	if diff := cmp.Diff([]vmi.PA{0, 0x123000, 0x456000}, roots); diff != "" {
		t.Errorf("roots mismatch (-want +got):\n%s", diff)
	}

	g.WriteU64(mm100+0x80, 0x1000)
	_, errs = g.processes(t)
	var cerr *vmi.CorruptionError
	if len(errs) != 1 || !errors.As(errs[0], &cerr) {
		t.Errorf("errors with a pgd below page_offset_base = %v; want one corruption error", errs)
	}
}

func threadIDs(t *testing.T, g *linuxGuest, p osi.Process) []osi.ThreadID {
	it, err := g.os.Threads(g.ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	threads, errs := iter.Collect[osi.Thread](it)
	if len(errs) != 0 {
		t.Errorf("errors: %v", errs)
	}
	var ids []osi.ThreadID
	for _, th := range threads {
		id, err := th.ID()
		if err != nil {
			t.Error(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestThreads(t *testing.T) {
	for _, threadHead := range []bool{true, false} {
		g := newLinuxGuest(t, threadHead)
		p := osi.Process{ID: 100, Object: osi.ProcessObject(task(1))}
		if diff := cmp.Diff([]osi.ThreadID{100, 101}, threadIDs(t, g, p)); diff != "" {
			t.Errorf("thread_head=%v: thread ids mismatch (-want +got):\n%s", threadHead, diff)
		}
	}
}

func TestThreadObject(t *testing.T) {
	g := newLinuxGuest(t, true)
	it, err := g.os.Threads(g.ctx, osi.Process{Object: osi.ProcessObject(task(1))})
	if err != nil {
		t.Fatal(err)
	}
	th, err := it.Next()
	if err != nil {
		t.Fatal(err)
	}
	obj, err := th.Object()
	if err != nil || obj != osi.ThreadObject(task(1)) {
		t.Errorf("Object() = %s, %v; want %s", obj, err, task(1))
	}
}

func TestProcessContext(t *testing.T) {
	g := newLinuxGuest(t, true)
	ctx, err := g.os.ProcessContext(g.ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if root, _ := ctx.Root(); root != g.root100 {
		t.Errorf("root = %s; want %s", root, g.root100)
	}
	if _, err := g.os.ProcessContext(g.ctx, 999); !errors.Is(err, osi.ErrNoProcess) {
		t.Errorf("ProcessContext(999) = %v; want ErrNoProcess", err)
	}
}

func TestRegions(t *testing.T) {
	g := newLinuxGuest(t, true)
	it, err := g.os.Regions(g.ctx, osi.Process{Object: osi.ProcessObject(task(0))})
	if err != nil {
		t.Fatal(err)
	}
	regions, errs := iter.Collect[osi.Region](it)
	if len(errs) != 0 {
		t.Errorf("errors: %v", errs)
	}
	want := []osi.Region{
		{Start: 0x400000, End: 0x401000, Access: vmi.AccessRead | vmi.AccessExec, Object: vmaBase},
		{Start: 0x600000, End: 0x602000, Access: vmi.AccessRead | vmi.AccessWrite, Object: vmaBase + 0x40},
	}
	if diff := cmp.Diff(want, regions); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	if s := regions[0].String(); s != "0x00000000400000-0x00000000401000 r-x" {
		t.Errorf("String() = %q", s)
	}

	it, err = g.os.Regions(g.ctx, osi.Process{Object: taskInit})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(); err != iter.Done {
		t.Errorf("kernel thread has regions: %v", err)
	}
}

func TestNewMissingOffsets(t *testing.T) {
	o, err := osi.ParseOffsets([]byte("[symbols]\ninit_task = 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	var merr *osi.MissingOffsetError
	if _, err := linux.New(o); !errors.As(err, &merr) {
		t.Errorf("New = %v; want a *MissingOffsetError", err)
	}
}
