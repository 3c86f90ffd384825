// Package linux implements the osi.OS interface for Linux guests.
package linux

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/osi"
)

const (
	commLen = 16

	vmRead  = 0x1
	vmWrite = 0x2
	vmExec  = 0x4
)

// OS is the Linux plugin. Its layout is resolved from the offsets profile
// when it is created.
type OS struct {
	initTask uint64

	tasks, pid, tgid, comm, mm vmi.Field

	// Threads are linked either through signal_struct.thread_head or, on
	// kernels before 6.7, through task_struct.thread_group.
	signal, threadHead, threadNode vmi.Field
	threadGroup                    vmi.Field
	useThreadHead                  bool

	pgd, mmMt vmi.Field

	// pageOffsetBase is the kernel relative address of the variable
	// holding the base of the direct map (__PAGE_OFFSET).
	pageOffsetBase    uint64
	hasPageOffsetBase bool

	vmStart, vmEnd, vmFlags vmi.Field

	maple iter.MapleLayout

	log logflags.Logger
}

// New resolves the layout of the Linux plugin from o.
func New(o *osi.Offsets) (*OS, error) {
	r := osi.NewResolver(o)
	os := &OS{
		initTask: r.Symbol("init_task"),
		tasks:    r.Field("task_struct", "tasks"),
		pid:      r.Field("task_struct", "pid"),
		tgid:     r.Field("task_struct", "tgid"),
		comm:     r.Field("task_struct", "comm"),
		mm:       r.Field("task_struct", "mm"),
		pgd:      r.Field("mm_struct", "pgd"),
		mmMt:     r.Field("mm_struct", "mm_mt"),
		vmStart:  r.Field("vm_area_struct", "vm_start"),
		vmEnd:    r.Field("vm_area_struct", "vm_end"),
		vmFlags:  r.Field("vm_area_struct", "vm_flags"),
		maple:    iter.DefaultMapleLayout,
		log:      logflags.OSLogger("linux"),
	}
	var ok bool
	if os.threadHead, ok = r.OptionalField("signal_struct", "thread_head"); ok {
		os.signal = r.Field("task_struct", "signal")
		os.threadNode = r.Field("task_struct", "thread_node")
		os.useThreadHead = true
	} else {
		os.threadGroup = r.Field("task_struct", "thread_group")
	}
	if v, err := o.Symbol("page_offset_base"); err == nil {
		os.pageOffsetBase, os.hasPageOffsetBase = v, true
	}
	if f, ok := r.OptionalField("maple_tree", "ma_root"); ok {
		os.maple.Root = f.Offset
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("linux: %w", err)
	}
	return os, nil
}

var _ osi.OS = (*OS)(nil)

// Name returns "linux".
func (os *OS) Name() string { return "linux" }

func (os *OS) initTaskAddr(ctx *osi.Context) vmi.VA {
	return ctx.OSSession().KernelBase + vmi.VA(os.initTask)
}

// Processes returns the thread group leaders, starting with init_task.
func (os *OS) Processes(ctx *osi.Context) (osi.ProcessIterator, error) {
	initTask := os.initTaskAddr(ctx)
	return &processIterator{
		os:   os,
		ctx:  ctx,
		init: initTask,
		list: iter.NewList(ctx.Context, initTask+vmi.VA(os.tasks.Offset), 0, ctx.Limits()),
	}, nil
}

type processIterator struct {
	os      *OS
	ctx     *osi.Context
	init    vmi.VA
	started bool
	list    *iter.List
}

func (it *processIterator) Next() (osi.Process, error) {
	if !it.started {
		it.started = true
		return it.os.process(it.ctx, it.init)
	}
	e, err := it.list.Next()
	if err != nil {
		return osi.Process{}, err
	}
	return it.os.process(it.ctx, iter.Container(e, it.os.tasks.Offset))
}

// process decodes the task_struct at task as a process.
func (os *OS) process(ctx *osi.Context, task vmi.VA) (osi.Process, error) {
	p := osi.Process{Object: osi.ProcessObject(task)}
	tgid, err := ctx.ReadField(task, os.tgid)
	if err != nil {
		return p, fmt.Errorf("task_struct at %s: %w", task, err)
	}
	p.ID = osi.ProcessID(tgid)
	p.Name, err = ctx.ReadStringN(task+vmi.VA(os.comm.Offset), commLen)
	if err != nil {
		return p, fmt.Errorf("task_struct at %s: comm: %w", task, err)
	}
	p.Root, err = os.root(ctx, task)
	if err != nil {
		return p, fmt.Errorf("task_struct at %s: %w", task, err)
	}
	os.log.Debugf("task %s pid %d %q root %s", task, p.ID, p.Name, p.Root)
	return p, nil
}

// root returns the translation root of task: the physical address of
// mm->pgd, or 0 for kernel threads.
func (os *OS) root(ctx *osi.Context, task vmi.VA) (vmi.PA, error) {
	mm, err := ctx.ReadFieldVA(task, os.mm)
	if err != nil {
		return 0, fmt.Errorf("mm: %w", err)
	}
	if mm == 0 {
		return 0, nil
	}
	pgd, err := ctx.ReadFieldVA(mm, os.pgd)
	if err != nil {
		return 0, fmt.Errorf("mm->pgd: %w", err)
	}
	if pgd == 0 {
		return 0, &vmi.CorruptionError{Addr: mm, What: "mm_struct with a NULL pgd"}
	}
	if os.hasPageOffsetBase {
		base, err := ctx.ReadU64(ctx.OSSession().KernelBase + vmi.VA(os.pageOffsetBase))
		if err != nil {
			return 0, fmt.Errorf("page_offset_base: %w", err)
		}
		if uint64(pgd) < base {
			return 0, &vmi.CorruptionError{Addr: mm, What: fmt.Sprintf("pgd %s below page_offset_base %#x", pgd, base)}
		}
		return vmi.PA(uint64(pgd) - base), nil
	}
	// Without page_offset_base the directory is translated like any other
	// kernel address, which needs the direct map in the current root.
	pa, err := ctx.Translate(pgd)
	if err != nil {
		return 0, fmt.Errorf("mm->pgd: %w", err)
	}
	return pa, nil
}

// Threads returns the tasks of the thread group of p.
func (os *OS) Threads(ctx *osi.Context, p osi.Process) (osi.ThreadIterator, error) {
	task := vmi.VA(p.Object)
	if os.useThreadHead {
		signal, err := ctx.ReadFieldVA(task, os.signal)
		if err != nil {
			return nil, fmt.Errorf("task_struct at %s: signal: %w", task, err)
		}
		if signal == 0 {
			return nil, &vmi.CorruptionError{Addr: task, What: "task_struct with a NULL signal"}
		}
		return &threadIterator{
			os:     os,
			ctx:    ctx,
			offset: os.threadNode.Offset,
			list:   iter.NewList(ctx.Context, signal+vmi.VA(os.threadHead.Offset), 0, ctx.Limits()),
		}, nil
	}
	// thread_group has no separate head, the leader is part of the ring.
	return &threadIterator{
		os:     os,
		ctx:    ctx,
		offset: os.threadGroup.Offset,
		leader: task,
		list:   iter.NewList(ctx.Context, task+vmi.VA(os.threadGroup.Offset), 0, ctx.Limits()),
	}, nil
}

type threadIterator struct {
	os     *OS
	ctx    *osi.Context
	offset uint64
	leader vmi.VA
	list   *iter.List
}

func (it *threadIterator) Next() (osi.Thread, error) {
	if it.leader != 0 {
		t := &Thread{os: it.os, ctx: it.ctx, task: it.leader}
		it.leader = 0
		return t, nil
	}
	e, err := it.list.Next()
	if err != nil {
		return nil, err
	}
	return &Thread{os: it.os, ctx: it.ctx, task: iter.Container(e, it.offset)}, nil
}

// Thread is a Linux task.
type Thread struct {
	os   *OS
	ctx  *osi.Context
	task vmi.VA
}

// ID returns task_struct.pid.
func (t *Thread) ID() (osi.ThreadID, error) {
	pid, err := t.ctx.ReadField(t.task, t.os.pid)
	if err != nil {
		return 0, fmt.Errorf("task_struct at %s: pid: %w", t.task, err)
	}
	return osi.ThreadID(pid), nil
}

// Object returns the address of the task_struct.
func (t *Thread) Object() (osi.ThreadObject, error) {
	return osi.ThreadObject(t.task), nil
}

// ProcessContext returns a context on the address space of process pid.
func (os *OS) ProcessContext(ctx *osi.Context, pid osi.ProcessID) (*osi.Context, error) {
	p, err := osi.FindProcess(ctx, os, pid)
	if err != nil {
		return nil, err
	}
	return osi.ProcessContext(ctx, p), nil
}

// Regions returns the VMAs of p in address order. Kernel threads have none.
func (os *OS) Regions(ctx *osi.Context, p osi.Process) (osi.RegionIterator, error) {
	task := vmi.VA(p.Object)
	mm, err := ctx.ReadFieldVA(task, os.mm)
	if err != nil {
		return nil, fmt.Errorf("task_struct at %s: mm: %w", task, err)
	}
	it := &regionIterator{os: os, ctx: ctx}
	if mm != 0 {
		it.tree = iter.NewMaple(ctx.Context, mm+vmi.VA(os.mmMt.Offset), os.maple, ctx.Limits())
	}
	return it, nil
}

type regionIterator struct {
	os   *OS
	ctx  *osi.Context
	tree *iter.Maple
}

func (it *regionIterator) Next() (osi.Region, error) {
	if it.tree == nil {
		return osi.Region{}, iter.Done
	}
	e, err := it.tree.Next()
	if err != nil {
		return osi.Region{}, err
	}
	return it.os.region(it.ctx, e.Value)
}

func (os *OS) region(ctx *osi.Context, vma vmi.VA) (osi.Region, error) {
	r := osi.Region{Object: vma}
	start, err := ctx.ReadField(vma, os.vmStart)
	if err != nil {
		return r, fmt.Errorf("vm_area_struct at %s: %w", vma, err)
	}
	end, err := ctx.ReadField(vma, os.vmEnd)
	if err != nil {
		return r, fmt.Errorf("vm_area_struct at %s: %w", vma, err)
	}
	if end < start {
		return r, &vmi.CorruptionError{Addr: vma, What: fmt.Sprintf("vma end %#x before start %#x", end, start)}
	}
	flags, err := ctx.ReadField(vma, os.vmFlags)
	if err != nil {
		return r, fmt.Errorf("vm_area_struct at %s: %w", vma, err)
	}
	r.Start, r.End = vmi.VA(start), vmi.VA(end)
	if flags&vmRead != 0 {
		r.Access |= vmi.AccessRead
	}
	if flags&vmWrite != 0 {
		r.Access |= vmi.AccessWrite
	}
	if flags&vmExec != 0 {
		r.Access |= vmi.AccessExec
	}
	return r, nil
}
