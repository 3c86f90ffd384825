// Package windows implements the osi.OS interface for 64 bit Windows
// guests.
package windows

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/osi"
)

const (
	imageFileNameLen = 15
	pageShift        = 12
	// dtbMask clears the PCID bits and the no-flush bit of
	// DirectoryTableBase.
	dtbMask = ^uint64(0xfff) &^ (1 << 63)
)

// OS is the Windows plugin.
type OS struct {
	activeProcessHead uint64

	pid, activeProcessLinks, imageFileName, objectTable, vadRoot vmi.Field
	directoryTableBase                                           vmi.Field
	processThreadListHead, threadListEntry                       vmi.Field
	uniqueThread                                                 vmi.Field

	tableCode, nextHandleNeedingPool vmi.Field
	handles                          iter.HandleTableLayout

	startingVpn, endingVpn         vmi.Field
	startingVpnHigh, endingVpnHigh vmi.Field
	hasVpnHigh                     bool
	protection                     vmi.Field
	vadTree                        iter.TreeLayout

	log logflags.Logger
}

var _ osi.OS = (*OS)(nil)
var _ osi.HandleLister = (*OS)(nil)

// New resolves the layout of the Windows plugin from o.
func New(o *osi.Offsets) (*OS, error) {
	r := osi.NewResolver(o)
	os := &OS{
		activeProcessHead:     r.Symbol("PsActiveProcessHead"),
		pid:                   r.Field("_EPROCESS", "UniqueProcessId"),
		activeProcessLinks:    r.Field("_EPROCESS", "ActiveProcessLinks"),
		imageFileName:         r.Field("_EPROCESS", "ImageFileName"),
		objectTable:           r.Field("_EPROCESS", "ObjectTable"),
		vadRoot:               r.Field("_EPROCESS", "VadRoot"),
		processThreadListHead: r.Field("_EPROCESS", "ThreadListHead"),
		directoryTableBase:    r.Field("_KPROCESS", "DirectoryTableBase"),
		threadListEntry:       r.Field("_ETHREAD", "ThreadListEntry"),
		tableCode:             r.Field("_HANDLE_TABLE", "TableCode"),
		nextHandleNeedingPool: r.Field("_HANDLE_TABLE", "NextHandleNeedingPool"),
		startingVpn:           r.Field("_MMVAD_SHORT", "StartingVpn"),
		endingVpn:             r.Field("_MMVAD_SHORT", "EndingVpn"),
		handles:               iter.DefaultHandleTableLayout,
		vadTree:               iter.BalancedNodeLayout,
		log:                   logflags.OSLogger("windows"),
	}

	cid := r.Field("_ETHREAD", "Cid")
	os.uniqueThread = vmi.Field{Offset: cid.Offset + 8, Size: 8}
	if f, ok := r.OptionalField("_CLIENT_ID", "UniqueThread"); ok {
		os.uniqueThread = vmi.Field{Offset: cid.Offset + f.Offset, Size: f.Size}
	}

	var ok1, ok2 bool
	os.startingVpnHigh, ok1 = r.OptionalField("_MMVAD_SHORT", "StartingVpnHigh")
	os.endingVpnHigh, ok2 = r.OptionalField("_MMVAD_SHORT", "EndingVpnHigh")
	os.hasVpnHigh = ok1 && ok2

	flags := r.Field("_MMVAD_SHORT", "VadFlags")
	prot := r.Field("_MMVAD_FLAGS", "Protection")
	os.protection = vmi.Field{Offset: flags.Offset + prot.Offset, Size: prot.Size, BitPosition: prot.BitPosition, BitLength: prot.BitLength}

	if f, ok := r.OptionalField("_RTL_BALANCED_NODE", "Left"); ok {
		os.vadTree.Left = f.Offset
		os.vadTree.Right = r.Field("_RTL_BALANCED_NODE", "Right").Offset
		os.vadTree.Parent = r.Field("_RTL_BALANCED_NODE", "ParentValue").Offset
	}
	if f, ok := r.OptionalField("_OBJECT_HEADER", "Body"); ok {
		os.handles.ObjectHeaderBody = f.Offset
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("windows: %w", err)
	}
	return os, nil
}

// Name returns "windows".
func (os *OS) Name() string { return "windows" }

// Processes walks PsActiveProcessHead.
func (os *OS) Processes(ctx *osi.Context) (osi.ProcessIterator, error) {
	head := ctx.OSSession().KernelBase + vmi.VA(os.activeProcessHead)
	return &processIterator{
		os:   os,
		ctx:  ctx,
		list: iter.NewList(ctx.Context, head, 0, ctx.Limits()),
	}, nil
}

type processIterator struct {
	os   *OS
	ctx  *osi.Context
	list *iter.List
}

func (it *processIterator) Next() (osi.Process, error) {
	e, err := it.list.Next()
	if err != nil {
		return osi.Process{}, err
	}
	return it.os.process(it.ctx, iter.Container(e, it.os.activeProcessLinks.Offset))
}

func (os *OS) process(ctx *osi.Context, eprocess vmi.VA) (osi.Process, error) {
	p := osi.Process{Object: osi.ProcessObject(eprocess)}
	pid, err := ctx.ReadField(eprocess, os.pid)
	if err != nil {
		return p, fmt.Errorf("_EPROCESS at %s: UniqueProcessId: %w", eprocess, err)
	}
	p.ID = osi.ProcessID(pid)
	p.Name, err = ctx.ReadStringN(eprocess+vmi.VA(os.imageFileName.Offset), imageFileNameLen)
	if err != nil {
		return p, fmt.Errorf("_EPROCESS at %s: ImageFileName: %w", eprocess, err)
	}
	// _KPROCESS is the first member of _EPROCESS.
	dtb, err := ctx.ReadField(eprocess, os.directoryTableBase)
	if err != nil {
		return p, fmt.Errorf("_EPROCESS at %s: DirectoryTableBase: %w", eprocess, err)
	}
	p.Root = vmi.PA(dtb & dtbMask)
	os.log.Debugf("eprocess %s pid %d %q dtb %#x", eprocess, p.ID, p.Name, dtb)
	return p, nil
}

// Threads walks _EPROCESS.ThreadListHead.
func (os *OS) Threads(ctx *osi.Context, p osi.Process) (osi.ThreadIterator, error) {
	head := vmi.VA(p.Object) + vmi.VA(os.processThreadListHead.Offset)
	return &threadIterator{
		os:   os,
		ctx:  ctx,
		list: iter.NewList(ctx.Context, head, 0, ctx.Limits()),
	}, nil
}

type threadIterator struct {
	os   *OS
	ctx  *osi.Context
	list *iter.List
}

func (it *threadIterator) Next() (osi.Thread, error) {
	e, err := it.list.Next()
	if err != nil {
		return nil, err
	}
	return &Thread{os: it.os, ctx: it.ctx, ethread: iter.Container(e, it.os.threadListEntry.Offset)}, nil
}

// Thread is a Windows thread.
type Thread struct {
	os      *OS
	ctx     *osi.Context
	ethread vmi.VA
}

// ID returns _ETHREAD.Cid.UniqueThread.
func (t *Thread) ID() (osi.ThreadID, error) {
	tid, err := t.ctx.ReadField(t.ethread, t.os.uniqueThread)
	if err != nil {
		return 0, fmt.Errorf("_ETHREAD at %s: Cid.UniqueThread: %w", t.ethread, err)
	}
	return osi.ThreadID(tid), nil
}

// Object returns the address of the _ETHREAD.
func (t *Thread) Object() (osi.ThreadObject, error) {
	return osi.ThreadObject(t.ethread), nil
}

// ProcessContext returns a context on the address space of process pid.
func (os *OS) ProcessContext(ctx *osi.Context, pid osi.ProcessID) (*osi.Context, error) {
	p, err := osi.FindProcess(ctx, os, pid)
	if err != nil {
		return nil, err
	}
	return osi.ProcessContext(ctx, p), nil
}

// Handles walks the handle table of p. Processes without an object table
// have no handles.
func (os *OS) Handles(ctx *osi.Context, p osi.Process) (osi.HandleIterator, error) {
	eprocess := vmi.VA(p.Object)
	table, err := ctx.ReadFieldVA(eprocess, os.objectTable)
	if err != nil {
		return nil, fmt.Errorf("_EPROCESS at %s: ObjectTable: %w", eprocess, err)
	}
	if table == 0 {
		return emptyHandles{}, nil
	}
	tableCode, err := ctx.ReadField(table, os.tableCode)
	if err != nil {
		return nil, fmt.Errorf("_HANDLE_TABLE at %s: TableCode: %w", table, err)
	}
	next, err := ctx.ReadField(table, os.nextHandleNeedingPool)
	if err != nil {
		return nil, fmt.Errorf("_HANDLE_TABLE at %s: NextHandleNeedingPool: %w", table, err)
	}
	return iter.NewHandleTable(ctx.Context, os.handles, tableCode, next, ctx.Limits()), nil
}

type emptyHandles struct{}

func (emptyHandles) Next() (osi.Handle, error) { return osi.Handle{}, iter.Done }

// Regions walks the VAD tree of p in address order.
func (os *OS) Regions(ctx *osi.Context, p osi.Process) (osi.RegionIterator, error) {
	eprocess := vmi.VA(p.Object)
	// VadRoot is an _RTL_AVL_TREE, its first member is the root node.
	root, err := ctx.ReadFieldVA(eprocess, vmi.Field{Offset: os.vadRoot.Offset, Size: 8})
	if err != nil {
		return nil, fmt.Errorf("_EPROCESS at %s: VadRoot: %w", eprocess, err)
	}
	return &regionIterator{os: os, ctx: ctx, tree: iter.NewTree(ctx.Context, root, os.vadTree, ctx.Limits())}, nil
}

type regionIterator struct {
	os   *OS
	ctx  *osi.Context
	tree *iter.Tree
}

func (it *regionIterator) Next() (osi.Region, error) {
	node, err := it.tree.Next()
	if err != nil {
		return osi.Region{}, err
	}
	return it.os.region(it.ctx, node)
}

// mmProtect maps the MM_* protection index of a VAD to an access mask.
var mmProtect = [8]vmi.Access{
	0: 0,
	1: vmi.AccessRead,
	2: vmi.AccessExec,
	3: vmi.AccessRead | vmi.AccessExec,
	4: vmi.AccessRead | vmi.AccessWrite,
	5: vmi.AccessRead | vmi.AccessWrite,
	6: vmi.AccessRead | vmi.AccessWrite | vmi.AccessExec,
	7: vmi.AccessRead | vmi.AccessWrite | vmi.AccessExec,
}

func (os *OS) region(ctx *osi.Context, vad vmi.VA) (osi.Region, error) {
	r := osi.Region{Object: vad}
	var err error
	read := func(f vmi.Field) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = ctx.ReadField(vad, f)
		return v
	}
	start := read(os.startingVpn)
	end := read(os.endingVpn)
	if os.hasVpnHigh {
		start |= read(os.startingVpnHigh) << 32
		end |= read(os.endingVpnHigh) << 32
	}
	prot := read(os.protection)
	if err != nil {
		return r, fmt.Errorf("_MMVAD_SHORT at %s: %w", vad, err)
	}
	if end < start {
		return r, &vmi.CorruptionError{Addr: vad, What: fmt.Sprintf("VAD ending vpn %#x before starting vpn %#x", end, start)}
	}
	r.Start = vmi.VA(start << pageShift)
	r.End = vmi.VA((end + 1) << pageShift)
	r.Access = mmProtect[prot&7]
	return r, nil
}
