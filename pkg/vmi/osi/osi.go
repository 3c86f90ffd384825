// Package osi layers operating system semantics (processes, threads,
// address space regions, handles) on top of the generic introspection
// session. Kernel structure layouts come from an offsets profile, OS
// specific walks are implemented by plugins such as osi/linux and
// osi/windows.
package osi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
)

// ProcessID is the OS identifier of a process.
type ProcessID uint32

// ThreadID is the OS identifier of a thread.
type ThreadID uint32

// ProcessObject is the address of the kernel structure describing a
// process (task_struct, _EPROCESS).
type ProcessObject vmi.VA

// ThreadObject is the address of the kernel structure describing a
// thread (task_struct, _ETHREAD).
type ThreadObject vmi.VA

func (p ProcessObject) String() string { return vmi.VA(p).String() }

func (t ThreadObject) String() string { return vmi.VA(t).String() }

// Process is a process of the guest.
type Process struct {
	ID     ProcessID
	Object ProcessObject
	Name   string
	// Root is the translation root of the process address space, zero for
	// processes without a user address space.
	Root vmi.PA
}

// Thread is a thread of the guest. Its properties are read from guest
// memory when asked for and can fail independently.
type Thread interface {
	ID() (ThreadID, error)
	Object() (ThreadObject, error)
}

// Region is a mapped range of a process address space (a Linux VMA or a
// Windows VAD).
type Region struct {
	Start, End vmi.VA
	Access     vmi.Access
	// Object is the address of the kernel structure describing the region.
	Object vmi.VA
}

func (r Region) String() string {
	var prot strings.Builder
	for _, c := range []struct {
		a vmi.Access
		b byte
	}{{vmi.AccessRead, 'r'}, {vmi.AccessWrite, 'w'}, {vmi.AccessExec, 'x'}} {
		if r.Access&c.a != 0 {
			prot.WriteByte(c.b)
		} else {
			prot.WriteByte('-')
		}
	}
	return fmt.Sprintf("%s-%s %s", r.Start, r.End, prot.String())
}

// Handle is an open handle of a process.
type Handle = iter.HandleEntry

type (
	// ProcessIterator iterates over the processes of the guest.
	ProcessIterator = iter.Iterator[Process]
	// ThreadIterator iterates over the threads of a process.
	ThreadIterator = iter.Iterator[Thread]
	// RegionIterator iterates over the regions of a process address space.
	RegionIterator = iter.Iterator[Region]
	// HandleIterator iterates over the handles of a process.
	HandleIterator = iter.Iterator[Handle]
)

// OS is implemented by every OS plugin.
type OS interface {
	Name() string
	Processes(ctx *Context) (ProcessIterator, error)
	Threads(ctx *Context, p Process) (ThreadIterator, error)
	// ProcessContext returns a context translating through the address
	// space of process pid.
	ProcessContext(ctx *Context, pid ProcessID) (*Context, error)
	Regions(ctx *Context, p Process) (RegionIterator, error)
}

// HandleLister is implemented by plugins of OSes with handle tables.
type HandleLister interface {
	Handles(ctx *Context, p Process) (HandleIterator, error)
}

// ErrNoProcess is returned when a process ID does not match any process.
var ErrNoProcess = errors.New("no such process")

// FindProcess walks the process list of os looking for pid. Per-process
// errors are skipped.
func FindProcess(ctx *Context, os OS, pid ProcessID) (Process, error) {
	it, err := os.Processes(ctx)
	if err != nil {
		return Process{}, err
	}
	for {
		p, err := it.Next()
		if err == iter.Done {
			return Process{}, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
		}
		if err != nil {
			continue
		}
		if p.ID == pid {
			return p, nil
		}
	}
}

// ProcessContext returns ctx translating through the root of p. Processes
// without a root of their own use the context unchanged.
func ProcessContext(ctx *Context, p Process) *Context {
	if p.Root == 0 {
		return ctx
	}
	return ctx.WithRoot(p.Root)
}
