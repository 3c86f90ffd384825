// Package iter walks collections that live in guest memory: circular
// doubly linked lists, binary trees with parent links, Linux maple trees
// and Windows handle tables.
//
// Iterators are lazy and read guest memory only when Next is called. A
// failure to read or decode one element is returned by Next as an error
// for that element, the walk then either recovers or ends. Every walk is
// bounded by Limits, corrupted or cyclic structures can not make an
// iterator run forever. Iterators can not be restarted.
package iter

import (
	"errors"
	"fmt"

	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/vmi"
)

// Done is returned by Next when the walk has ended.
var Done = errors.New("no more elements")

// Iterator is implemented by every iterator of this package.
type Iterator[T any] interface {
	// Next returns the next element. It returns Done when the walk is
	// over, any other error is the failure of one element.
	Next() (T, error)
}

// Limits bound a walk.
type Limits struct {
	// MaxHops is the number of pointers or tables an iterator follows
	// before giving up with a *vmi.CorruptionError.
	MaxHops int
	// MaxErrors is the number of per-element errors after which the walk
	// ends.
	MaxErrors int
}

// DefaultLimits are used for zero fields of Limits.
var DefaultLimits = Limits{MaxHops: 65536, MaxErrors: 16}

func (l Limits) withDefaults() Limits {
	if l.MaxHops <= 0 {
		l.MaxHops = DefaultLimits.MaxHops
	}
	if l.MaxErrors <= 0 {
		l.MaxErrors = DefaultLimits.MaxErrors
	}
	return l
}

// Collect consumes it and returns its elements and per-element errors.
func Collect[T any](it Iterator[T]) ([]T, []error) {
	var (
		elems []T
		errs  []error
	)
	for {
		e, err := it.Next()
		if err == Done {
			return elems, errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		elems = append(elems, e)
	}
}

// Container returns the address of the structure embedding a list entry
// or tree node at offset.
func Container(entry vmi.VA, offset uint64) vmi.VA {
	return entry - vmi.VA(offset)
}

// walk is the bookkeeping shared by all iterators.
type walk struct {
	ctx  *vmi.Context
	lim  Limits
	log  logflags.Logger
	kind string

	hops int
	errs int
	done bool
}

func newWalk(ctx *vmi.Context, kind string, lim Limits) walk {
	return walk{ctx: ctx, lim: lim.withDefaults(), log: logflags.IterLogger(), kind: kind}
}

// hop accounts for one followed pointer. Once the walk exceeds its hop
// limit it is ended and a *vmi.CorruptionError is returned.
func (w *walk) hop(at vmi.VA) error {
	w.hops++
	if w.hops > w.lim.MaxHops {
		w.done = true
		return &vmi.CorruptionError{Addr: at, What: fmt.Sprintf("%s walk exceeded %d hops", w.kind, w.lim.MaxHops)}
	}
	return nil
}

// fail records a per-element error and ends the walk once MaxErrors is
// reached.
func (w *walk) fail(err error) error {
	w.errs++
	w.log.Debugf("%s: %v", w.kind, err)
	if w.errs >= w.lim.MaxErrors {
		w.log.Debugf("%s: giving up after %d errors", w.kind, w.errs)
		w.done = true
	}
	return err
}

func (w *walk) readPtr(va vmi.VA) (vmi.VA, error) {
	return w.ctx.ReadVA(va)
}
