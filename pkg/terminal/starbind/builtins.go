package starbind

import (
	"encoding/binary"
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/osi"
)

// address is a guest address argument. Kernel addresses do not fit in an
// int64 so they are unpacked as unsigned.
type address uint64

func (a *address) Unpack(v starlark.Value) error {
	var u uint64
	if err := unmarshalStarlarkValue(v, &u, "addr"); err != nil {
		return err
	}
	*a = address(u)
	return nil
}

// RegisterValue returns the value of a register of at most 8 bytes.
func RegisterValue(r vmi.Register) uint64 {
	var buf [8]byte
	copy(buf[:], r.Bytes)
	return binary.LittleEndian.Uint64(buf[:])
}

type builtinFn func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func (env *Env) read(a address, phys bool, buf []byte) error {
	ctx, err := env.ctx.Context()
	if err != nil {
		return err
	}
	if phys {
		return ctx.Read(vmi.DirectAccess(vmi.PA(a)), buf)
	}
	return ctx.ReadAt(vmi.VA(a), buf)
}

func (env *Env) readUint(size int) builtinFn {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, err
		}
		var (
			a    address
			phys bool
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &a, "phys?", &phys); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		var buf [8]byte
		if err := env.read(a, phys, buf[:size]); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return starlark.MakeUint64(binary.LittleEndian.Uint64(buf[:])), nil
	}
}

// starlarkPredeclare returns the builtins that access the guest along
// with their documentation.
func (env *Env) starlarkPredeclare() (starlark.StringDict, map[string]string) {
	r := starlark.StringDict{}
	doc := make(map[string]string)

	add := func(name, args, descr string, fn builtinFn) {
		r[name] = starlark.NewBuiltin(name, fn)
		doc[name] = name + args + "\n\n" + name + " " + descr
	}

	for _, sz := range []int{1, 2, 4, 8} {
		name := fmt.Sprintf("read_u%d", sz*8)
		add(name, "(Addr, phys=False)", fmt.Sprintf("reads a %d bit little endian integer at Addr. Addr is physical if phys is true.", sz*8), env.readUint(sz))
	}

	add("read_bytes", "(Addr, N, phys=False)", "reads N bytes at Addr.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			a    address
			n    int
			phys bool
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &a, "n", &n, "phys?", &phys); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		if n < 0 {
			return starlark.None, decorateError(thread, fmt.Errorf("negative length %d", n))
		}
		buf := make([]byte, n)
		if err := env.read(a, phys, buf); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return starlark.Bytes(buf), nil
	})

	add("read_string", "(Addr, max=0)", "reads the NUL terminated string at Addr. At most max bytes are read, the session limit applies when max is zero.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			a   address
			max int
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &a, "max?", &max); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		ctx, err := env.ctx.Context()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		var s string
		if max > 0 {
			s, err = ctx.ReadStringN(vmi.VA(a), max)
		} else {
			s, err = ctx.ReadString(vmi.VA(a))
		}
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return starlark.String(s), nil
	})

	add("translate", "(Addr)", "translates the virtual address Addr to a physical address.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var a address
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &a); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		ctx, err := env.ctx.Context()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		pa, err := ctx.Translate(vmi.VA(a))
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return starlark.MakeUint64(uint64(pa)), nil
	})

	add("probe", "(Addr)", "returns \"resident\", \"not resident\" or \"indeterminate\" for the virtual address Addr, without faulting.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var a address
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &a); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		ctx, err := env.ctx.Context()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		root, err := ctx.Root()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		res, err := ctx.State().Prober().ProbeIn(root, vmi.VA(a))
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return starlark.String(res.String()), nil
	})

	add("regs", "(vcpu=current)", "returns a dict with the registers of a VCPU, keyed by lower case register name.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		vcpu := int(env.ctx.Scope().Vcpu)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "vcpu?", &vcpu); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		st, err := env.ctx.Session().StateForVcpu(vmi.VcpuID(vcpu))
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		regs, err := st.Registers()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		slice := regs.Slice()
		d := starlark.NewDict(len(slice))
		for _, reg := range slice {
			d.SetKey(starlark.String(strings.ToLower(reg.Name)), starlark.MakeUint64(RegisterValue(reg)))
		}
		return d, nil
	})

	add("list_walk", "(Head, offset=0)", "walks the circular doubly linked list at Head, whose next pointer is at offset, and returns the addresses of its entries.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			head   address
			offset int
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "head", &head, "offset?", &offset); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		ctx, err := env.ctx.Context()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		it := iter.NewList(ctx, vmi.VA(head), uint64(offset), env.ctx.Limits())
		var r []starlark.Value
		for {
			if err := isCancelled(thread); err != nil {
				return starlark.None, err
			}
			entry, err := it.Next()
			if err == iter.Done {
				break
			}
			if err != nil {
				return starlark.None, decorateError(thread, err)
			}
			r = append(r, starlark.MakeUint64(uint64(entry)))
		}
		return starlark.NewList(r), nil
	})

	add("symbol", "(Name)", "returns the address of a kernel symbol of the offsets profile.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		ctx, err := env.ctx.OSContext()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		va, err := ctx.Symbol(name)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return starlark.MakeUint64(uint64(va)), nil
	})

	add("read_field", "(Addr, Struct, Field)", "reads field Field of the structure Struct at Addr, as described by the offsets profile.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			a                   address
			structName, fieldNm string
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &a, "struct", &structName, "field", &fieldNm); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		ctx, err := env.ctx.OSContext()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		v, err := ctx.ReadStructField(vmi.VA(a), structName, fieldNm)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return starlark.MakeUint64(v), nil
	})

	add("processes", "()", "returns the processes of the guest. Processes that can not be read are skipped.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ctx, err := env.ctx.OSContext()
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		it, err := ctx.OSSession().OS.Processes(ctx)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		var ps []osi.Process
		for {
			if err := isCancelled(thread); err != nil {
				return starlark.None, err
			}
			p, err := it.Next()
			if err == iter.Done {
				break
			}
			if err != nil {
				continue
			}
			ps = append(ps, p)
		}
		return env.interfaceToStarlarkValue(ps), nil
	})

	return r, doc
}
