package terminal

import (
	"github.com/go-delve/vmi/pkg/terminal/starbind"
	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/osi"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) callContext() callContext {
	return callContext{Vcpu: ctx.term.vcpu}
}

func (ctx starlarkContext) Session() *vmi.Session {
	return ctx.term.sess.Session
}

func (ctx starlarkContext) Context() (*vmi.Context, error) {
	return ctx.term.context(ctx.callContext())
}

func (ctx starlarkContext) OSContext() (*osi.Context, error) {
	return ctx.term.osContext(ctx.callContext())
}

func (ctx starlarkContext) Scope() starbind.Scope {
	t := ctx.term
	scope := starbind.Scope{Vcpu: t.vcpu}
	scope.View, _ = t.sess.ActiveView(t.vcpu)
	if c, err := t.context(ctx.callContext()); err == nil {
		scope.Root, _ = c.Root()
	}
	if t.process != nil {
		scope.Pid = t.process.ID
	}
	return scope
}

func (ctx starlarkContext) Limits() iter.Limits {
	return ctx.term.limits()
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, ctx callContext, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
