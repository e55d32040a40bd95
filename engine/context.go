package engine

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/buffer"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/process"
	"github.com/dop251/goja_nodejs/require"
	"github.com/dop251/goja_nodejs/url"
	maininstance "github.com/joeycumines/goja-maininstance"
)

type (
	// Context implements [maininstance.Context]. It is the runtime's global
	// scope, with the builtin library installed.
	Context struct {
		iso      *Isolate
		rt       *goja.Runtime
		require  *require.RequireModule
		depth    int
		released bool
	}

	// printer sends console output to the configured writers.
	printer struct {
		stdout io.Writer
		stderr io.Writer
	}
)

var (
	_ maininstance.Context = (*Context)(nil)
	_ console.Printer      = printer{}
)

func newContext(iso *Isolate) (*Context, error) {
	opts := iso.engine.opts
	rt := iso.rt

	var registryOpts []require.Option
	if opts.loader != nil {
		registryOpts = append(registryOpts, require.WithLoader(opts.loader))
	}
	registry := require.NewRegistry(registryOpts...)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(printer{
		stdout: opts.stdout,
		stderr: opts.stderr,
	}))

	x := &Context{
		iso:     iso,
		rt:      rt,
		require: registry.Enable(rt),
	}

	console.Enable(rt)
	process.Enable(rt)
	buffer.Enable(rt)
	url.Enable(rt)

	if err := x.bindTimers(); err != nil {
		return nil, err
	}

	iso.context = x
	return x, nil
}

// Enter implements [maininstance.Context].
func (x *Context) Enter() func() {
	x.depth++
	var once sync.Once
	return func() { once.Do(func() { x.depth-- }) }
}

// Runtime returns the context's runtime.
func (x *Context) Runtime() *goja.Runtime { return x.rt }

// Require loads a module, as require would from the working directory.
func (x *Context) Require(path string) (goja.Value, error) {
	return x.require.Require(path)
}

func (x printer) Log(s string)   { _, _ = fmt.Fprintln(x.stdout, s) }
func (x printer) Warn(s string)  { _, _ = fmt.Fprintln(x.stderr, s) }
func (x printer) Error(s string) { _, _ = fmt.Fprintln(x.stderr, s) }

func (x *Context) bindTimers() error {
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		`setTimeout`:     x.setTimeout,
		`clearTimeout`:   x.clearTimer,
		`setInterval`:    x.setInterval,
		`clearInterval`:  x.clearTimer,
		`setImmediate`:   x.setImmediate,
		`clearImmediate`: x.clearTimer,
		`queueMicrotask`: x.queueMicrotask,
	} {
		if err := x.rt.Set(name, fn); err != nil {
			return fmt.Errorf("engine: bind %s: %w", name, err)
		}
	}
	return nil
}

// callback validates a callback argument, returning a func that invokes it
// with the remaining arguments, reporting any exception.
func (x *Context) callback(name string, call goja.FunctionCall, argsFrom int) func() {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(x.rt.NewTypeError(name + ` requires a function as first argument`))
	}
	var args []goja.Value
	if len(call.Arguments) > argsFrom {
		args = append(args, call.Arguments[argsFrom:]...)
	}
	return func() {
		_, err := fn(goja.Undefined(), args...)
		x.iso.handleError(err)
	}
}

func delayArgument(v goja.Value) time.Duration {
	ms := v.ToInteger()
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

func (x *Context) setTimeout(call goja.FunctionCall) goja.Value {
	fn := x.callback(`setTimeout`, call, 2)
	return x.rt.ToValue(x.iso.loop.SetTimeout(fn, delayArgument(call.Argument(1))))
}

func (x *Context) setInterval(call goja.FunctionCall) goja.Value {
	fn := x.callback(`setInterval`, call, 2)
	return x.rt.ToValue(x.iso.loop.SetInterval(fn, delayArgument(call.Argument(1))))
}

func (x *Context) setImmediate(call goja.FunctionCall) goja.Value {
	fn := x.callback(`setImmediate`, call, 1)
	return x.rt.ToValue(x.iso.loop.SetImmediate(fn))
}

func (x *Context) clearTimer(call goja.FunctionCall) goja.Value {
	if id := call.Argument(0); !goja.IsUndefined(id) && !goja.IsNull(id) {
		if n := id.ToInteger(); n > 0 {
			x.iso.loop.Clear(uint64(n))
		}
	}
	return goja.Undefined()
}

func (x *Context) queueMicrotask(call goja.FunctionCall) goja.Value {
	x.iso.loop.QueueMicrotask(x.callback(`queueMicrotask`, call, 1))
	return goja.Undefined()
}
