package engine

import (
	"fmt"
	"os"
	"runtime"

	"github.com/dop251/goja"
	maininstance "github.com/joeycumines/goja-maininstance"
)

// Version is reported as process.version.
const Version = `v1.0.0-goja`

// setupProcess extends the process global installed by goja_nodejs, which
// provides process.env.
func (x *Environment) setupProcess() error {
	v := x.rt.Get(`process`)
	if v == nil || goja.IsUndefined(v) {
		return fmt.Errorf("engine: process is not defined")
	}
	x.process = v.ToObject(x.rt)

	cwd, err := os.Getwd()
	if err != nil {
		cwd = `/`
	}

	for name, value := range map[string]any{
		`argv`:        x.stringArray(x.args),
		`execArgv`:    x.stringArray(x.execArgs),
		`version`:     Version,
		`platform`:    runtime.GOOS,
		`arch`:        runtime.GOARCH,
		`pid`:         os.Getpid(),
		`exitCode`:    goja.Undefined(),
		`exit`:        x.exit,
		`on`:          x.on,
		`addListener`: x.on,
		`off`:         x.off,
		`emit`:        x.emitFromScript,
		`emitWarning`: x.emitWarning,
		`nextTick`:    x.nextTick,
		`cwd`:         func() string { return cwd },
	} {
		if err := x.process.Set(name, value); err != nil {
			return fmt.Errorf("engine: set process.%s: %w", name, err)
		}
	}
	return nil
}

func (x *Environment) stringArray(values []string) *goja.Object {
	items := make([]any, len(values))
	for i, v := range values {
		items[i] = v
	}
	return x.rt.NewArray(items...)
}

// exit implements process.exit([code]).
func (x *Environment) exit(call goja.FunctionCall) goja.Value {
	if code := call.Argument(0); !goja.IsUndefined(code) && !goja.IsNull(code) {
		_ = x.process.Set(`exitCode`, int(code.ToInteger()))
	}
	if !x.exiting {
		x.exiting = true
		x.emit(`exit`, x.rt.ToValue(int(x.resolveExitCode())))
	}
	x.loop.Stop()
	x.rt.Interrupt(errProcessExit)
	return goja.Undefined()
}

func (x *Environment) on(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	listener := call.Argument(1)
	if _, ok := goja.AssertFunction(listener); !ok {
		panic(x.rt.NewTypeError(`listener must be a function`))
	}
	x.listeners[name] = append(x.listeners[name], listener)
	return x.process
}

func (x *Environment) off(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	listener := call.Argument(1)
	listeners := x.listeners[name]
	for i := len(listeners) - 1; i >= 0; i-- {
		if listeners[i].SameAs(listener) {
			x.listeners[name] = append(listeners[:i:i], listeners[i+1:]...)
			break
		}
	}
	return x.process
}

func (x *Environment) emitFromScript(call goja.FunctionCall) goja.Value {
	var args []goja.Value
	if len(call.Arguments) > 1 {
		args = call.Arguments[1:]
	}
	return x.rt.ToValue(x.emit(call.Argument(0).String(), args...))
}

// emit calls the listeners for an event, returning false if there were
// none. An exception thrown by a listener is uncaught.
func (x *Environment) emit(name string, args ...goja.Value) bool {
	listeners := append([]goja.Value(nil), x.listeners[name]...)
	for _, listener := range listeners {
		fn, ok := goja.AssertFunction(listener)
		if !ok {
			continue
		}
		if _, err := fn(x.process, args...); err != nil {
			if x.exiting {
				if x.handleError(err) != nil {
					x.printf("Uncaught %s\n", describeError(err))
					x.force(maininstance.ExitGenericUserError)
				}
				return true
			}
			_ = x.handleError(err)
			return true
		}
	}
	return len(listeners) != 0
}

// emitWarning implements process.emitWarning(warning[, type]). Output is
// rate limited per warning type and message.
func (x *Environment) emitWarning(call goja.FunctionCall) goja.Value {
	warning := call.Argument(0)
	kind := `Warning`
	if v := call.Argument(1); !goja.IsUndefined(v) && !goja.IsNull(v) {
		kind = v.String()
	}

	var message string
	if obj, ok := warning.(*goja.Object); ok {
		if name := obj.Get(`name`); name != nil && !goja.IsUndefined(name) {
			kind = name.String()
		}
		message = obj.Get(`message`).String()
	} else {
		message = warning.String()
	}

	if x.emit(`warning`, warning) {
		return goja.Undefined()
	}

	if x.envs.allowWarning(kind + `: ` + message) {
		x.printf("(gojamain:%d) %s: %s\n", os.Getpid(), kind, message)
		x.envs.opts.logger.Warning().
			Str(`type`, kind).
			Str(`message`, message).
			Log(`script warning`)
	}

	return goja.Undefined()
}

// nextTick implements process.nextTick(fn, ...args).
func (x *Environment) nextTick(call goja.FunctionCall) goja.Value {
	x.loop.NextTick(x.ctx.callback(`nextTick`, call, 1))
	return goja.Undefined()
}
