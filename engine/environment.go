package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dop251/goja"
	catrate "github.com/joeycumines/go-catrate"
	maininstance "github.com/joeycumines/goja-maininstance"
)

type (
	// Environments implements [maininstance.Environments].
	Environments struct {
		opts     *engineOptions
		warnings *catrate.Limiter
	}

	// Environment implements [maininstance.Environment]. Apart from
	// [Environment.Terminate], its methods must be called with the isolate
	// locked.
	Environment struct {
		envs      *Environments
		iso       *Isolate
		ctx       *Context
		rt        *goja.Runtime
		loop      *Loop
		process   *goja.Object
		listeners map[string][]goja.Value
		args      []string
		execArgs  []string
		exec      execOptions
		// exitCode overrides process.exitCode if forced
		exitCode   maininstance.ExitCode
		forced     bool
		exiting    bool
		loaded     bool
		spun       bool
		freed      bool
		terminated atomic.Bool
	}

	// execOptions are the recognised engine-level arguments.
	execOptions struct {
		eval             *string
		abortOnUncaught  bool
		stackSize        int
		trackHeapObjects bool
	}
)

var (
	_ maininstance.Environments = (*Environments)(nil)
	_ maininstance.Environment  = (*Environment)(nil)
)

// NewEnvironments creates the environment subsystem. It should be given the
// same options as the [Engine].
func NewEnvironments(opts ...Option) (*Environments, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Environments{
		opts:     cfg,
		warnings: catrate.NewLimiter(cfg.warningRates),
	}, nil
}

// allowWarning rate limits warnings, per category.
func (x *Environments) allowWarning(category any) bool {
	_, ok := x.warnings.Allow(category)
	return ok
}

// NewIsolateData implements [maininstance.Environments]. Heap object
// tracking is enabled by [WithTrackHeapObjects], or the
// --track-heap-objects exec arg the isolate was created with.
func (x *Environments) NewIsolateData(isolate maininstance.Isolate, loop maininstance.EventLoop, platform maininstance.Platform, allocator maininstance.Allocator, embedder maininstance.EmbedderWrapper) *maininstance.IsolateData {
	track := x.opts.trackHeapObjects
	if iso, ok := isolate.(*Isolate); ok && iso.params != nil {
		exec, _ := parseExecArgs(iso.params.ExecArgs)
		track = track || exec.trackHeapObjects
	}
	return &maininstance.IsolateData{
		Isolate:   isolate,
		Loop:      loop,
		Platform:  platform,
		Allocator: allocator,
		Embedder:  embedder,
		Options: maininstance.PerIsolateOptions{
			TrackHeapObjects: track,
		},
	}
}

// SetIsolateMiscHandlers implements [maininstance.Environments].
func (x *Environments) SetIsolateMiscHandlers(isolate maininstance.Isolate, settings maininstance.IsolateSettings) {
	iso, ok := isolate.(*Isolate)
	if !ok {
		x.opts.logger.Warning().
			Str(`type`, fmt.Sprintf(`%T`, isolate)).
			Log(`cannot set misc handlers on unsupported isolate`)
		return
	}
	iso.applySettings(settings)
}

// CreateEnvironment implements [maininstance.Environments]. A nil context
// is recovered from the isolate's snapshot: the snapshot scripts are
// replayed, then the captured globals restored.
func (x *Environments) CreateEnvironment(data *maininstance.IsolateData, context maininstance.Context, args, execArgs []string) (maininstance.Environment, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil isolate data", ErrUnsupportedIsolate)
	}
	iso, ok := data.Isolate.(*Isolate)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedIsolate, data.Isolate)
	}

	env := &Environment{
		envs:      x,
		iso:       iso,
		rt:        iso.rt,
		loop:      iso.loop,
		listeners: make(map[string][]goja.Value),
		args:      append([]string(nil), args...),
		execArgs:  append([]string(nil), execArgs...),
	}

	if iso.Disposed() {
		return env, &maininstance.ExitError{Err: errTerminated, Code: maininstance.ExitBootstrapFailure}
	}

	if context == nil {
		ctx, err := iso.restoreContext()
		if err != nil {
			return env, &maininstance.ExitError{Err: err, Code: maininstance.ExitStartupSnapshotFailure}
		}
		env.ctx = ctx
	} else if ctx, ok := context.(*Context); !ok || ctx.iso != iso {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedContext, context)
	} else {
		env.ctx = ctx
	}

	exec, err := parseExecArgs(execArgs)
	if err != nil {
		return env, &maininstance.ExitError{Err: err, Code: maininstance.ExitInvalidCommandLineArgument}
	}
	env.exec = exec

	if err := env.setupProcess(); err != nil {
		return env, &maininstance.ExitError{Err: err, Code: maininstance.ExitBootstrapFailure}
	}

	env.loop.afterTask = env.afterTask
	env.loop.onIdle = env.beforeExit
	env.loop.onPanic = env.recovered
	iso.env.Store(env)

	x.opts.logger.Debug().
		Int(`args`, len(args)).
		Int(`exec_args`, len(execArgs)).
		Bool(`snapshot`, context == nil).
		Log(`created environment`)

	return env, nil
}

// LoadEnvironment implements [maininstance.Environments]. The entry point
// is the first of: start, the snapshot's main script, the --eval source,
// then args[1] as the main module, "-" reading it from stdin. An uncaught
// exception is reported, and returned.
func (x *Environments) LoadEnvironment(env maininstance.Environment, start maininstance.StartExecutionCallback) error {
	e, ok := env.(*Environment)
	if !ok {
		return fmt.Errorf("engine: unsupported environment: %T", env)
	}
	if e.loaded {
		return ErrAlreadyLoaded
	}
	e.loaded = true

	if e.terminated.Load() || e.exiting {
		return nil
	}

	switch {
	case start != nil:
		return e.guard(`start execution`, func() error {
			return e.handleError(start(e))
		})
	case e.iso.mainProgram != nil:
		return e.guard(`snapshot main`, func() error {
			_, err := e.rt.RunProgram(e.iso.mainProgram)
			return e.handleError(err)
		})
	case e.exec.eval != nil:
		return e.RunScript(`[eval]`, *e.exec.eval)
	case len(e.args) > 1 && e.args[1] == `-`:
		src, err := io.ReadAll(x.opts.stdin)
		if err != nil {
			return fmt.Errorf("engine: read stdin: %w", err)
		}
		return e.RunScript(`[stdin]`, string(src))
	case len(e.args) > 1:
		path := e.args[1]
		if !filepath.IsAbs(path) {
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
		}
		return e.guard(`main module`, func() error {
			_, err := e.ctx.Require(path)
			return e.handleError(err)
		})
	default:
		return nil
	}
}

// SpinEventLoop implements [maininstance.Environments].
func (x *Environments) SpinEventLoop(env maininstance.Environment) (maininstance.ExitCode, bool) {
	e, ok := env.(*Environment)
	if !ok || e.spun {
		return maininstance.ExitGenericUserError, false
	}
	e.spun = true

	if err := e.loop.Spin(context.Background()); err != nil {
		x.opts.logger.Err().
			Err(err).
			Log(`event loop failed`)
		return maininstance.ExitGenericUserError, false
	}

	if e.terminated.Load() {
		return maininstance.ExitGenericUserError, false
	}

	if !e.exiting {
		e.reportRejections()
	}

	if !e.exiting {
		e.exiting = true
		e.emit(`exit`, e.rt.ToValue(int(e.resolveExitCode())))
	}

	if e.terminated.Load() {
		return maininstance.ExitGenericUserError, false
	}
	return e.resolveExitCode(), true
}

// FreeEnvironment implements [maininstance.Environments]. It cancels any
// remaining timers, and releases the context.
func (x *Environments) FreeEnvironment(env maininstance.Environment) {
	e, ok := env.(*Environment)
	if !ok || e.freed {
		return
	}
	e.freed = true
	e.loop.Stop()
	if !e.terminated.Load() {
		e.rt.ClearInterrupt()
	}
	e.iso.env.CompareAndSwap(e, nil)
	if e.ctx != nil {
		e.ctx.released = true
	}
	x.opts.logger.Debug().Log(`freed environment`)
}

// Context implements [maininstance.Environment]. It is nil if the
// environment failed before its context was created.
func (x *Environment) Context() maininstance.Context {
	if x.ctx == nil {
		return nil
	}
	return x.ctx
}

// Runtime returns the environment's runtime.
func (x *Environment) Runtime() *goja.Runtime { return x.rt }

// Terminate stops the environment from any goroutine, interrupting running
// scripts. The environment then yields no exit code.
func (x *Environment) Terminate() {
	x.terminated.Store(true)
	x.rt.Interrupt(errTerminated)
	x.loop.Stop()
}

// RunScript runs src as a classic script, reporting any uncaught exception.
func (x *Environment) RunScript(name, src string) error {
	return x.guard(name, func() error {
		_, err := x.rt.RunScript(name, src)
		return x.handleError(err)
	})
}

// resolveExitCode returns the forced code, if any, else process.exitCode.
func (x *Environment) resolveExitCode() maininstance.ExitCode {
	if x.forced {
		return x.exitCode
	}
	if v := x.process.Get(`exitCode`); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		return maininstance.ExitCode(v.ToInteger())
	}
	return maininstance.ExitNoFailure
}

// afterTask runs after every loop task.
func (x *Environment) afterTask() {
	x.reportRejections()
}

// beforeExit runs once the loop has no outstanding work.
func (x *Environment) beforeExit() {
	if x.exiting || x.terminated.Load() {
		return
	}
	x.emit(`beforeExit`, x.rt.ToValue(int(x.resolveExitCode())))
	x.reportRejections()
}

// handleError reports an error thrown by a script, returning it unless it
// was the interrupt raised by process.exit.
func (x *Environment) handleError(err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if x.exiting && !x.terminated.Load() {
			x.rt.ClearInterrupt()
			return nil
		}
		return err
	}
	if !x.exiting && !x.terminated.Load() {
		x.uncaught(err)
	}
	return err
}

func (x *Environment) uncaught(err error) {
	value := x.errorValue(err)

	if x.exec.abortOnUncaught || (x.iso.settings.ShouldAbortOnUncaughtException != nil && x.iso.settings.ShouldAbortOnUncaughtException(x.iso)) {
		x.printf("Uncaught %s\n", describeError(err))
		x.exiting = true
		x.force(maininstance.ExitAbort)
		return
	}

	if handlers := x.listeners[`uncaughtException`]; len(handlers) != 0 {
		for _, h := range handlers {
			fn, ok := goja.AssertFunction(h)
			if !ok {
				continue
			}
			if _, herr := fn(x.process, value, x.rt.ToValue(`uncaughtException`)); herr != nil {
				var interrupted *goja.InterruptedError
				if errors.As(herr, &interrupted) {
					_ = x.handleError(herr)
					return
				}
				x.printf("Uncaught %s\n", describeError(herr))
				x.exiting = true
				x.force(maininstance.ExitExceptionInFatalExceptionHandler)
				return
			}
		}
		return
	}

	x.printf("Uncaught %s\n", describeError(err))
	x.fail(maininstance.ExitGenericUserError)
}

// fail sets process.exitCode, emits exit, and stops the loop.
func (x *Environment) fail(code maininstance.ExitCode) {
	_ = x.process.Set(`exitCode`, int(code))
	if !x.exiting {
		x.exiting = true
		x.emit(`exit`, x.rt.ToValue(int(code)))
	}
	x.loop.Stop()
}

// force overrides the exit code, and stops the loop.
func (x *Environment) force(code maininstance.ExitCode) {
	x.forced = true
	x.exitCode = code
	x.loop.Stop()
}

// fatal handles unrecoverable errors, e.g. Go panics.
func (x *Environment) fatal(location, message string) {
	if cb := x.iso.settings.FatalError; cb != nil {
		cb(location, message)
	}
	x.printf("FATAL ERROR: %s %s\n", location, message)
	x.envs.opts.logger.Crit().
		Str(`location`, location).
		Str(`message`, message).
		Log(`fatal error`)
	x.exiting = true
	x.force(maininstance.ExitV8FatalError)
}

// recovered handles panics recovered from loop tasks.
func (x *Environment) recovered(r any) {
	x.fatal(`event loop`, fmt.Sprint(r))
}

// guard runs fn, converting a panic into a fatal error.
func (x *Environment) guard(location string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			x.fatal(location, fmt.Sprint(r))
			err = fmt.Errorf("engine: %s: panic: %v", location, r)
		}
	}()
	return fn()
}

// errorValue returns the JS value of a thrown error.
func (x *Environment) errorValue(err error) goja.Value {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return x.rt.NewGoError(err)
}

func describeError(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return describeValue(ex.Value())
	}
	return err.Error()
}

func (x *Environment) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(x.envs.opts.stderr, format, args...)
}

// parseExecArgs parses the engine-level arguments.
func parseExecArgs(args []string) (execOptions, error) {
	var opts execOptions
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == `-e` || arg == `--eval`:
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires an argument", arg)
			}
			i++
			src := args[i]
			opts.eval = &src
		case strings.HasPrefix(arg, `--eval=`):
			src := strings.TrimPrefix(arg, `--eval=`)
			opts.eval = &src
		case arg == `--abort-on-uncaught-exception`:
			opts.abortOnUncaught = true
		case strings.HasPrefix(arg, `--stack-size=`):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, `--stack-size=`))
			if err != nil || n <= 0 {
				return opts, fmt.Errorf("invalid stack size: %s", arg)
			}
			opts.stackSize = n
		case arg == `--track-heap-objects`:
			opts.trackHeapObjects = true
		default:
			return opts, fmt.Errorf("bad option: %s", arg)
		}
	}
	return opts, nil
}

// handleError routes an error thrown by a callback to the current
// environment.
func (x *Isolate) handleError(err error) {
	if err == nil {
		return
	}
	if env := x.env.Load(); env != nil {
		_ = env.handleError(err)
		return
	}
	x.engine.opts.logger.Warning().
		Err(err).
		Log(`script error outside of an environment`)
}
