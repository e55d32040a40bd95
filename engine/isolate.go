package engine

import (
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/goja-maininstance/snapshot"
)

// Isolate implements [maininstance.Isolate], wrapping a single
// [goja.Runtime]. goja has one realm per runtime, so an isolate supports
// at most one context.
type Isolate struct {
	engine      *Engine
	rt          *goja.Runtime
	loop        *Loop
	platform    maininstance.Platform
	params      *maininstance.CreateParams
	blob        *snapshot.Blob
	programs    []*goja.Program
	mainProgram *goja.Program
	profiler    HeapProfiler
	rejections  rejectionTracker
	settings    maininstance.IsolateSettings
	context     *Context
	env         atomic.Pointer[Environment]
	mu          sync.Mutex
	depth       atomic.Int32
	scopes      atomic.Int32
	disposed    atomic.Bool
}

var _ maininstance.Isolate = (*Isolate)(nil)

func newIsolate(engine *Engine, params *maininstance.CreateParams, loop *Loop, platform maininstance.Platform, blob *snapshot.Blob) *Isolate {
	x := &Isolate{
		engine:   engine,
		rt:       goja.New(),
		loop:     loop,
		platform: platform,
		params:   params,
		blob:     blob,
	}
	x.rt.SetMaxCallStackSize(params.Constraints.MaxCallStackSize)
	x.rejections.init()
	return x
}

// Lock implements [sync.Locker].
func (x *Isolate) Lock() { x.mu.Lock() }

// Unlock implements [sync.Locker].
func (x *Isolate) Unlock() { x.mu.Unlock() }

// Enter implements [maininstance.Isolate].
func (x *Isolate) Enter() func() {
	x.depth.Add(1)
	var once sync.Once
	return func() { once.Do(func() { x.depth.Add(-1) }) }
}

// Entered reports whether the isolate is currently entered.
func (x *Isolate) Entered() bool { return x.depth.Load() > 0 }

// HandleScope implements [maininstance.Isolate]. goja values are garbage
// collected, so scopes are only counted.
func (x *Isolate) HandleScope() func() {
	x.scopes.Add(1)
	var once sync.Once
	return func() { once.Do(func() { x.scopes.Add(-1) }) }
}

// NewContext implements [maininstance.Isolate]. It returns nil if the
// isolate is disposed, or already has a context.
func (x *Isolate) NewContext() maininstance.Context {
	if x.disposed.Load() || x.context != nil {
		x.engine.opts.logger.Debug().
			Bool(`disposed`, x.disposed.Load()).
			Log(`isolate cannot create a context`)
		return nil
	}
	ctx, err := newContext(x)
	if err != nil {
		x.engine.opts.logger.Err().
			Err(err).
			Log(`failed to create context`)
		return nil
	}
	if crypto := x.engine.opts.crypto; crypto != nil {
		crypto.InitCryptoOnce(x)
	}
	return ctx
}

// HeapProfiler implements [maininstance.Isolate].
func (x *Isolate) HeapProfiler() maininstance.HeapProfiler { return &x.profiler }

// Profiler returns the concrete heap profiler.
func (x *Isolate) Profiler() *HeapProfiler { return &x.profiler }

// Dispose implements [maininstance.Isolate]. It interrupts any running
// script, and terminates the current environment. It is idempotent.
func (x *Isolate) Dispose() {
	if !x.disposed.CompareAndSwap(false, true) {
		return
	}
	if env := x.env.Load(); env != nil {
		env.Terminate()
	} else {
		x.rt.Interrupt(errTerminated)
	}
	x.engine.opts.logger.Debug().Log(`disposed isolate`)
}

// Disposed reports whether [Isolate.Dispose] has been called.
func (x *Isolate) Disposed() bool { return x.disposed.Load() }

// Runtime returns the underlying runtime.
func (x *Isolate) Runtime() *goja.Runtime { return x.rt }

// Loop returns the isolate's event loop.
func (x *Isolate) Loop() *Loop { return x.loop }

// ArrayBufferAllocator returns the allocator the isolate was created with,
// which may be nil.
func (x *Isolate) ArrayBufferAllocator() maininstance.Allocator { return x.params.Allocator }

// Snapshot returns the snapshot the isolate was restored from, or nil.
func (x *Isolate) Snapshot() *snapshot.Blob { return x.blob }

// Constraints returns the effective resource constraints.
func (x *Isolate) Constraints() maininstance.ResourceConstraints { return x.params.Constraints }

// applySettings installs the misc handlers, the zero value selecting the
// defaults.
func (x *Isolate) applySettings(settings maininstance.IsolateSettings) {
	x.settings = settings
	x.rt.SetPromiseRejectionTracker(x.trackRejection)
}
