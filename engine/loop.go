package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
	maininstance "github.com/joeycumines/goja-maininstance"
)

// ErrLoopSpent is returned by [Loop.Spin] if the loop has already been spun.
var ErrLoopSpent = errors.New("engine: loop already spun")

type (
	// Loop pumps an environment's asynchronous work, on an auto-exiting
	// [eventloop.Loop]. Once the loop runs out of work the idle hook is
	// called, and if it scheduled more, the loop runs again, on a fresh
	// [eventloop.Loop].
	//
	// Work scheduled before [Loop.Spin] is deferred until the loop starts,
	// then scheduled in order, from the loop goroutine.
	//
	// A Loop serves exactly one [Loop.Spin]. It implements
	// [maininstance.EventLoop].
	Loop struct {
		opts []eventloop.LoopOption
		cur  *eventloop.Loop
		js   *eventloop.JS

		// hooks, set by the environment, called on the loop goroutine
		afterTask func()
		onIdle    func()
		onPanic   func(r any)

		handles map[uint64]*handle
		pending []func()
		cancel  context.CancelFunc
		nextID  uint64
		// running is true while cur is running, and pending is drained
		running  bool
		stopping atomic.Bool
		spun     atomic.Bool
		mu       sync.Mutex
	}

	handle struct {
		kind handleKind
		// ref is the id assigned by eventloop.JS, zero until scheduled
		ref uint64
	}

	handleKind int
)

const (
	kindTimeout handleKind = iota
	kindInterval
	kindImmediate
)

var _ maininstance.EventLoop = (*Loop)(nil)

// NewLoop creates a loop. The options are applied to every underlying
// [eventloop.Loop], which always auto-exit, with strict microtask ordering.
func NewLoop(opts ...eventloop.LoopOption) (*Loop, error) {
	x := &Loop{
		opts: append(
			slices.Clone(opts),
			eventloop.WithStrictMicrotaskOrdering(true),
			eventloop.WithAutoExit(true),
		),
		handles: make(map[uint64]*handle),
	}
	if err := x.renew(); err != nil {
		return nil, err
	}
	return x, nil
}

// renew replaces the underlying loop, which must have terminated, or never
// run.
func (x *Loop) renew() error {
	loop, err := eventloop.New(x.opts...)
	if err != nil {
		return err
	}
	js, err := eventloop.NewJS(loop)
	if err != nil {
		_ = loop.Close()
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cur, x.js = loop, js
	x.running = false
	clear(x.handles)
	return nil
}

// Alive reports whether there is outstanding work.
func (x *Loop) Alive() bool {
	if x.stopping.Load() {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.running {
		return len(x.pending) != 0
	}
	return x.cur.Alive()
}

// Spin runs the loop on the calling goroutine until it stops, see
// [Loop.Stop]. The loop stops on its own once there is no outstanding work,
// and the idle hook added none.
func (x *Loop) Spin(ctx context.Context) error {
	if !x.spun.CompareAndSwap(false, true) {
		return ErrLoopSpent
	}
	defer x.stopping.Store(true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	x.mu.Lock()
	x.cancel = cancel
	x.mu.Unlock()
	if x.stopping.Load() {
		return nil
	}

	err := x.run(ctx, x.runTask(x.flush))
	for err == nil && x.onIdle != nil && !x.stopping.Load() {
		if err = x.renew(); err != nil {
			break
		}
		var more bool
		err = x.run(ctx, x.runTask(func() {
			x.flush()
			x.onIdle()
			more = !x.stopping.Load() && x.cur.Alive()
		}))
		if !more {
			break
		}
	}
	return err
}

func (x *Loop) run(ctx context.Context, start func()) error {
	x.mu.Lock()
	loop := x.cur
	x.mu.Unlock()

	err := loop.Submit(start)
	if err == nil {
		err = loop.Run(ctx)
	}

	x.mu.Lock()
	x.running = false
	x.mu.Unlock()

	switch {
	case err == nil, errors.Is(err, eventloop.ErrLoopTerminated):
		return nil
	case errors.Is(err, context.Canceled) && x.stopping.Load():
		return nil
	default:
		return err
	}
}

// flush schedules the work deferred until the loop started.
func (x *Loop) flush() {
	x.mu.Lock()
	x.running = true
	pending := x.pending
	x.pending = nil
	x.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Stop cancels all outstanding work and terminates the loop. It is safe to
// call from any goroutine, and more than once.
func (x *Loop) Stop() {
	if !x.stopping.CompareAndSwap(false, true) {
		return
	}
	x.mu.Lock()
	cancel := x.cancel
	x.pending = nil
	clear(x.handles)
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stopping reports whether [Loop.Stop] has been called.
func (x *Loop) Stopping() bool { return x.stopping.Load() }

// Close releases the loop's resources, cancelling any outstanding work.
func (x *Loop) Close() error {
	x.Stop()
	x.mu.Lock()
	loop := x.cur
	x.mu.Unlock()
	if err := loop.Close(); err != nil && !errors.Is(err, eventloop.ErrLoopTerminated) {
		return err
	}
	return nil
}

// SetTimeout schedules fn to run once, after delay.
func (x *Loop) SetTimeout(fn func(), delay time.Duration) uint64 {
	return x.add(kindTimeout, func(js *eventloop.JS, id uint64) (uint64, error) {
		return js.SetTimeout(x.runTask(func() {
			x.forget(id)
			fn()
		}), millis(delay))
	})
}

// SetInterval schedules fn to run every interval, until cleared.
func (x *Loop) SetInterval(fn func(), interval time.Duration) uint64 {
	return x.add(kindInterval, func(js *eventloop.JS, _ uint64) (uint64, error) {
		return js.SetInterval(x.runTask(fn), millis(interval))
	})
}

// SetImmediate schedules fn to run as soon as possible, after any already
// queued work.
func (x *Loop) SetImmediate(fn func()) uint64 {
	return x.add(kindImmediate, func(js *eventloop.JS, id uint64) (uint64, error) {
		return js.SetImmediate(x.runTask(func() {
			x.forget(id)
			fn()
		}))
	})
}

// NextTick schedules fn to run after the current task, before any
// microtasks.
func (x *Loop) NextTick(fn func()) {
	x.enqueue(func(js *eventloop.JS) error {
		return js.NextTick(x.runJob(fn))
	})
}

// QueueMicrotask schedules fn to run after the current task, and any
// pending next ticks.
func (x *Loop) QueueMicrotask(fn func()) {
	x.enqueue(func(js *eventloop.JS) error {
		return js.QueueMicrotask(x.runJob(fn))
	})
}

// Clear cancels a timeout, interval or immediate. Unknown ids are ignored.
func (x *Loop) Clear(id uint64) {
	x.mu.Lock()
	h, ok := x.handles[id]
	delete(x.handles, id)
	js, running := x.js, x.running
	var ref uint64
	if ok {
		ref = h.ref
	}
	x.mu.Unlock()

	// work not yet scheduled is dropped by its handle being removed
	if !running || ref == 0 {
		return
	}

	switch h.kind {
	case kindTimeout:
		_ = js.ClearTimeout(ref)
	case kindInterval:
		_ = js.ClearInterval(ref)
	case kindImmediate:
		_ = js.ClearImmediate(ref)
	}
}

func (x *Loop) add(kind handleKind, schedule func(js *eventloop.JS, id uint64) (uint64, error)) uint64 {
	x.mu.Lock()
	x.nextID++
	id := x.nextID
	h := &handle{kind: kind}
	if !x.stopping.Load() {
		x.handles[id] = h
	}
	x.mu.Unlock()

	x.enqueue(func(js *eventloop.JS) error {
		x.mu.Lock()
		cleared := x.handles[id] != h
		x.mu.Unlock()
		if cleared {
			return nil
		}
		ref, err := schedule(js, id)
		x.mu.Lock()
		defer x.mu.Unlock()
		if err != nil {
			delete(x.handles, id)
			return err
		}
		h.ref = ref
		return nil
	})
	return id
}

// enqueue calls fn with the current [eventloop.JS], immediately if the loop
// is running, otherwise once it starts.
func (x *Loop) enqueue(fn func(js *eventloop.JS) error) {
	x.mu.Lock()
	if x.stopping.Load() {
		x.mu.Unlock()
		return
	}
	if x.running {
		js := x.js
		x.mu.Unlock()
		_ = fn(js)
		return
	}
	x.pending = append(x.pending, func() {
		x.mu.Lock()
		js := x.js
		x.mu.Unlock()
		_ = fn(js)
	})
	x.mu.Unlock()
}

func (x *Loop) forget(id uint64) {
	x.mu.Lock()
	delete(x.handles, id)
	x.mu.Unlock()
}

// runTask wraps a macrotask. The after task hook is queued as a microtask,
// so it runs once the next ticks and microtasks fn scheduled have drained.
func (x *Loop) runTask(fn func()) func() {
	return func() {
		if x.stopping.Load() {
			return
		}
		defer x.handlePanic()
		fn()
		if x.afterTask != nil {
			x.QueueMicrotask(x.afterTask)
		}
	}
}

// runJob wraps a next tick or microtask.
func (x *Loop) runJob(fn func()) func() {
	return func() {
		if x.stopping.Load() {
			return
		}
		defer x.handlePanic()
		fn()
	}
}

// handlePanic must be deferred directly.
func (x *Loop) handlePanic() {
	if r := recover(); r != nil {
		if x.onPanic == nil {
			panic(r)
		}
		x.onPanic(r)
	}
}

func millis(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}
