// Package platform runs background engine work, such as script compilation,
// on a bounded pool of goroutines shared by every registered isolate.
package platform

import (
	"context"
	"errors"
	"sync"

	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrIsolateNotRegistered is returned for isolates that were never
	// registered, or have since been unregistered.
	ErrIsolateNotRegistered = errors.New("platform: isolate not registered")

	// ErrIsolateRegistered is returned when registering an isolate twice.
	ErrIsolateRegistered = errors.New("platform: isolate already registered")

	// ErrClosed is returned after [Platform.Close].
	ErrClosed = errors.New("platform: closed")
)

type (
	// Platform schedules tasks per isolate, bounding concurrency globally.
	// It implements [maininstance.Platform].
	Platform struct {
		ctx      context.Context
		cancel   context.CancelFunc
		sem      *semaphore.Weighted
		logger   *logiface.Logger[logiface.Event]
		isolates map[maininstance.Isolate]*tasks
		mu       sync.Mutex
		closed   bool
	}

	// tasks is the in-flight work of a single isolate. The errgroup's error
	// is sticky: it is the first error returned by any task.
	tasks struct {
		group errgroup.Group
	}
)

var _ maininstance.Platform = (*Platform)(nil)

// New creates a platform.
func New(opts ...Option) (*Platform, error) {
	cfg, err := resolvePlatformOptions(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Platform{
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(cfg.workers),
		logger:   cfg.logger,
		isolates: make(map[maininstance.Isolate]*tasks),
	}, nil
}

// RegisterIsolate makes the isolate eligible for [Platform.PostTask].
func (x *Platform) RegisterIsolate(isolate maininstance.Isolate) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if _, ok := x.isolates[isolate]; ok {
		return ErrIsolateRegistered
	}
	x.isolates[isolate] = new(tasks)
	x.logger.Debug().
		Int(`isolates`, len(x.isolates)).
		Log(`registered isolate`)
	return nil
}

// UnregisterIsolate removes the isolate, then waits for its in-flight tasks
// to finish. Unknown isolates are ignored.
func (x *Platform) UnregisterIsolate(isolate maininstance.Isolate) {
	x.mu.Lock()
	t, ok := x.isolates[isolate]
	delete(x.isolates, isolate)
	x.mu.Unlock()
	if !ok {
		return
	}
	if err := t.group.Wait(); err != nil {
		x.logger.Debug().
			Err(err).
			Log(`unregistered isolate had failed tasks`)
	}
	x.logger.Debug().Log(`unregistered isolate`)
}

// PostTask schedules task to run for the isolate. Tasks may post further
// tasks. Apart from that, PostTask must not be called concurrently with
// [Platform.Drain] for the same isolate.
func (x *Platform) PostTask(isolate maininstance.Isolate, task func() error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	t, ok := x.isolates[isolate]
	if !ok {
		return ErrIsolateNotRegistered
	}
	t.group.Go(func() error {
		if err := x.sem.Acquire(x.ctx, 1); err != nil {
			return ErrClosed
		}
		defer x.sem.Release(1)
		return task()
	})
	return nil
}

// Drain blocks until the isolate has no pending tasks, including any posted
// by tasks that were running. It returns the first error returned by any of
// the isolate's tasks.
func (x *Platform) Drain(isolate maininstance.Isolate) error {
	x.mu.Lock()
	t, ok := x.isolates[isolate]
	x.mu.Unlock()
	if !ok {
		return ErrIsolateNotRegistered
	}
	return t.group.Wait()
}

// DrainTasks implements [maininstance.Platform], see [Platform.Drain].
func (x *Platform) DrainTasks(isolate maininstance.Isolate) {
	if err := x.Drain(isolate); err != nil {
		x.logger.Warning().
			Err(err).
			Log(`background task failed`)
		return
	}
	x.logger.Trace().Log(`drained tasks`)
}

// Close cancels tasks that are waiting for a worker, waits for the rest,
// and unregisters every isolate.
func (x *Platform) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	isolates := x.isolates
	x.isolates = nil
	x.mu.Unlock()

	x.cancel()
	for _, t := range isolates {
		_ = t.group.Wait()
	}
	return nil
}
