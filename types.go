package maininstance

import (
	"sync"
)

type (
	// Engine allocates isolates. It models the VM itself.
	Engine interface {
		// NewArrayBufferAllocator returns a new allocator, for the
		// heap-managed buffers of a single isolate.
		NewArrayBufferAllocator() Allocator

		// NewIsolate creates and configures a new isolate, registering it
		// with the platform. A nil snapshot means the isolate is built from
		// scratch. The engine may fill in defaults on params.Constraints.
		//
		// Implementations must return either a non-nil isolate or a
		// non-nil error.
		NewIsolate(params *CreateParams, loop EventLoop, platform Platform, snapshot Snapshot) (Isolate, error)
	}

	// Isolate is an independent VM heap. It may be entered by at most one
	// goroutine at a time, which is enforced by its [sync.Locker].
	Isolate interface {
		sync.Locker

		// Enter activates the isolate for the calling goroutine, returning
		// the func that exits it.
		Enter() (exit func())

		// HandleScope opens a scope for engine handles, returning the func
		// that closes it.
		HandleScope() (closeScope func())

		// NewContext creates a fresh context, returning nil (the empty
		// context) if that is not possible.
		NewContext() Context

		// HeapProfiler returns the isolate's heap profiler.
		HeapProfiler() HeapProfiler

		// Dispose releases the isolate's engine-level resources.
		Dispose()
	}

	// Context is a global execution context within an isolate. A nil
	// Context is the empty context.
	Context interface {
		// Enter activates the context, returning the func that exits it.
		Enter() (exit func())
	}

	// HeapProfiler models the subset of the engine's heap profiler that
	// the instance toggles.
	HeapProfiler interface {
		StartTrackingHeapObjects(trackAllocations bool)
	}

	// Allocator allocates the backing stores of buffers handed to scripts.
	// Backing stores owned by scripts are never passed to Free, so an
	// implementation that enforces a limit must reclaim them once they are
	// garbage collected.
	Allocator interface {
		Allocate(length int) ([]byte, error)
		Free(data []byte)
	}

	// Platform runs background engine work, across all isolates.
	Platform interface {
		// DrainTasks blocks until all pending background tasks for the
		// isolate have completed.
		DrainTasks(isolate Isolate)

		// UnregisterIsolate removes the isolate from the platform, after
		// which no further work will be scheduled for it.
		UnregisterIsolate(isolate Isolate)
	}

	// EventLoop is the handle of the loop that pumps an environment's
	// asynchronous work. The instance passes it through, to the engine and
	// the environment subsystem.
	EventLoop interface {
		// Alive reports whether the loop has outstanding work.
		Alive() bool
	}

	// Snapshot is a serialized, pre-initialized image of isolate and
	// environment state.
	Snapshot interface {
		// EmbedderWrapper returns the embedder-owned part of the snapshot.
		EmbedderWrapper() EmbedderWrapper
	}

	// EmbedderWrapper carries embedder state recovered from a snapshot.
	EmbedderWrapper interface {
		Metadata() map[string]string
	}

	// Environment is the language-global execution context, built on top
	// of an isolate. It is released via [Environments.FreeEnvironment].
	Environment interface {
		// Context returns the context the environment was built against,
		// or recovered from a snapshot.
		Context() Context
	}

	// StartExecutionCallback overrides the selection of the environment's
	// entry point, see [Environments.LoadEnvironment].
	StartExecutionCallback func(env Environment) error

	// Environments constructs, starts and drives environments.
	Environments interface {
		// NewIsolateData builds the per-isolate data holder. The allocator
		// is nil for borrowed isolates, and embedder is nil unless the
		// isolate was restored from a snapshot.
		NewIsolateData(isolate Isolate, loop EventLoop, platform Platform, allocator Allocator, embedder EmbedderWrapper) *IsolateData

		// SetIsolateMiscHandlers applies the miscellaneous isolate handlers.
		// The zero value of settings selects the defaults.
		SetIsolateMiscHandlers(isolate Isolate, settings IsolateSettings)

		// CreateEnvironment builds an environment. A nil (empty) context
		// instructs the implementation to recover the context from the
		// snapshot the isolate was created from.
		//
		// The environment may be non-nil even if an error is returned, in
		// which case it must still be freed.
		CreateEnvironment(data *IsolateData, context Context, args, execArgs []string) (Environment, error)

		// LoadEnvironment loads and starts the environment's entry point.
		// A nil start selects the default entry point.
		LoadEnvironment(env Environment, start StartExecutionCallback) error

		// SpinEventLoop runs the environment's event loop until there is no
		// more pending work, returning the terminal status. The bool is
		// false if the loop did not produce a usable status.
		SpinEventLoop(env Environment) (ExitCode, bool)

		// FreeEnvironment releases the environment.
		FreeEnvironment(env Environment)
	}

	// CryptoInitializer performs the one-time initialization of the
	// cryptographic subsystem. Implementations must be idempotent.
	CryptoInitializer interface {
		InitCryptoOnce(isolate Isolate)
	}

	// CreateParams are the isolate creation parameters.
	CreateParams struct {
		Allocator   Allocator
		Constraints ResourceConstraints
		// ExecArgs are the engine-level arguments, which may carry isolate
		// flags, e.g. --stack-size.
		ExecArgs []string
	}

	// ResourceConstraints bound the resources of an isolate. Zero values
	// select the engine's defaults.
	ResourceConstraints struct {
		MaxYoungGenerationSizeInBytes uint64
		MaxOldGenerationSizeInBytes   uint64
		MaxCallStackSize              int
	}

	// IsolateData is the per-isolate state shared by every environment
	// running in the isolate.
	IsolateData struct {
		Isolate  Isolate
		Loop     EventLoop
		Platform Platform
		// Allocator is nil if the isolate is borrowed.
		Allocator Allocator
		// Embedder is nil unless the isolate was restored from a snapshot.
		Embedder EmbedderWrapper
		Options  PerIsolateOptions
		// MaxYoungGenSize is derived once, from the isolate creation
		// parameters.
		MaxYoungGenSize uint64
	}

	// PerIsolateOptions are the options that apply to a single isolate.
	PerIsolateOptions struct {
		// TrackHeapObjects starts heap object tracking, before the main
		// context is created.
		TrackHeapObjects bool
	}

	// IsolateSettings configures the miscellaneous isolate handlers. Nil
	// fields select the engine's default behavior.
	IsolateSettings struct {
		// ShouldAbortOnUncaughtException decides whether an uncaught
		// exception aborts the process, rather than being reported.
		ShouldAbortOnUncaughtException func(isolate Isolate) bool
		// FatalError is called on unrecoverable engine errors.
		FatalError func(location, message string)
		// PromiseRejectCallback observes promise rejection tracking events.
		PromiseRejectCallback func(msg PromiseRejectMessage)
	}

	// PromiseRejectMessage describes a promise rejection tracking event.
	PromiseRejectMessage struct {
		Reason  any
		Event   PromiseRejectEvent
		Promise any
	}

	// PromiseRejectEvent enumerates promise rejection tracking events.
	PromiseRejectEvent int
)

const (
	// PromiseRejectWithNoHandler indicates a promise was rejected without
	// any handler attached.
	PromiseRejectWithNoHandler PromiseRejectEvent = iota
	// PromiseHandlerAddedAfterReject indicates a handler was attached to a
	// promise that was already rejected.
	PromiseHandlerAddedAfterReject
)

// String implements fmt.Stringer.
func (x PromiseRejectEvent) String() string {
	switch x {
	case PromiseRejectWithNoHandler:
		return "reject-with-no-handler"
	case PromiseHandlerAddedAfterReject:
		return "handler-added-after-reject"
	default:
		return "unknown"
	}
}
