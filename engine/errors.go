package engine

import (
	"errors"
)

var (
	// ErrSnapshotIncompatible is returned (wrapped in a
	// [maininstance.ExitError]) if a snapshot was built by a different
	// engine, or engine version.
	ErrSnapshotIncompatible = errors.New("engine: incompatible snapshot")

	// ErrUnsupportedLoop is returned if an event loop is not a [*Loop].
	ErrUnsupportedLoop = errors.New("engine: unsupported event loop")

	// ErrUnsupportedIsolate is returned if an isolate was not created by an
	// [Engine].
	ErrUnsupportedIsolate = errors.New("engine: unsupported isolate")

	// ErrUnsupportedContext is returned if a context was not created by the
	// isolate it is used with.
	ErrUnsupportedContext = errors.New("engine: unsupported context")

	// ErrAllocationLimit is returned by [ArrayBufferAllocator.Allocate] if
	// the allocation would exceed the limit.
	ErrAllocationLimit = errors.New("engine: array buffer allocation limit exceeded")

	// ErrAlreadyLoaded is returned by [Environments.LoadEnvironment] if the
	// environment has already been loaded.
	ErrAlreadyLoaded = errors.New("engine: environment already loaded")

	// errProcessExit interrupts the runtime on process.exit.
	errProcessExit = errors.New("engine: process exit")

	// errTerminated interrupts the runtime on termination.
	errTerminated = errors.New("engine: terminated")
)
