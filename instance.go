package maininstance

import (
	"fmt"
	"slices"

	"github.com/joeycumines/logiface"
)

type (
	// Instance is the main execution unit: an isolate, its per-isolate
	// data, and the arguments its main environment is built with.
	//
	// Instances are created by either [NewOwned] or [Attach], and are not
	// safe for concurrent use.
	Instance struct {
		mode         isolateMode
		platform     Platform
		environments Environments
		crypto       CryptoInitializer
		snapshot     Snapshot
		isolateData  *IsolateData
		logger       *logiface.Logger[logiface.Event]
		args         []string
		execArgs     []string
		closed       bool
	}

	// isolateMode is either *ownedIsolate or *borrowedIsolate.
	isolateMode interface {
		isolate() Isolate
	}

	ownedIsolate struct {
		allocator Allocator
		iso       Isolate
		params    *CreateParams
	}

	borrowedIsolate struct {
		iso Isolate
	}
)

// Attach creates an instance for an isolate created and owned elsewhere,
// which must already be initialized. The instance never disposes of the
// isolate, see [Instance.Dispose].
func Attach(isolate Isolate, loop EventLoop, platform Platform, args, execArgs []string, opts ...Option) (*Instance, error) {
	if isolate == nil {
		return nil, ErrNilIsolate
	}

	cfg, err := resolveInstanceOptions(opts)
	if err != nil {
		return nil, err
	}

	x := newInstance(cfg, &borrowedIsolate{iso: isolate}, platform, nil, args, execArgs)

	x.isolateData = cfg.environments.NewIsolateData(isolate, loop, platform, nil, nil)

	cfg.environments.SetIsolateMiscHandlers(isolate, IsolateSettings{})

	x.logger.Debug().
		Bool(`owned`, false).
		Int(`args`, len(x.args)).
		Log(`attached main instance`)

	return x, nil
}

// NewOwned creates an instance that exclusively owns a new isolate, built
// from the snapshot, or from scratch if snapshot is nil. The isolate is
// released by [Instance.Close].
//
// NewOwned panics if the engine returns neither an isolate nor an error.
func NewOwned(snapshot Snapshot, loop EventLoop, platform Platform, args, execArgs []string, opts ...Option) (*Instance, error) {
	cfg, err := resolveInstanceOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.engine == nil {
		return nil, ErrNoEngine
	}

	allocator := cfg.engine.NewArrayBufferAllocator()
	params := &CreateParams{
		Allocator:   allocator,
		Constraints: cfg.constraints,
		ExecArgs:    slices.Clone(execArgs),
	}

	isolate, err := cfg.engine.NewIsolate(params, loop, platform, snapshot)
	if err != nil {
		return nil, fmt.Errorf("maininstance: create isolate: %w", err)
	}
	if isolate == nil {
		panic("maininstance: engine returned a nil isolate")
	}

	x := newInstance(cfg, &ownedIsolate{
		allocator: allocator,
		iso:       isolate,
		params:    params,
	}, platform, snapshot, args, execArgs)

	var embedder EmbedderWrapper
	if snapshot != nil {
		embedder = snapshot.EmbedderWrapper()
	}
	x.isolateData = cfg.environments.NewIsolateData(isolate, loop, platform, allocator, embedder)

	x.isolateData.MaxYoungGenSize = params.Constraints.MaxYoungGenerationSizeInBytes

	x.logger.Debug().
		Bool(`owned`, true).
		Bool(`snapshot`, snapshot != nil).
		Uint64(`max_young_gen_size`, x.isolateData.MaxYoungGenSize).
		Log(`created main instance`)

	return x, nil
}

func newInstance(cfg *instanceOptions, mode isolateMode, platform Platform, snapshot Snapshot, args, execArgs []string) *Instance {
	return &Instance{
		mode:         mode,
		platform:     platform,
		environments: cfg.environments,
		crypto:       cfg.crypto,
		snapshot:     snapshot,
		logger:       cfg.logger,
		args:         slices.Clone(args),
		execArgs:     slices.Clone(execArgs),
	}
}

// Isolate returns the isolate, whether owned or borrowed.
func (x *Instance) Isolate() Isolate {
	return x.mode.isolate()
}

// Owned reports whether the instance exclusively owns its isolate.
func (x *Instance) Owned() bool {
	_, ok := x.mode.(*ownedIsolate)
	return ok
}

// CreateParams returns the parameters an owned isolate was created with, or
// nil if the isolate is borrowed.
func (x *Instance) CreateParams() *CreateParams {
	if mode, ok := x.mode.(*ownedIsolate); ok {
		return mode.params
	}
	return nil
}

// Allocator returns the allocator owned by the instance, or nil if the
// isolate is borrowed.
func (x *Instance) Allocator() Allocator {
	if mode, ok := x.mode.(*ownedIsolate); ok {
		return mode.allocator
	}
	return nil
}

// IsolateData returns the per-isolate data, which is nil after
// [Instance.Close] has released an owned isolate.
func (x *Instance) IsolateData() *IsolateData {
	return x.isolateData
}

// Args returns a copy of the arguments.
func (x *Instance) Args() []string {
	return slices.Clone(x.args)
}

// ExecArgs returns a copy of the engine-level arguments.
func (x *Instance) ExecArgs() []string {
	return slices.Clone(x.execArgs)
}

// Dispose drains the platform's pending background tasks for a borrowed
// isolate, without destroying it. It returns [ErrOwnedIsolate] if the
// instance owns its isolate.
func (x *Instance) Dispose() error {
	switch mode := x.mode.(type) {
	case *borrowedIsolate:
		x.platform.DrainTasks(mode.iso)
		x.logger.Debug().Log(`drained borrowed isolate`)
		return nil
	case *ownedIsolate:
		return ErrOwnedIsolate
	default:
		panic(fmt.Sprintf("maininstance: unexpected isolate mode %T", mode))
	}
}

// Close destroys the instance. An owned isolate is first unregistered from
// the platform, then disposed. Closing an instance with a borrowed isolate
// does not touch the isolate. Subsequent calls are no-ops.
func (x *Instance) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true

	switch mode := x.mode.(type) {
	case *borrowedIsolate:
		return nil
	case *ownedIsolate:
		x.platform.UnregisterIsolate(mode.iso)
		mode.iso.Dispose()
		x.isolateData = nil
		x.logger.Debug().Log(`disposed owned isolate`)
		return nil
	default:
		panic(fmt.Sprintf("maininstance: unexpected isolate mode %T", mode))
	}
}

func (x *Instance) checkOpen() {
	if x.closed {
		panic("maininstance: instance is closed")
	}
}

func (x *ownedIsolate) isolate() Isolate { return x.iso }

func (x *borrowedIsolate) isolate() Isolate { return x.iso }
