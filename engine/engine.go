package engine

import (
	"fmt"

	"github.com/dop251/goja"
	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/goja-maininstance/snapshot"
)

const (
	// Name identifies the engine in snapshot metadata.
	Name = `goja`

	// SnapshotVersion is the version of the snapshot contents this engine
	// produces and accepts.
	SnapshotVersion = `1`

	// DefaultMaxYoungGenerationSize is filled in if the constraints leave it
	// unset.
	DefaultMaxYoungGenerationSize uint64 = 16 << 20

	// DefaultMaxCallStackSize is the call stack limit, if neither the
	// constraints nor [WithMaxCallStackSize] set one.
	DefaultMaxCallStackSize = 10000
)

type (
	// Engine implements [maininstance.Engine] on top of goja.
	Engine struct {
		opts *engineOptions
	}

	// TaskRunner is implemented by platforms that can compile snapshot
	// scripts in the background, e.g. *platform.Platform.
	TaskRunner interface {
		maininstance.Platform
		RegisterIsolate(isolate maininstance.Isolate) error
		PostTask(isolate maininstance.Isolate, task func() error) error
		Drain(isolate maininstance.Isolate) error
	}
)

var _ maininstance.Engine = (*Engine)(nil)

// New creates an engine.
func New(opts ...Option) (*Engine, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{opts: cfg}, nil
}

// NewArrayBufferAllocator implements [maininstance.Engine].
func (x *Engine) NewArrayBufferAllocator() maininstance.Allocator {
	return NewArrayBufferAllocator(x.opts.allocatorLimit)
}

// NewIsolate implements [maininstance.Engine]. The loop must be a [*Loop],
// and the snapshot (if any) a [*snapshot.Blob]. If the platform implements
// [TaskRunner], the isolate is registered with it, and snapshot scripts are
// compiled on its workers.
func (x *Engine) NewIsolate(params *maininstance.CreateParams, loop maininstance.EventLoop, platform maininstance.Platform, snap maininstance.Snapshot) (maininstance.Isolate, error) {
	if params == nil {
		params = new(maininstance.CreateParams)
	}
	// invalid exec args fail environment creation
	if exec, _ := parseExecArgs(params.ExecArgs); exec.stackSize != 0 {
		params.Constraints.MaxCallStackSize = exec.stackSize
	}
	x.applyDefaults(&params.Constraints)

	l, ok := loop.(*Loop)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedLoop, loop)
	}

	var blob *snapshot.Blob
	if snap != nil {
		if blob, ok = snap.(*snapshot.Blob); !ok || blob == nil {
			return nil, &maininstance.ExitError{
				Err:  fmt.Errorf("%w: unsupported snapshot type %T", ErrSnapshotIncompatible, snap),
				Code: maininstance.ExitStartupSnapshotFailure,
			}
		}
		if err := blob.Check(Name, SnapshotVersion); err != nil {
			return nil, &maininstance.ExitError{
				Err:  fmt.Errorf("%w: %w", ErrSnapshotIncompatible, err),
				Code: maininstance.ExitStartupSnapshotFailure,
			}
		}
	}

	if a, ok := params.Allocator.(*ArrayBufferAllocator); ok {
		a.limitIfUnset(int64(params.Constraints.MaxOldGenerationSizeInBytes))
	}

	iso := newIsolate(x, params, l, platform, blob)

	runner, _ := platform.(TaskRunner)
	if runner != nil {
		if err := runner.RegisterIsolate(iso); err != nil {
			iso.Dispose()
			return nil, fmt.Errorf("engine: register isolate: %w", err)
		}
	}

	if blob != nil {
		if err := iso.compileSnapshot(runner); err != nil {
			if runner != nil {
				runner.UnregisterIsolate(iso)
			}
			iso.Dispose()
			return nil, &maininstance.ExitError{Err: err, Code: maininstance.ExitStartupSnapshotFailure}
		}
	}

	iso.applySettings(maininstance.IsolateSettings{})

	x.opts.logger.Debug().
		Bool(`snapshot`, blob != nil).
		Uint64(`max_young_gen_size`, params.Constraints.MaxYoungGenerationSizeInBytes).
		Int(`max_call_stack_size`, params.Constraints.MaxCallStackSize).
		Log(`created isolate`)

	return iso, nil
}

func (x *Engine) applyDefaults(c *maininstance.ResourceConstraints) {
	if c.MaxYoungGenerationSizeInBytes == 0 {
		c.MaxYoungGenerationSizeInBytes = DefaultMaxYoungGenerationSize
	}
	if c.MaxCallStackSize == 0 {
		c.MaxCallStackSize = x.opts.maxCallStackSize
	}
}

// compileSnapshot compiles the snapshot's scripts, on the runner's workers
// if there is one.
func (x *Isolate) compileSnapshot(runner TaskRunner) error {
	x.programs = make([]*goja.Program, len(x.blob.Scripts))

	compile := func(dst **goja.Program, script snapshot.Script) func() error {
		return func() error {
			p, err := goja.Compile(script.Name, script.Source, false)
			if err != nil {
				return fmt.Errorf("engine: compile snapshot script %s: %w", script.Name, err)
			}
			*dst = p
			return nil
		}
	}

	tasks := make([]func() error, 0, len(x.blob.Scripts)+1)
	for i, script := range x.blob.Scripts {
		tasks = append(tasks, compile(&x.programs[i], script))
	}
	if x.blob.Main != nil {
		tasks = append(tasks, compile(&x.mainProgram, *x.blob.Main))
	}

	for _, task := range tasks {
		if runner == nil {
			if err := task(); err != nil {
				return err
			}
			continue
		}
		if err := runner.PostTask(x, task); err != nil {
			return err
		}
	}

	if runner != nil {
		return runner.Drain(x)
	}
	return nil
}
