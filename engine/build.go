package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/dop251/goja"
	eventloop "github.com/joeycumines/go-eventloop"
	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/goja-maininstance/snapshot"
)

// restoreContext recovers the context of an isolate restored from a
// snapshot, replaying the snapshot scripts, then restoring the captured
// globals.
func (x *Isolate) restoreContext() (*Context, error) {
	if x.blob == nil {
		return nil, fmt.Errorf("engine: isolate was not restored from a snapshot")
	}
	if x.disposed.Load() || x.context != nil {
		return nil, fmt.Errorf("engine: isolate cannot create a context")
	}

	ctx, err := newContext(x)
	if err != nil {
		return nil, err
	}

	for i, p := range x.programs {
		if _, err := x.rt.RunProgram(p); err != nil {
			return nil, fmt.Errorf("engine: replay snapshot script %s: %w", x.blob.Scripts[i].Name, err)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(x.blob.Globals)) {
		b, err := snapshot.MarshalValue(x.blob.Globals[name])
		if err != nil {
			return nil, fmt.Errorf("engine: restore global %s: %w", name, err)
		}
		v, err := jsonCall(x.rt, `parse`, x.rt.ToValue(string(b)))
		if err != nil {
			return nil, fmt.Errorf("engine: restore global %s: %w", name, err)
		}
		if err := x.rt.Set(name, v); err != nil {
			return nil, fmt.Errorf("engine: restore global %s: %w", name, err)
		}
	}

	x.engine.opts.logger.Debug().
		Int(`scripts`, len(x.programs)).
		Int(`globals`, len(x.blob.Globals)).
		Log(`restored context from snapshot`)

	return ctx, nil
}

// BuildSnapshot runs the scripts in a fresh isolate, and captures the
// JSON-serialisable globals they define, returning a blob that restores
// that state. Timers scheduled by the scripts never run. The main script,
// if any, is compiled but not run.
func (x *Engine) BuildSnapshot(scripts []snapshot.Script, main *snapshot.Script) (*snapshot.Blob, error) {
	loop, err := NewLoop(eventloop.WithLogger(x.opts.logger))
	if err != nil {
		return nil, err
	}
	defer loop.Close()

	params := &maininstance.CreateParams{Allocator: x.NewArrayBufferAllocator()}
	x.applyDefaults(&params.Constraints)
	iso := newIsolate(x, params, loop, nil, nil)
	defer iso.Dispose()

	if _, err := newContext(iso); err != nil {
		return nil, err
	}

	baseline := make(map[string]struct{})
	for _, k := range iso.rt.GlobalObject().Keys() {
		baseline[k] = struct{}{}
	}

	for _, s := range scripts {
		if _, err := iso.rt.RunScript(s.Name, s.Source); err != nil {
			return nil, fmt.Errorf("engine: build snapshot script %s: %w", s.Name, err)
		}
	}

	if main != nil {
		if _, err := goja.Compile(main.Name, main.Source, false); err != nil {
			return nil, fmt.Errorf("engine: compile snapshot main %s: %w", main.Name, err)
		}
	}

	globals := make(map[string]any)
	for _, k := range iso.rt.GlobalObject().Keys() {
		if _, ok := baseline[k]; ok {
			continue
		}
		v := iso.rt.Get(k)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		if _, ok := goja.AssertFunction(v); ok {
			continue
		}
		s, err := jsonCall(iso.rt, `stringify`, v)
		if err != nil || goja.IsUndefined(s) {
			x.opts.logger.Debug().
				Str(`global`, k).
				Err(err).
				Log(`skipping global that cannot be serialized`)
			continue
		}
		value, err := snapshot.UnmarshalValue([]byte(s.String()))
		if err != nil {
			return nil, fmt.Errorf("engine: capture global %s: %w", k, err)
		}
		globals[k] = value
	}

	blob := &snapshot.Blob{
		Build: snapshot.BuildInfo{
			Engine:  Name,
			Version: SnapshotVersion,
		},
		Scripts: slices.Clone(scripts),
		Globals: globals,
	}
	if main != nil {
		m := *main
		blob.Main = &m
	}

	x.opts.logger.Info().
		Int(`scripts`, len(scripts)).
		Int(`globals`, len(globals)).
		Bool(`main`, main != nil).
		Log(`built snapshot`)

	return blob, nil
}

// jsonCall calls JSON[method](arg).
func jsonCall(rt *goja.Runtime, method string, arg goja.Value) (goja.Value, error) {
	obj := rt.Get(`JSON`).ToObject(rt)
	fn, ok := goja.AssertFunction(obj.Get(method))
	if !ok {
		return nil, fmt.Errorf("engine: JSON.%s is not a function", method)
	}
	return fn(obj, arg)
}
