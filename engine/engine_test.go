package engine

import (
	"bytes"
	"strings"
	"testing"
	"time"

	gojarequire "github.com/dop251/goja_nodejs/require"
	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/goja-maininstance/platform"
	"github.com/joeycumines/goja-maininstance/snapshot"
	"github.com/joeycumines/goja-maininstance/webcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t        *testing.T
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	engine   *Engine
	envs     *Environments
	platform *platform.Platform
	loop     *Loop
}

func mapLoader(files map[string]string) gojarequire.SourceLoader {
	return func(path string) ([]byte, error) {
		if src, ok := files[path]; ok {
			return []byte(src), nil
		}
		return nil, gojarequire.ModuleFileDoesNotExistError
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t}
	opts = append([]Option{WithStdout(&h.stdout), WithStderr(&h.stderr)}, opts...)

	var err error
	h.engine, err = New(opts...)
	require.NoError(t, err)
	h.envs, err = NewEnvironments(opts...)
	require.NoError(t, err)
	h.platform, err = platform.New(platform.WithWorkers(2))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, h.platform.Close()) })
	h.loop, err = NewLoop()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, h.loop.Close()) })
	return h
}

func (h *harness) owned(snap maininstance.Snapshot, args, execArgs []string, opts ...maininstance.Option) *maininstance.Instance {
	h.t.Helper()
	opts = append([]maininstance.Option{
		maininstance.WithEngine(h.engine),
		maininstance.WithEnvironments(h.envs),
	}, opts...)
	inst, err := maininstance.NewOwned(snap, h.loop, h.platform, args, execArgs, opts...)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { assert.NoError(h.t, inst.Close()) })
	return inst
}

// eval runs src as the --eval entry point, returning the exit code.
func (h *harness) eval(src string) maininstance.ExitCode {
	h.t.Helper()
	return h.owned(nil, []string{`gojamain`}, []string{`-e`, src}).Run()
}

func TestRun_eval(t *testing.T) {
	for _, tc := range [...]struct {
		Name   string
		Src    string
		Code   maininstance.ExitCode
		Stdout string
		Stderr string
	}{
		{Name: `empty`, Src: ``, Code: 0},
		{Name: `exit`, Src: `process.exit(3); console.log('unreachable')`, Code: 3},
		{Name: `exit default`, Src: `process.exitCode = 6; process.exit()`, Code: 6},
		{Name: `exit code`, Src: `process.exitCode = 5`, Code: 5},
		{Name: `throw`, Src: `throw new Error('boom')`, Code: 1, Stderr: `Uncaught Error: boom`},
		{Name: `throw in timer`, Src: `setTimeout(() => { throw new Error('late') }, 1); setTimeout(() => console.log('never'), 50)`, Code: 1, Stderr: `Uncaught Error: late`},
		{Name: `exit in timer`, Src: `setTimeout(() => process.exit(4), 5); setInterval(() => {}, 1)`, Code: 4},
		{Name: `console`, Src: `console.log('hi'); console.error('oops')`, Code: 0, Stdout: "hi\n", Stderr: `oops`},
		{
			Name:   `ordering`,
			Src:    `setTimeout(() => console.log('timeout'), 20); setImmediate(() => console.log('immediate')); queueMicrotask(() => console.log('microtask')); process.nextTick(() => console.log('tick')); console.log('sync')`,
			Stdout: "sync\ntick\nmicrotask\nimmediate\ntimeout\n",
		},
		{
			Name:   `interval`,
			Src:    `var n = 0; var id = setInterval((a) => { if (++n === 3) { clearInterval(id); console.log(a, n) } }, 1, 'count')`,
			Stdout: "count 3\n",
		},
		{Name: `clear timeout`, Src: `var id = setTimeout(() => console.log('never'), 1); clearTimeout(id)`},
		{
			Name:   `before exit`,
			Src:    `var fired = 0; process.on('beforeExit', (code) => { console.log('beforeExit', code); if (fired++ === 0) setTimeout(() => console.log('again'), 1) })`,
			Stdout: "beforeExit 0\nagain\nbeforeExit 0\n",
		},
		{
			Name:   `exit event`,
			Src:    `process.on('exit', (code) => console.log('exit', code)); process.exitCode = 2`,
			Code:   2,
			Stdout: "exit 2\n",
		},
		{
			Name:   `exit event on exit`,
			Src:    `process.on('exit', (code) => console.log('exit', code)); process.exit(8)`,
			Code:   8,
			Stdout: "exit 8\n",
		},
		{Name: `unhandled rejection`, Src: `Promise.reject(new Error('nope'))`, Code: 1, Stderr: `Uncaught (in promise) Error: nope`},
		{Name: `handled rejection`, Src: `var p = Promise.reject(1); p.catch(() => {})`},
		{
			Name:   `rejection handled in next tick`,
			Src:    `var p = Promise.reject(1); process.nextTick(() => p.catch(() => console.log('caught')))`,
			Stdout: "caught\n",
		},
		{
			Name:   `unhandled rejection listener`,
			Src:    `process.on('unhandledRejection', (reason) => console.log('reason', reason)); Promise.reject(7)`,
			Stdout: "reason 7\n",
		},
		{
			Name: `uncaught exception listener`,
			Src:  `process.on('uncaughtException', (e) => { console.log('caught', e.message); process.exitCode = 9 }); setTimeout(() => { throw new Error('x') }, 1)`,
			Code: 9, Stdout: "caught x\n",
		},
		{
			Name: `exception in uncaught exception listener`,
			Src:  `process.on('uncaughtException', () => { throw new Error('again') }); throw new Error('x')`,
			Code: maininstance.ExitExceptionInFatalExceptionHandler, Stderr: `Uncaught Error: again`,
		},
		{Name: `bad callback`, Src: `setTimeout('nope', 1)`, Code: 1, Stderr: `TypeError`},
		{
			Name:   `process`,
			Src:    `console.log(process.argv[0], process.execArgv[0], typeof process.env, typeof process.pid, process.version === '` + Version + `', typeof process.cwd())`,
			Stdout: "gojamain -e object number true string\n",
		},
		{Name: `buffer and url`, Src: `console.log(Buffer.from('hi').toString('hex'), new URL('https://example.com/a?b=1').pathname)`, Stdout: "6869 /a\n"},
		{Name: `warning listener`, Src: `process.on('warning', (w) => console.log('warned', w)); process.emitWarning('careful')`, Stdout: "warned careful\n"},
		{Name: `warning`, Src: `process.emitWarning('careful', 'DeprecationWarning')`, Stderr: `DeprecationWarning: careful`},
		{Name: `stack overflow`, Src: `function f() { return f() } f()`, Code: 1, Stderr: `Uncaught`},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			h := newHarness(t, WithMaxCallStackSize(500))
			assert.Equal(t, tc.Code, h.eval(tc.Src))
			assert.Equal(t, tc.Stdout, h.stdout.String())
			if tc.Stderr != `` {
				assert.Contains(t, h.stderr.String(), tc.Stderr)
			}
		})
	}
}

func TestRun_badExecArgs(t *testing.T) {
	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, []string{`--nope`})
	assert.Equal(t, maininstance.ExitInvalidCommandLineArgument, inst.Run())

	h = newHarness(t)
	inst = h.owned(nil, []string{`gojamain`}, []string{`-e`})
	assert.Equal(t, maininstance.ExitInvalidCommandLineArgument, inst.Run())
}

func TestRun_mainModule(t *testing.T) {
	h := newHarness(t, WithSourceLoader(mapLoader(map[string]string{
		`/app/main.js`: `const lib = require('./lib.js'); console.log(lib.answer, process.argv[2]);`,
		`/app/lib.js`:  `module.exports = { answer: 42 };`,
	})))
	inst := h.owned(nil, []string{`gojamain`, `/app/main.js`, `extra`}, nil)
	assert.Equal(t, maininstance.ExitNoFailure, inst.Run())
	assert.Equal(t, "42 extra\n", h.stdout.String())
}

func TestRun_missingModule(t *testing.T) {
	h := newHarness(t, WithSourceLoader(mapLoader(nil)))
	inst := h.owned(nil, []string{`gojamain`, `/app/missing.js`}, nil)
	assert.Equal(t, maininstance.ExitGenericUserError, inst.Run())
	assert.Contains(t, h.stderr.String(), `Uncaught`)
}

func TestRun_stdin(t *testing.T) {
	h := newHarness(t, WithStdin(strings.NewReader(`console.log('from stdin')`)))
	inst := h.owned(nil, []string{`gojamain`, `-`}, nil)
	assert.Equal(t, maininstance.ExitNoFailure, inst.Run())
	assert.Equal(t, "from stdin\n", h.stdout.String())
}

func TestRun_noEntryPoint(t *testing.T) {
	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, nil)
	assert.Equal(t, maininstance.ExitNoFailure, inst.Run())
	assert.Empty(t, h.stdout.String())
}

func TestRun_freshContextCrypto(t *testing.T) {
	ci, err := webcrypto.NewInitializer()
	require.NoError(t, err)
	h := newHarness(t, WithCrypto(ci))
	assert.Equal(t, maininstance.ExitNoFailure, h.eval(`console.log(typeof crypto.randomUUID(), crypto.randomBytes(4).byteLength)`))
	assert.Equal(t, "string 4\n", h.stdout.String())
}

func TestRun_allocatorLimitReclaimed(t *testing.T) {
	ci, err := webcrypto.NewInitializer()
	require.NoError(t, err)
	h := newHarness(t, WithCrypto(ci), WithAllocatorLimit(64*1024))
	assert.Equal(t, maininstance.ExitNoFailure, h.eval(`
		var n = 0;
		for (var i = 0; i < 100; i++) n += crypto.randomBytes(1024).byteLength;
		console.log(n);
	`))
	assert.Equal(t, "102400\n", h.stdout.String())
	assert.Empty(t, h.stderr.String())
}

func TestRun_snapshot(t *testing.T) {
	builder, err := New()
	require.NoError(t, err)
	built, err := builder.BuildSnapshot([]snapshot.Script{{
		Name:   `setup.js`,
		Source: `var config = { name: 'app', n: 1 }; var counter = 0; config.n++; function greet() { return 'hi ' + config.name }`,
	}}, &snapshot.Script{
		Name:   `main.js`,
		Source: `counter++; console.log(greet(), config.n, counter, typeof crypto.randomUUID)`,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{`config`: map[string]any{`name`: `app`, `n`: float64(2)}, `counter`: float64(0)}, built.Globals)

	data, err := built.Encode()
	require.NoError(t, err)
	blob, err := snapshot.Decode(data)
	require.NoError(t, err)

	ci, err := webcrypto.NewInitializer()
	require.NoError(t, err)
	h := newHarness(t)
	inst := h.owned(blob, []string{`gojamain`}, nil, maininstance.WithCrypto(ci))
	assert.Equal(t, maininstance.ExitNoFailure, inst.Run())
	assert.Equal(t, "hi app 2 1 function\n", h.stdout.String())

	iso := inst.Isolate().(*Isolate)
	assert.Same(t, blob, iso.Snapshot())
	installed, err := webcrypto.Install(iso.Runtime(), nil)
	require.NoError(t, err)
	assert.False(t, installed)
}

func TestRun_snapshotBadMain(t *testing.T) {
	h := newHarness(t)
	blob := &snapshot.Blob{
		Build: snapshot.BuildInfo{Engine: Name, Version: SnapshotVersion},
		Main:  &snapshot.Script{Name: `main.js`, Source: `function (`},
	}
	_, err := maininstance.NewOwned(blob, h.loop, h.platform, nil, nil,
		maininstance.WithEngine(h.engine),
		maininstance.WithEnvironments(h.envs),
	)
	require.Error(t, err)
	assert.Equal(t, maininstance.ExitStartupSnapshotFailure, maininstance.ExitCodeOf(err, maininstance.ExitGenericUserError))
	assert.ErrorContains(t, err, `main.js`)
}

func TestRun_snapshotReplayFailure(t *testing.T) {
	h := newHarness(t)
	blob := &snapshot.Blob{
		Build:   snapshot.BuildInfo{Engine: Name, Version: SnapshotVersion},
		Scripts: []snapshot.Script{{Name: `setup.js`, Source: `throw new Error('bad setup')`}},
	}
	inst := h.owned(blob, []string{`gojamain`}, nil)
	assert.Equal(t, maininstance.ExitStartupSnapshotFailure, inst.Run())
}

func TestRun_snapshotIncompatible(t *testing.T) {
	h := newHarness(t)
	blob := &snapshot.Blob{Build: snapshot.BuildInfo{Engine: `v8`, Version: SnapshotVersion}}
	_, err := maininstance.NewOwned(blob, h.loop, h.platform, nil, nil,
		maininstance.WithEngine(h.engine),
		maininstance.WithEnvironments(h.envs),
	)
	assert.ErrorIs(t, err, ErrSnapshotIncompatible)
	assert.Equal(t, maininstance.ExitStartupSnapshotFailure, maininstance.ExitCodeOf(err, maininstance.ExitGenericUserError))
}

func TestRun_attach(t *testing.T) {
	h := newHarness(t)
	params := &maininstance.CreateParams{Allocator: h.engine.NewArrayBufferAllocator()}
	iso, err := h.engine.NewIsolate(params, h.loop, h.platform, nil)
	require.NoError(t, err)

	inst, err := maininstance.Attach(iso, h.loop, h.platform, []string{`gojamain`}, []string{`--eval=console.log('attached'); process.exitCode = 2`},
		maininstance.WithEnvironments(h.envs),
	)
	require.NoError(t, err)
	assert.Equal(t, maininstance.ExitCode(2), inst.Run())
	require.NoError(t, inst.Dispose())
	require.NoError(t, inst.Close())
	assert.False(t, iso.(*Isolate).Disposed())

	h.platform.UnregisterIsolate(iso)
	iso.Dispose()
	assert.True(t, iso.(*Isolate).Disposed())
	assert.Equal(t, "attached\n", h.stdout.String())
}

func TestRun_terminate(t *testing.T) {
	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, []string{`-e`, `setInterval(() => {}, 1)`})
	timer := time.AfterFunc(20*time.Millisecond, inst.Isolate().Dispose)
	defer timer.Stop()
	assert.Equal(t, maininstance.ExitGenericUserError, inst.Run())
}

func TestRun_trackHeapObjects(t *testing.T) {
	h := newHarness(t, WithTrackHeapObjects(true))
	inst := h.owned(nil, []string{`gojamain`}, nil)
	assert.True(t, inst.IsolateData().Options.TrackHeapObjects)
	assert.Equal(t, maininstance.ExitNoFailure, inst.Run())
	tracking, allocations := inst.Isolate().(*Isolate).Profiler().Tracking()
	assert.True(t, tracking)
	assert.True(t, allocations)
}

func TestRun_trackHeapObjectsExecArg(t *testing.T) {
	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, []string{`--track-heap-objects`})
	assert.True(t, inst.IsolateData().Options.TrackHeapObjects)
	assert.Equal(t, maininstance.ExitNoFailure, inst.Run())
	tracking, _ := inst.Isolate().(*Isolate).Profiler().Tracking()
	assert.True(t, tracking)
}

func TestRun_stackSizeExecArg(t *testing.T) {
	const src = `function f(n) { return n === 0 ? 0 : f(n - 1) } f(100); console.log('done')`

	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, []string{`--stack-size=50`, `-e`, src})
	assert.Equal(t, 50, inst.Isolate().(*Isolate).Constraints().MaxCallStackSize)
	assert.Equal(t, maininstance.ExitGenericUserError, inst.Run())
	assert.Empty(t, h.stdout.String())
	assert.Contains(t, h.stderr.String(), `Uncaught`)

	h = newHarness(t)
	assert.Equal(t, maininstance.ExitNoFailure, h.eval(src))
	assert.Equal(t, "done\n", h.stdout.String())
}

func TestRun_invalidStackSize(t *testing.T) {
	for _, arg := range []string{`--stack-size=`, `--stack-size=0`, `--stack-size=big`} {
		t.Run(arg, func(t *testing.T) {
			h := newHarness(t)
			inst := h.owned(nil, []string{`gojamain`}, []string{arg})
			assert.Equal(t, DefaultMaxCallStackSize, inst.Isolate().(*Isolate).Constraints().MaxCallStackSize)
			assert.Equal(t, maininstance.ExitInvalidCommandLineArgument, inst.Run())
		})
	}
}

func TestSetIsolateMiscHandlers_promiseRejectCallback(t *testing.T) {
	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, []string{`-e`, `var p = Promise.reject(new Error('x')); setTimeout(() => p.catch(() => {}), 1)`})
	var events []maininstance.PromiseRejectEvent
	h.envs.SetIsolateMiscHandlers(inst.Isolate(), maininstance.IsolateSettings{
		PromiseRejectCallback: func(msg maininstance.PromiseRejectMessage) {
			events = append(events, msg.Event)
			assert.NotNil(t, msg.Promise)
		},
	})
	assert.Equal(t, maininstance.ExitNoFailure, inst.Run())
	assert.Equal(t, []maininstance.PromiseRejectEvent{
		maininstance.PromiseRejectWithNoHandler,
		maininstance.PromiseHandlerAddedAfterReject,
	}, events)
	assert.Empty(t, h.stderr.String())
}

func TestSetIsolateMiscHandlers_abortOnUncaught(t *testing.T) {
	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, []string{`-e`, `process.on('exit', () => console.log('exit')); throw new Error('x')`})
	h.envs.SetIsolateMiscHandlers(inst.Isolate(), maininstance.IsolateSettings{
		ShouldAbortOnUncaughtException: func(maininstance.Isolate) bool { return true },
	})
	assert.Equal(t, maininstance.ExitAbort, inst.Run())
	assert.Empty(t, h.stdout.String())

	h = newHarness(t)
	inst = h.owned(nil, []string{`gojamain`}, []string{`--abort-on-uncaught-exception`, `-e`, `throw 1`})
	assert.Equal(t, maininstance.ExitAbort, inst.Run())
}

func TestLoadEnvironment_startCallbackPanic(t *testing.T) {
	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, nil)
	var fatal []string
	h.envs.SetIsolateMiscHandlers(inst.Isolate(), maininstance.IsolateSettings{
		FatalError: func(location, message string) { fatal = append(fatal, location+`: `+message) },
	})

	iso := inst.Isolate()
	iso.Lock()
	defer iso.Unlock()
	env, code := inst.CreateMainEnvironment()
	require.Equal(t, maininstance.ExitNoFailure, code)
	defer h.envs.FreeEnvironment(env)

	err := h.envs.LoadEnvironment(env, func(maininstance.Environment) error { panic(`boom`) })
	assert.ErrorContains(t, err, `boom`)
	assert.Equal(t, []string{`start execution: boom`}, fatal)
	assert.ErrorIs(t, h.envs.LoadEnvironment(env, nil), ErrAlreadyLoaded)

	code, ok := h.envs.SpinEventLoop(env)
	assert.True(t, ok)
	assert.Equal(t, maininstance.ExitV8FatalError, code)

	_, ok = h.envs.SpinEventLoop(env)
	assert.False(t, ok)
}

func TestLoadEnvironment_startCallback(t *testing.T) {
	h := newHarness(t)
	inst := h.owned(nil, []string{`gojamain`}, []string{`-e`, `console.log('not me')`})
	iso := inst.Isolate()
	iso.Lock()
	defer iso.Unlock()
	env, code := inst.CreateMainEnvironment()
	require.Equal(t, maininstance.ExitNoFailure, code)
	defer h.envs.FreeEnvironment(env)

	require.NoError(t, h.envs.LoadEnvironment(env, func(env maininstance.Environment) error {
		return env.(*Environment).RunScript(`custom.js`, `console.log('custom')`)
	}))
	code, ok := h.envs.SpinEventLoop(env)
	assert.True(t, ok)
	assert.Equal(t, maininstance.ExitNoFailure, code)
	assert.Equal(t, "custom\n", h.stdout.String())
}

func TestIsolate_NewContext(t *testing.T) {
	h := newHarness(t)
	iso, err := h.engine.NewIsolate(nil, h.loop, nil, nil)
	require.NoError(t, err)
	defer iso.Dispose()

	ctx := iso.NewContext()
	require.NotNil(t, ctx)
	exit := ctx.Enter()
	assert.Equal(t, 1, ctx.(*Context).depth)
	exit()
	exit()
	assert.Equal(t, 0, ctx.(*Context).depth)

	// one realm per runtime
	assert.Nil(t, iso.NewContext())
}

func TestIsolate_NewContextDisposed(t *testing.T) {
	h := newHarness(t)
	iso, err := h.engine.NewIsolate(nil, h.loop, nil, nil)
	require.NoError(t, err)
	iso.Dispose()
	iso.Dispose()
	assert.Nil(t, iso.NewContext())
}

func TestIsolate_enterAndScopes(t *testing.T) {
	h := newHarness(t)
	v, err := h.engine.NewIsolate(nil, h.loop, nil, nil)
	require.NoError(t, err)
	iso := v.(*Isolate)
	defer iso.Dispose()

	assert.False(t, iso.Entered())
	exit := iso.Enter()
	closeScope := iso.HandleScope()
	assert.True(t, iso.Entered())
	assert.Equal(t, int32(1), iso.scopes.Load())
	closeScope()
	exit()
	assert.False(t, iso.Entered())
	assert.Equal(t, int32(0), iso.scopes.Load())
}

func TestEngine_NewIsolate_defaults(t *testing.T) {
	h := newHarness(t)
	alloc := h.engine.NewArrayBufferAllocator()
	params := &maininstance.CreateParams{
		Allocator:   alloc,
		Constraints: maininstance.ResourceConstraints{MaxOldGenerationSizeInBytes: 1 << 20},
	}
	iso, err := h.engine.NewIsolate(params, h.loop, h.platform, nil)
	require.NoError(t, err)
	defer func() {
		h.platform.UnregisterIsolate(iso)
		iso.Dispose()
	}()

	assert.Equal(t, maininstance.ResourceConstraints{
		MaxYoungGenerationSizeInBytes: DefaultMaxYoungGenerationSize,
		MaxOldGenerationSizeInBytes:   1 << 20,
		MaxCallStackSize:              DefaultMaxCallStackSize,
	}, iso.(*Isolate).Constraints())
	assert.Equal(t, int64(1<<20), alloc.(*ArrayBufferAllocator).Limit())
}

func TestEngine_NewIsolate_unsupportedLoop(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.NewIsolate(nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedLoop)
}

func TestNew_invalidOptions(t *testing.T) {
	for _, opt := range []Option{
		WithStdout(nil),
		WithStderr(nil),
		WithStdin(nil),
		WithAllocatorLimit(-1),
		WithMaxCallStackSize(0),
		WithWarningRates(map[time.Duration]int{time.Second: 0}),
	} {
		_, err := New(opt)
		assert.Error(t, err)
		_, err = NewEnvironments(opt)
		assert.Error(t, err)
	}
}
