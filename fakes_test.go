package maininstance

import (
	"fmt"
	"sync"
)

// recorder is a shared, ordered log of calls made against the fakes.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (x *recorder) record(format string, args ...any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = append(x.calls, fmt.Sprintf(format, args...))
}

func (x *recorder) Calls() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.calls...)
}

func (x *recorder) Count(call string) (n int) {
	for _, v := range x.Calls() {
		if v == call {
			n++
		}
	}
	return
}

type fakeIsolate struct {
	rec       *recorder
	name      string
	noContext bool
	contexts  int
}

func (x *fakeIsolate) Lock()   { x.rec.record("%s.Lock", x.name) }
func (x *fakeIsolate) Unlock() { x.rec.record("%s.Unlock", x.name) }

func (x *fakeIsolate) Enter() func() {
	x.rec.record("%s.Enter", x.name)
	return func() { x.rec.record("%s.Exit", x.name) }
}

func (x *fakeIsolate) HandleScope() func() {
	x.rec.record("%s.HandleScope", x.name)
	return func() { x.rec.record("%s.CloseHandleScope", x.name) }
}

func (x *fakeIsolate) NewContext() Context {
	x.rec.record("%s.NewContext", x.name)
	if x.noContext {
		return nil
	}
	x.contexts++
	return &fakeContext{rec: x.rec, name: fmt.Sprintf("ctx%d", x.contexts)}
}

func (x *fakeIsolate) HeapProfiler() HeapProfiler { return (*fakeHeapProfiler)(x) }

func (x *fakeIsolate) Dispose() { x.rec.record("%s.Dispose", x.name) }

type fakeHeapProfiler fakeIsolate

func (x *fakeHeapProfiler) StartTrackingHeapObjects(trackAllocations bool) {
	x.rec.record("%s.StartTrackingHeapObjects(%v)", x.name, trackAllocations)
}

type fakeContext struct {
	rec  *recorder
	name string
}

func (x *fakeContext) Enter() func() {
	x.rec.record("%s.Enter", x.name)
	return func() { x.rec.record("%s.Exit", x.name) }
}

type fakeAllocator struct{}

func (fakeAllocator) Allocate(length int) ([]byte, error) { return make([]byte, length), nil }
func (fakeAllocator) Free([]byte)                         {}

type fakeEngine struct {
	rec       *recorder
	isolate   Isolate
	err       error
	allocator Allocator
	params    *CreateParams
	snapshot  Snapshot
}

func (x *fakeEngine) NewArrayBufferAllocator() Allocator {
	x.rec.record("engine.NewArrayBufferAllocator")
	if x.allocator == nil {
		x.allocator = &fakeAllocator{}
	}
	return x.allocator
}

func (x *fakeEngine) NewIsolate(params *CreateParams, _ EventLoop, _ Platform, snapshot Snapshot) (Isolate, error) {
	x.rec.record("engine.NewIsolate")
	x.params = params
	x.snapshot = snapshot
	return x.isolate, x.err
}

type fakePlatform struct {
	rec *recorder
}

func (x *fakePlatform) DrainTasks(isolate Isolate) {
	x.rec.record("platform.DrainTasks(%s)", isolate.(*fakeIsolate).name)
}

func (x *fakePlatform) UnregisterIsolate(isolate Isolate) {
	x.rec.record("platform.UnregisterIsolate(%s)", isolate.(*fakeIsolate).name)
}

type fakeLoop struct{}

func (fakeLoop) Alive() bool { return false }

type fakeSnapshot struct {
	meta map[string]string
}

func (x *fakeSnapshot) EmbedderWrapper() EmbedderWrapper { return x }
func (x *fakeSnapshot) Metadata() map[string]string      { return x.meta }

type fakeEnvironment struct {
	ctx Context
}

func (x *fakeEnvironment) Context() Context { return x.ctx }

type fakeEnvironments struct {
	rec *recorder

	// createErr is returned by CreateEnvironment, alongside an environment
	// unless nilEnv is set.
	createErr error
	nilEnv    bool
	loadErr   error
	spinCode  ExitCode
	spinOK    bool

	data          *IsolateData
	settings      *IsolateSettings
	createContext Context
	createArgs    []string
	createExec    []string
	loadStart     []StartExecutionCallback
	env           *fakeEnvironment
}

func (x *fakeEnvironments) NewIsolateData(isolate Isolate, loop EventLoop, platform Platform, allocator Allocator, embedder EmbedderWrapper) *IsolateData {
	x.rec.record("environments.NewIsolateData")
	x.data = &IsolateData{
		Isolate:   isolate,
		Loop:      loop,
		Platform:  platform,
		Allocator: allocator,
		Embedder:  embedder,
	}
	return x.data
}

func (x *fakeEnvironments) SetIsolateMiscHandlers(_ Isolate, settings IsolateSettings) {
	x.rec.record("environments.SetIsolateMiscHandlers")
	x.settings = &settings
}

func (x *fakeEnvironments) CreateEnvironment(data *IsolateData, context Context, args, execArgs []string) (Environment, error) {
	name := "<nil>"
	if context != nil {
		name = context.(*fakeContext).name
	}
	x.rec.record("environments.CreateEnvironment(%s)", name)
	x.createContext = context
	x.createArgs = args
	x.createExec = execArgs
	if x.nilEnv {
		return nil, x.createErr
	}
	ctx := context
	if ctx == nil {
		ctx = &fakeContext{rec: x.rec, name: "recovered"}
	}
	x.env = &fakeEnvironment{ctx: ctx}
	return x.env, x.createErr
}

func (x *fakeEnvironments) LoadEnvironment(_ Environment, start StartExecutionCallback) error {
	x.rec.record("environments.LoadEnvironment")
	x.loadStart = append(x.loadStart, start)
	return x.loadErr
}

func (x *fakeEnvironments) SpinEventLoop(Environment) (ExitCode, bool) {
	x.rec.record("environments.SpinEventLoop")
	return x.spinCode, x.spinOK
}

func (x *fakeEnvironments) FreeEnvironment(Environment) {
	x.rec.record("environments.FreeEnvironment")
}

type fakeCrypto struct {
	rec *recorder
}

func (x *fakeCrypto) InitCryptoOnce(isolate Isolate) {
	x.rec.record("crypto.InitCryptoOnce(%s)", isolate.(*fakeIsolate).name)
}

// fixture wires a complete set of fakes, sharing a single recorder.
type fixture struct {
	rec          *recorder
	isolate      *fakeIsolate
	engine       *fakeEngine
	platform     *fakePlatform
	environments *fakeEnvironments
	crypto       *fakeCrypto
}

func newFixture() *fixture {
	rec := new(recorder)
	isolate := &fakeIsolate{rec: rec, name: "iso"}
	return &fixture{
		rec:          rec,
		isolate:      isolate,
		engine:       &fakeEngine{rec: rec, isolate: isolate},
		platform:     &fakePlatform{rec: rec},
		environments: &fakeEnvironments{rec: rec, spinOK: true},
		crypto:       &fakeCrypto{rec: rec},
	}
}

func (x *fixture) opts(extra ...Option) []Option {
	return append([]Option{
		WithEngine(x.engine),
		WithEnvironments(x.environments),
		WithCrypto(x.crypto),
	}, extra...)
}
