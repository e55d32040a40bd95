package maininstance

type (
	// ContextSource produces the context the main environment is built
	// against, see [FreshContextSource] and [SnapshotContextSource].
	ContextSource interface {
		// AcquireContext returns the context to pass to
		// [Environments.CreateEnvironment], and a func that must be called
		// once it has returned.
		AcquireContext(isolate Isolate) (ctx Context, release func())
	}

	// FreshContextSource creates a new context, which remains entered for
	// the duration of environment construction.
	FreshContextSource struct{}

	// SnapshotContextSource yields the empty context, signaling that the
	// context must be recovered from the snapshot. Once construction has
	// returned, the crypto subsystem (if any) is initialized.
	SnapshotContextSource struct {
		Crypto CryptoInitializer
	}
)

var (
	_ ContextSource = FreshContextSource{}
	_ ContextSource = SnapshotContextSource{}
)

// AcquireContext implements [ContextSource]. It panics if the isolate
// returns the empty context.
func (FreshContextSource) AcquireContext(isolate Isolate) (Context, func()) {
	ctx := isolate.NewContext()
	if ctx == nil {
		panic("maininstance: isolate returned an empty context")
	}
	return ctx, ctx.Enter()
}

// AcquireContext implements [ContextSource].
func (x SnapshotContextSource) AcquireContext(isolate Isolate) (Context, func()) {
	return nil, func() {
		if x.Crypto != nil {
			x.Crypto.InitCryptoOnce(isolate)
		}
	}
}

// CreateMainEnvironment builds the main environment, recovering its context
// from the snapshot, if the instance was created from one. The returned
// exit code is [ExitNoFailure] unless construction failed, in which case
// the environment (if non-nil) must not be run, but must still be freed.
//
// If heap object tracking is enabled for the isolate, it is started before
// any context is created. It panics if the instance is closed.
func (x *Instance) CreateMainEnvironment() (Environment, ExitCode) {
	x.checkOpen()
	exitCode := ExitNoFailure

	isolate := x.Isolate()
	defer isolate.HandleScope()()

	if x.isolateData.Options.TrackHeapObjects {
		isolate.HeapProfiler().StartTrackingHeapObjects(true)
	}

	ctx, release := x.contextSource().AcquireContext(isolate)
	env, err := x.environments.CreateEnvironment(x.isolateData, ctx, x.args, x.execArgs)
	release()

	if err != nil {
		exitCode = ExitCodeOf(err, ExitBootstrapFailure)
		x.logger.Err().
			Err(err).
			Int(`exit_code`, int(exitCode)).
			Log(`failed to create main environment`)
	}

	return env, exitCode
}

func (x *Instance) contextSource() ContextSource {
	if x.snapshot != nil {
		return SnapshotContextSource{Crypto: x.crypto}
	}
	return FreshContextSource{}
}
