package maininstance

// Run creates the main environment and runs it to completion, returning
// the exit code. The isolate is locked for the duration of the call.
//
// Run panics if no environment could be created, or the instance is closed.
func (x *Instance) Run() ExitCode {
	x.checkOpen()
	isolate := x.Isolate()

	isolate.Lock()
	defer isolate.Unlock()
	defer isolate.Enter()()
	defer isolate.HandleScope()()

	env, exitCode := x.CreateMainEnvironment()
	if env == nil {
		panic("maininstance: main environment is nil")
	}
	defer x.environments.FreeEnvironment(env)

	if ctx := env.Context(); ctx != nil {
		defer ctx.Enter()()
	}

	return x.RunEnvironment(exitCode, env)
}

// RunEnvironment runs env, if exitCode is [ExitNoFailure], loading it then
// spinning its event loop until there is no more pending work. The loop's
// terminal status is returned, or [ExitGenericUserError] if the loop did
// not yield one. Any other exitCode (a construction failure) is returned
// unchanged, without running env.
func (x *Instance) RunEnvironment(exitCode ExitCode, env Environment) ExitCode {
	defer leakCheck(x.logger)()

	if exitCode != ExitNoFailure {
		x.logger.Debug().
			Int(`exit_code`, int(exitCode)).
			Log(`skipping execution of failed environment`)
		return exitCode
	}

	if err := x.environments.LoadEnvironment(env, nil); err != nil {
		x.logger.Warning().
			Err(err).
			Log(`failed to load environment`)
	}

	code, ok := x.environments.SpinEventLoop(env)
	if !ok {
		code = ExitGenericUserError
	}

	x.logger.Debug().
		Int(`exit_code`, int(code)).
		Bool(`status`, ok).
		Log(`event loop finished`)

	return code
}
