// Package maininstance bootstraps and tears down the main execution unit of
// an embedded script engine: an isolate (an independent VM heap) paired with
// the environment (the language-global execution context) that runs inside
// it.
//
// # Ownership
//
// An [Instance] either owns its isolate or borrows one:
//
//   - [NewOwned] allocates an [Allocator], asks the [Engine] for a new
//     isolate (fresh, or restored from a [Snapshot]) and disposes of it in
//     [Instance.Close].
//   - [Attach] wraps an isolate created and owned elsewhere, e.g. by a pool.
//     The caller calls [Instance.Dispose] to drain background work, and
//     remains responsible for disposing the isolate itself.
//
// # Execution
//
// [Instance.Run] locks and enters the isolate, builds the main environment
// via [Instance.CreateMainEnvironment], then loads it and spins its event
// loop until there is no outstanding work. The result is a single
// [ExitCode].
//
// # Collaborators
//
// The VM, the event loop, the builtin library loader, the platform that
// runs background engine work, and the crypto subsystem are all external to
// this package, and are modeled as interfaces ([Engine], [Isolate],
// [Environments], [Platform], [CryptoInitializer]). The engine subpackage
// implements them on top of goja and go-eventloop.
//
// # Usage
//
//	plat, err := platform.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer plat.Close()
//
//	crypto, err := webcrypto.NewInitializer()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng, err := engine.New(engine.WithCrypto(crypto))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	envs, err := engine.NewEnvironments()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loop, err := engine.NewLoop()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	inst, err := maininstance.NewOwned(nil, loop, plat, os.Args, nil,
//	    maininstance.WithEngine(eng),
//	    maininstance.WithEnvironments(envs),
//	    maininstance.WithCrypto(crypto),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	code := inst.Run()
//	_ = inst.Close()
//	os.Exit(int(code))
package maininstance
