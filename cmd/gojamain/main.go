// Command gojamain runs a script in a goja main instance, in the manner of
// a node-like runtime:
//
//	gojamain [flags] script [args...]
//	gojamain [flags] -e source [args...]
//	gojamain -build-snapshot out.blob [-snapshot-main main.js] setup.js...
//	gojamain -snapshot-blob app.blob [args...]
//	gojamain -inspect-snapshot app.blob
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	eventloop "github.com/joeycumines/go-eventloop"
	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/goja-maininstance/config"
	"github.com/joeycumines/goja-maininstance/engine"
	"github.com/joeycumines/goja-maininstance/platform"
	"github.com/joeycumines/goja-maininstance/snapshot"
	"github.com/joeycumines/goja-maininstance/webcrypto"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

const name = `gojamain`

type flags struct {
	config           string
	snapshotBlob     string
	buildSnapshot    string
	snapshotMain     string
	inspectSnapshot  string
	eval             string
	evalSet          bool
	trackHeapObjects bool
	attach           bool
	workers          int
	logLevel         string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var f flags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, `config`, ``, `path to a TOML config file`)
	fs.StringVar(&f.snapshotBlob, `snapshot-blob`, ``, `start from the snapshot blob at this path`)
	fs.StringVar(&f.buildSnapshot, `build-snapshot`, ``, `run the given scripts, and write a snapshot blob to this path`)
	fs.StringVar(&f.snapshotMain, `snapshot-main`, ``, `script to record as the main script, with -build-snapshot`)
	fs.StringVar(&f.inspectSnapshot, `inspect-snapshot`, ``, `print the snapshot blob at this path`)
	fs.Func(`e`, `evaluate the source as the entry point`, func(s string) error {
		f.eval, f.evalSet = s, true
		return nil
	})
	fs.BoolVar(&f.trackHeapObjects, `track-heap-objects`, false, `track heap objects from startup`)
	fs.BoolVar(&f.attach, `attach`, false, `create the isolate separately, and attach to it`)
	fs.IntVar(&f.workers, `workers`, 0, `background worker count, overriding the config`)
	fs.StringVar(&f.logLevel, `log-level`, ``, `log level, overriding the config`)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return int(maininstance.ExitNoFailure)
		}
		return int(maininstance.ExitInvalidCommandLineArgument)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return int(maininstance.ExitInvalidCommandLineArgument)
	}
	level, err := cfg.LoggerLevel()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return int(maininstance.ExitInvalidCommandLineArgument)
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithStdout(stdout),
		engine.WithStderr(stderr),
		engine.WithStdin(stdin),
		engine.WithWarningRates(cfg.WarningRates()),
		engine.WithTrackHeapObjects(cfg.Engine.TrackHeapObjects),
	}
	if cfg.Engine.MaxCallStackSize > 0 {
		engineOpts = append(engineOpts, engine.WithMaxCallStackSize(cfg.Engine.MaxCallStackSize))
	}

	switch {
	case f.inspectSnapshot != ``:
		return inspectSnapshot(f.inspectSnapshot, stdout, stderr)
	case f.buildSnapshot != ``:
		return buildSnapshot(f, fs.Args(), engineOpts, logger, stderr)
	}

	code, err := runMain(f, cfg, fs.Args(), engineOpts, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
	}
	return int(code)
}

func loadConfig(f flags) (config.Config, error) {
	cfg := config.Default()
	if f.config != `` {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return config.Config{}, err
		}
	}
	if f.logLevel != `` {
		cfg.Log.Level = f.logLevel
	}
	if f.workers > 0 {
		cfg.Platform.Workers = f.workers
	}
	if f.trackHeapObjects {
		cfg.Engine.TrackHeapObjects = true
	}
	if f.snapshotBlob != `` {
		cfg.Snapshot.Blob = f.snapshotBlob
	}
	return cfg, cfg.Validate()
}

func runMain(f flags, cfg config.Config, args []string, engineOpts []engine.Option, logger *logiface.Logger[logiface.Event]) (maininstance.ExitCode, error) {
	var platformOpts []platform.Option
	platformOpts = append(platformOpts, platform.WithLogger(logger))
	if cfg.Platform.Workers > 0 {
		platformOpts = append(platformOpts, platform.WithWorkers(cfg.Platform.Workers))
	}
	plat, err := platform.New(platformOpts...)
	if err != nil {
		return maininstance.ExitBootstrapFailure, err
	}
	defer func() {
		if err := plat.Close(); err != nil {
			logger.Warning().Err(err).Log(`platform close failed`)
		}
	}()

	crypto, err := webcrypto.NewInitializer(webcrypto.WithLogger(logger))
	if err != nil {
		return maininstance.ExitBootstrapFailure, err
	}
	engineOpts = append(engineOpts, engine.WithCrypto(crypto))

	eng, err := engine.New(engineOpts...)
	if err != nil {
		return maininstance.ExitBootstrapFailure, err
	}
	envs, err := engine.NewEnvironments(engineOpts...)
	if err != nil {
		return maininstance.ExitBootstrapFailure, err
	}

	loop, err := engine.NewLoop(eventloop.WithLogger(logger))
	if err != nil {
		return maininstance.ExitBootstrapFailure, err
	}
	defer loop.Close()

	argv := append([]string{name}, args...)
	execArgs := append([]string(nil), cfg.Engine.ExecArgs...)
	if f.evalSet {
		execArgs = append(execArgs, `--eval`, f.eval)
	}

	if f.attach {
		if cfg.Snapshot.Blob != `` {
			return maininstance.ExitInvalidCommandLineArgument, fmt.Errorf("-attach cannot be used with a snapshot blob")
		}
		return runAttached(eng, envs, loop, plat, cfg, argv, execArgs, logger)
	}

	var snap maininstance.Snapshot
	if cfg.Snapshot.Blob != `` {
		blob, err := snapshot.ReadFile(cfg.Snapshot.Blob)
		if err != nil {
			return maininstance.ExitStartupSnapshotFailure, err
		}
		snap = blob
	}

	inst, err := maininstance.NewOwned(snap, loop, plat, argv, execArgs,
		maininstance.WithEngine(eng),
		maininstance.WithEnvironments(envs),
		maininstance.WithCrypto(crypto),
		maininstance.WithLogger(logger),
		maininstance.WithResourceConstraints(cfg.Constraints()),
	)
	if err != nil {
		return maininstance.ExitCodeOf(err, maininstance.ExitBootstrapFailure), err
	}
	defer inst.Close()

	return inst.Run(), nil
}

// runAttached creates the isolate itself, as a pool would, runs an attached
// instance, then releases the isolate.
func runAttached(eng *engine.Engine, envs *engine.Environments, loop *engine.Loop, plat *platform.Platform, cfg config.Config, argv, execArgs []string, logger *logiface.Logger[logiface.Event]) (maininstance.ExitCode, error) {
	params := &maininstance.CreateParams{
		Allocator:   eng.NewArrayBufferAllocator(),
		Constraints: cfg.Constraints(),
	}
	iso, err := eng.NewIsolate(params, loop, plat, nil)
	if err != nil {
		return maininstance.ExitCodeOf(err, maininstance.ExitBootstrapFailure), err
	}
	defer func() {
		plat.UnregisterIsolate(iso)
		iso.Dispose()
	}()

	inst, err := maininstance.Attach(iso, loop, plat, argv, execArgs,
		maininstance.WithEnvironments(envs),
		maininstance.WithLogger(logger),
	)
	if err != nil {
		return maininstance.ExitBootstrapFailure, err
	}

	code := inst.Run()
	if err := inst.Dispose(); err != nil {
		return code, err
	}
	return code, inst.Close()
}

func buildSnapshot(f flags, paths []string, engineOpts []engine.Option, logger *logiface.Logger[logiface.Event], stderr io.Writer) int {
	fail := func(err error) int {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return int(maininstance.ExitGenericUserError)
	}

	if len(paths) == 0 {
		_, _ = fmt.Fprintf(stderr, "%s: -build-snapshot requires at least one script\n", name)
		return int(maininstance.ExitInvalidCommandLineArgument)
	}

	scripts := make([]snapshot.Script, len(paths))
	for i, path := range paths {
		script, err := readScript(path)
		if err != nil {
			return fail(err)
		}
		scripts[i] = script
	}

	var main *snapshot.Script
	if f.snapshotMain != `` {
		script, err := readScript(f.snapshotMain)
		if err != nil {
			return fail(err)
		}
		main = &script
	}

	eng, err := engine.New(engineOpts...)
	if err != nil {
		return fail(err)
	}
	blob, err := eng.BuildSnapshot(scripts, main)
	if err != nil {
		return fail(err)
	}
	if err := blob.WriteFile(f.buildSnapshot); err != nil {
		return fail(err)
	}

	logger.Info().
		Str(`path`, f.buildSnapshot).
		Log(`wrote snapshot`)

	return int(maininstance.ExitNoFailure)
}

func inspectSnapshot(path string, stdout, stderr io.Writer) int {
	blob, err := snapshot.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return int(maininstance.ExitStartupSnapshotFailure)
	}
	s, err := blob.Describe()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return int(maininstance.ExitGenericUserError)
	}
	_, _ = fmt.Fprintln(stdout, s)
	return int(maininstance.ExitNoFailure)
}

func readScript(path string) (snapshot.Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return snapshot.Script{}, err
	}
	return snapshot.Script{Name: path, Source: string(b)}, nil
}
