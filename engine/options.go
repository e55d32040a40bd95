package engine

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dop251/goja_nodejs/require"
	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/logiface"
)

// engineOptions holds the configuration shared by [Engine] and
// [Environments].
type engineOptions struct {
	logger           *logiface.Logger[logiface.Event]
	stdout           io.Writer
	stderr           io.Writer
	stdin            io.Reader
	loader           require.SourceLoader
	crypto           maininstance.CryptoInitializer
	warningRates     map[time.Duration]int
	allocatorLimit   int64
	maxCallStackSize int
	trackHeapObjects bool
}

// Option configures an [Engine] or [Environments].
type Option interface {
	applyEngine(*engineOptions) error
}

// engineOptionImpl implements Option.
type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithLogger configures structured logging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithStdout sets the writer for console.log and console.info, defaulting
// to os.Stdout.
func WithStdout(w io.Writer) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if w == nil {
			return fmt.Errorf("engine: stdout must not be nil")
		}
		opts.stdout = w
		return nil
	}}
}

// WithStderr sets the writer for console.warn, console.error and uncaught
// errors, defaulting to os.Stderr.
func WithStderr(w io.Writer) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if w == nil {
			return fmt.Errorf("engine: stderr must not be nil")
		}
		opts.stderr = w
		return nil
	}}
}

// WithStdin sets the reader a main script of "-" is read from, defaulting
// to os.Stdin.
func WithStdin(r io.Reader) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if r == nil {
			return fmt.Errorf("engine: stdin must not be nil")
		}
		opts.stdin = r
		return nil
	}}
}

// WithSourceLoader sets the loader used by require. The default reads from
// the filesystem.
func WithSourceLoader(loader require.SourceLoader) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.loader = loader
		return nil
	}}
}

// WithCrypto installs the crypto subsystem into every fresh context.
// Contexts recovered from a snapshot are left to the caller.
func WithCrypto(crypto maininstance.CryptoInitializer) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.crypto = crypto
		return nil
	}}
}

// WithWarningRates rate limits the logging of repeated warnings and
// unhandled rejections, per category. See catrate.NewLimiter.
func WithWarningRates(rates map[time.Duration]int) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		for d, n := range rates {
			if d <= 0 || n <= 0 {
				return fmt.Errorf("engine: invalid warning rate: %d per %s", n, d)
			}
		}
		opts.warningRates = rates
		return nil
	}}
}

// WithAllocatorLimit bounds the bytes allocated by each isolate's array
// buffer allocator. Zero selects the isolate's max old generation size.
func WithAllocatorLimit(limit int64) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if limit < 0 {
			return fmt.Errorf("engine: allocator limit must not be negative")
		}
		opts.allocatorLimit = limit
		return nil
	}}
}

// WithMaxCallStackSize sets the call stack limit applied when the isolate
// constraints leave it unset. Defaults to [DefaultMaxCallStackSize].
func WithMaxCallStackSize(n int) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if n <= 0 {
			return fmt.Errorf("engine: max call stack size must be positive")
		}
		opts.maxCallStackSize = n
		return nil
	}}
}

// WithTrackHeapObjects enables heap object tracking for isolates, see
// [Environments.NewIsolateData].
func WithTrackHeapObjects(enabled bool) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.trackHeapObjects = enabled
		return nil
	}}
}

// resolveEngineOptions applies Option instances to engineOptions.
func resolveEngineOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{
		stdout:           os.Stdout,
		stderr:           os.Stderr,
		stdin:            os.Stdin,
		maxCallStackSize: DefaultMaxCallStackSize,
		warningRates: map[time.Duration]int{
			time.Second: 10,
			time.Minute: 100,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
