package platform

import (
	"errors"
	"runtime"

	"github.com/joeycumines/logiface"
)

// platformOptions holds configuration options for Platform creation.
type platformOptions struct {
	logger  *logiface.Logger[logiface.Event]
	workers int64
}

// Option configures a Platform.
type Option interface {
	applyPlatform(*platformOptions) error
}

// platformOptionImpl implements Option.
type platformOptionImpl struct {
	applyPlatformFunc func(*platformOptions) error
}

func (o *platformOptionImpl) applyPlatform(opts *platformOptions) error {
	return o.applyPlatformFunc(opts)
}

// WithWorkers bounds the number of tasks that may run concurrently, across
// all isolates. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return &platformOptionImpl{func(opts *platformOptions) error {
		if n <= 0 {
			return errors.New("platform: workers must be positive")
		}
		opts.workers = int64(n)
		return nil
	}}
}

// WithLogger configures structured logging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &platformOptionImpl{func(opts *platformOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolvePlatformOptions applies Option instances to platformOptions.
func resolvePlatformOptions(opts []Option) (*platformOptions, error) {
	cfg := &platformOptions{
		workers: int64(runtime.GOMAXPROCS(0)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPlatform(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
