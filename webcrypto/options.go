package webcrypto

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// initializerOptions holds configuration options for Initializer creation.
type initializerOptions struct {
	logger *logiface.Logger[logiface.Event]
	quota  int
}

// Option configures an Initializer.
type Option interface {
	applyInitializer(*initializerOptions) error
}

// initializerOptionImpl implements Option.
type initializerOptionImpl struct {
	applyInitializerFunc func(*initializerOptions) error
}

func (o *initializerOptionImpl) applyInitializer(opts *initializerOptions) error {
	return o.applyInitializerFunc(opts)
}

// WithLogger configures structured logging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &initializerOptionImpl{func(opts *initializerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithQuota sets the maximum number of bytes a single getRandomValues or
// randomBytes call may produce. Defaults to [DefaultQuota].
func WithQuota(n int) Option {
	return &initializerOptionImpl{func(opts *initializerOptions) error {
		if n <= 0 {
			return errors.New("webcrypto: quota must be positive")
		}
		opts.quota = n
		return nil
	}}
}

// resolveInitializerOptions applies Option instances to initializerOptions.
func resolveInitializerOptions(opts []Option) (*initializerOptions, error) {
	cfg := &initializerOptions{
		quota: DefaultQuota,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyInitializer(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
