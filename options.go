package maininstance

import (
	"github.com/joeycumines/logiface"
)

// instanceOptions holds configuration options for Instance creation.
type instanceOptions struct {
	engine       Engine
	environments Environments
	crypto       CryptoInitializer
	logger       *logiface.Logger[logiface.Event]
	constraints  ResourceConstraints
}

// Option configures an Instance.
type Option interface {
	applyInstance(*instanceOptions) error
}

// instanceOptionImpl implements Option.
type instanceOptionImpl struct {
	applyInstanceFunc func(*instanceOptions) error
}

func (o *instanceOptionImpl) applyInstance(opts *instanceOptions) error {
	return o.applyInstanceFunc(opts)
}

// WithEngine sets the engine used to allocate owned isolates. It is
// required by [NewOwned], and unused by [Attach].
func WithEngine(engine Engine) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.engine = engine
		return nil
	}}
}

// WithEnvironments sets the environment subsystem. It is required.
func WithEnvironments(environments Environments) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.environments = environments
		return nil
	}}
}

// WithCrypto sets the cryptographic subsystem, initialized after an
// environment is recovered from a snapshot. If unset, there is no crypto
// subsystem to initialize.
func WithCrypto(crypto CryptoInitializer) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.crypto = crypto
		return nil
	}}
}

// WithLogger configures structured logging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithResourceConstraints sets the constraints owned isolates are created
// with.
func WithResourceConstraints(constraints ResourceConstraints) Option {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.constraints = constraints
		return nil
	}}
}

// resolveInstanceOptions applies Option instances to instanceOptions.
func resolveInstanceOptions(opts []Option) (*instanceOptions, error) {
	cfg := &instanceOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyInstance(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.environments == nil {
		return nil, ErrNoEnvironments
	}
	return cfg, nil
}
