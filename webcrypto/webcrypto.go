// Package webcrypto implements the cryptographic subsystem exposed to
// scripts, as the global crypto object.
//
// Initialization happens in two parts: once per process (see [InitProcess]),
// then once per runtime (see [Install]). [Initializer] combines both, and
// implements the maininstance CryptoInitializer interface.
package webcrypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/logiface"
)

// DefaultQuota is the default maximum number of random bytes per call.
const DefaultQuota = 65536

var (
	processOnce  sync.Once
	processErr   error
	processInits atomic.Int64

	// installedSymbol marks runtimes that already have the crypto global.
	installedSymbol = goja.NewSymbol(`webcrypto.installed`)
)

type (
	// Initializer installs the crypto global into isolates that expose
	// their goja runtime.
	Initializer struct {
		logger *logiface.Logger[logiface.Event]
		quota  int
	}

	runtimeIsolate interface {
		Runtime() *goja.Runtime
	}

	allocatorIsolate interface {
		ArrayBufferAllocator() maininstance.Allocator
	}
)

var _ maininstance.CryptoInitializer = (*Initializer)(nil)

// InitProcess performs the process-wide initialization, verifying that the
// system entropy source is usable. Only the first call does any work, all
// calls return the same result.
func InitProcess() error {
	processOnce.Do(func() {
		processInits.Add(1)
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			processErr = fmt.Errorf("webcrypto: entropy source unavailable: %w", err)
		}
	})
	return processErr
}

// NewInitializer creates an initializer.
func NewInitializer(opts ...Option) (*Initializer, error) {
	cfg, err := resolveInitializerOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Initializer{
		logger: cfg.logger,
		quota:  cfg.quota,
	}, nil
}

// InitCryptoOnce implements [maininstance.CryptoInitializer]. Isolates that
// do not expose a goja runtime are skipped. Repeat calls for the same
// runtime have no effect.
func (x *Initializer) InitCryptoOnce(isolate maininstance.Isolate) {
	if err := InitProcess(); err != nil {
		x.logger.Crit().
			Err(err).
			Log(`crypto initialization failed`)
		return
	}

	ri, ok := isolate.(runtimeIsolate)
	if !ok {
		x.logger.Warning().
			Str(`isolate`, fmt.Sprintf(`%T`, isolate)).
			Log(`crypto unsupported for isolate`)
		return
	}

	var alloc maininstance.Allocator
	if ai, ok := isolate.(allocatorIsolate); ok {
		alloc = ai.ArrayBufferAllocator()
	}

	installed, err := x.install(ri.Runtime(), alloc)
	if err != nil {
		x.logger.Err().
			Err(err).
			Log(`failed to install crypto`)
		return
	}
	if installed {
		x.logger.Debug().Log(`installed crypto`)
	}
}

// Install defines the global crypto object on rt, using the default quota,
// returning false if it was already installed. Buffers returned to scripts
// are obtained from alloc, if non-nil.
func Install(rt *goja.Runtime, alloc maininstance.Allocator) (bool, error) {
	return (&Initializer{quota: DefaultQuota}).install(rt, alloc)
}

func (x *Initializer) install(rt *goja.Runtime, alloc maininstance.Allocator) (bool, error) {
	if rt == nil {
		return false, errors.New("webcrypto: nil runtime")
	}
	global := rt.GlobalObject()
	if v := global.GetSymbol(installedSymbol); v != nil && v.ToBoolean() {
		return false, nil
	}

	m := &module{rt: rt, alloc: alloc, quota: x.quota}
	obj := rt.NewObject()
	for _, kv := range [...]struct {
		name string
		fn   func(goja.FunctionCall) goja.Value
	}{
		{`getRandomValues`, m.getRandomValues},
		{`randomUUID`, m.randomUUID},
		{`randomBytes`, m.randomBytes},
		{`hash`, m.hash},
	} {
		if err := obj.Set(kv.name, kv.fn); err != nil {
			return false, fmt.Errorf("webcrypto: set %s: %w", kv.name, err)
		}
	}

	if err := global.Set(`crypto`, obj); err != nil {
		return false, fmt.Errorf("webcrypto: set crypto: %w", err)
	}
	if err := global.SetSymbol(installedSymbol, true); err != nil {
		return false, fmt.Errorf("webcrypto: mark installed: %w", err)
	}
	return true, nil
}
