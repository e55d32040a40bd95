package maininstance

import (
	"errors"
)

var (
	// ErrNilIsolate is returned by [Attach] if the isolate is nil.
	ErrNilIsolate = errors.New("maininstance: isolate must not be nil")

	// ErrNoEngine is returned by [NewOwned] if no [Engine] was configured.
	ErrNoEngine = errors.New("maininstance: no engine configured")

	// ErrNoEnvironments is returned if no [Environments] was configured.
	ErrNoEnvironments = errors.New("maininstance: no environments configured")

	// ErrOwnedIsolate is returned by [Instance.Dispose] if the instance owns
	// its isolate, which must be released using [Instance.Close].
	ErrOwnedIsolate = errors.New("maininstance: dispose called on an instance that owns its isolate")
)
