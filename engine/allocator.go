package engine

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	maininstance "github.com/joeycumines/goja-maininstance"
)

// reclaimTimeout bounds how long [ArrayBufferAllocator.Allocate] waits for
// collected buffers to be returned, once the limit is reached.
const reclaimTimeout = 20 * time.Millisecond

const minTracked = 16

// ArrayBufferAllocator allocates the backing stores of buffers handed to
// scripts, tracking the bytes in use against an optional limit. Bytes are
// returned by [ArrayBufferAllocator.Free], or once the backing store is
// garbage collected.
type ArrayBufferAllocator struct {
	limit atomic.Int64
	used  atomic.Int64
	mu    sync.Mutex
	// live is keyed by the address of each backing store
	live map[uintptr]*allocation
}

type allocation struct {
	cleanup runtime.Cleanup
	n       int64
	freed   atomic.Bool
}

var _ maininstance.Allocator = (*ArrayBufferAllocator)(nil)

// NewArrayBufferAllocator returns an allocator. A limit of zero is
// unbounded.
func NewArrayBufferAllocator(limit int64) *ArrayBufferAllocator {
	x := &ArrayBufferAllocator{live: make(map[uintptr]*allocation)}
	x.limit.Store(limit)
	return x
}

// Allocate returns a zeroed slice of length n. If the limit would be
// exceeded, a garbage collection is forced, before failing.
func (x *ArrayBufferAllocator) Allocate(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("engine: invalid allocation length: %d", n)
	}
	if err := x.reserve(int64(n)); err != nil {
		// collected buffers are only returned once their cleanups run
		runtime.GC()
		for deadline := time.Now().Add(reclaimTimeout); err != nil && time.Now().Before(deadline); {
			time.Sleep(time.Millisecond)
			err = x.reserve(int64(n))
		}
		if err != nil {
			return nil, err
		}
	}
	// tiny allocations share blocks, and their cleanups may never run
	b := make([]byte, n, max(n, minTracked))
	if n == 0 {
		return b, nil
	}
	key := uintptr(unsafe.Pointer(&b[0]))
	a := &allocation{n: int64(n)}
	x.mu.Lock()
	// an existing entry at this address is unreachable, its cleanup pending
	x.live[key] = a
	x.mu.Unlock()
	a.cleanup = runtime.AddCleanup(&b[0], func(key uintptr) {
		x.release(a)
		x.mu.Lock()
		if x.live[key] == a {
			delete(x.live, key)
		}
		x.mu.Unlock()
	}, key)
	return b, nil
}

// Free returns data's bytes to the allocator. Slices not obtained from
// [ArrayBufferAllocator.Allocate], or already freed, are ignored.
func (x *ArrayBufferAllocator) Free(data []byte) {
	if len(data) == 0 {
		return
	}
	key := uintptr(unsafe.Pointer(&data[0]))
	x.mu.Lock()
	a, ok := x.live[key]
	if ok {
		delete(x.live, key)
	}
	x.mu.Unlock()
	if ok {
		a.cleanup.Stop()
		x.release(a)
	}
}

func (x *ArrayBufferAllocator) reserve(n int64) error {
	for {
		used := x.used.Load()
		if limit := x.limit.Load(); limit > 0 && used+n > limit {
			return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrAllocationLimit, n, used, limit)
		}
		if x.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

func (x *ArrayBufferAllocator) release(a *allocation) {
	if a.freed.CompareAndSwap(false, true) {
		x.used.Add(-a.n)
	}
}

// Used returns the bytes in use.
func (x *ArrayBufferAllocator) Used() int64 { return x.used.Load() }

// Limit returns the limit, zero meaning unbounded.
func (x *ArrayBufferAllocator) Limit() int64 { return x.limit.Load() }

// limitIfUnset sets the limit unless one was already configured.
func (x *ArrayBufferAllocator) limitIfUnset(limit int64) {
	x.limit.CompareAndSwap(0, limit)
}
