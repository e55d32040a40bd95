package engine

import (
	"runtime/metrics"
	"sync"

	maininstance "github.com/joeycumines/goja-maininstance"
)

const heapObjectsMetric = `/gc/heap/objects:objects`

// HeapProfiler reports the growth in live heap objects since tracking
// started. goja allocates on the Go heap, so the counts are process-wide.
type HeapProfiler struct {
	mu          sync.Mutex
	tracking    bool
	allocations bool
	baseline    uint64
}

var _ maininstance.HeapProfiler = (*HeapProfiler)(nil)

// StartTrackingHeapObjects resets the baseline, and starts tracking.
func (x *HeapProfiler) StartTrackingHeapObjects(trackAllocations bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tracking = true
	x.allocations = trackAllocations
	x.baseline = sampleHeapObjects()
}

// Tracking reports whether tracking has started, and whether allocations
// are tracked.
func (x *HeapProfiler) Tracking() (tracking, allocations bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tracking, x.allocations
}

// ObjectsSinceStart returns the change in live heap objects since tracking
// started, or zero if it hasn't.
func (x *HeapProfiler) ObjectsSinceStart() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.tracking {
		return 0
	}
	return int64(sampleHeapObjects()) - int64(x.baseline)
}

func sampleHeapObjects() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}
