// Package ktime computes the offset between the kernel monotonic clock
// (what bpf_ktime_get_ns and CLOCK_MONOTONIC report) and UNIX-epoch wall
// clock time, so kernel-emitted event timestamps can be converted to
// absolute nanoseconds.
package ktime

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ntracing/ntd/internal/constants"
)

// Offset computes and caches the REALTIME−MONOTONIC offset in nanoseconds.
//
// It samples REALTIME/MONOTONIC/REALTIME triples, keeps the sample with the
// tightest REALTIME round-trip, and returns ((t1+t3)/2) − t2 for that
// sample. Ten iterations are enough in practice; the offset is stable for
// the lifetime of a daemon process so it is computed once and cached.
type Offset struct {
	mu     sync.Mutex
	value  int64
	cached bool
}

// New returns an uninitialized Offset. The first call to Nanos computes it.
func New() *Offset {
	return &Offset{}
}

// Nanos returns the cached offset, computing it on first call.
func (o *Offset) Nanos() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cached {
		return o.value
	}
	o.value = compute()
	o.cached = true
	return o.value
}

// Recompute forces a fresh measurement and replaces the cached value.
// Re-computation is permitted but not required by the spec; exposed for
// long-lived daemons that want to correct for clock drift periodically.
func (o *Offset) Recompute() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = compute()
	o.cached = true
	return o.value
}

// KtimeToWall converts a bpf_ktime_get_ns-style monotonic timestamp into
// UNIX-epoch nanoseconds using the cached offset.
func (o *Offset) KtimeToWall(ktimeNs uint64) int64 {
	return int64(ktimeNs) + o.Nanos()
}

func compute() int64 {
	var offset, bestDelta int64 = -1, -1
	for i := 0; i < constants.KtimeOffsetSamples; i++ {
		t1 := nowNs(unix.CLOCK_REALTIME)
		t2 := nowNs(unix.CLOCK_MONOTONIC)
		t3 := nowNs(unix.CLOCK_REALTIME)

		delta := t3 - t1
		mid := (t1 + t3) / 2
		if bestDelta == -1 || delta < bestDelta {
			bestDelta = delta
			offset = mid - t2
		}
	}
	return offset
}

func nowNs(clockID int32) int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}
