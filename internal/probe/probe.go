// Package probe defines the Probe capability contract (§4.3), the
// dependency bundle injected into probe factories, and the process-wide
// probe-type registry.
package probe

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ntracing/ntd/internal/ipmatch"
	"github.com/ntracing/ntd/internal/ksym"
	"github.com/ntracing/ntd/internal/ktime"
	"github.com/ntracing/ntd/internal/metadata"
	"github.com/ntracing/ntd/internal/metrics"
)

// EventCallback is bound to a probe at construction time; the probe invokes
// it once per produced event, from whichever worker goroutine it owns.
// After Stop returns, the callback is guaranteed never to be invoked
// again (§4.3).
//
// payload may optionally implement WallClockStamped or KtimeStamped so the
// owning Tracing Task can resolve an absolute timestamp per the capability
// order in §4.4; a payload implementing neither gets the wall clock at
// publish time.
type EventCallback func(payload any)

// WallClockStamped is implemented by probe payloads that already carry a
// UNIX-epoch nanosecond timestamp (the first capability checked by §4.4).
type WallClockStamped interface {
	WallClockNs() int64
}

// KtimeStamped is implemented by probe payloads that carry a raw kernel
// monotonic timestamp (bpf_ktime_get_ns), needing the cached offset from
// internal/ktime to become absolute (the second capability checked).
type KtimeStamped interface {
	KtimeNs() uint64
}

// Probe is a runnable owning some OS resource (a BPF attachment, a child
// process, or a timer) that produces a lazy, potentially infinite stream of
// typed events through a single bound callback (§4.3).
//
// Start and Stop are each idempotent and mutually exclusive with one
// another on the same probe; implementations serialize them internally.
type Probe interface {
	// Name returns the probe-type name this instance was constructed for.
	Name() string

	// Start acquires resources and begins producing events on background
	// workers. Returns promptly; idempotent.
	Start() error

	// Stop guarantees no further callback invocations once it returns.
	// Idempotent, bounded, and releases all owned resources.
	Stop() error
}

// Dependencies bundles the shared, read-mostly resources a probe factory
// may need. Not every probe uses every field — e.g. only runqslower
// consults Metadata, and no probe currently reads Symbols.
type Dependencies struct {
	Logger *zap.Logger

	// Offset resolves kernel monotonic timestamps to wall-clock time.
	Offset *ktime.Offset

	// Metadata resolves a PID to Kubernetes pod/namespace context.
	Metadata *metadata.Cache

	// Symbols is the cached kernel symbol table.
	Symbols *ksym.Table

	// BPFObjectDir is where precompiled perf-buffer probe BPF objects are
	// loaded from at runtime (the BPF C sources themselves are out of
	// scope per spec §1 — the core consumes a loader+perf-buffer
	// capability, not the BPF text).
	BPFObjectDir string

	// Metrics is the daemon's self-observability instrument set (§11).
	// Optional: nil in unit tests that don't care about metrics.
	Metrics *metrics.Metrics

	// PerfPollTimeout and PerfStopWait override the perf-buffer engine's
	// poll deadline and stop-wait bound (internal/config.PerfBufTuning).
	// Zero means "use the package default" (constants.PerfBufferPollTimeout
	// / constants.PerfBufferStopWait).
	PerfPollTimeout time.Duration
	PerfStopWait    time.Duration
}

// Factory constructs a Probe from its JSON options payload (as carried in
// TracingTaskOptions.probes) and the bound callback. Validation failures
// here become configuration errors (§7) that fail task construction.
type Factory func(optionsJSON []byte, deps Dependencies, callback EventCallback) (Probe, error)

// Registry is the process-wide mapping from probe-type name to Factory
// (§4.3 "Probe Registry").
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given probe-type name. Re-registering
// the same name overwrites the previous factory — used by tests to inject
// fakes.
func (r *Registry) Register(probeType string, factory Factory) {
	r.factories[probeType] = factory
}

// Build looks up the factory for probeType and constructs a Probe.
// Returns a descriptive error if the type is unknown, matching §7's
// configuration-error taxonomy (unknown probe type fails the request with
// a message naming the offending type).
func (r *Registry) Build(probeType string, optionsJSON []byte, deps Dependencies, callback EventCallback) (Probe, error) {
	factory, ok := r.factories[probeType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProbeType, probeType)
	}
	p, err := factory(optionsJSON, deps, callback)
	if err != nil {
		return nil, fmt.Errorf("constructing probe %q: %w", probeType, err)
	}
	return p, nil
}

// IPMatcherOrDefault is a small shared helper: probes that take an
// "ignore" CIDR list (retsnoop) fall back to a sane default (loopback)
// when the option list is empty.
func IPMatcherOrDefault(entries []string, fallback []string) (*ipmatch.Matcher, error) {
	if len(entries) == 0 {
		entries = fallback
	}
	return ipmatch.New(entries)
}
