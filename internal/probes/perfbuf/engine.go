// Package perfbuf implements the shared perf-buffer probe engine (§4.3.1):
// load a precompiled BPF object, attach a fixed kprobe mapping, poll a perf
// event array with a bounded timeout, and decode records into typed
// events. Concrete probe types (delay_analysis_{in,out}{,_v6}, runqslower)
// configure an Engine with their own Spec and Decoder rather than
// reimplementing the attach/poll/stop protocol.
//
// The in-kernel BPF C sources are out of scope (spec §1); this engine
// consumes a loader+perf-buffer capability — it loads a precompiled .o
// from disk and reads its declared maps/programs by name.
package perfbuf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"go.uber.org/zap"

	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/probe"
)

// Spec describes the static shape of one perf-buffer probe variant.
type Spec struct {
	// ObjectPath is the precompiled BPF object file to load.
	ObjectPath string

	// PerfMapName is the BPF_MAP_TYPE_PERF_EVENT_ARRAY map the engine
	// polls for records.
	PerfMapName string

	// Kprobes is the fixed kernel-function-name → program-name mapping
	// attached on Start and detached on Stop (§4.3.1 step 3).
	Kprobes map[string]string
}

// Decoder turns one raw perf record into a typed, JSON-marshalable
// payload. Returning an error logs a warning and drops the record (§7
// probe runtime errors) without stopping the probe.
type Decoder func(raw []byte) (any, error)

// Engine is a generic §4.3.1 perf-buffer probe. It implements probe.Probe.
type Engine struct {
	name   string
	spec   Spec
	decode Decoder
	deps   probe.Dependencies
	cb     probe.EventCallback

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}

	coll   *ebpf.Collection
	links  []link.Link
	reader *perf.Reader
}

// New constructs an Engine. Nothing is loaded or attached until Start.
func New(name string, spec Spec, decode Decoder, deps probe.Dependencies, cb probe.EventCallback) *Engine {
	return &Engine{name: name, spec: spec, decode: decode, deps: deps, cb: cb}
}

func (e *Engine) Name() string { return e.name }

// pollTimeout and stopWait apply the deps-provided tuning override, falling
// back to the package default when unset.
func (e *Engine) pollTimeout() time.Duration {
	if e.deps.PerfPollTimeout > 0 {
		return e.deps.PerfPollTimeout
	}
	return constants.PerfBufferPollTimeout
}

func (e *Engine) stopWait() time.Duration {
	if e.deps.PerfStopWait > 0 {
		return e.deps.PerfStopWait
	}
	return constants.PerfBufferStopWait
}

// Start loads the BPF object, attaches the fixed kprobe mapping, opens the
// perf reader, and launches the polling worker. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	spec, err := ebpf.LoadCollectionSpec(e.spec.ObjectPath)
	if err != nil {
		return fmt.Errorf("loading BPF object %s: %w", e.spec.ObjectPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("instantiating BPF collection: %w", err)
	}
	e.coll = coll

	for fnName, progName := range e.spec.Kprobes {
		prog, ok := coll.Programs[progName]
		if !ok {
			e.teardown()
			return fmt.Errorf("BPF object has no program %q for kprobe %q", progName, fnName)
		}
		kp, err := link.Kprobe(fnName, prog, nil)
		if err != nil {
			e.teardown()
			return fmt.Errorf("attaching kprobe %s: %w", fnName, err)
		}
		e.links = append(e.links, kp)
	}

	perfMap, ok := coll.Maps[e.spec.PerfMapName]
	if !ok {
		e.teardown()
		return fmt.Errorf("BPF object has no perf map %q", e.spec.PerfMapName)
	}
	reader, err := perf.NewReader(perfMap, os.Getpagesize()*8)
	if err != nil {
		e.teardown()
		return fmt.Errorf("opening perf reader: %w", err)
	}
	e.reader = reader

	e.quit = make(chan struct{})
	e.done = make(chan struct{})
	e.running = true

	go e.pollLoop()
	return nil
}

func (e *Engine) pollLoop() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		default:
		}

		e.reader.SetDeadline(time.Now().Add(e.pollTimeout()))
		record, err := e.reader.Read()
		if err != nil {
			if err == perf.ErrClosed {
				return
			}
			// Deadline exceeded: normal bounded-poll timeout, loop and
			// check quit again.
			continue
		}
		if record.LostSamples > 0 {
			if e.deps.Logger != nil {
				e.deps.Logger.Warn("perfbuf: kernel dropped samples",
					zap.String("probe", e.name), zap.Uint64("lost", record.LostSamples))
			}
			if e.deps.Metrics != nil {
				e.deps.Metrics.ObserveProbeRuntimeError(e.name)
			}
			continue
		}

		payload, err := e.decode(record.RawSample)
		if err != nil {
			if e.deps.Logger != nil {
				e.deps.Logger.Warn("perfbuf: failed to decode record",
					zap.String("probe", e.name), zap.Error(err))
			}
			if e.deps.Metrics != nil {
				e.deps.Metrics.ObserveProbeRuntimeError(e.name)
			}
			continue
		}
		e.cb(payload)
	}
}

// Stop marks the worker for exit, waits up to PerfBufferStopWait for it to
// drain, then detaches kprobes and releases kernel resources regardless of
// whether the wait succeeded (§4.3.1 stop protocol).
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	close(e.quit)
	if e.reader != nil {
		e.reader.Close() // unblocks any in-flight Read immediately
	}

	select {
	case <-e.done:
	case <-time.After(e.stopWait()):
		if e.deps.Logger != nil {
			e.deps.Logger.Warn("perfbuf: poll worker did not exit in time, force-detaching",
				zap.String("probe", e.name))
		}
	}

	e.teardown()
	return nil
}

func (e *Engine) teardown() {
	for _, l := range e.links {
		l.Close()
	}
	e.links = nil
	if e.coll != nil {
		e.coll.Close()
		e.coll = nil
	}
}

// decodeLittleEndian is a small shared helper for fixed-layout raw BPF
// event structs.
func decodeLittleEndian(raw []byte, out any) error {
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, out)
}
