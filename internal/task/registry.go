package task

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntracing/ntd/internal/event"
	"github.com/ntracing/ntd/internal/metrics"
	"github.com/ntracing/ntd/internal/probe"
)

// Registry is the process-wide `id → Task` mapping (§4.6). One mutex
// guards all mutations; the registry's lifecycle is tied to the daemon
// (constructed at startup, emptied at shutdown by Shutdown).
type Registry struct {
	logger            *zap.Logger
	probeReg          *probe.Registry
	deps              probe.Dependencies
	metrics           *metrics.Metrics
	defaultBufferSize int

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRegistry returns an empty Task Registry. m may be nil (tests that
// don't care about metrics).
func NewRegistry(probeReg *probe.Registry, deps probe.Dependencies, logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:   logger,
		probeReg: probeReg,
		deps:     deps,
		metrics:  m,
		tasks:    make(map[string]*Task),
	}
}

// SetDefaultBufferLength sets the events.buffer_length applied to tasks
// that don't specify one explicitly (internal/config.PerfTuning's
// ring_buffer_length, DESIGN.md Open Question decision 5). Zero restores
// event.Bus's own built-in default.
func (r *Registry) SetDefaultBufferLength(n int) {
	r.defaultBufferSize = n
}

// newID returns a freshly generated 128-bit random hex string (§4.6).
// newID itself does not check for collisions; Create draws a new ID if
// the generated one is already registered.
func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Create builds a Task from options, starts it, inserts it under a fresh
// ID, and returns that ID. If Start fails, the task is never inserted.
func (r *Registry) Create(options Options) (string, error) {
	if options.Events.BufferLength <= 0 && r.defaultBufferSize > 0 {
		options.Events.BufferLength = r.defaultBufferSize
	}
	t, err := New(options, r.probeReg, r.deps, r.logger)
	if err != nil {
		return "", err
	}
	if err := t.Start(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := newID()
	for _, exists := r.tasks[id]; exists; _, exists = r.tasks[id] {
		id = newID()
	}
	r.tasks[id] = t
	if r.metrics != nil {
		r.metrics.ObserveTaskCreated()
	}
	return id, nil
}

// ErrNotFound is returned by Get/Remove when the ID is not registered.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("tracing task %q not found", e.ID)
}

// Get returns the task registered under id.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return t, nil
}

// Entry is one row of List's result.
type Entry struct {
	ID      string
	Options Options
}

// List returns every registered task's ID and options, sorted by ID for
// deterministic output (the spec leaves the order unspecified).
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.tasks))
	for id, t := range r.tasks {
		entries = append(entries, Entry{ID: id, Options: t.Options()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Remove looks up id, stops its task, and deletes it from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return &ErrNotFound{ID: id}
	}
	delete(r.tasks, id)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ObserveTaskRemoved()
		r.metrics.ForgetTask(id)
	}
	return t.Stop()
}

// Shutdown stops and removes every registered task, in unspecified order.
// Called once at daemon teardown (§4.6).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]*Task)
	r.mu.Unlock()

	for id, t := range tasks {
		if err := t.Stop(); err != nil && r.logger != nil {
			r.logger.Warn("error stopping tracing task during shutdown",
				zap.String("id", id), zap.Error(err))
		}
		if r.metrics != nil {
			r.metrics.ObserveTaskRemoved()
			r.metrics.ForgetTask(id)
		}
	}
}

// BusStats snapshots every live task's event bus, keyed by task ID. Used
// by the daemon's metrics-export tick to populate EventsPublished,
// EventsDropped and BusQueueDepth.
func (r *Registry) BusStats() map[string]event.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]event.Stats, len(r.tasks))
	for id, t := range r.tasks {
		stats[id] = t.Bus().Stats()
	}
	return stats
}
