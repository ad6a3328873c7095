package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ntracing/ntd/internal/probe"
)

type fakeProbe struct {
	name     string
	startErr error
	started  bool
	stopped  bool
	callback probe.EventCallback
}

func (p *fakeProbe) Name() string { return p.name }

func (p *fakeProbe) Start() error {
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *fakeProbe) Stop() error {
	p.stopped = true
	return nil
}

func newFakeRegistry(names ...string) (*probe.Registry, map[string]*fakeProbe) {
	reg := probe.NewRegistry()
	probes := make(map[string]*fakeProbe, len(names))
	for _, name := range names {
		name := name
		p := &fakeProbe{name: name}
		probes[name] = p
		reg.Register(name, func(optionsJSON []byte, deps probe.Dependencies, callback probe.EventCallback) (probe.Probe, error) {
			p.callback = callback
			return p, nil
		})
	}
	return reg, probes
}

func TestNew_UnknownProbeTypeFails(t *testing.T) {
	reg, _ := newFakeRegistry("demo")
	_, err := New(Options{Probes: map[string]json.RawMessage{"nope": nil}}, reg, probe.Dependencies{}, nil)
	if !errors.Is(err, probe.ErrUnknownProbeType) {
		t.Fatalf("expected ErrUnknownProbeType, got %v", err)
	}
}

func TestTask_StartStopLifecycle(t *testing.T) {
	reg, probes := newFakeRegistry("demo", "retsnoop")

	tk, err := New(Options{Probes: map[string]json.RawMessage{"demo": nil, "retsnoop": nil}}, reg, probe.Dependencies{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tk.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for name, p := range probes {
		if !p.started {
			t.Fatalf("probe %q was not started", name)
		}
	}

	if err := tk.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for name, p := range probes {
		if !p.stopped {
			t.Fatalf("probe %q was not stopped", name)
		}
	}
}

func TestTask_PartialStartFailureStopsStartedSiblings(t *testing.T) {
	reg, probes := newFakeRegistry("demo", "retsnoop")
	probes["retsnoop"].startErr = errors.New("boom")

	tk, err := New(Options{Probes: map[string]json.RawMessage{"demo": nil, "retsnoop": nil}}, reg, probe.Dependencies{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tk.Start(); err == nil {
		t.Fatal("expected Start to fail")
	}

	// Whichever of the two started before the failing one must have been
	// stopped again; the failing one itself was never marked started.
	started := 0
	for _, p := range probes {
		if p.started {
			started++
		}
	}
	if started > 0 {
		for name, p := range probes {
			if p.started && !p.stopped {
				t.Fatalf("probe %q left running after partial start failure", name)
			}
		}
	}
}

func TestTask_PublishResolvesWallClockStampedPayload(t *testing.T) {
	reg, probes := newFakeRegistry("demo")
	tk, err := New(Options{Probes: map[string]json.RawMessage{"demo": nil}}, reg, probe.Dependencies{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sub := tk.Bus().Subscribe()
	defer sub.Close()

	probes["demo"].callback(&stampedPayload{ns: 12345})

	select {
	case e := <-sub.Events():
		if e.TimestampNs != 12345 {
			t.Fatalf("timestamp = %d, want 12345", e.TimestampNs)
		}
		if e.Probe != "demo" {
			t.Fatalf("probe tag = %q, want demo", e.Probe)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

type stampedPayload struct{ ns int64 }

func (p *stampedPayload) WallClockNs() int64 { return p.ns }
