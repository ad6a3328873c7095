package task

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ntracing/ntd/internal/probe"
)

func TestRegistry_CreateGetListRemove(t *testing.T) {
	reg, _ := newFakeRegistry("demo")
	registry := NewRegistry(reg, probe.Dependencies{}, nil, nil)

	id, err := registry.Create(Options{Probes: map[string]json.RawMessage{"demo": nil}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	tk, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tk == nil {
		t.Fatal("Get returned nil task")
	}

	entries := registry.List()
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("List = %+v, want one entry with id %q", entries, id)
	}

	if err := registry.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := registry.Get(id); err == nil {
		t.Fatal("expected Get to fail after Remove")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg, _ := newFakeRegistry("demo")
	registry := NewRegistry(reg, probe.Dependencies{}, nil, nil)

	_, err := registry.Get("nonexistent")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_RemoveNotFound(t *testing.T) {
	reg, _ := newFakeRegistry("demo")
	registry := NewRegistry(reg, probe.Dependencies{}, nil, nil)

	err := registry.Remove("nonexistent")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_CreateFailureDoesNotRegister(t *testing.T) {
	reg, probes := newFakeRegistry("demo")
	probes["demo"].startErr = errors.New("boom")
	registry := NewRegistry(reg, probe.Dependencies{}, nil, nil)

	if _, err := registry.Create(Options{Probes: map[string]json.RawMessage{"demo": nil}}); err == nil {
		t.Fatal("expected Create to fail")
	}

	if len(registry.List()) != 0 {
		t.Fatalf("expected no tasks registered after failed create, got %d", len(registry.List()))
	}
}

func TestRegistry_ShutdownStopsAllTasks(t *testing.T) {
	reg, probes := newFakeRegistry("demo")
	registry := NewRegistry(reg, probe.Dependencies{}, nil, nil)

	if _, err := registry.Create(Options{Probes: map[string]json.RawMessage{"demo": nil}}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	registry.Shutdown()

	if !probes["demo"].stopped {
		t.Fatal("expected probe to be stopped by Shutdown")
	}
	if len(registry.List()) != 0 {
		t.Fatalf("expected registry empty after Shutdown, got %d", len(registry.List()))
	}
}
