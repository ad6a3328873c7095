package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPerfTuning_MissingFileReturnsDefaults(t *testing.T) {
	tuning, err := LoadPerfTuning(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadPerfTuning: %v", err)
	}
	want := DefaultPerfTuning()
	if *tuning != *want {
		t.Fatalf("got %+v, want %+v", tuning, want)
	}
}

func TestLoadPerfTuning_ParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.yaml")
	body := "events:\n  ring_buffer_length: 500\n  subscriber_queue_multiplier: 8\n  subscriber_queue_floor: 1024\nperf_buffer:\n  poll_timeout: 100ms\n  stop_wait: 10s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tuning, err := LoadPerfTuning(path)
	if err != nil {
		t.Fatalf("LoadPerfTuning: %v", err)
	}
	if tuning.Events.RingBufferLength != 500 || tuning.Events.SubscriberQueueMultiplier != 8 {
		t.Fatalf("got %+v", tuning.Events)
	}
}

func TestPerfTuning_ValidateRejectsNonPositiveRingBuffer(t *testing.T) {
	tuning := DefaultPerfTuning()
	tuning.Events.RingBufferLength = 0
	if err := tuning.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
