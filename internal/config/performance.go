package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ntracing/ntd/internal/constants"
)

// PerfTuning is the internal-only performance-tuning file: ring buffer
// depth, perf-buffer poll interval, and subscriber-queue sizing. None of
// this is part of spec §6's documented config contract, so it keeps the
// teacher's YAML convention (`PerformanceConfig`/`ModuleConfig`) rather
// than the JSON format §6 mandates for the daemon config proper.
type PerfTuning struct {
	Events  EventsTuning  `yaml:"events"`
	PerfBuf PerfBufTuning `yaml:"perf_buffer"`
}

// EventsTuning mirrors the teacher's `PerformanceConfig` shape, scoped to
// the Event Bus (§4.4).
type EventsTuning struct {
	// RingBufferLength is the default events.buffer_length applied to
	// tasks that don't specify one explicitly.
	RingBufferLength int `yaml:"ring_buffer_length"`

	// SubscriberQueueMultiplier and SubscriberQueueFloor are loaded and
	// validated but not passed to the event bus: internal/event sizes a
	// subscriber's channel from constants.SubscriberQueueMultiplier and
	// constants.SubscriberQueueFloor (DESIGN.md Open Question decision 6).
	SubscriberQueueMultiplier int `yaml:"subscriber_queue_multiplier"`
	SubscriberQueueFloor      int `yaml:"subscriber_queue_floor"`
}

// PerfBufTuning mirrors the teacher's per-module `ModuleConfig` shape,
// scoped to the perf-buffer probe engine (§4.3.1).
type PerfBufTuning struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
	StopWait    time.Duration `yaml:"stop_wait"`
}

// DefaultPerfTuning returns the constants-sourced defaults, matching the
// teacher's `Default()`.
func DefaultPerfTuning() *PerfTuning {
	return &PerfTuning{
		Events: EventsTuning{
			RingBufferLength:          constants.DefaultRingBufferLength,
			SubscriberQueueMultiplier: constants.SubscriberQueueMultiplier,
			SubscriberQueueFloor:      constants.SubscriberQueueFloor,
		},
		PerfBuf: PerfBufTuning{
			PollTimeout: constants.PerfBufferPollTimeout,
			StopWait:    constants.PerfBufferStopWait,
		},
	}
}

// LoadPerfTuning reads the YAML tuning file at path, merging onto
// defaults. A missing file is not an error.
func LoadPerfTuning(path string) (*PerfTuning, error) {
	tuning := DefaultPerfTuning()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tuning, nil
		}
		return nil, fmt.Errorf("reading performance tuning file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, tuning); err != nil {
		return nil, fmt.Errorf("parsing performance tuning file %s: %w", path, err)
	}

	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("performance tuning validation: %w", err)
	}
	return tuning, nil
}

// Validate checks the tuning file for logical errors.
func (t *PerfTuning) Validate() error {
	if t.Events.RingBufferLength <= 0 {
		return fmt.Errorf("events.ring_buffer_length must be positive")
	}
	if t.Events.SubscriberQueueMultiplier <= 0 {
		return fmt.Errorf("events.subscriber_queue_multiplier must be positive")
	}
	if t.PerfBuf.PollTimeout <= 0 {
		return fmt.Errorf("perf_buffer.poll_timeout must be positive")
	}
	return nil
}
