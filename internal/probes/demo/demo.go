// Package demo implements the synthetic demo probe (§4.3.3): a
// timer-driven probe emitting the current wall-clock time at a
// configurable interval, used for end-to-end tests that don't need a real
// kernel or subprocess dependency.
package demo

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/probe"
)

// Options configures the probe. Interval defaults to one second, matching
// the original's `ProbeOptions.interval = 1.0`.
type Options struct {
	IntervalSeconds float64 `json:"interval,omitempty"`
}

// Event is emitted once per tick. It implements probe.WallClockStamped
// directly, since a synthetic probe has no kernel timestamp to draw from
// (DESIGN.md Open Question decision 4).
type Event struct {
	CurrentTime string `json:"current_time"`
	capturedAt  int64
}

func (e *Event) WallClockNs() int64 { return e.capturedAt }

// Probe is the timer-driven demo probe.
type Probe struct {
	callback probe.EventCallback
	interval time.Duration

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

// New constructs the demo probe factory entry.
func New(optionsJSON []byte, deps probe.Dependencies, callback probe.EventCallback) (probe.Probe, error) {
	opts := Options{IntervalSeconds: constants.DefaultDemoInterval.Seconds()}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &opts); err != nil {
			return nil, fmt.Errorf("parsing demo options: %w", err)
		}
		if opts.IntervalSeconds <= 0 {
			opts.IntervalSeconds = constants.DefaultDemoInterval.Seconds()
		}
	}

	interval := time.Duration(opts.IntervalSeconds * float64(time.Second))
	return &Probe{callback: callback, interval: interval}, nil
}

func (p *Probe) Name() string { return constants.ProbeDemo }

// Start launches the ticking worker. Idempotent.
func (p *Probe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	p.running = true

	go p.run()
	return nil
}

func (p *Probe) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case now := <-ticker.C:
			p.callback(&Event{
				CurrentTime: now.Format(time.ANSIC),
				capturedAt:  now.UnixNano(),
			})
		}
	}
}

// Stop signals the worker and waits for it to exit. Idempotent.
func (p *Probe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	close(p.quit)
	<-p.done
	return nil
}
