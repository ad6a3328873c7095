// Package event provides the tracing event envelope and the per-task event
// bus: a bounded replay ring plus an arbitrary number of live subscriber
// queues, fed by probe callbacks and drained by HTTP subscribers.
package event

import "encoding/json"

// Event is the envelope wrapping every value a probe callback produces
// (§3 TracingEvent). Immutable after construction. The payload is kept
// opaque (any JSON-marshalable value) so individual probe implementations
// are free to define their own event shapes — see SPEC_FULL §9 design
// note on dataclass/JSON conversion being replaced by explicit schemas per
// probe, with the bus itself staying payload-agnostic.
type Event struct {
	// TimestampNs is UNIX-epoch nanoseconds.
	TimestampNs int64 `json:"timestamp"`

	// Probe is the probe-type tag that produced this event (e.g. "demo",
	// "retsnoop", "delay_analysis_in").
	Probe string `json:"probe"`

	// Payload is the probe-specific event body.
	Payload any `json:"event"`
}

// MarshalLine renders the event as a single JSON line, matching the
// json-lines wire format of GET /tracing_tasks/{id}/events (one object per
// line, newline-terminated, §6).
func (e *Event) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
