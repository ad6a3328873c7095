package ntctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/event"
	"github.com/ntracing/ntd/internal/storage"
)

// Sink consumes one task's event stream. Grounded on
// cli/actions/events.py's `-a/--action` flag: the original supports
// `print` (fully implemented) and `upload` (an explicit
// `raise NotImplementedError` stub) — this rewrite completes upload as
// two concrete sinks, NATS and ClickHouse, per the domain-stack table.
type Sink interface {
	Write(ctx context.Context, taskID string, e *event.Event) error
	Close() error
}

// NewSink builds the Sink named by kind (constants.SinkPrint/SinkNATS/
// SinkClickHouse), writing print output to w.
func NewSink(kind string, w io.Writer, logger *zap.Logger) (Sink, error) {
	switch kind {
	case constants.SinkPrint, "":
		return NewPrintSink(w), nil
	case constants.SinkNATS:
		return NewNATSSink(constants.NATSDefaultURL, logger)
	case constants.SinkClickHouse:
		return NewClickHouseSink(storage.DefaultClickHouseConfig(), logger)
	default:
		return nil, fmt.Errorf("unknown sink %q (want %q, %q or %q)",
			kind, constants.SinkPrint, constants.SinkNATS, constants.SinkClickHouse)
	}
}

// PrintSink writes each event as a json-line to an io.Writer, matching
// cli/actions/events.py's `print` action (one `json.dumps` per event).
type PrintSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrintSink(w io.Writer) *PrintSink {
	return &PrintSink{w: w}
}

func (s *PrintSink) Write(_ context.Context, taskID string, e *event.Event) error {
	line, err := e.MarshalLine()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

func (s *PrintSink) Close() error { return nil }

// natsWireEvent is the JSON payload NATSSink publishes; ClickHouseSink
// maps the same flattened fields onto storage.EventRow. No package in this
// repository consumes the NATS subject. PID/UID/Comm/Node/Namespace/Pod are left zero-valued when a
// probe payload doesn't carry process/Kubernetes metadata; ClickHouse's
// schema tolerates the zero values the same way it does for demo events.
type natsWireEvent struct {
	Type      string             `json:"type"`
	Timestamp int64              `json:"ts"`
	PID       uint32             `json:"pid"`
	UID       uint32             `json:"uid"`
	Comm      string             `json:"comm"`
	Node      string             `json:"node"`
	Namespace string             `json:"ns"`
	Pod       string             `json:"pod"`
	Labels    map[string]string  `json:"l,omitempty"`
	Numerics  map[string]float64 `json:"n,omitempty"`
}

// toWireEvent flattens a probe payload's string/numeric fields onto the
// wire event's Labels/Numerics maps so ClickHouse's generic schema can
// store any probe type without a per-probe column set.
func toWireEvent(taskID string, e *event.Event) natsWireEvent {
	w := natsWireEvent{
		Type:      e.Probe,
		Timestamp: e.TimestampNs / int64(time.Millisecond),
		Labels:    map[string]string{"task": taskID},
		Numerics:  map[string]float64{},
	}

	fields, ok := e.Payload.(map[string]any)
	if !ok {
		return w
	}
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			switch k {
			case "comm":
				w.Comm = val
			case "node":
				w.Node = val
			case "namespace", "ns":
				w.Namespace = val
			case "pod":
				w.Pod = val
			default:
				w.Labels[k] = val
			}
		case float64:
			switch k {
			case "pid":
				w.PID = uint32(val)
			case "uid":
				w.UID = uint32(val)
			default:
				w.Numerics[k] = val
			}
		}
	}
	return w
}

// NATSSink publishes each event as a natsWireEvent onto
// constants.NATSSubject with a core NATS Publish (no JetStream).
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

func NewNATSSink(url string, logger *zap.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(3), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &NATSSink{conn: conn, subject: constants.NATSSubject, logger: logger}, nil
}

func (s *NATSSink) Write(_ context.Context, taskID string, e *event.Event) error {
	data, err := json.Marshal(toWireEvent(taskID, e))
	if err != nil {
		return fmt.Errorf("marshaling wire event: %w", err)
	}
	return s.conn.Publish(s.subject, data)
}

func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// ClickHouseSink batches events and flushes them with
// storage.ClickHouse.InsertBatch: a synchronous size check on Write
// plus a final flush on Close, with no time-triggered flush, since ntctl's upload
// is a one-shot CLI invocation rather than a long-running pipeline.
type ClickHouseSink struct {
	ch     *storage.ClickHouse
	logger *zap.Logger

	mu    sync.Mutex
	batch []storage.EventRow
}

func NewClickHouseSink(cfg storage.ClickHouseConfig, logger *zap.Logger) (*ClickHouseSink, error) {
	ch, err := storage.NewClickHouse(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &ClickHouseSink{
		ch:     ch,
		logger: logger,
		batch:  make([]storage.EventRow, 0, constants.ClickHouseBatchSize),
	}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, taskID string, e *event.Event) error {
	w := toWireEvent(taskID, e)
	row := storage.EventRow{
		Timestamp: time.UnixMilli(w.Timestamp),
		Type:      w.Type,
		PID:       w.PID,
		UID:       w.UID,
		Comm:      w.Comm,
		Node:      w.Node,
		Namespace: w.Namespace,
		Pod:       w.Pod,
		Labels:    w.Labels,
		Numerics:  w.Numerics,
	}

	s.mu.Lock()
	s.batch = append(s.batch, row)
	full := len(s.batch) >= constants.ClickHouseBatchSize
	s.mu.Unlock()

	if full {
		return s.flush(ctx)
	}
	return nil
}

func (s *ClickHouseSink) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.batch
	s.batch = make([]storage.EventRow, 0, constants.ClickHouseBatchSize)
	s.mu.Unlock()

	if err := s.ch.InsertBatch(ctx, batch); err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}
	s.logger.Info("uploaded events to clickhouse", zap.Int("rows", len(batch)))
	return nil
}

func (s *ClickHouseSink) Close() error {
	if err := s.flush(context.Background()); err != nil {
		return err
	}
	return s.ch.Close()
}
