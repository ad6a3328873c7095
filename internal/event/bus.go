package event

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ntracing/ntd/internal/constants"
)

// Bus is the per-task event fan-out: a bounded ring buffer of the most
// recent events plus a set of live subscriber queues (§4.4).
//
// Producer path: Publish appends to the ring (evicting the oldest entry on
// overflow) and enqueues to every subscriber without blocking — a full
// subscriber channel drops the event and increments that subscriber's drop
// counter (§4.4 bullet 4; see DESIGN.md decision 6 for the bound chosen).
//
// A single mutex guards the ring and the subscriber set; it is released
// before per-subscriber delivery so a slow or stuck consumer never stalls
// the producer or other subscribers (§4.4 concurrency note).
type Bus struct {
	logger *zap.Logger

	mu          sync.Mutex
	ring        []*Event
	ringCap     int
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool
	closeCh     chan struct{}

	published atomic.Uint64
}

type subscriber struct {
	ch      chan *Event
	dropped atomic.Uint64
}

// NewBus creates a Bus with the given ring capacity (events.buffer_length,
// §3). A non-positive capacity falls back to the spec default of 100.
func NewBus(ringCapacity int, logger *zap.Logger) *Bus {
	if ringCapacity <= 0 {
		ringCapacity = constants.DefaultRingBufferLength
	}
	return &Bus{
		logger:      logger,
		ringCap:     ringCapacity,
		subscribers: make(map[uint64]*subscriber),
		closeCh:     make(chan struct{}),
	}
}

// subscriberQueueDepth bounds a subscriber's channel relative to the ring
// capacity — see DESIGN.md decision 6 for why an unbounded channel (the
// original's behavior) is rejected.
func subscriberQueueDepth(ringCap int) int {
	depth := ringCap * constants.SubscriberQueueMultiplier
	if depth < constants.SubscriberQueueFloor {
		depth = constants.SubscriberQueueFloor
	}
	return depth
}

// Publish appends an already-built event to the ring, then fans it out to every
// live subscriber. Never blocks the caller.
func (b *Bus) Publish(e *Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.ring = append(b.ring, e)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}

	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.published.Add(1)

	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			if b.logger != nil {
				b.logger.Debug("event bus: subscriber queue full, dropping event",
					zap.Uint64("dropped_total", s.dropped.Load()))
			}
		}
	}
}

// Subscription is a scoped handle on the bus for one consumer, seeded with
// the ring snapshot at creation time (§4.4 subscribe path).
type Subscription struct {
	bus *Bus
	id  uint64
	ch  chan *Event
	sub *subscriber

	once sync.Once
}

// Subscribe creates a new subscription, seeding it with a snapshot of the
// current ring contents in original order, then registers it to receive
// every subsequent published event.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	depth := subscriberQueueDepth(b.ringCap)
	ch := make(chan *Event, depth+len(b.ring))
	for _, e := range b.ring {
		ch <- e // never blocks: channel sized to hold the full snapshot too
	}

	s := &subscriber{ch: ch}
	b.nextID++
	id := b.nextID
	if !b.closed {
		b.subscribers[id] = s
	}

	return &Subscription{bus: b, id: id, ch: ch, sub: s}
}

// Events returns the channel to read from. The channel itself is never
// closed — Subscription owns no close on it, since a concurrent Publish
// may be mid-send to it (see Close). Readers must select on Done
// alongside Events to notice bus shutdown, rather than ranging over
// Events waiting for it to close.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Done reports bus shutdown: it is closed exactly once, by Bus.Close,
// for every subscription the bus ever handed out. A reader ranging over
// Events should select on Done too and stop once it fires.
func (s *Subscription) Done() <-chan struct{} {
	return s.bus.closeCh
}

// Dropped returns how many events this subscriber has missed due to a full
// queue.
func (s *Subscription) Dropped() uint64 {
	return s.sub.dropped.Load()
}

// Close unregisters the subscription so Publish stops targeting it. Safe
// to call more than once and from any goroutine; never blocks producers.
// It does not close the data channel: Publish may still be mid-send to it
// when Close runs, and a channel nobody reads from again is reclaimed by
// the garbage collector without ever needing to be closed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s.id)
		s.bus.mu.Unlock()
	})
}

// Close shuts the bus down. It closes the shared Done channel every live
// and future Subscription observes; it never closes a subscriber's data
// channel, so Publish can never race a Close with a send to one.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subscribers = make(map[uint64]*subscriber)
	b.mu.Unlock()

	close(b.closeCh)
}

// Stats is a snapshot of bus activity, used by the self-observability
// metrics exporter.
type Stats struct {
	Published      uint64
	SubscriberCount int
	Dropped         map[uint64]uint64
}

// Stats returns a point-in-time snapshot.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Published:       b.published.Load(),
		SubscriberCount: len(b.subscribers),
		Dropped:         make(map[uint64]uint64, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s.Dropped[id] = sub.dropped.Load()
	}
	return s
}
