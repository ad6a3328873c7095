package event

import (
	"testing"
	"time"
)

func TestBus_SubscribeSeedsRingSnapshot(t *testing.T) {
	b := NewBus(3, nil)
	for i := 0; i < 5; i++ {
		b.Publish(&Event{TimestampNs: int64(i), Probe: "demo"})
	}

	sub := b.Subscribe()
	defer sub.Close()

	want := []int64{2, 3, 4}
	for _, w := range want {
		select {
		case e := <-sub.Events():
			if e.TimestampNs != w {
				t.Fatalf("got timestamp %d, want %d", e.TimestampNs, w)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for seeded event")
		}
	}
}

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBus(10, nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	b.Publish(&Event{TimestampNs: 1, Probe: "demo"})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case e := <-s.Events():
			if e.TimestampNs != 1 {
				t.Fatalf("unexpected event: %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}

func TestBus_RingEvictsOldest(t *testing.T) {
	b := NewBus(2, nil)
	b.Publish(&Event{TimestampNs: 1})
	b.Publish(&Event{TimestampNs: 2})
	b.Publish(&Event{TimestampNs: 3})

	sub := b.Subscribe()
	defer sub.Close()

	first := <-sub.Events()
	second := <-sub.Events()
	if first.TimestampNs != 2 || second.TimestampNs != 3 {
		t.Fatalf("ring snapshot = [%d %d], want [2 3]", first.TimestampNs, second.TimestampNs)
	}
}

func TestBus_CloseSignalsDone(t *testing.T) {
	b := NewBus(10, nil)
	sub := b.Subscribe()
	b.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription Done was never signaled")
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := NewBus(10, nil)
	sub := b.Subscribe()
	sub.Close()
	sub.Close() // must not panic on double close
}

// TestBus_CloseThenSubscriptionClose exercises the exact sequence the API
// server's streaming handlers run on task deletion: the bus shuts down
// while a subscriber is still attached, the reader's range/select loop
// observes Done and returns, then its deferred sub.Close runs. Neither
// call may close a channel the other already closed.
func TestBus_CloseThenSubscriptionClose(t *testing.T) {
	b := NewBus(10, nil)
	sub := b.Subscribe()

	b.Close()
	sub.Close() // must not panic: Subscription.Close never touches the data channel
}

// TestBus_PublishNeverPanicsConcurrentWithSubscriptionClose guards against
// the send-on-closed-channel panic: a producer fanning out events must
// never race a disconnecting subscriber's Close call.
func TestBus_PublishNeverPanicsConcurrentWithSubscriptionClose(t *testing.T) {
	b := NewBus(10, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			b.Publish(&Event{TimestampNs: int64(i), Probe: "demo"})
		}
	}()

	for i := 0; i < 200; i++ {
		sub := b.Subscribe()
		sub.Close()
	}

	<-done
}
