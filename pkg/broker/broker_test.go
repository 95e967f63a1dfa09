package broker

import (
	"sync"
	"testing"
	"time"

	"simbus/pkg/protocol"
)

// chanSub collects deliveries in order, mimicking the server's per-connection
// queue without the writer goroutine.
type chanSub struct {
	id   string
	mu   sync.Mutex
	got  []*protocol.Envelope
	dead bool
}

func (s *chanSub) ID() string { return s.id }

func (s *chanSub) Enqueue(e *protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	s.got = append(s.got, e)
	return true
}

func (s *chanSub) envelopes() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Envelope(nil), s.got...)
}

func pub(topic string, seq uint64) *protocol.Envelope {
	return &protocol.Envelope{Type: protocol.MsgPublish, Topic: topic, Sender: "p", Sequence: seq}
}

func TestFanOutCurrentSubscribersOnly(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	early := &chanSub{id: "early"}
	b.Subscribe("lidar/scan", early)
	b.Publish(pub("lidar/scan", 1))

	late := &chanSub{id: "late"}
	b.Subscribe("lidar/scan", late)
	b.Publish(pub("lidar/scan", 2))

	if got := early.envelopes(); len(got) != 2 {
		t.Fatalf("early subscriber got %d messages, want 2", len(got))
	}
	// no replay for late subscribers
	got := late.envelopes()
	if len(got) != 1 || got[0].Sequence != 2 {
		t.Fatalf("late subscriber got %v, want only seq 2", got)
	}
}

func TestPerSenderOrdering(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	s := &chanSub{id: "s"}
	b.Subscribe("imu", s)
	for i := uint64(1); i <= 100; i++ {
		b.Publish(pub("imu", i))
	}
	got := s.envelopes()
	if len(got) != 100 {
		t.Fatalf("got %d messages, want 100", len(got))
	}
	for i, e := range got {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("out of order at %d: seq %d", i, e.Sequence)
		}
	}
}

func TestDeadSubscriberIsolated(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	dead := &chanSub{id: "dead", dead: true}
	live := &chanSub{id: "live"}
	b.Subscribe("gps", dead)
	b.Subscribe("gps", live)

	b.Publish(pub("gps", 1))
	if got := live.envelopes(); len(got) != 1 {
		t.Fatalf("live subscriber got %d messages, want 1", len(got))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	s := &chanSub{id: "s"}
	b.Subscribe("gps", s)
	b.Publish(pub("gps", 1))
	b.Unsubscribe("gps", "s")
	b.Unsubscribe("gps", "s") // idempotent
	b.Publish(pub("gps", 2))

	if got := s.envelopes(); len(got) != 1 {
		t.Fatalf("got %d messages after unsubscribe, want 1", len(got))
	}
}

func TestDropEndpointRemovesEverywhere(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	s := &chanSub{id: "veh1"}
	b.Subscribe("a", s)
	b.Subscribe("b", s)
	b.Advertise("c", "veh1")
	b.DropEndpoint("veh1")

	b.Publish(pub("a", 1))
	b.Publish(pub("b", 1))
	if got := s.envelopes(); len(got) != 0 {
		t.Fatalf("dropped endpoint still received %d messages", len(got))
	}
}

func TestTopicGC(t *testing.T) {
	b := New(Options{Retention: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	defer b.Close()

	s := &chanSub{id: "s"}
	b.Subscribe("ephemeral", s)
	b.Unsubscribe("ephemeral", "s")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Topics()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("empty topic not collected: %v", b.Topics())
}

func TestTopicKeptWhileAdvertised(t *testing.T) {
	b := New(Options{Retention: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	defer b.Close()

	b.Advertise("alive", "veh1")
	time.Sleep(80 * time.Millisecond)
	if len(b.Topics()) != 1 {
		t.Fatalf("advertised topic was collected")
	}
}
