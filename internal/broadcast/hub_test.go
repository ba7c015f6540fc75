package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func collect(sub *Subscription, n int, t *testing.T) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed after %d events, want %d", len(got), n)
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(got), n)
		}
	}
	return got
}

func TestDeliveryInPublishOrder(t *testing.T) {
	h := New()
	a := h.Subscribe("trip1")
	b := h.Subscribe("trip1")

	const n = 50
	for i := 0; i < n; i++ {
		h.Publish("trip1", Event{Type: TypeUser, Content: fmt.Sprintf("m%d", i)})
	}

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		got := collect(sub, n, t)
		for i, ev := range got {
			if ev.Content != fmt.Sprintf("m%d", i) {
				t.Errorf("subscriber %s event %d: got %q", name, i, ev.Content)
			}
			if ev.Seq != uint64(i+1) {
				t.Errorf("subscriber %s event %d: seq %d", name, i, ev.Seq)
			}
		}
	}
}

func TestConcurrentPublishersKeepTotalOrder(t *testing.T) {
	h := New(WithBufferSize(1024))
	sub := h.Subscribe("trip1")

	const workers, per = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				h.Publish("trip1", Event{Type: TypePing})
			}
		}()
	}
	wg.Wait()

	got := collect(sub, workers*per, t)
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d: stream reordered or dropped", i, ev.Seq)
		}
	}
}

func TestLateJoinerGetsNoHistory(t *testing.T) {
	h := New()
	h.Publish("trip1", Event{Type: TypeUser, Content: "early"})

	sub := h.Subscribe("trip1")
	h.Publish("trip1", Event{Type: TypeUser, Content: "late"})

	got := collect(sub, 1, t)
	if got[0].Content != "late" {
		t.Errorf("late joiner saw %q", got[0].Content)
	}
	select {
	case ev := <-sub.C:
		t.Errorf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestTripsAreIsolated(t *testing.T) {
	h := New()
	sub := h.Subscribe("trip1")
	h.Publish("trip2", Event{Type: TypeUser, Content: "other trip"})
	h.Publish("trip1", Event{Type: TypeUser, Content: "mine"})

	got := collect(sub, 1, t)
	if got[0].Content != "mine" {
		t.Errorf("cross-trip leak: %q", got[0].Content)
	}
	if got[0].Seq != 1 {
		t.Errorf("trip1 sequence should be independent, got seq %d", got[0].Seq)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := New(WithBufferSize(2))
	slow := h.Subscribe("trip1")

	// Nobody drains: the third publish overflows the buffer and the
	// subscriber is disconnected instead of stalling the topic.
	for i := 0; i < 5; i++ {
		h.Publish("trip1", Event{Type: TypePing})
	}

	var got []Event
	closed := false
	for !closed {
		select {
		case ev, ok := <-slow.C:
			if !ok {
				closed = true
				break
			}
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("slow subscriber was never dropped")
		}
	}
	// Whatever was buffered before the drop is still a prefix of the
	// publish order.
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Errorf("buffered event %d has seq %d", i, ev.Seq)
		}
	}
	if h.Subscribers("trip1") != 0 {
		t.Errorf("subscriber count: got %d, want 0", h.Subscribers("trip1"))
	}
}

func TestPingIsOrderedLikeAnyEvent(t *testing.T) {
	h := New()
	sub := h.Subscribe("trip1")
	h.Publish("trip1", Event{Type: TypeUser, Content: "hello"})
	h.Publish("trip1", Event{Type: TypePing})
	h.Publish("trip1", Event{Type: TypeUser, Content: "world"})

	got := collect(sub, 3, t)
	if got[1].Type != TypePing {
		t.Errorf("keep-alive not in published position: %+v", got)
	}
	if got[0].Seq >= got[1].Seq || got[1].Seq >= got[2].Seq {
		t.Error("sequence numbers not strictly increasing around keep-alive")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := New()
	sub := h.Subscribe("trip1")
	sub.Close()
	sub.Close()
	// Publishing after close must not panic or deliver.
	h.Publish("trip1", Event{Type: TypePing})
	if h.Subscribers("trip1") != 0 {
		t.Error("closed subscription still registered")
	}
}

func TestForwarderSeesPublishOrder(t *testing.T) {
	var mu sync.Mutex
	var seqs []uint64
	h := New(WithForwarder(func(trip string, ev Event) {
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				h.Publish("trip1", Event{Type: TypePing})
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 100 {
		t.Fatalf("forwarder saw %d events, want 100", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("forwarder event %d has seq %d", i, s)
		}
	}
}

func TestDropTopicClosesAll(t *testing.T) {
	h := New()
	sub := h.Subscribe("trip1")
	h.DropTopic("trip1")
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel after DropTopic")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after DropTopic")
	}
}
