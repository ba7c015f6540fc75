package broadcast

import (
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

const defaultBufferSize = 64

// ForwardFunc receives every published event after local delivery, in
// publish order per trip. Used to bridge events to external systems.
type ForwardFunc func(trip string, ev Event)

// Hub multiplexes events per trip. Events published for the same trip reach
// every current subscriber in publish order; trips never block one another.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	forward ForwardFunc
	bufSize int
	logger  *logging.Logger
}

type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

// Subscription is one subscriber's ordered event stream. The channel is
// closed when the subscription is closed, the trip's topic is dropped, or
// the subscriber falls too far behind.
type Subscription struct {
	C <-chan Event

	c      chan Event
	t      *topic
	closed bool // guarded by t.mu
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithForwarder taps every published event, e.g. for a NATS relay.
func WithForwarder(fn ForwardFunc) HubOption {
	return func(h *Hub) { h.forward = fn }
}

// WithBufferSize sets the per-subscriber channel depth.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

// New creates a hub.
func New(opts ...HubOption) *Hub {
	h := &Hub{
		topics:  make(map[string]*topic),
		bufSize: defaultBufferSize,
		logger:  logging.New().WithComponent("broadcast"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) topicFor(trip string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[trip]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[trip] = t
	}
	return t
}

// Publish stamps the event with the trip's next sequence number and delivers
// it to every current subscriber. Delivery happens under the topic lock, so
// per-trip order equals publish order. A subscriber whose buffer is full is
// disconnected rather than allowed to stall or reorder the topic.
func (h *Hub) Publish(trip string, ev Event) Event {
	t := h.topicFor(trip)

	t.mu.Lock()
	t.seq++
	ev.Seq = t.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for sub := range t.subs {
		select {
		case sub.c <- ev:
		default:
			delete(t.subs, sub)
			sub.closed = true
			close(sub.c)
			h.logger.Warn("dropping slow subscriber", map[string]interface{}{
				"trip": trip,
				"seq":  ev.Seq,
			})
		}
	}
	// Forward under the topic lock so the relay observes publish order too.
	if h.forward != nil {
		h.forward(trip, ev)
	}
	t.mu.Unlock()
	return ev
}

// Subscribe registers a new subscriber for the trip. Late joiners receive
// only events published after this call; catching up on current state is a
// snapshot read against the store, not an event replay.
func (h *Hub) Subscribe(trip string) *Subscription {
	t := h.topicFor(trip)
	sub := &Subscription{c: make(chan Event, h.bufSize), t: t}
	sub.C = sub.c

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Close releases the subscription. Safe to call more than once and safe to
// race with the hub dropping the subscriber.
func (s *Subscription) Close() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.t.subs, s)
	s.closed = true
	close(s.c)
}

// DropTopic closes every subscription for a trip and forgets its sequence
// counter. Used when a trip is deleted.
func (h *Hub) DropTopic(trip string) {
	h.mu.Lock()
	t, ok := h.topics[trip]
	if ok {
		delete(h.topics, trip)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		delete(t.subs, sub)
		sub.closed = true
		close(sub.c)
	}
}

// Subscribers returns the current subscriber count for a trip.
func (h *Hub) Subscribers(trip string) int {
	h.mu.RLock()
	t, ok := h.topics[trip]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
