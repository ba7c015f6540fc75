// Package relay bridges broadcast events onto NATS so other services can
// observe trip activity without holding a client connection.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/voyago/tripsync/internal/broadcast"
)

// subjectPrefix namespaces every relayed subject.
const subjectPrefix = "tripsync.trip."

// connection is the slice of the NATS client the relay uses; narrowed for
// testing.
type connection interface {
	Publish(subject string, data []byte) error
	Close()
}

// Relay publishes every broadcast event to a per-trip NATS subject.
type Relay struct {
	conn   connection
	logger *logging.Logger
}

// New connects to the NATS server at url. An empty url uses the client
// default.
func New(url string) (*Relay, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("tripsync-relay"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Relay{conn: conn, logger: logging.New().WithComponent("relay")}, nil
}

// Subject returns the NATS subject carrying one trip's events.
func Subject(tripID string) string {
	return subjectPrefix + tripID + ".events"
}

// Forwarder adapts the relay to the hub's forwarder hook. Publish failures
// are logged and dropped; the relay is observability, not source of truth,
// and must never stall trip delivery.
func (r *Relay) Forwarder() broadcast.ForwardFunc {
	return func(tripID string, ev broadcast.Event) {
		raw, err := json.Marshal(ev)
		if err != nil {
			r.logger.Warn("encoding relayed event", map[string]interface{}{
				"trip":  tripID,
				"error": err.Error(),
			})
			return
		}
		if err := r.conn.Publish(Subject(tripID), raw); err != nil {
			r.logger.Warn("relaying event", map[string]interface{}{
				"trip":  tripID,
				"seq":   ev.Seq,
				"error": err.Error(),
			})
		}
	}
}

// Close drains the connection.
func (r *Relay) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}
