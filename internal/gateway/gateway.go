// Package gateway manages one bidirectional WebSocket per connected client:
// it routes inbound signals to the engine and streams the trip's broadcast
// events out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/voyago/tripsync/internal/broadcast"
)

// Signals is the engine surface the gateway routes inbound messages to.
type Signals interface {
	HandleChat(ctx context.Context, tripID, senderID, senderName, content string) error
	HandleReady(ctx context.Context, tripID, userID string) error
	HandleUnready(ctx context.Context, tripID, userID string) error
	HandleVote(ctx context.Context, tripID, userID string, choices []string) error
}

// inbound is the one-object-per-message wire shape clients send.
type inbound struct {
	Type       string   `json:"type"`
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName"`
	Content    string   `json:"content"`
	Choices    []string `json:"choices"`
}

// Gateway upgrades client connections and runs their read/write loops.
type Gateway struct {
	hub    *broadcast.Hub
	engine Signals
	logger *logging.Logger

	mu      sync.Mutex
	ping    time.Duration
	timeout time.Duration
}

// New creates a gateway. ping is the heartbeat cadence; a connection silent
// for longer than timeout is treated as dead and released.
func New(hub *broadcast.Hub, engine Signals, ping, timeout time.Duration) *Gateway {
	return &Gateway{
		hub:     hub,
		engine:  engine,
		logger:  logging.New().WithComponent("gateway"),
		ping:    ping,
		timeout: timeout,
	}
}

// SetHeartbeat changes the cadence for connections accepted from now on;
// live connections keep the settings they started with.
func (g *Gateway) SetHeartbeat(ping, timeout time.Duration) {
	if ping <= 0 || timeout <= ping {
		return
	}
	g.mu.Lock()
	g.ping = ping
	g.timeout = timeout
	g.mu.Unlock()
}

func (g *Gateway) heartbeat() (time.Duration, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ping, g.timeout
}

// conn tracks one client connection's liveness.
type conn struct {
	ws *websocket.Conn

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *conn) silentFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// Serve owns the connection until the client leaves or liveness lapses. The
// caller supplies the authenticated identity; the gateway never trusts the
// wire for it.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, tripID, userID, userName string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("accepting connection", map[string]interface{}{
			"trip":  tripID,
			"error": err.Error(),
		})
		return
	}
	defer ws.Close(websocket.StatusInternalError, "gateway shutting down")

	c := &conn{ws: ws}
	c.touch()

	sub := g.hub.Subscribe(tripID)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.logger.Info("client connected", map[string]interface{}{
		"trip": tripID,
		"user": userID,
	})

	// Reads run in their own goroutine; the write loop below owns the
	// connection's lifetime.
	go func() {
		defer cancel()
		g.readLoop(ctx, c, tripID, userID, userName)
	}()

	ping, timeout := g.heartbeat()
	err = g.writeLoop(ctx, c, sub, ping, timeout)
	status := websocket.CloseStatus(err)
	if err != nil && status == -1 && !errors.Is(err, context.Canceled) {
		g.logger.Warn("connection closed", map[string]interface{}{
			"trip":  tripID,
			"user":  userID,
			"error": err.Error(),
		})
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

// writeLoop streams broadcast events to the client and runs the heartbeat.
func (g *Gateway) writeLoop(ctx context.Context, c *conn, sub *broadcast.Subscription, ping, timeout time.Duration) error {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped by the hub (slow consumer or trip deletion).
				return errors.New("subscription closed")
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, c.ws, ev)
			cancel()
			if err != nil {
				return err
			}
		case <-ticker.C:
			if c.silentFor() > timeout {
				return errors.New("liveness timeout")
			}
			pctx, cancel := context.WithTimeout(ctx, ping)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
			c.touch() // pong received
		}
	}
}

// readLoop parses inbound frames and routes them. Malformed frames are
// dropped with a warning; they never take the connection or the trip down.
func (g *Gateway) readLoop(ctx context.Context, c *conn, tripID, userID, userName string) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		c.touch()

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			g.logger.Warn("dropping malformed message", map[string]interface{}{
				"trip":  tripID,
				"user":  userID,
				"error": err.Error(),
			})
			continue
		}
		if msg.SenderName != "" {
			userName = msg.SenderName
		}
		g.route(ctx, msg, tripID, userID, userName)
	}
}

// route dispatches one inbound message to the engine. Engine rejections are
// logged and swallowed; errors never cross back onto the wire.
func (g *Gateway) route(ctx context.Context, msg inbound, tripID, userID, userName string) {
	var err error
	switch msg.Type {
	case "ping":
		// Keep-alive only; touch already happened on read.
	case "user":
		err = g.engine.HandleChat(ctx, tripID, userID, userName, msg.Content)
	case "ready":
		err = g.engine.HandleReady(ctx, tripID, userID)
	case "unready":
		err = g.engine.HandleUnready(ctx, tripID, userID)
	case "vote":
		err = g.engine.HandleVote(ctx, tripID, userID, msg.Choices)
	default:
		g.logger.Warn("dropping unknown message type", map[string]interface{}{
			"trip": tripID,
			"user": userID,
			"type": msg.Type,
		})
		return
	}
	if err != nil {
		g.logger.Warn("signal rejected", map[string]interface{}{
			"trip":  tripID,
			"user":  userID,
			"type":  msg.Type,
			"error": err.Error(),
		})
	}
}
