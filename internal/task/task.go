// Package task runs agent work asynchronously and reports its lifecycle as
// broadcast events.
package task

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/voyago/tripsync/internal/broadcast"
	"github.com/voyago/tripsync/internal/phase"
	"github.com/voyago/tripsync/internal/trip"
)

// Input is the read-only snapshot an agent works from. Agents never touch
// the store; the orchestrator assembles the snapshot and applies the result.
type Input struct {
	Trip        *trip.Trip
	Preferences []trip.Preference

	// Interrupted is set while a deadlocked vote is being resolved: the
	// voting phase the conflict interrupted and will return to. Empty
	// everywhere else.
	Interrupted phase.Phase
}

// Result is what a successful agent run produces: one workflow state key and
// its payload, plus a short human-readable summary.
type Result struct {
	Key     string
	Value   json.RawMessage
	Summary string
}

// ReportFunc lets an agent publish intermediate progress. Progress is in
// [0, 1]; step is a short label for what the agent is doing right now.
type ReportFunc func(step string, progress float64)

// Agent is one unit of background work in the trip workflow.
type Agent interface {
	Name() string
	Run(ctx context.Context, in Input, report ReportFunc) (Result, error)
}

// Outcome is delivered to the terminal callback exactly once per dispatch
// that was not cancelled.
type Outcome struct {
	TripID string
	Epoch  int
	Agent  string
	Result Result
	Err    error
}

// Runner dispatches agents and emits their lifecycle to the hub.
type Runner struct {
	hub    *broadcast.Hub
	logger *logging.Logger
}

// NewRunner creates a runner publishing to hub.
func NewRunner(hub *broadcast.Hub) *Runner {
	return &Runner{
		hub:    hub,
		logger: logging.New().WithComponent("task"),
	}
}

// Handle controls one dispatched task.
type Handle struct {
	mu       sync.Mutex
	silenced bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Cancel stops the task. After Cancel returns, the task emits no further
// events and its terminal callback will not fire.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.silenced = true
	h.mu.Unlock()
	h.cancel()
}

// Done is closed when the task goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// live reports whether the task may still emit. Checked before every event
// so a cancelled task goes quiet immediately, not at its next yield point.
func (h *Handle) live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.silenced
}

// Dispatch starts agent in its own goroutine. Lifecycle events are published
// to the trip's topic in order: one starting event, zero or more running
// events, then exactly one completed or error event. onTerminal fires after
// the terminal event, on the task goroutine, unless the task was cancelled.
func (r *Runner) Dispatch(ctx context.Context, tripID string, epoch int, agent Agent, in Input, onTerminal func(Outcome)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	emit := func(ev broadcast.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.silenced {
			return
		}
		ev.Type = broadcast.TypeAgentStatus
		ev.AgentName = agent.Name()
		r.hub.Publish(tripID, ev)
	}

	emit(broadcast.Event{Status: "starting"})
	r.logger.Info("dispatching agent", map[string]interface{}{
		"trip":  tripID,
		"agent": agent.Name(),
		"epoch": epoch,
	})

	go func() {
		defer close(h.done)
		defer cancel()

		ctx, span := startTaskSpan(ctx, tripID, agent.Name())
		start := time.Now()

		report := func(step string, progress float64) {
			p := progress
			emit(broadcast.Event{Status: "running", Step: step, Progress: &p})
		}

		res, err := agent.Run(ctx, in, report)
		elapsed := time.Since(start).Seconds()
		endTaskSpan(span, err)

		if err != nil {
			r.logger.Error("agent failed", map[string]interface{}{
				"trip":  tripID,
				"agent": agent.Name(),
				"error": err.Error(),
			})
			emit(broadcast.Event{Status: "error", Error: err.Error(), ElapsedSeconds: &elapsed})
		} else {
			r.logger.Info("agent completed", map[string]interface{}{
				"trip":    tripID,
				"agent":   agent.Name(),
				"elapsed": elapsed,
			})
			emit(broadcast.Event{Status: "completed", Step: res.Summary, ElapsedSeconds: &elapsed})
		}

		if onTerminal != nil && h.live() {
			onTerminal(Outcome{TripID: tripID, Epoch: epoch, Agent: agent.Name(), Result: res, Err: err})
		}
	}()

	return h
}
