// Package engine orchestrates trips through the planning workflow: it owns
// each trip's phase, routes readiness and ballot signals, dispatches agent
// tasks between phases, and publishes every state change to the broadcast
// hub.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/voyago/tripsync/internal/ballot"
	"github.com/voyago/tripsync/internal/broadcast"
	"github.com/voyago/tripsync/internal/phase"
	"github.com/voyago/tripsync/internal/ready"
	"github.com/voyago/tripsync/internal/store"
	"github.com/voyago/tripsync/internal/task"
	"github.com/voyago/tripsync/internal/trip"
)

// systemSender names the synthetic chat author for workflow milestones.
const systemSender = "TripSync"

var (
	// ErrNotMember rejects signals from users outside the trip.
	ErrNotMember = errors.New("user is not a trip member")
	// ErrWrongPhase rejects signals that do not apply to the current phase.
	ErrWrongPhase = errors.New("signal does not apply to the current phase")
	// ErrHalted rejects signals while the trip is parked on a task error.
	ErrHalted = errors.New("trip is halted on a task error; retry the phase first")
)

// Engine is the per-process trip orchestrator. Each trip's state lives in a
// runtime record; all mutation for one trip funnels through that runtime's
// lock so evaluate-and-advance is atomic against concurrent signals. Trips
// never block one another.
type Engine struct {
	store  store.Store
	hub    *broadcast.Hub
	runner *task.Runner
	agents map[string]task.Agent
	logger *logging.Logger

	mu    sync.Mutex
	trips map[string]*tripRuntime
}

// tripRuntime is the single logical owner of one trip's mutable state.
type tripRuntime struct {
	mu sync.Mutex

	trip  *trip.Trip
	ready *ready.Set
	box   *ballot.Box

	// options is the live ballot round for a voting phase, in presentation
	// order. Empty for non-voting phases.
	options []broadcast.Option

	// pending tracks in-flight agent task handles for the current phase.
	pending     map[string]*task.Handle
	outstanding int

	// returnTo remembers which voting phase conflict resolution interrupted.
	returnTo phase.Phase
}

// New creates an engine. agents maps agent names from the phase table to
// their implementations; a phase naming an unregistered agent fails its
// dispatch as a task error.
func New(st store.Store, hub *broadcast.Hub, runner *task.Runner, agents map[string]task.Agent) *Engine {
	return &Engine{
		store:  st,
		hub:    hub,
		runner: runner,
		agents: agents,
		logger: logging.New().WithComponent("engine"),
		trips:  make(map[string]*tripRuntime),
	}
}

// CreateTrip creates and persists a new trip in its initial phase.
func (e *Engine) CreateTrip(ctx context.Context, name, creatorID string) (*trip.Trip, error) {
	if name == "" || creatorID == "" {
		return nil, fmt.Errorf("trip name and creator are required")
	}
	t := trip.New(name, creatorID)
	if err := e.store.SaveTrip(ctx, t); err != nil {
		return nil, fmt.Errorf("persist trip: %w", err)
	}

	e.mu.Lock()
	e.trips[t.ID] = newRuntime(t)
	e.mu.Unlock()

	e.logger.Info("trip created", map[string]interface{}{
		"trip": t.ID,
		"code": t.Code,
	})
	return t, nil
}

// JoinTrip adds a user to the trip identified by its join code.
func (e *Engine) JoinTrip(ctx context.Context, code, userID string) (*trip.Trip, error) {
	t, err := e.store.GetTripByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	rt, err := e.runtime(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.trip.Join(userID) {
		return rt.trip, nil
	}
	if err := e.store.SaveTrip(ctx, rt.trip); err != nil {
		return nil, fmt.Errorf("persist join: %w", err)
	}
	e.systemChat(rt, fmt.Sprintf("%s joined the trip", userID))
	e.publishReady(rt)
	return rt.trip, nil
}

// DeleteTrip cancels the trip's in-flight tasks, disconnects its
// subscribers, and removes it from the store.
func (e *Engine) DeleteTrip(ctx context.Context, tripID string) error {
	e.mu.Lock()
	rt, ok := e.trips[tripID]
	if ok {
		delete(e.trips, tripID)
	}
	e.mu.Unlock()

	if ok {
		rt.mu.Lock()
		for _, h := range rt.pending {
			h.Cancel()
		}
		rt.pending = nil
		rt.outstanding = 0
		rt.mu.Unlock()
	}

	e.hub.DropTopic(tripID)
	return e.store.DeleteTrip(ctx, tripID)
}

// Snapshot is the state a (re)connecting client reads to catch up; late
// subscribers get no event replay.
type Snapshot struct {
	Trip       *trip.Trip         `json:"trip"`
	UsersReady []string           `json:"users_ready"`
	Options    []broadcast.Option `json:"options,omitempty"`
}

// Snapshot returns the trip's current state including live readiness and
// tally.
func (e *Engine) Snapshot(ctx context.Context, tripID string) (*Snapshot, error) {
	rt, err := e.runtime(ctx, tripID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return &Snapshot{
		Trip:       rt.trip,
		UsersReady: rt.ready.Users(),
		Options:    rt.liveOptions(),
	}, nil
}

// SubmitPreferences records one member's preference document. Accepted only
// while the trip is collecting preferences.
func (e *Engine) SubmitPreferences(ctx context.Context, tripID string, p trip.Preference) error {
	rt, err := e.runtime(ctx, tripID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.trip.IsMember(p.UserID) {
		return ErrNotMember
	}
	if rt.trip.Phase != phase.CollectingPreferences {
		return ErrWrongPhase
	}
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}
	return e.store.SavePreference(ctx, tripID, p)
}

// HandleChat echoes a chat message to every subscriber.
func (e *Engine) HandleChat(ctx context.Context, tripID, senderID, senderName, content string) error {
	rt, err := e.runtime(ctx, tripID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.trip.IsMember(senderID) {
		return ErrNotMember
	}
	e.hub.Publish(tripID, broadcast.Event{
		Type:       broadcast.TypeUser,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
	})
	return nil
}

// HandleReady marks a member ready for the current phase and advances the
// trip if that completes the gate. Evaluation happens inside the same
// critical section that records the mark.
func (e *Engine) HandleReady(ctx context.Context, tripID, userID string) error {
	return e.handleReadiness(ctx, tripID, userID, true)
}

// HandleUnready withdraws a member's readiness signal.
func (e *Engine) HandleUnready(ctx context.Context, tripID, userID string) error {
	return e.handleReadiness(ctx, tripID, userID, false)
}

func (e *Engine) handleReadiness(ctx context.Context, tripID, userID string, mark bool) error {
	rt, err := e.runtime(ctx, tripID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.trip.IsMember(userID) {
		return ErrNotMember
	}
	if rt.trip.LastError != "" {
		return ErrHalted
	}
	spec, err := phase.Lookup(rt.trip.Phase)
	if err != nil {
		return err
	}
	if spec.Gate != phase.GateHuman || phase.Terminal(rt.trip.Phase) {
		return ErrWrongPhase
	}

	var changed bool
	if mark {
		changed = rt.ready.Mark(userID)
	} else {
		changed = rt.ready.Unmark(userID)
	}
	e.publishReady(rt)
	if changed && mark {
		e.evaluate(ctx, rt)
	}
	return nil
}

// HandleVote records a member's approval ballot for the current voting
// phase. A vote doubles as that member's readiness signal, so the round
// resolves once the last member has voted.
func (e *Engine) HandleVote(ctx context.Context, tripID, userID string, choices []string) error {
	rt, err := e.runtime(ctx, tripID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.trip.IsMember(userID) {
		return ErrNotMember
	}
	if rt.trip.LastError != "" {
		return ErrHalted
	}
	spec, err := phase.Lookup(rt.trip.Phase)
	if err != nil {
		return err
	}
	if !spec.Voting || len(rt.options) == 0 {
		return ErrWrongPhase
	}

	rt.box.Submit(userID, choices, time.Now().UTC())
	rt.ready.Mark(userID)

	e.hub.Publish(tripID, broadcast.Event{
		Type:    broadcast.TypeVoteUpdate,
		Phase:   string(rt.trip.Phase),
		Options: rt.liveOptions(),
	})
	e.publishReady(rt)
	e.evaluate(ctx, rt)
	return nil
}

// RetryPhase re-dispatches the current phase's agent tasks after a task
// error parked the trip.
func (e *Engine) RetryPhase(ctx context.Context, tripID, userID string) error {
	rt, err := e.runtime(ctx, tripID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.trip.IsMember(userID) {
		return ErrNotMember
	}
	if rt.trip.LastError == "" {
		return ErrWrongPhase
	}
	if rt.outstanding > 0 {
		return fmt.Errorf("phase still has tasks in flight")
	}

	rt.trip.LastError = ""
	if err := e.store.SaveTrip(ctx, rt.trip); err != nil {
		return fmt.Errorf("persist retry: %w", err)
	}
	e.systemChat(rt, "retrying the current phase")
	e.dispatchPhaseTasks(ctx, rt)
	return nil
}

// runtime returns the trip's runtime record, loading persisted trips on
// demand so the engine resumes parked trips after a restart.
func (e *Engine) runtime(ctx context.Context, tripID string) (*tripRuntime, error) {
	e.mu.Lock()
	rt, ok := e.trips[tripID]
	e.mu.Unlock()
	if ok {
		return rt, nil
	}

	t, err := e.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.trips[tripID]; ok {
		return rt, nil
	}
	rt = newRuntime(t)
	e.trips[tripID] = rt
	// A trip loaded mid-voting rebuilds its round; cast ballots are gone,
	// members vote again. A trip loaded mid-agent-phase stays parked until a
	// human retries it.
	rt.restoreVotingRound()
	return rt, nil
}

func newRuntime(t *trip.Trip) *tripRuntime {
	return &tripRuntime{
		trip:    t,
		ready:   ready.NewSet(),
		box:     ballot.NewBox(),
		pending: make(map[string]*task.Handle),
	}
}

// liveOptions returns the current round's options with counts recomputed
// from the live ballot set. Caller holds rt.mu.
func (rt *tripRuntime) liveOptions() []broadcast.Option {
	if len(rt.options) == 0 {
		return nil
	}
	values := make([]string, len(rt.options))
	for i, o := range rt.options {
		values[i] = o.Value
	}
	t := rt.box.TallyFor(values)
	out := make([]broadcast.Option, len(rt.options))
	for i, o := range rt.options {
		out[i] = broadcast.Option{
			Value:  o.Value,
			Label:  o.Label,
			Votes:  t.Counts[o.Value],
			Voters: t.Voters[o.Value],
		}
	}
	return out
}

// publishReady broadcasts the current readiness roster. Caller holds rt.mu.
func (e *Engine) publishReady(rt *tripRuntime) {
	total := len(rt.trip.Members)
	e.hub.Publish(rt.trip.ID, broadcast.Event{
		Type:       broadcast.TypePhaseReadyUpdate,
		Phase:      string(rt.trip.Phase),
		UsersReady: rt.ready.Users(),
		TotalUsers: total,
		AllReady:   rt.ready.AllReady(total),
	})
}

// systemChat posts a workflow milestone into the trip chat. Caller holds
// rt.mu.
func (e *Engine) systemChat(rt *tripRuntime, content string) {
	e.hub.Publish(rt.trip.ID, broadcast.Event{
		Type:       broadcast.TypeAI,
		SenderID:   "system",
		SenderName: systemSender,
		Content:    content,
	})
}
