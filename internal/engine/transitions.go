package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/voyago/tripsync/internal/ballot"
	"github.com/voyago/tripsync/internal/broadcast"
	"github.com/voyago/tripsync/internal/phase"
	"github.com/voyago/tripsync/internal/ready"
	"github.com/voyago/tripsync/internal/task"
	"github.com/voyago/tripsync/internal/trip"
)

// evaluate checks the current phase's gate and advances the trip when it is
// satisfied. Caller holds rt.mu; evaluation and any resulting transition are
// atomic against concurrent signals for the same trip.
func (e *Engine) evaluate(ctx context.Context, rt *tripRuntime) {
	if rt.trip.LastError != "" || phase.Terminal(rt.trip.Phase) {
		return
	}
	spec, err := phase.Lookup(rt.trip.Phase)
	if err != nil {
		return
	}
	if spec.Gate != phase.GateHuman {
		return // agent-gated phases advance from task outcomes
	}
	if !rt.ready.AllReady(len(rt.trip.Members)) {
		return
	}
	// A human-gated phase with entry tasks needs both the roster and the
	// tasks complete.
	if len(spec.Tasks) > 0 && rt.outstanding > 0 {
		return
	}

	if spec.Voting {
		e.resolveRound(ctx, rt, spec)
		return
	}
	e.advance(ctx, rt, spec.Next)
}

// resolveRound runs the instant-runoff tally for a completed voting round
// and routes the outcome: a winner advances the trip, no-majority takes the
// conflict back-edge. Caller holds rt.mu.
func (e *Engine) resolveRound(ctx context.Context, rt *tripRuntime, spec phase.Spec) {
	values := make([]string, len(rt.options))
	for i, o := range rt.options {
		values[i] = o.Value
	}

	winner, err := rt.box.ResolveWinner(values)
	if errors.Is(err, ballot.ErrNoMajority) {
		e.systemChat(rt, "the vote is deadlocked; working out a compromise")
		rt.returnTo = rt.trip.Phase
		e.advance(ctx, rt, phase.ConflictResolution)
		return
	}
	if err != nil {
		e.logger.Error("tally failed", map[string]interface{}{
			"trip":  rt.trip.ID,
			"error": err.Error(),
		})
		return
	}

	if err := e.applyWinner(rt, winner); err != nil {
		e.logger.Error("applying winner", map[string]interface{}{
			"trip":  rt.trip.ID,
			"error": err.Error(),
		})
		return
	}
	e.hub.Publish(rt.trip.ID, broadcast.Event{
		Type:    broadcast.TypeVoteUpdate,
		Phase:   string(rt.trip.Phase),
		Options: rt.liveOptions(),
		Winner:  winner,
	})
	e.advance(ctx, rt, spec.Next)
}

// applyWinner writes the resolved choice into the workflow state. For the
// activity round the chosen set is the runoff winner plus every option a
// strict majority approved, so a popular second pick still reaches the
// itinerary. Caller holds rt.mu.
func (e *Engine) applyWinner(rt *tripRuntime, winner string) error {
	switch rt.trip.Phase {
	case phase.ActivityVoting:
		values := make([]string, len(rt.options))
		for i, o := range rt.options {
			values[i] = o.Value
		}
		t := rt.box.TallyFor(values)
		chosen := []string{winner}
		// A winning compromise stands for the activities it pairs, not its
		// placeholder value.
		var comp trip.Compromise
		if ok, _ := rt.trip.GetState(trip.KeyCompromise, &comp); ok && comp.Value == winner && len(comp.Activities) > 0 {
			chosen = append(chosen[:0], comp.Activities...)
		}
		inChosen := make(map[string]bool, len(chosen))
		for _, c := range chosen {
			inChosen[c] = true
		}
		var extra []string
		for _, v := range values {
			if v != winner && !inChosen[v] && t.Counts[v]*2 > t.Cast {
				extra = append(extra, v)
			}
		}
		sort.Slice(extra, func(i, j int) bool {
			if t.Counts[extra[i]] != t.Counts[extra[j]] {
				return t.Counts[extra[i]] > t.Counts[extra[j]]
			}
			return extra[i] < extra[j]
		})
		chosen = append(chosen, extra...)
		return rt.trip.SetState(trip.KeyChosenActivities, chosen)
	case phase.Consensus:
		rt.trip.SelectedDates = winner
		return rt.trip.SetState(trip.KeySelectedDates, winner)
	default:
		return fmt.Errorf("phase %s does not vote", rt.trip.Phase)
	}
}

// advance moves the trip to the next phase: bumps the epoch, resets the
// readiness set and ballot box, persists, announces the change, and runs the
// new phase's entry actions. Caller holds rt.mu.
func (e *Engine) advance(ctx context.Context, rt *tripRuntime, to phase.Phase) {
	from := rt.trip.Phase
	if !phase.CanTransition(from, to) {
		e.logger.Error("illegal transition", map[string]interface{}{
			"trip": rt.trip.ID,
			"from": string(from),
			"to":   string(to),
		})
		return
	}

	rt.trip.Phase = to
	rt.trip.PhaseEpoch++
	rt.ready = ready.NewSet()
	rt.box = ballot.NewBox()
	rt.options = nil
	rt.pending = make(map[string]*task.Handle)
	rt.outstanding = 0

	if err := e.store.SaveTrip(ctx, rt.trip); err != nil {
		// The in-memory runtime stays authoritative; the next successful
		// save catches the store up.
		e.logger.Error("persist transition", map[string]interface{}{
			"trip":  rt.trip.ID,
			"error": err.Error(),
		})
	}

	e.logger.Info("phase advanced", map[string]interface{}{
		"trip":  rt.trip.ID,
		"from":  string(from),
		"to":    string(to),
		"epoch": rt.trip.PhaseEpoch,
	})
	e.hub.Publish(rt.trip.ID, broadcast.Event{
		Type:          broadcast.TypePhaseUpdate,
		Phase:         string(to),
		PreviousPhase: string(from),
	})

	e.enterPhase(ctx, rt, from)
}

// enterPhase runs the entry actions of the trip's new current phase. Caller
// holds rt.mu.
func (e *Engine) enterPhase(ctx context.Context, rt *tripRuntime, from phase.Phase) {
	switch rt.trip.Phase {
	case phase.ActivityVoting:
		e.hub.Publish(rt.trip.ID, broadcast.Event{Type: broadcast.TypeNavigateToChat})
		e.systemChat(rt, "the activity shortlist is in; vote for everything you'd join")
		e.openActivityRound(rt, from == phase.ConflictResolution)
	case phase.Consensus:
		e.systemChat(rt, "last step: pick the dates that work for you")
		e.openDateRound(rt, from == phase.ConflictResolution)
	case phase.Completed:
		e.systemChat(rt, "the trip is booked-ready; itinerary and dates are final")
	}

	e.dispatchPhaseTasks(ctx, rt)
}

// openActivityRound builds the activity ballot from the researched catalog.
// Caller holds rt.mu.
func (e *Engine) openActivityRound(rt *tripRuntime, afterConflict bool) {
	var cat trip.Catalog
	if ok, err := rt.trip.GetState(trip.KeyActivityCatalog, &cat); err != nil || !ok {
		e.logger.Error("no catalog for activity round", map[string]interface{}{"trip": rt.trip.ID})
		return
	}
	rt.options = rt.options[:0]
	for _, a := range cat.Activities {
		rt.options = append(rt.options, broadcast.Option{Value: a.ID, Label: a.Name})
	}
	if afterConflict {
		e.injectCompromise(rt)
	}
	e.publishRound(rt)
}

// openDateRound builds the date ballot from the aggregated preference
// windows. Caller holds rt.mu.
func (e *Engine) openDateRound(rt *tripRuntime, afterConflict bool) {
	var sum trip.PreferencesSummary
	if ok, err := rt.trip.GetState(trip.KeyPreferencesSummary, &sum); err != nil || !ok || len(sum.DateWindows) == 0 {
		// No proposed windows; the round falls back to a single open option
		// so the phase can still resolve.
		rt.options = []broadcast.Option{{Value: "flexible", Label: "Flexible / decide later"}}
	} else {
		rt.options = rt.options[:0]
		for _, w := range sum.DateWindows {
			rt.options = append(rt.options, broadcast.Option{Value: w, Label: w})
		}
	}
	if afterConflict {
		e.injectCompromise(rt)
	}
	e.publishRound(rt)
}

// injectCompromise appends the broker's blended option to the round. Caller
// holds rt.mu.
func (e *Engine) injectCompromise(rt *tripRuntime) {
	var comp trip.Compromise
	if ok, err := rt.trip.GetState(trip.KeyCompromise, &comp); err != nil || !ok {
		return
	}
	for _, o := range rt.options {
		if o.Value == comp.Value {
			return
		}
	}
	rt.options = append(rt.options, broadcast.Option{Value: comp.Value, Label: comp.Label})
}

// publishRound announces a fresh ballot round. Caller holds rt.mu.
func (e *Engine) publishRound(rt *tripRuntime) {
	e.hub.Publish(rt.trip.ID, broadcast.Event{
		Type:    broadcast.TypeVoting,
		Phase:   string(rt.trip.Phase),
		Options: rt.liveOptions(),
	})
}

// restoreVotingRound rebuilds the ballot round for a trip loaded from the
// store mid-vote. Ballots are in-memory only, so the round restarts empty.
func (rt *tripRuntime) restoreVotingRound() {
	switch rt.trip.Phase {
	case phase.ActivityVoting:
		var cat trip.Catalog
		if ok, _ := rt.trip.GetState(trip.KeyActivityCatalog, &cat); ok {
			for _, a := range cat.Activities {
				rt.options = append(rt.options, broadcast.Option{Value: a.ID, Label: a.Name})
			}
		}
	case phase.Consensus:
		var sum trip.PreferencesSummary
		if ok, _ := rt.trip.GetState(trip.KeyPreferencesSummary, &sum); ok {
			for _, w := range sum.DateWindows {
				rt.options = append(rt.options, broadcast.Option{Value: w, Label: w})
			}
		}
	}
}

// dispatchPhaseTasks fans out the current phase's agent tasks. Caller holds
// rt.mu.
func (e *Engine) dispatchPhaseTasks(ctx context.Context, rt *tripRuntime) {
	spec, err := phase.Lookup(rt.trip.Phase)
	if err != nil || len(spec.Tasks) == 0 {
		return
	}

	prefs, err := e.store.GetPreferences(ctx, rt.trip.ID)
	if err != nil {
		rt.trip.LastError = fmt.Sprintf("loading preferences: %v", err)
		e.hub.Publish(rt.trip.ID, broadcast.Event{
			Type:      broadcast.TypeAgentStatus,
			AgentName: spec.Tasks[0],
			Status:    "error",
			Error:     rt.trip.LastError,
		})
		return
	}
	snapshot := snapshotTrip(rt.trip)
	in := task.Input{Trip: snapshot, Preferences: prefs, Interrupted: rt.returnTo}

	epoch := rt.trip.PhaseEpoch
	rt.outstanding = len(spec.Tasks)
	for _, name := range spec.Tasks {
		agent, ok := e.agents[name]
		if !ok {
			rt.outstanding--
			e.failPhase(ctx, rt, name, fmt.Errorf("no agent registered as %q", name))
			continue
		}
		// Dispatch with a detached context: tasks outlive the triggering
		// request and are cancelled explicitly on trip deletion.
		h := e.runner.Dispatch(context.Background(), rt.trip.ID, epoch, agent, in, e.onTaskOutcome)
		rt.pending[name] = h
	}
}

// snapshotTrip deep-copies the trip so agents read a stable snapshot while
// the runtime keeps mutating the original.
func snapshotTrip(t *trip.Trip) *trip.Trip {
	raw, err := json.Marshal(t)
	if err != nil {
		return t
	}
	var out trip.Trip
	if err := json.Unmarshal(raw, &out); err != nil {
		return t
	}
	return &out
}

// onTaskOutcome is the runner's terminal callback. It re-enters the trip's
// critical section, discards outcomes from superseded epochs, applies the
// result, and advances the phase when the last task lands.
func (e *Engine) onTaskOutcome(o task.Outcome) {
	ctx := context.Background()
	rt, err := e.runtime(ctx, o.TripID)
	if err != nil {
		e.logger.Warn("task outcome for unknown trip", map[string]interface{}{
			"trip":  o.TripID,
			"agent": o.Agent,
		})
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if o.Epoch != rt.trip.PhaseEpoch {
		// The phase moved on (retry, deletion race); this outcome is stale.
		return
	}
	delete(rt.pending, o.Agent)
	if rt.outstanding > 0 {
		rt.outstanding--
	}

	if o.Err != nil {
		e.failPhase(ctx, rt, o.Agent, o.Err)
		return
	}

	if o.Result.Key != "" {
		if rt.trip.State == nil {
			rt.trip.State = make(map[string]json.RawMessage)
		}
		rt.trip.State[o.Result.Key] = o.Result.Value
	}
	if err := e.store.SaveTrip(ctx, rt.trip); err != nil {
		e.logger.Error("persist task result", map[string]interface{}{
			"trip":  rt.trip.ID,
			"error": err.Error(),
		})
	}

	if rt.outstanding > 0 || rt.trip.LastError != "" {
		return
	}

	spec, err := phase.Lookup(rt.trip.Phase)
	if err != nil {
		return
	}
	switch {
	case rt.trip.Phase == phase.ConflictResolution:
		// Return to the interrupted voting phase with the compromise on the
		// ballot.
		to := rt.returnTo
		rt.returnTo = ""
		if !phase.CanConflict(to) {
			e.logger.Error("lost conflict return phase", map[string]interface{}{"trip": rt.trip.ID})
			return
		}
		e.advance(ctx, rt, to)
	case spec.Gate == phase.GateAgent:
		e.advance(ctx, rt, spec.Next)
	default:
		// Human-gated phase with entry tasks: the roster may already be
		// complete and just waiting on this task.
		e.evaluate(ctx, rt)
	}
}

// failPhase parks the trip on a task error. The runner already broadcast the
// failed agent_status; this records the halt so signals are rejected until a
// human retries. Caller holds rt.mu.
func (e *Engine) failPhase(ctx context.Context, rt *tripRuntime, agent string, err error) {
	rt.trip.LastError = fmt.Sprintf("%s: %v", agent, err)
	if saveErr := e.store.SaveTrip(ctx, rt.trip); saveErr != nil {
		e.logger.Error("persist halt", map[string]interface{}{
			"trip":  rt.trip.ID,
			"error": saveErr.Error(),
		})
	}
	e.logger.Error("phase halted", map[string]interface{}{
		"trip":  rt.trip.ID,
		"phase": string(rt.trip.Phase),
		"agent": agent,
		"error": err.Error(),
	})
	e.systemChat(rt, fmt.Sprintf("%s hit a problem; a member can retry the phase", agent))
}
