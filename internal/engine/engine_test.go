package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voyago/tripsync/internal/agents"
	"github.com/voyago/tripsync/internal/ballot"
	"github.com/voyago/tripsync/internal/broadcast"
	"github.com/voyago/tripsync/internal/phase"
	"github.com/voyago/tripsync/internal/store"
	"github.com/voyago/tripsync/internal/task"
	"github.com/voyago/tripsync/internal/trip"
)

type stubAgent struct {
	name string
	fn   func(in task.Input) (task.Result, error)
}

func (a *stubAgent) Name() string { return a.name }
func (a *stubAgent) Run(ctx context.Context, in task.Input, report task.ReportFunc) (task.Result, error) {
	return a.fn(in)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// testAgents returns stand-ins for every workflow agent with deterministic
// outputs.
func testAgents(t *testing.T) map[string]task.Agent {
	t.Helper()
	return map[string]task.Agent{
		"preference_analyzer": &stubAgent{name: "preference_analyzer", fn: func(in task.Input) (task.Result, error) {
			return task.Result{Key: trip.KeyPreferencesSummary, Value: mustJSON(t, trip.PreferencesSummary{
				Members:     len(in.Trip.Members),
				Submitted:   len(in.Preferences),
				Destination: "Lisbon",
				DateWindows: []string{"2026-10-02:2026-10-05", "2026-10-09:2026-10-12"},
			})}, nil
		}},
		"destination_researcher": &stubAgent{name: "destination_researcher", fn: func(in task.Input) (task.Result, error) {
			return task.Result{Key: trip.KeyActivityCatalog, Value: mustJSON(t, trip.Catalog{
				Destination: "Lisbon",
				Activities: []trip.Activity{
					{ID: "a", Name: "Tram ride", Score: 3},
					{ID: "b", Name: "Food tour", Score: 2},
					{ID: "c", Name: "Surf lesson", Score: 1},
				},
			})}, nil
		}},
		"itinerary_planner": &stubAgent{name: "itinerary_planner", fn: func(in task.Input) (task.Result, error) {
			return task.Result{Key: trip.KeyItinerary, Value: mustJSON(t, trip.Itinerary{Destination: "Lisbon", Days: 3})}, nil
		}},
		"compromise_broker": &stubAgent{name: "compromise_broker", fn: func(in task.Input) (task.Result, error) {
			return task.Result{Key: trip.KeyCompromise, Value: mustJSON(t, trip.Compromise{
				Value: "compromise", Label: "Compromise: Tram ride + Food tour",
			})}, nil
		}},
	}
}

func newTestEngine(t *testing.T, agents map[string]task.Agent) (*Engine, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.New(broadcast.WithBufferSize(256))
	return New(store.NewMemory(), hub, task.NewRunner(hub), agents), hub
}

// waitFor drains sub until pred matches or the deadline passes.
func waitFor(t *testing.T, sub *broadcast.Subscription, what string, pred func(broadcast.Event) bool) broadcast.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed waiting for %s", what)
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitPhase(t *testing.T, sub *broadcast.Subscription, p phase.Phase) {
	t.Helper()
	waitFor(t, sub, "phase "+string(p), func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypePhaseUpdate && ev.Phase == string(p)
	})
}

func TestFullWorkflow(t *testing.T) {
	ctx := context.Background()
	e, hub := newTestEngine(t, testAgents(t))

	tr, err := e.CreateTrip(ctx, "Autumn escape", "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub := hub.Subscribe(tr.ID)
	defer sub.Close()
	if _, err := e.JoinTrip(ctx, tr.Code, "u2"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := e.SubmitPreferences(ctx, tr.ID, trip.Preference{UserID: "u1", Destination: "Lisbon", Vibes: []string{"food"}}); err != nil {
		t.Fatalf("preferences: %v", err)
	}

	// Everyone ready ends preference collection; research runs and opens the
	// activity ballot.
	if err := e.HandleReady(ctx, tr.ID, "u1"); err != nil {
		t.Fatalf("ready u1: %v", err)
	}
	if err := e.HandleReady(ctx, tr.ID, "u2"); err != nil {
		t.Fatalf("ready u2: %v", err)
	}
	waitPhase(t, sub, phase.Researching)
	waitPhase(t, sub, phase.ActivityVoting)
	round := waitFor(t, sub, "activity ballot", func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypeVoting
	})
	if len(round.Options) != 3 || round.Options[0].Value != "a" {
		t.Fatalf("ballot options: %+v", round.Options)
	}

	// Unanimous vote resolves the round and moves on to itinerary approval.
	if err := e.HandleVote(ctx, tr.ID, "u1", []string{"a", "b"}); err != nil {
		t.Fatalf("vote u1: %v", err)
	}
	if err := e.HandleVote(ctx, tr.ID, "u2", []string{"a", "b"}); err != nil {
		t.Fatalf("vote u2: %v", err)
	}
	waitPhase(t, sub, phase.ItineraryApproval)

	// Approval needs the planner done and every member ready, in either
	// order.
	if err := e.HandleReady(ctx, tr.ID, "u1"); err != nil {
		t.Fatalf("approve u1: %v", err)
	}
	if err := e.HandleReady(ctx, tr.ID, "u2"); err != nil {
		t.Fatalf("approve u2: %v", err)
	}
	waitPhase(t, sub, phase.Consensus)
	dates := waitFor(t, sub, "date ballot", func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypeVoting
	})
	if len(dates.Options) != 2 {
		t.Fatalf("date options: %+v", dates.Options)
	}

	win := "2026-10-02:2026-10-05"
	e.HandleVote(ctx, tr.ID, "u1", []string{win})
	e.HandleVote(ctx, tr.ID, "u2", []string{win})
	waitPhase(t, sub, phase.Completed)

	snap, err := e.Snapshot(ctx, tr.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Trip.SelectedDates != win {
		t.Errorf("selected dates: %q", snap.Trip.SelectedDates)
	}
	var chosen []string
	if ok, _ := snap.Trip.GetState(trip.KeyChosenActivities, &chosen); !ok {
		t.Fatal("chosen activities never recorded")
	}
	if len(chosen) != 2 || chosen[0] != "a" || chosen[1] != "b" {
		t.Errorf("chosen: %v (want winner first, then majority picks)", chosen)
	}
}

func TestNthReadyAdvancesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e, hub := newTestEngine(t, testAgents(t))

	tr, _ := e.CreateTrip(ctx, "storm", "u1")
	sub := hub.Subscribe(tr.ID)
	defer sub.Close()
	e.JoinTrip(ctx, tr.Code, "u2")
	e.JoinTrip(ctx, tr.Code, "u3")

	// Everyone hammers ready concurrently, with duplicates.
	var wg sync.WaitGroup
	for _, u := range []string{"u1", "u2", "u3", "u1", "u2", "u3"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			e.HandleReady(ctx, tr.ID, user)
		}(u)
	}
	wg.Wait()

	// Count researching announcements up to the activity_voting one; a
	// double advance would have announced researching twice before it.
	transitions := 0
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == broadcast.TypePhaseUpdate && ev.Phase == string(phase.Researching) {
				transitions++
			}
			if ev.Type == broadcast.TypePhaseUpdate && ev.Phase == string(phase.ActivityVoting) {
				if transitions != 1 {
					t.Errorf("researching announced %d times, want exactly 1", transitions)
				}
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatal("never reached activity_voting")
		}
	}
}

func TestReadyBeforeLastMemberDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	e, hub := newTestEngine(t, testAgents(t))

	tr, _ := e.CreateTrip(ctx, "waiting", "u1")
	sub := hub.Subscribe(tr.ID)
	defer sub.Close()
	e.JoinTrip(ctx, tr.Code, "u2")

	e.HandleReady(ctx, tr.ID, "u1")
	select {
	case ev := <-sub.C:
		if ev.Type == broadcast.TypePhaseUpdate {
			t.Fatalf("advanced with 1 of 2 ready: %+v", ev)
		}
	case <-time.After(150 * time.Millisecond):
	}

	snap, _ := e.Snapshot(ctx, tr.ID)
	if snap.Trip.Phase != phase.CollectingPreferences {
		t.Errorf("phase: %s", snap.Trip.Phase)
	}
}

func TestDeadlockedVoteTakesConflictPath(t *testing.T) {
	ctx := context.Background()
	e, hub := newTestEngine(t, testAgents(t))

	tr, _ := e.CreateTrip(ctx, "split camp", "u1")
	sub := hub.Subscribe(tr.ID)
	defer sub.Close()
	e.JoinTrip(ctx, tr.Code, "u2")

	e.HandleReady(ctx, tr.ID, "u1")
	e.HandleReady(ctx, tr.ID, "u2")
	waitPhase(t, sub, phase.ActivityVoting)

	// 1-1 split over a and b deadlocks after c is eliminated.
	e.HandleVote(ctx, tr.ID, "u1", []string{"a"})
	e.HandleVote(ctx, tr.ID, "u2", []string{"b"})
	waitPhase(t, sub, phase.ConflictResolution)
	waitPhase(t, sub, phase.ActivityVoting)

	rerun := waitFor(t, sub, "rerun ballot", func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypeVoting
	})
	last := rerun.Options[len(rerun.Options)-1]
	if last.Value != "compromise" {
		t.Fatalf("compromise missing from rerun: %+v", rerun.Options)
	}

	// The fresh round starts empty: the old ballots died with the epoch.
	for _, o := range rerun.Options {
		if o.Votes != 0 {
			t.Errorf("stale votes leaked into rerun: %+v", o)
		}
	}

	e.HandleVote(ctx, tr.ID, "u1", []string{"compromise"})
	e.HandleVote(ctx, tr.ID, "u2", []string{"compromise"})
	waitPhase(t, sub, phase.ItineraryApproval)
}

// A deadlocked date vote must get a date compromise on the rerun ballot,
// not an activity pairing, even though the activity catalog exists in the
// trip state by then.
func TestDeadlockedDateVoteGetsDateCompromise(t *testing.T) {
	ctx := context.Background()
	registry := testAgents(t)
	registry["compromise_broker"] = agents.Broker{}
	e, hub := newTestEngine(t, registry)

	tr, _ := e.CreateTrip(ctx, "split dates", "u1")
	sub := hub.Subscribe(tr.ID)
	defer sub.Close()
	e.JoinTrip(ctx, tr.Code, "u2")

	e.HandleReady(ctx, tr.ID, "u1")
	e.HandleReady(ctx, tr.ID, "u2")
	waitPhase(t, sub, phase.ActivityVoting)
	e.HandleVote(ctx, tr.ID, "u1", []string{"a"})
	e.HandleVote(ctx, tr.ID, "u2", []string{"a"})
	waitPhase(t, sub, phase.ItineraryApproval)
	e.HandleReady(ctx, tr.ID, "u1")
	e.HandleReady(ctx, tr.ID, "u2")
	waitPhase(t, sub, phase.Consensus)

	// 1-1 split across the two proposed windows.
	e.HandleVote(ctx, tr.ID, "u1", []string{"2026-10-02:2026-10-05"})
	e.HandleVote(ctx, tr.ID, "u2", []string{"2026-10-09:2026-10-12"})
	waitPhase(t, sub, phase.ConflictResolution)
	waitPhase(t, sub, phase.Consensus)

	rerun := waitFor(t, sub, "rerun date ballot", func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypeVoting && ev.Phase == string(phase.Consensus)
	})
	blended := "2026-10-02:2026-10-12"
	last := rerun.Options[len(rerun.Options)-1]
	if last.Value != blended {
		t.Fatalf("expected blended window %q on the rerun ballot, got %+v", blended, rerun.Options)
	}

	// Winning the compromise selects real dates.
	e.HandleVote(ctx, tr.ID, "u1", []string{blended})
	e.HandleVote(ctx, tr.ID, "u2", []string{blended})
	waitPhase(t, sub, phase.Completed)

	snap, _ := e.Snapshot(ctx, tr.ID)
	if snap.Trip.SelectedDates != blended {
		t.Errorf("selected dates: %q, want %q", snap.Trip.SelectedDates, blended)
	}
}

type prefsFailStore struct {
	store.Store
}

func (prefsFailStore) GetPreferences(ctx context.Context, tripID string) ([]trip.Preference, error) {
	return nil, errors.New("document store offline")
}

func TestPreferenceLoadFailureNamesAnAgent(t *testing.T) {
	ctx := context.Background()
	hub := broadcast.New(broadcast.WithBufferSize(256))
	e := New(prefsFailStore{store.NewMemory()}, hub, task.NewRunner(hub), testAgents(t))

	tr, _ := e.CreateTrip(ctx, "offline", "u1")
	sub := hub.Subscribe(tr.ID)
	defer sub.Close()

	e.HandleReady(ctx, tr.ID, "u1")
	ev := waitFor(t, sub, "error status", func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypeAgentStatus && ev.Status == "error"
	})
	if ev.AgentName != "preference_analyzer" {
		t.Errorf("error event attribution: %q", ev.AgentName)
	}
}

func TestTaskErrorHaltsOnlyItsTrip(t *testing.T) {
	ctx := context.Background()
	agents := testAgents(t)
	var fail sync.Map
	agents["destination_researcher"] = &stubAgent{name: "destination_researcher", fn: func(in task.Input) (task.Result, error) {
		if _, bad := fail.Load(in.Trip.ID); bad {
			return task.Result{}, errors.New("upstream catalog outage")
		}
		return task.Result{Key: trip.KeyActivityCatalog, Value: json.RawMessage(`{"destination":"Lisbon","activities":[{"activity_id":"a","name":"A"}]}`)}, nil
	}}
	e, hub := newTestEngine(t, agents)

	bad, _ := e.CreateTrip(ctx, "doomed", "u1")
	good, _ := e.CreateTrip(ctx, "fine", "v1")
	fail.Store(bad.ID, true)

	badSub := hub.Subscribe(bad.ID)
	defer badSub.Close()
	goodSub := hub.Subscribe(good.ID)
	defer goodSub.Close()

	e.HandleReady(ctx, bad.ID, "u1")
	e.HandleReady(ctx, good.ID, "v1")

	waitFor(t, badSub, "failed agent status", func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypeAgentStatus && ev.Status == "error"
	})
	waitPhase(t, goodSub, phase.ActivityVoting)

	snap, _ := e.Snapshot(ctx, bad.ID)
	if snap.Trip.Phase != phase.Researching || snap.Trip.LastError == "" {
		t.Fatalf("bad trip not parked: phase=%s err=%q", snap.Trip.Phase, snap.Trip.LastError)
	}
	// Signals are rejected while parked.
	if err := e.HandleReady(ctx, bad.ID, "u1"); !errors.Is(err, ErrHalted) {
		t.Errorf("ready while halted: %v", err)
	}

	// A human retry re-dispatches and the trip recovers.
	fail.Delete(bad.ID)
	if err := e.RetryPhase(ctx, bad.ID, "u1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitPhase(t, badSub, phase.ActivityVoting)
}

func TestNonMembersAreRejected(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, testAgents(t))
	tr, _ := e.CreateTrip(ctx, "private", "u1")

	if err := e.HandleReady(ctx, tr.ID, "stranger"); !errors.Is(err, ErrNotMember) {
		t.Errorf("ready: %v", err)
	}
	if err := e.HandleVote(ctx, tr.ID, "stranger", []string{"a"}); !errors.Is(err, ErrNotMember) {
		t.Errorf("vote: %v", err)
	}
	if err := e.HandleChat(ctx, tr.ID, "stranger", "S", "hi"); !errors.Is(err, ErrNotMember) {
		t.Errorf("chat: %v", err)
	}
	if err := e.SubmitPreferences(ctx, tr.ID, trip.Preference{UserID: "stranger"}); !errors.Is(err, ErrNotMember) {
		t.Errorf("preferences: %v", err)
	}
}

func TestVoteUpdateCarriesLiveTally(t *testing.T) {
	ctx := context.Background()
	e, hub := newTestEngine(t, testAgents(t))

	tr, _ := e.CreateTrip(ctx, "tally", "u1")
	sub := hub.Subscribe(tr.ID)
	defer sub.Close()
	e.JoinTrip(ctx, tr.Code, "u2")
	e.JoinTrip(ctx, tr.Code, "u3")

	for _, u := range []string{"u1", "u2", "u3"} {
		e.HandleReady(ctx, tr.ID, u)
	}
	waitPhase(t, sub, phase.ActivityVoting)

	e.HandleVote(ctx, tr.ID, "u1", []string{"a", "c"})
	upd := waitFor(t, sub, "vote update", func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypeVoteUpdate
	})
	byValue := make(map[string]broadcast.Option)
	for _, o := range upd.Options {
		byValue[o.Value] = o
	}
	if byValue["a"].Votes != 1 || byValue["a"].Voters[0] != "u1" {
		t.Errorf("option a: %+v", byValue["a"])
	}
	if byValue["b"].Votes != 0 {
		t.Errorf("option b: %+v", byValue["b"])
	}

	// Replacement ballot: only the latest counts.
	e.HandleVote(ctx, tr.ID, "u1", []string{"b"})
	upd = waitFor(t, sub, "second vote update", func(ev broadcast.Event) bool {
		return ev.Type == broadcast.TypeVoteUpdate
	})
	byValue = make(map[string]broadcast.Option)
	for _, o := range upd.Options {
		byValue[o.Value] = o
	}
	if byValue["a"].Votes != 0 || byValue["b"].Votes != 1 {
		t.Errorf("replacement not reflected: a=%+v b=%+v", byValue["a"], byValue["b"])
	}
}

func TestDeleteTripCancelsAndDisconnects(t *testing.T) {
	ctx := context.Background()
	agents := testAgents(t)
	block := make(chan struct{})
	agents["preference_analyzer"] = &stubAgent{name: "preference_analyzer", fn: func(in task.Input) (task.Result, error) {
		<-block
		return task.Result{}, nil
	}}
	e, hub := newTestEngine(t, agents)

	tr, _ := e.CreateTrip(ctx, "short lived", "u1")
	sub := hub.Subscribe(tr.ID)
	e.HandleReady(ctx, tr.ID, "u1")

	if err := e.DeleteTrip(ctx, tr.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(block)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				if _, err := e.Snapshot(ctx, tr.ID); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("snapshot after delete: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription never closed")
		}
	}
}

func TestBallotEngineMajorityWinner(t *testing.T) {
	// A quick elimination walk-through, run through the same box the
	// engine uses.
	b := ballot.NewBox()
	now := time.Now()
	b.Submit("u1", []string{"A"}, now)
	b.Submit("u2", []string{"A"}, now)
	b.Submit("u3", []string{"B"}, now)
	b.Submit("u4", []string{"C"}, now)
	w, err := b.ResolveWinner([]string{"A", "B", "C"})
	if err != nil || w != "A" {
		t.Fatalf("winner: %q err=%v", w, err)
	}
}
