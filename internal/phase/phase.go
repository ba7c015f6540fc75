// Package phase defines the trip workflow phases and the legal transitions
// between them.
package phase

import "fmt"

// Phase is one stage of the trip planning workflow.
type Phase string

const (
	CollectingPreferences Phase = "collecting_preferences"
	Researching           Phase = "researching"
	ActivityVoting        Phase = "activity_voting"
	ItineraryApproval     Phase = "itinerary_approval"
	Consensus             Phase = "consensus"
	ConflictResolution    Phase = "conflict_resolution"
	Completed             Phase = "completed"
)

// Gate describes what unblocks a phase.
type Gate int

const (
	// GateHuman phases advance when every trip member has marked ready.
	GateHuman Gate = iota
	// GateAgent phases advance when all dispatched tasks complete.
	GateAgent
)

// Spec describes one phase: how it is gated, which agent tasks are
// dispatched on entry, whether its readiness gate runs a ballot tally, and
// which phase follows on the forward path.
type Spec struct {
	Gate   Gate
	Tasks  []string // agent names dispatched on entry
	Voting bool     // readiness gate also resolves a ballot winner
	Next   Phase
}

// table enumerates every phase. conflict_resolution has no static successor:
// the engine records the phase it was entered from and returns there.
var table = map[Phase]Spec{
	CollectingPreferences: {Gate: GateHuman, Next: Researching},
	Researching:           {Gate: GateAgent, Tasks: []string{"preference_analyzer", "destination_researcher"}, Next: ActivityVoting},
	ActivityVoting:        {Gate: GateHuman, Voting: true, Next: ItineraryApproval},
	ItineraryApproval:     {Gate: GateHuman, Tasks: []string{"itinerary_planner"}, Next: Consensus},
	Consensus:             {Gate: GateHuman, Voting: true, Next: Completed},
	ConflictResolution:    {Gate: GateAgent, Tasks: []string{"compromise_broker"}},
	Completed:             {Gate: GateHuman},
}

// Lookup returns the spec for a phase.
func Lookup(p Phase) (Spec, error) {
	s, ok := table[p]
	if !ok {
		return Spec{}, fmt.Errorf("unknown phase: %s", p)
	}
	return s, nil
}

// Valid reports whether p names a known phase.
func Valid(p Phase) bool {
	_, ok := table[p]
	return ok
}

// Terminal reports whether the workflow ends at p.
func Terminal(p Phase) bool {
	return p == Completed
}

// CanConflict reports whether p may take the back-edge into
// conflict_resolution when a tally exhausts without a majority.
func CanConflict(p Phase) bool {
	return p == ActivityVoting || p == Consensus
}

// Next returns the forward successor of p. The second result is false for
// terminal phases and for conflict_resolution, whose successor is dynamic.
func Next(p Phase) (Phase, bool) {
	s, ok := table[p]
	if !ok || s.Next == "" {
		return "", false
	}
	return s.Next, true
}

// CanTransition reports whether moving from to next is a legal edge: the
// forward path, the conflict back-edge, or the return from conflict
// resolution to the phase it interrupted.
func CanTransition(from, to Phase) bool {
	if next, ok := Next(from); ok && next == to {
		return true
	}
	if to == ConflictResolution && CanConflict(from) {
		return true
	}
	if from == ConflictResolution && CanConflict(to) {
		return true
	}
	return false
}
