// Package ballot collects approval ballots and resolves a winner by
// instant-runoff elimination.
package ballot

import (
	"errors"
	"sort"
	"time"
)

// ErrNoMajority is returned when every remaining option ties at every round
// and elimination cannot produce a winner. The orchestrator routes this
// outcome to conflict resolution; it is not a failure.
var ErrNoMajority = errors.New("no majority after elimination")

// Ballot is one user's set of approved options for a voting phase.
type Ballot struct {
	User        string    `json:"user"`
	Choices     []string  `json:"choices"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Tally is the derived per-option count, recomputed from the live ballot set
// on demand and never stored as source of truth.
type Tally struct {
	Counts map[string]int      `json:"counts"`
	Voters map[string][]string `json:"voters"`
	Cast   int                 `json:"cast"`
}

// Box holds the live ballots for one occurrence of a voting phase. At most
// one ballot per user; a resubmission replaces the previous one. Not safe
// for concurrent use; the owning trip runtime serializes access.
type Box struct {
	ballots map[string]Ballot
}

// NewBox returns an empty ballot box.
func NewBox() *Box {
	return &Box{ballots: make(map[string]Ballot)}
}

// Submit records or replaces the user's ballot. A replacement is only valid
// if it does not predate the ballot it supersedes; stale submissions are
// discarded and the return value reports whether the box changed.
func (b *Box) Submit(user string, choices []string, at time.Time) bool {
	if prev, ok := b.ballots[user]; ok && at.Before(prev.SubmittedAt) {
		return false
	}
	b.ballots[user] = Ballot{User: user, Choices: append([]string(nil), choices...), SubmittedAt: at}
	return true
}

// Count returns the number of cast ballots.
func (b *Box) Count() int {
	return len(b.ballots)
}

// Voters returns the IDs of users who have cast a ballot, sorted.
func (b *Box) Voters() []string {
	out := make([]string, 0, len(b.ballots))
	for u := range b.ballots {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// TallyFor recomputes approval counts over the given options. Choices naming
// options outside the list are ignored; voter lists are sorted so every
// client renders identical tallies.
func (b *Box) TallyFor(options []string) Tally {
	t := Tally{
		Counts: make(map[string]int, len(options)),
		Voters: make(map[string][]string, len(options)),
		Cast:   len(b.ballots),
	}
	valid := make(map[string]struct{}, len(options))
	for _, o := range options {
		valid[o] = struct{}{}
		t.Counts[o] = 0
		t.Voters[o] = nil
	}
	for user, bal := range b.ballots {
		seen := make(map[string]struct{}, len(bal.Choices))
		for _, c := range bal.Choices {
			if _, ok := valid[c]; !ok {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			t.Counts[c]++
			t.Voters[c] = append(t.Voters[c], user)
		}
	}
	for o := range t.Voters {
		sort.Strings(t.Voters[o])
	}
	return t
}

// ResolveWinner runs instant-runoff elimination over the cast ballots,
// restricted to the given options. Each round counts approvals per remaining
// option against the fixed number of cast ballots: a strict majority wins
// (highest count first, then lexicographically smallest), a single survivor
// wins by default, and a tie across every remaining option yields
// ErrNoMajority. Otherwise the option with the fewest approvals is
// eliminated, ties broken toward the lexicographically smallest identifier,
// and the round repeats. The result is a pure function of the ballot set.
func (b *Box) ResolveWinner(options []string) (string, error) {
	if len(options) == 0 || len(b.ballots) == 0 {
		return "", ErrNoMajority
	}

	cast := len(b.ballots)
	remaining := append([]string(nil), options...)
	sort.Strings(remaining)

	for {
		if len(remaining) == 1 {
			return remaining[0], nil
		}

		t := b.TallyFor(remaining)

		winner, found := majority(t.Counts, remaining, cast)
		if found {
			return winner, nil
		}

		minCount, maxCount := bounds(t.Counts, remaining)
		if minCount == maxCount {
			// Every remaining option is tied; eliminating the minimum
			// would empty the field.
			return "", ErrNoMajority
		}

		remaining = eliminate(remaining, t.Counts, minCount)
	}
}

// majority returns the winning option if any remaining option is approved by
// a strict majority of cast ballots. With approval ballots more than one
// option can clear the bar; the highest count wins, lexicographic order
// breaking exact ties.
func majority(counts map[string]int, remaining []string, cast int) (string, bool) {
	winner := ""
	best := 0
	for _, o := range remaining { // remaining is sorted, so ties resolve low
		if counts[o]*2 > cast && counts[o] > best {
			winner = o
			best = counts[o]
		}
	}
	return winner, winner != ""
}

func bounds(counts map[string]int, remaining []string) (minCount, maxCount int) {
	minCount, maxCount = counts[remaining[0]], counts[remaining[0]]
	for _, o := range remaining[1:] {
		if counts[o] < minCount {
			minCount = counts[o]
		}
		if counts[o] > maxCount {
			maxCount = counts[o]
		}
	}
	return minCount, maxCount
}

// eliminate removes the lexicographically smallest option holding the
// minimum approval count.
func eliminate(remaining []string, counts map[string]int, minCount int) []string {
	victim := ""
	for _, o := range remaining { // sorted, first hit is lexicographically smallest
		if counts[o] == minCount {
			victim = o
			break
		}
	}
	out := remaining[:0]
	for _, o := range remaining {
		if o != victim {
			out = append(out, o)
		}
	}
	return out
}
