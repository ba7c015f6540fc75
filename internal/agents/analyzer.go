// Package agents implements the background workers the trip workflow
// dispatches between phases. Each agent is deterministic: it derives its
// result from the trip snapshot alone, so reruns after a retry produce the
// same output.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/voyago/tripsync/internal/task"
	"github.com/voyago/tripsync/internal/trip"
)

// Analyzer aggregates member preferences into a single summary the rest of
// the workflow plans against.
type Analyzer struct{}

func (Analyzer) Name() string { return "preference_analyzer" }

func (Analyzer) Run(ctx context.Context, in task.Input, report task.ReportFunc) (task.Result, error) {
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}
	report("collecting submissions", 0.2)

	members := len(in.Trip.Members)
	sum := trip.PreferencesSummary{
		Members:    members,
		Submitted:  len(in.Preferences),
		VibeCounts: make(map[string]int),
	}
	if members > 0 {
		sum.Coverage = float64(sum.Submitted) / float64(members)
	}

	destVotes := make(map[string]int)
	budgetVotes := make(map[string]int)
	musts := make(map[string]struct{})
	avoids := make(map[string]struct{})
	windows := make(map[string]struct{})
	for _, p := range in.Preferences {
		if p.Destination != "" {
			destVotes[p.Destination]++
		}
		if p.BudgetBand != "" {
			budgetVotes[p.BudgetBand]++
		}
		for _, v := range p.Vibes {
			sum.VibeCounts[v]++
		}
		for _, m := range p.MustHaves {
			musts[m] = struct{}{}
		}
		for _, a := range p.Avoids {
			avoids[a] = struct{}{}
		}
		for _, w := range p.DateWindows {
			windows[w] = struct{}{}
		}
		if p.DurationDays > sum.DurationDays {
			sum.DurationDays = p.DurationDays
		}
	}

	report("aggregating", 0.7)
	sum.Destination = plurality(destVotes)
	sum.BudgetBand = plurality(budgetVotes)
	sum.MustHaves = sortedKeys(musts)
	sum.Avoids = sortedKeys(avoids)
	sum.DateWindows = sortedKeys(windows)

	raw, err := json.Marshal(sum)
	if err != nil {
		return task.Result{}, fmt.Errorf("encode summary: %w", err)
	}
	return task.Result{
		Key:     trip.KeyPreferencesSummary,
		Value:   raw,
		Summary: fmt.Sprintf("analyzed %d of %d preference sets", sum.Submitted, members),
	}, nil
}

// plurality picks the most voted entry, ties broken lexicographically.
func plurality(votes map[string]int) string {
	best, bestN := "", 0
	for k, n := range votes {
		if n > bestN || (n == bestN && (best == "" || k < best)) {
			best, bestN = k, n
		}
	}
	return best
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
