package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/voyago/tripsync/internal/task"
	"github.com/voyago/tripsync/internal/trip"
)

// maxCatalogSize caps how many activities reach the voting ballot.
const maxCatalogSize = 10

// Researcher builds the votable activity catalog for the group's destination,
// scored against the aggregated preferences.
type Researcher struct {
	Seed *SeedCatalog
}

func (Researcher) Name() string { return "destination_researcher" }

func (r Researcher) Run(ctx context.Context, in task.Input, report task.ReportFunc) (task.Result, error) {
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}
	var sum trip.PreferencesSummary
	if _, err := in.Trip.GetState(trip.KeyPreferencesSummary, &sum); err != nil {
		return task.Result{}, err
	}

	dest := sum.Destination
	if dest == "" {
		dest = in.Trip.Destination
	}
	report("selecting destination", 0.2)

	seed, _ := r.Seed.Lookup(dest)
	if seed.Name == "" {
		return task.Result{}, fmt.Errorf("no destination catalog available for %q", dest)
	}
	dest = seed.Name

	report("scoring activities", 0.6)
	avoid := make(map[string]struct{}, len(sum.Avoids))
	for _, a := range sum.Avoids {
		avoid[a] = struct{}{}
	}

	cat := trip.Catalog{Destination: dest}
	for _, a := range seed.Activities {
		sc, why := score(a, sum, avoid)
		if sc < 0 {
			continue
		}
		cat.Activities = append(cat.Activities, trip.Activity{
			ID:          a.ID,
			Name:        a.Name,
			Category:    a.Category,
			RoughCost:   a.Cost,
			DurationMin: a.DurationMin,
			Tags:        a.Tags,
			Score:       sc,
			Rationale:   why,
		})
	}
	sort.Slice(cat.Activities, func(i, j int) bool {
		if cat.Activities[i].Score != cat.Activities[j].Score {
			return cat.Activities[i].Score > cat.Activities[j].Score
		}
		return cat.Activities[i].Name < cat.Activities[j].Name
	})
	if len(cat.Activities) > maxCatalogSize {
		cat.Activities = cat.Activities[:maxCatalogSize]
	}
	if len(cat.Activities) == 0 {
		return task.Result{}, fmt.Errorf("every %s activity conflicts with the group's avoid list", dest)
	}

	raw, err := json.Marshal(cat)
	if err != nil {
		return task.Result{}, fmt.Errorf("encode catalog: %w", err)
	}
	return task.Result{
		Key:     trip.KeyActivityCatalog,
		Value:   raw,
		Summary: fmt.Sprintf("found %d activities in %s", len(cat.Activities), dest),
	}, nil
}

// score rates one activity against the summary. A negative score means the
// activity is excluded outright.
func score(a SeedActivity, sum trip.PreferencesSummary, avoid map[string]struct{}) (float64, string) {
	for _, t := range a.Tags {
		if _, bad := avoid[t]; bad {
			return -1, ""
		}
	}
	if _, bad := avoid[a.Category]; bad {
		return -1, ""
	}

	sc := 1.0
	var hits []string
	for _, t := range a.Tags {
		if n := sum.VibeCounts[t]; n > 0 {
			sc += float64(n)
			hits = append(hits, t)
		}
	}
	if n := sum.VibeCounts[a.Category]; n > 0 {
		sc += float64(n)
		hits = append(hits, a.Category)
	}

	why := "general fit for the destination"
	if len(hits) > 0 {
		sort.Strings(hits)
		why = "matches group vibes: " + hits[0]
		for _, h := range hits[1:] {
			why += ", " + h
		}
	}
	return sc, why
}
