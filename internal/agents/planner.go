package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/voyago/tripsync/internal/task"
	"github.com/voyago/tripsync/internal/trip"
)

var daySlots = []string{"morning", "afternoon", "evening"}

// Planner lays the group's chosen activities out across the trip's days.
type Planner struct{}

func (Planner) Name() string { return "itinerary_planner" }

func (Planner) Run(ctx context.Context, in task.Input, report task.ReportFunc) (task.Result, error) {
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}
	var cat trip.Catalog
	if ok, err := in.Trip.GetState(trip.KeyActivityCatalog, &cat); err != nil {
		return task.Result{}, err
	} else if !ok {
		return task.Result{}, fmt.Errorf("no activity catalog to plan from")
	}
	var chosen []string
	if _, err := in.Trip.GetState(trip.KeyChosenActivities, &chosen); err != nil {
		return task.Result{}, err
	}
	report("selecting activities", 0.3)

	// Chosen activities first, in vote order, then top-scored fillers.
	byID := make(map[string]trip.Activity, len(cat.Activities))
	for _, a := range cat.Activities {
		byID[a.ID] = a
	}
	var picked []trip.Activity
	seen := make(map[string]struct{})
	for _, id := range chosen {
		if a, ok := byID[id]; ok {
			picked = append(picked, a)
			seen[id] = struct{}{}
		}
	}
	rest := make([]trip.Activity, 0, len(cat.Activities))
	for _, a := range cat.Activities {
		if _, dup := seen[a.ID]; !dup {
			rest = append(rest, a)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].Score != rest[j].Score {
			return rest[i].Score > rest[j].Score
		}
		return rest[i].Name < rest[j].Name
	})

	days := in.Trip.DurationDays
	if days <= 0 {
		days = 3
	}
	report("filling day slots", 0.7)

	it := trip.Itinerary{Destination: cat.Destination, Days: days}
	slots := days * len(daySlots)
	pool := append(picked, rest...)
	if len(pool) > slots {
		pool = pool[:slots]
	}
	for i, a := range pool {
		it.Items = append(it.Items, trip.ItineraryItem{
			Day:        i/len(daySlots) + 1,
			Slot:       daySlots[i%len(daySlots)],
			ActivityID: a.ID,
			Name:       a.Name,
		})
	}

	raw, err := json.Marshal(it)
	if err != nil {
		return task.Result{}, fmt.Errorf("encode itinerary: %w", err)
	}
	return task.Result{
		Key:     trip.KeyItinerary,
		Value:   raw,
		Summary: fmt.Sprintf("planned %d activities over %d days", len(it.Items), days),
	}, nil
}
