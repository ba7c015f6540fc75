package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/voyago/tripsync/internal/phase"
	"github.com/voyago/tripsync/internal/task"
	"github.com/voyago/tripsync/internal/trip"
)

// Broker constructs a blended option after a vote deadlocks so the rerun
// ballot has a choice that spans the split camps. The interrupted phase
// decides what kind of compromise to build: activities for the activity
// vote, a blended date window for the date vote.
type Broker struct{}

func (Broker) Name() string { return "compromise_broker" }

func (Broker) Run(ctx context.Context, in task.Input, report task.ReportFunc) (task.Result, error) {
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}
	if in.Interrupted == phase.Consensus {
		return dateCompromise(in.Trip)
	}

	var cat trip.Catalog
	if ok, err := in.Trip.GetState(trip.KeyActivityCatalog, &cat); err != nil {
		return task.Result{}, err
	} else if !ok || len(cat.Activities) == 0 {
		return task.Result{}, fmt.Errorf("no activities to build a compromise from")
	}
	report("balancing camps", 0.5)

	// Take the top-scored activity of each category until two distinct
	// categories are represented. Catalog order is already score-descending.
	var picks []trip.Activity
	cats := make(map[string]struct{})
	for _, a := range cat.Activities {
		if _, dup := cats[a.Category]; dup {
			continue
		}
		cats[a.Category] = struct{}{}
		picks = append(picks, a)
		if len(picks) == 2 {
			break
		}
	}

	comp := trip.Compromise{
		Value:     "compromise",
		Rationale: "pairs the strongest options from different camps so nobody's first choice is shut out",
	}
	if len(picks) == 1 {
		comp.Label = "Compromise: " + picks[0].Name
		comp.Activities = []string{picks[0].ID}
	} else {
		comp.Label = fmt.Sprintf("Compromise: %s + %s", picks[0].Name, picks[1].Name)
		comp.Activities = []string{picks[0].ID, picks[1].ID}
	}

	raw, err := json.Marshal(comp)
	if err != nil {
		return task.Result{}, fmt.Errorf("encode compromise: %w", err)
	}
	return task.Result{
		Key:     trip.KeyCompromise,
		Value:   raw,
		Summary: comp.Label,
	}, nil
}

// dateCompromise blends the proposed windows into one more window for the
// rerun ballot. The value is a real date window, so winning it selects
// usable dates.
func dateCompromise(t *trip.Trip) (task.Result, error) {
	var sum trip.PreferencesSummary
	if _, err := t.GetState(trip.KeyPreferencesSummary, &sum); err != nil {
		return task.Result{}, err
	}
	if len(sum.DateWindows) == 0 {
		return task.Result{}, fmt.Errorf("no date windows to build a compromise from")
	}
	window := blendWindows(sum.DateWindows)
	comp := trip.Compromise{
		Value:     window,
		Label:     "Compromise: " + window,
		Rationale: "the stretch that can accommodate every proposed window",
	}
	raw, err := json.Marshal(comp)
	if err != nil {
		return task.Result{}, fmt.Errorf("encode compromise: %w", err)
	}
	return task.Result{Key: trip.KeyCompromise, Value: raw, Summary: comp.Label}, nil
}

// blendWindows returns the overlap of the proposed windows, or the full
// span when they never intersect. Windows are "YYYY-MM-DD:YYYY-MM-DD", so
// string order is date order.
func blendWindows(windows []string) string {
	var starts, ends []string
	for _, w := range windows {
		parts := strings.SplitN(w, ":", 2)
		if len(parts) != 2 {
			continue
		}
		starts = append(starts, parts[0])
		ends = append(ends, parts[1])
	}
	if len(starts) == 0 {
		return windows[0]
	}
	sort.Strings(starts)
	sort.Strings(ends)
	latestStart, earliestEnd := starts[len(starts)-1], ends[0]
	if latestStart <= earliestEnd {
		return latestStart + ":" + earliestEnd
	}
	return starts[0] + ":" + ends[len(ends)-1]
}
