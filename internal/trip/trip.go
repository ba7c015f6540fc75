// Package trip defines the trip document and its workflow state.
package trip

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voyago/tripsync/internal/phase"
)

// Workflow state keys. Each agent task writes exactly one key on successful
// completion; the orchestrator never dispatches two tasks writing the same
// key concurrently for one trip.
const (
	KeyPreferencesSummary = "preferences_summary"
	KeyActivityCatalog    = "activity_catalog"
	KeyChosenActivities   = "chosen_activities"
	KeyItinerary          = "itinerary"
	KeyDateOptions        = "date_options"
	KeySelectedDates      = "selected_dates"
	KeyCompromise         = "compromise_option"
)

// Trip is one group planning session. The phase field is mutated only by the
// orchestrator; everything else is set at creation or through CRUD writes.
type Trip struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	CreatorID string `json:"creator_id"`

	Members []string `json:"members"`

	Destination   string `json:"destination,omitempty"`
	DurationDays  int    `json:"duration_days,omitempty"`
	SelectedDates string `json:"selected_dates,omitempty"`

	Phase      phase.Phase `json:"phase"`
	PhaseEpoch int         `json:"phase_epoch"`
	LastError  string      `json:"last_error,omitempty"`

	// State maps workflow keys to opaque result payloads.
	State map[string]json.RawMessage `json:"state,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a trip in its initial phase with the creator as first member.
func New(name, creatorID string) *Trip {
	now := time.Now().UTC()
	return &Trip{
		ID:        uuid.NewString(),
		Code:      newCode(),
		Name:      name,
		CreatorID: creatorID,
		Members:   []string{creatorID},
		Phase:     phase.CollectingPreferences,
		State:     make(map[string]json.RawMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the length of a join code.
const CodeLength = 6

// newCode generates the join code.
func newCode() string {
	b := make([]byte, CodeLength)
	rand.Read(b)
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}

// IsMember reports whether user belongs to the trip.
func (t *Trip) IsMember(user string) bool {
	for _, m := range t.Members {
		if m == user {
			return true
		}
	}
	return false
}

// Join adds a member. Joining twice is a no-op; the return value reports
// whether the member list changed.
func (t *Trip) Join(user string) bool {
	if t.IsMember(user) {
		return false
	}
	t.Members = append(t.Members, user)
	t.UpdatedAt = time.Now().UTC()
	return true
}

// SetState marshals v into the workflow state under key.
func (t *Trip) SetState(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode workflow state %q: %w", key, err)
	}
	if t.State == nil {
		t.State = make(map[string]json.RawMessage)
	}
	t.State[key] = data
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// GetState unmarshals the workflow state under key into out. The boolean
// reports whether the key exists.
func (t *Trip) GetState(key string, out interface{}) (bool, error) {
	raw, ok := t.State[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode workflow state %q: %w", key, err)
	}
	return true, nil
}

// HasState reports whether a workflow key has been written.
func (t *Trip) HasState(key string) bool {
	_, ok := t.State[key]
	return ok
}

// Preference is one member's submitted travel preference document.
type Preference struct {
	UserID       string    `json:"user_id"`
	Destination  string    `json:"destination,omitempty"`
	BudgetBand   string    `json:"budget_band,omitempty"` // shoestring, moderate, comfortable, luxury
	Vibes        []string  `json:"vibes,omitempty"`
	MustHaves    []string  `json:"must_haves,omitempty"`
	Avoids       []string  `json:"avoids,omitempty"`
	DateWindows  []string  `json:"date_windows,omitempty"` // "YYYY-MM-DD:YYYY-MM-DD"
	DurationDays int       `json:"duration_days,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// PreferencesSummary is the aggregate the preference analyzer writes.
type PreferencesSummary struct {
	Members      int            `json:"members"`
	Submitted    int            `json:"submitted"`
	Coverage     float64        `json:"coverage"`
	Destination  string         `json:"destination,omitempty"`
	BudgetBand   string         `json:"budget_band,omitempty"`
	VibeCounts   map[string]int `json:"vibe_counts,omitempty"`
	MustHaves    []string       `json:"must_haves,omitempty"`
	Avoids       []string       `json:"avoids,omitempty"`
	DateWindows  []string       `json:"date_windows,omitempty"`
	DurationDays int            `json:"duration_days,omitempty"`
}

// Activity is one votable catalog entry.
type Activity struct {
	ID          string   `json:"activity_id"`
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	RoughCost   float64  `json:"rough_cost,omitempty"`
	DurationMin int      `json:"duration_min,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Score       float64  `json:"score"`
	Rationale   string   `json:"rationale,omitempty"`
}

// Catalog is the activity catalog the destination researcher writes.
type Catalog struct {
	Destination string     `json:"destination"`
	Activities  []Activity `json:"activities"`
}

// Compromise is the blended option the compromise broker writes when a vote
// deadlocks. Value and Label feed straight into the rerun ballot.
type Compromise struct {
	Value      string   `json:"value"`
	Label      string   `json:"label"`
	Activities []string `json:"activities,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
}

// ItineraryItem places one activity in a day slot.
type ItineraryItem struct {
	Day        int    `json:"day"`
	Slot       string `json:"slot"` // morning, afternoon, evening
	ActivityID string `json:"activity_id"`
	Name       string `json:"name"`
}

// Itinerary is the day-by-day plan the itinerary planner writes.
type Itinerary struct {
	Destination string          `json:"destination"`
	Days        int             `json:"days"`
	Items       []ItineraryItem `json:"items"`
}
