package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/voyago/tripsync/internal/trip"
)

// MemoryStore is an in-memory Store used in tests and for ephemeral runs.
// Documents are deep-copied through JSON so callers never share state with
// the store.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*trip.Trip
	codes map[string]string
	prefs map[string]map[string]trip.Preference
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		trips: make(map[string]*trip.Trip),
		codes: make(map[string]string),
		prefs: make(map[string]map[string]trip.Preference),
	}
}

func copyTrip(t *trip.Trip) *trip.Trip {
	raw, _ := json.Marshal(t)
	out := &trip.Trip{}
	json.Unmarshal(raw, out)
	return out
}

func (s *MemoryStore) GetTrip(ctx context.Context, id string) (*trip.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTrip(t), nil
}

func (s *MemoryStore) GetTripByCode(ctx context.Context, code string) (*trip.Trip, error) {
	s.mu.RLock()
	id, ok := s.codes[code]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetTrip(ctx, id)
}

func (s *MemoryStore) SaveTrip(ctx context.Context, t *trip.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[t.ID] = copyTrip(t)
	if t.Code != "" {
		s.codes[t.Code] = t.ID
	}
	return nil
}

func (s *MemoryStore) DeleteTrip(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.codes, t.Code)
	delete(s.trips, id)
	delete(s.prefs, id)
	return nil
}

func (s *MemoryStore) ListTrips(ctx context.Context) ([]*trip.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*trip.Trip, 0, len(s.trips))
	for _, t := range s.trips {
		out = append(out, copyTrip(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetPreferences(ctx context.Context, tripID string) ([]trip.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]trip.Preference, 0, len(s.prefs[tripID]))
	for _, p := range s.prefs[tripID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) SavePreference(ctx context.Context, tripID string, p trip.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs[tripID] == nil {
		s.prefs[tripID] = make(map[string]trip.Preference)
	}
	s.prefs[tripID][p.UserID] = p
	return nil
}

func (s *MemoryStore) Close() error { return nil }
