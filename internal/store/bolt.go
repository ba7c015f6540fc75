package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/voyago/tripsync/internal/trip"
)

var (
	bucketTrips = []byte("trips")
	bucketCodes = []byte("trip_codes")
	bucketPrefs = []byte("preferences")
)

// BoltStore persists trips in a single bbolt file. Preference documents live
// under per-trip nested buckets keyed by user ID.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTrips, bucketCodes, bucketPrefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// GetTrip loads a trip by ID.
func (s *BoltStore) GetTrip(ctx context.Context, id string) (*trip.Trip, error) {
	var t *trip.Trip
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTrips).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		t = &trip.Trip{}
		return json.Unmarshal(raw, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTripByCode resolves a join code to its trip.
func (s *BoltStore) GetTripByCode(ctx context.Context, code string) (*trip.Trip, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketCodes).Get([]byte(code))
		if id == nil {
			return ErrNotFound
		}
		id = append([]byte(nil), id...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTrip(ctx, string(id))
}

// SaveTrip upserts a trip and its code index entry.
func (s *BoltStore) SaveTrip(ctx context.Context, t *trip.Trip) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trip: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTrips).Put([]byte(t.ID), raw); err != nil {
			return err
		}
		if t.Code != "" {
			return tx.Bucket(bucketCodes).Put([]byte(t.Code), []byte(t.ID))
		}
		return nil
	})
}

// DeleteTrip removes a trip, its code entry, and its preferences.
func (s *BoltStore) DeleteTrip(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		trips := tx.Bucket(bucketTrips)
		raw := trips.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var t trip.Trip
		if err := json.Unmarshal(raw, &t); err == nil && t.Code != "" {
			if err := tx.Bucket(bucketCodes).Delete([]byte(t.Code)); err != nil {
				return err
			}
		}
		if prefs := tx.Bucket(bucketPrefs).Bucket([]byte(id)); prefs != nil {
			if err := tx.Bucket(bucketPrefs).DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return trips.Delete([]byte(id))
	})
}

// ListTrips returns every trip, ordered by ID.
func (s *BoltStore) ListTrips(ctx context.Context) ([]*trip.Trip, error) {
	var out []*trip.Trip
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrips).ForEach(func(k, v []byte) error {
			t := &trip.Trip{}
			if err := json.Unmarshal(v, t); err != nil {
				return fmt.Errorf("decode trip %s: %w", k, err)
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPreferences returns all preference documents for a trip, ordered by
// user ID.
func (s *BoltStore) GetPreferences(ctx context.Context, tripID string) ([]trip.Preference, error) {
	var out []trip.Preference
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrefs).Bucket([]byte(tripID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var p trip.Preference
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode preference %s: %w", k, err)
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SavePreference upserts one member's preference document.
func (s *BoltStore) SavePreference(ctx context.Context, tripID string, p trip.Preference) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preference: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketPrefs).CreateBucketIfNotExists([]byte(tripID))
		if err != nil {
			return err
		}
		return b.Put([]byte(p.UserID), raw)
	})
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
