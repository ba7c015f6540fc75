// Package store persists trips and preference documents. The engine treats
// it as a plain document store; failures surface as task errors, never as
// orchestrator crashes.
package store

import (
	"context"
	"errors"

	"github.com/voyago/tripsync/internal/trip"
)

// ErrNotFound is returned when a trip or document does not exist.
var ErrNotFound = errors.New("not found")

// Store is the document-store contract the engine consumes.
type Store interface {
	GetTrip(ctx context.Context, id string) (*trip.Trip, error)
	// GetTripByCode resolves a 6-character join code.
	GetTripByCode(ctx context.Context, code string) (*trip.Trip, error)
	SaveTrip(ctx context.Context, t *trip.Trip) error
	DeleteTrip(ctx context.Context, id string) error
	ListTrips(ctx context.Context) ([]*trip.Trip, error)

	GetPreferences(ctx context.Context, tripID string) ([]trip.Preference, error)
	// SavePreference upserts one member's preference document.
	SavePreference(ctx context.Context, tripID string, p trip.Preference) error

	Close() error
}
