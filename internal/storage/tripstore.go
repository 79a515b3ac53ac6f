package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

// RideRepository records dispatch outcomes against the ride record.
type RideRepository interface {
	MarkAccepted(ctx context.Context, rideID, driverID string) error
	MarkExpired(ctx context.Context, rideID string) error
}

const (
	StatusAccepted = "accepted"
	StatusExpired  = "expired"
)

type RideRecord struct {
	ID        string
	DriverID  string
	Status    string
	UpdatedAt time.Time
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*RideRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*RideRecord)}
}

func (m *MemoryStore) MarkAccepted(ctx context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[rideID] = &RideRecord{ID: rideID, DriverID: driverID, Status: StatusAccepted, UpdatedAt: time.Now()}
	return nil
}

// MarkExpired leaves an accepted ride untouched, matching PostgresStore.
func (m *MemoryStore) MarkExpired(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rides[rideID]; ok && r.Status == StatusAccepted {
		return nil
	}
	m.rides[rideID] = &RideRecord{ID: rideID, Status: StatusExpired, UpdatedAt: time.Now()}
	return nil
}

func (m *MemoryStore) Get(id string) (RideRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return RideRecord{}, false
	}
	return *r, true
}

// Apply replays a published dispatch event onto repo.
func Apply(ctx context.Context, repo RideRepository, ev models.DispatchEvent) error {
	switch ev.State {
	case models.DispatchMatched:
		return repo.MarkAccepted(ctx, ev.RideID, ev.DriverID)
	case models.DispatchExpired, models.DispatchNoDriversFound:
		return repo.MarkExpired(ctx, ev.RideID)
	default:
		return fmt.Errorf("%w: dispatch event state %q", models.ErrInvalidMessage, ev.State)
	}
}

// Multi fans each call out to every repository and joins their errors.
type Multi []RideRepository

func (m Multi) MarkAccepted(ctx context.Context, rideID, driverID string) error {
	var errs []error
	for _, r := range m {
		if err := r.MarkAccepted(ctx, rideID, driverID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) MarkExpired(ctx context.Context, rideID string) error {
	var errs []error
	for _, r := range m {
		if err := r.MarkExpired(ctx, rideID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
