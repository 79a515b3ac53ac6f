package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

// DefaultStaleAfter is how old a reading may get before WithinRadius ignores it.
const DefaultStaleAfter = 120 * time.Second

// Nearby is one driver returned by a radius query.
type Nearby struct {
	DriverID   string
	DistanceKm float64
}

// Store keeps the last reported location of every driver. It knows nothing
// about presence; callers filter on status themselves.
type Store struct {
	mu         sync.RWMutex
	locations  map[string]models.DriverLocation
	staleAfter time.Duration
	now        func() time.Time
}

func NewStore(staleAfter time.Duration) *Store {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Store{locations: make(map[string]models.DriverLocation), staleAfter: staleAfter, now: time.Now}
}

// WithClock replaces the clock used for timestamps and staleness checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Update upserts the driver's location and returns the stored record.
func (s *Store) Update(driverID string, lat, lng float64) models.DriverLocation {
	loc := models.DriverLocation{DriverID: driverID, Lat: lat, Lng: lng, UpdatedAt: s.now()}
	s.mu.Lock()
	s.locations[driverID] = loc
	s.mu.Unlock()
	return loc
}

func (s *Store) Get(driverID string) (models.DriverLocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[driverID]
	return loc, ok
}

// WithinRadius does a linear scan; fine for a few hundred drivers.
// Results are unordered.
func (s *Store) WithinRadius(lat, lng, radiusKm float64) []Nearby {
	cutoff := s.now().Add(-s.staleAfter)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Nearby, 0)
	for id, loc := range s.locations {
		if loc.UpdatedAt.Before(cutoff) {
			continue
		}
		d := DistanceKm(lat, lng, loc.Lat, loc.Lng)
		if d > radiusKm {
			continue
		}
		out = append(out, Nearby{DriverID: id, DistanceKm: d})
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locations)
}

// Clear drops every location; used at shutdown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.locations = make(map[string]models.DriverLocation)
	s.mu.Unlock()
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(lat1, lon1, lat2, lon2) / 1000
}
