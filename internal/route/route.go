package route

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
)

type Estimate struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (e Estimate) DistanceKm() float64  { return e.DistanceMeters / 1000 }
func (e Estimate) DurationMin() float64 { return e.DurationSeconds / 60 }

// Router answers distance/duration queries between two points.
type Router interface {
	EstimateRoute(ctx context.Context, from, to models.Coord) (Estimate, error)
}

// Estimator is what the dispatch coordinator consumes to price a ride.
type Estimator interface {
	Router
	EstimateFare(distanceKm, durationMin float64) float64
}

// Service pairs a Router with a fare table.
type Service struct {
	Router Router
	Fares  FareTable
}

func NewService(r Router, fares FareTable) *Service {
	return &Service{Router: r, Fares: fares}
}

func (s *Service) EstimateRoute(ctx context.Context, from, to models.Coord) (Estimate, error) {
	return s.Router.EstimateRoute(ctx, from, to)
}

func (s *Service) EstimateFare(distanceKm, durationMin float64) float64 {
	return s.Fares.Fare(distanceKm, durationMin)
}

// Straight estimates along the great-circle line at a constant speed.
// In prod use a routing engine.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateRoute(ctx context.Context, from, to models.Coord) (Estimate, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng)
	return Estimate{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Cache is a tiny in-memory cache in front of a Router keyed by coords.
type Cache struct {
	next  Router
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  Estimate
	ts time.Time
}

// NewCache wraps next with a cache holding results for ttl.
func NewCache(next Router, ttl time.Duration) *Cache {
	return &Cache{next: next, store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

func (c *Cache) EstimateRoute(ctx context.Context, from, to models.Coord) (Estimate, error) {
	if v, ok := c.get(from, to); ok {
		return v, nil
	}
	v, err := c.next.EstimateRoute(ctx, from, to)
	if err != nil {
		return Estimate{}, err
	}
	c.set(from, to, v)
	return v, nil
}

func (c *Cache) get(a, b models.Coord) (Estimate, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Estimate{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Estimate{}, false
	}
	return e.v, true
}

func (c *Cache) set(a, b models.Coord, v Estimate) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
