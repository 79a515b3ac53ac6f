package matcher

import (
	"sort"

	"github.com/example/cab-dispatch/internal/geo"
)

const (
	DefaultRadiusKm      = 5.0
	DefaultMaxCandidates = 5
)

type Locations interface {
	WithinRadius(lat, lng, radiusKm float64) []geo.Nearby
}

type Presence interface {
	ListActive() []string
}

// Candidate is a driver eligible for a ride request, with its distance to pickup.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// Finder ranks online, non-busy drivers around a pickup point.
type Finder struct {
	Locations Locations
	Presence  Presence
}

func NewFinder(locations Locations, presence Presence) *Finder {
	return &Finder{Locations: locations, Presence: presence}
}

// FindCandidates returns up to maxCandidates Active drivers within radiusKm of the
// pickup, nearest first with ties broken by driver id. Non-positive arguments
// fall back to the defaults. An empty result is not an error.
func (f *Finder) FindCandidates(lat, lng, radiusKm float64, maxCandidates int) []Candidate {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	nearby := f.Locations.WithinRadius(lat, lng, radiusKm)
	if len(nearby) == 0 {
		return nil
	}
	active := make(map[string]struct{})
	for _, id := range f.Presence.ListActive() {
		active[id] = struct{}{}
	}
	out := make([]Candidate, 0, len(nearby))
	for _, n := range nearby {
		if _, ok := active[n.DriverID]; !ok {
			continue
		}
		out = append(out, Candidate{DriverID: n.DriverID, DistanceKm: n.DistanceKm})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out
}

// IDs flattens candidates into their driver ids, preserving order.
func IDs(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.DriverID
	}
	return out
}
