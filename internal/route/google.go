package route

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/cab-dispatch/internal/models"
)

// GoogleRouter uses the Google Maps Directions API in driving mode.
type GoogleRouter struct {
	client *maps.Client
}

func NewGoogleRouter(apiKey string) (*GoogleRouter, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

func (g *GoogleRouter) EstimateRoute(ctx context.Context, from, to models.Coord) (Estimate, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Estimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Estimate{}, fmt.Errorf("no route found")
	}
	leg := routes[0].Legs[0]
	return Estimate{DistanceMeters: float64(leg.Distance.Meters), DurationSeconds: leg.Duration.Seconds()}, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}
