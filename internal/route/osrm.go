package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// EstimateRoute queries OSRM /route between points.
func (o *OSRMClient) EstimateRoute(ctx context.Context, from, to models.Coord) (Estimate, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Estimate{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Estimate{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Estimate{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return Estimate{DistanceMeters: out.Routes[0].Distance, DurationSeconds: out.Routes[0].Duration}, nil
}
