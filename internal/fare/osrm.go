package fare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	Cache    *Cache // optional
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		Cache:    NewCache(5 * time.Minute),
	}
}

// RouteMeters queries OSRM /route between points and returns the route
// distance in meters.
func (o *OSRMClient) RouteMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	if o.Cache != nil {
		if v, ok := o.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	// OSRM route query: /route/v1/driving/{lng1},{lat1};{lng2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	if o.Cache != nil {
		o.Cache.Set(from, to, out.Routes[0].Distance)
	}
	return out.Routes[0].Distance, nil
}

// HaversineEstimator is the fallback when no routing server is configured.
type HaversineEstimator struct{}

func (HaversineEstimator) RouteMeters(_ context.Context, from, to models.Coord) (float64, error) {
	return geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng), nil
}
