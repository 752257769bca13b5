// Package profile fetches driver tier and home region from the account
// service. The dispatch core only needs these two fields.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/rank"
)

// Client calls the account service over HTTP.
type Client struct {
	Endpoint string
	HTTP     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint, HTTP: &http.Client{Timeout: 2 * time.Second}}
}

func (c *Client) Profiles(ctx context.Context, driverIDs []string) (map[string]rank.DriverProfile, error) {
	url := fmt.Sprintf("%s/internal/drivers?ids=%s", c.Endpoint, strings.Join(driverIDs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile service status %d", resp.StatusCode)
	}
	var out []struct {
		DriverID   string `json:"driver_id"`
		Tier       string `json:"tier"`
		HomeRegion string `json:"home_region"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	m := make(map[string]rank.DriverProfile, len(out))
	for _, p := range out {
		m[p.DriverID] = rank.DriverProfile{Tier: p.Tier, HomeRegion: p.HomeRegion}
	}
	return m, nil
}

// Static is a fixed profile table for tests and local runs. Lookups for
// unknown drivers simply miss; the ranker treats them as standard tier.
type Static map[string]rank.DriverProfile

func (s Static) Profiles(_ context.Context, driverIDs []string) (map[string]rank.DriverProfile, error) {
	m := make(map[string]rank.DriverProfile, len(driverIDs))
	for _, id := range driverIDs {
		if p, ok := s[id]; ok {
			m[id] = p
		}
	}
	return m, nil
}
