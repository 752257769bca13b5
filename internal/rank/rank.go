// Package rank orders dispatch candidates by loyalty tier and the
// peak-hour return-home override. Delay only affects notification order,
// never eligibility.
package rank

import (
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverProfile is the slice of the account service the ranker needs.
type DriverProfile struct {
	Tier       string
	HomeRegion string
}

// Ranked is a candidate with its computed notification delay, ascending.
type Ranked struct {
	DriverID string
	Delay    time.Duration
}

// Context carries the per-ride inputs of a ranking pass.
type Context struct {
	Peak         bool   // inside a configured peak band
	PickupRegion string // region the candidates currently operate in
	DestRegion   string // region of the ride destination
}

// PriorityDelay maps a loyalty tier to its base notification delay.
func PriorityDelay(tier string) time.Duration {
	switch tier {
	case models.TierPlatinum:
		return 0
	case models.TierGold:
		return 1 * time.Second
	case models.TierSilver:
		return 2 * time.Second
	default:
		return 3 * time.Second
	}
}

// Region derives the operating region from a longitude split.
// Istanbul convention: west of the split is Avrupa, east is Anadolu.
func Region(lng, splitLng float64) string {
	if lng < splitLng {
		return "avrupa"
	}
	return "anadolu"
}

// Order ranks the candidate ids ascending by delay. During a peak band a
// driver working outside their home region whose home region equals the
// ride destination is forced to delay 0 regardless of tier. Missing
// profiles fall back to the standard tier. The sort is stable so equal
// delays keep discovery (distance) order.
func Order(ids []string, profiles map[string]DriverProfile, rc Context) []Ranked {
	out := make([]Ranked, 0, len(ids))
	for _, id := range ids {
		p, ok := profiles[id]
		if !ok {
			p = DriverProfile{Tier: models.TierStandard}
		}
		delay := PriorityDelay(p.Tier)
		if rc.Peak && rc.DestRegion != "" && p.HomeRegion != "" && rc.PickupRegion != "" {
			if p.HomeRegion != rc.PickupRegion && rc.DestRegion == p.HomeRegion {
				delay = 0
			}
		}
		out = append(out, Ranked{DriverID: id, Delay: delay})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Delay < out[j].Delay })
	return out
}
