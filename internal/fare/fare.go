package fare

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RouteEstimator is the routing lookup consumed as a pure function.
// The core never fails ride creation on estimator errors.
type RouteEstimator interface {
	RouteMeters(ctx context.Context, from, to models.Coord) (float64, error)
}

// Tariff is the per-class pricing table.
type Tariff struct {
	Base    float64
	PerKm   float64
	MinFare float64
}

var tariffs = map[string]Tariff{
	models.ClassSari:    {Base: 54.5, PerKm: 36.3, MinFare: 175.0},
	models.ClassTurkuaz: {Base: 62.61, PerKm: 41.74, MinFare: 200.0},
	models.ClassVIP:     {Base: 92.56, PerKm: 61.7, MinFare: 300.0},
	models.Class8Plus1:  {Base: 70.78, PerKm: 47.19, MinFare: 225.0},
}

// Estimate computes the fare estimate for a vehicle class and route
// distance. Returns false for unknown classes or non-positive distances.
func Estimate(class string, distanceMeters float64) (float64, bool) {
	t, ok := tariffs[class]
	if !ok || distanceMeters <= 0 {
		return 0, false
	}
	raw := t.Base + distanceMeters/1000*t.PerKm
	f := math.Max(raw, t.MinFare)
	return math.Round(f*100) / 100, true
}

// InTolerance reports whether an actual fare is acceptable against the
// estimate. With a positive estimate the band is [minRatio*e, maxRatio*e];
// without one the absolute fallback band applies. Out-of-band fares are
// rejected, never clamped.
func InTolerance(estimate, actual, minRatio, maxRatio, absMin, absMax float64) bool {
	if estimate > 0 {
		return actual >= estimate*minRatio && actual <= estimate*maxRatio
	}
	return actual >= absMin && actual <= absMax
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
